// Package scope provides disposable, uniquely identified handles for a single
// unit of work. A Scope carries the id of the session it is attributed to and
// a Resolver from which collaborator services are obtained for the lifetime
// of the unit of work.
//
// Scopes are created by a Factory, either as roots (fresh id) or as children
// of a parent scope (same id and session id, separate resolver). The scope
// active on a call chain is carried in a context.Context; see WithCurrent and
// Current.
package scope

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

var (
	// ErrScopeDisposed is returned when resolving from a scope that has been disposed.
	ErrScopeDisposed = errors.New("scope: disposed")
	// ErrServiceNotRegistered is returned when no provider exists for the requested type.
	ErrServiceNotRegistered = errors.New("scope: service not registered")
)

// Resolver hands out collaborator services for one scope. Implementations
// MUST be safe for concurrent use.
type Resolver interface {
	// CreateChildScope returns a resolver whose scoped instances are private
	// to it and released by its Close.
	CreateChildScope() Resolver
	// Resolve returns the service registered for t.
	Resolve(t reflect.Type) (any, error)
	// Close releases instances owned by this resolver.
	Close() error
}

// Scope is a handle for one unit of work. It is safe for concurrent use.
type Scope struct {
	id       string
	resolver Resolver

	mu         sync.RWMutex
	sessionID  string
	hasSession bool
	disposed   bool

	disposeOnce sync.Once
	disposeErr  error
}

// ID returns the scope id. Child scopes share their parent's id.
func (s *Scope) ID() string {
	return s.id
}

// SessionID returns the id of the session the scope is attributed to, if any.
func (s *Scope) SessionID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID, s.hasSession
}

// SetSessionID stamps the scope with the session it belongs to.
func (s *Scope) SetSessionID(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.hasSession = true
	s.mu.Unlock()
}

// Resolver returns the underlying resolver. It may be nil when the factory
// was built without a root resolver.
func (s *Scope) Resolver() Resolver {
	return s.resolver
}

// Disposed reports whether Dispose has been called.
func (s *Scope) Disposed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disposed
}

// Dispose releases the scope's resolver. Only the first call closes the
// resolver; later calls return the same result.
func (s *Scope) Dispose() error {
	s.disposeOnce.Do(func() {
		s.mu.Lock()
		s.disposed = true
		s.mu.Unlock()
		if s.resolver != nil {
			s.disposeErr = s.resolver.Close()
		}
	})
	return s.disposeErr
}

// Resolve returns the service of type T from the scope's resolver.
func Resolve[T any](s *Scope) (T, error) {
	var zero T
	if s.Disposed() {
		return zero, ErrScopeDisposed
	}
	t := reflect.TypeFor[T]()
	if s.resolver == nil {
		return zero, fmt.Errorf("%w: %s", ErrServiceNotRegistered, t)
	}
	v, err := s.resolver.Resolve(t)
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("scope: provider for %s returned %T", t, v)
	}
	return out, nil
}

// MustResolve is like Resolve but panics on error. Intended for wiring code
// where a missing registration is a programming error.
func MustResolve[T any](s *Scope) T {
	v, err := Resolve[T](s)
	if err != nil {
		panic(err)
	}
	return v
}
