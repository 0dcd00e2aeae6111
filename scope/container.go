package scope

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
)

// Lifetime controls how many instances a provider produces.
type Lifetime int

const (
	// Singleton providers are built once and shared by every scope.
	Singleton Lifetime = iota
	// Scoped providers are built once per child scope and closed with it.
	Scoped
)

type provider struct {
	lifetime Lifetime
	build    func(Resolver) (any, error)

	once sync.Once
	val  any
	err  error
}

type registry struct {
	mu        sync.RWMutex
	providers map[reflect.Type]*provider
}

func (r *registry) lookup(t reflect.Type) (*provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[t]
	return p, ok
}

// Container is a type-keyed Resolver. The container returned by NewContainer
// is the root; CreateChildScope derives containers that share its
// registrations but own their scoped instances.
type Container struct {
	reg *registry

	mu        sync.Mutex
	instances map[reflect.Type]any
	closers   []io.Closer
	closed    bool
}

var _ Resolver = (*Container)(nil)

// NewContainer returns an empty root container.
func NewContainer() *Container {
	return &Container{
		reg:       &registry{providers: make(map[reflect.Type]*provider)},
		instances: make(map[reflect.Type]any),
	}
}

// Register adds a provider for T. Registering the same type again replaces
// the earlier provider.
func Register[T any](c *Container, lifetime Lifetime, build func(Resolver) (T, error)) {
	t := reflect.TypeFor[T]()
	c.reg.mu.Lock()
	c.reg.providers[t] = &provider{
		lifetime: lifetime,
		build: func(r Resolver) (any, error) {
			return build(r)
		},
	}
	c.reg.mu.Unlock()
}

// RegisterInstance registers v as the singleton for T.
func RegisterInstance[T any](c *Container, v T) {
	Register(c, Singleton, func(Resolver) (T, error) { return v, nil })
}

// CreateChildScope returns a child container sharing this container's registrations.
func (c *Container) CreateChildScope() Resolver {
	return &Container{
		reg:       c.reg,
		instances: make(map[reflect.Type]any),
	}
}

// Resolve returns the instance registered for t.
func (c *Container) Resolve(t reflect.Type) (any, error) {
	p, ok := c.reg.lookup(t)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotRegistered, t)
	}

	if p.lifetime == Singleton {
		p.once.Do(func() { p.val, p.err = p.build(c) })
		return p.val, p.err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrScopeDisposed
	}
	if v, ok := c.instances[t]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	// Build outside the lock so providers may resolve their own dependencies.
	v, err := p.build(c)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.instances[t]; ok {
		c.mu.Unlock()
		if cl, ok := v.(io.Closer); ok {
			_ = cl.Close()
		}
		return existing, nil
	}
	if c.closed {
		c.mu.Unlock()
		if cl, ok := v.(io.Closer); ok {
			_ = cl.Close()
		}
		return nil, ErrScopeDisposed
	}
	c.instances[t] = v
	if cl, ok := v.(io.Closer); ok {
		c.closers = append(c.closers, cl)
	}
	c.mu.Unlock()
	return v, nil
}

// Close releases scoped instances in reverse creation order. Subsequent
// calls are no-ops.
func (c *Container) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	closers := c.closers
	c.closers = nil
	c.instances = nil
	c.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
