package scope

import "context"

type currentScopeKey struct{}

// WithCurrent returns a context carrying s as the scope active on this call
// chain. Goroutines started with the returned context observe the same scope;
// unrelated call chains are unaffected.
func WithCurrent(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, currentScopeKey{}, s)
}

// Current returns the scope active on ctx. It reports false when none has
// been set.
func Current(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(currentScopeKey{}).(*Scope)
	if !ok || s == nil {
		return nil, false
	}
	return s, true
}
