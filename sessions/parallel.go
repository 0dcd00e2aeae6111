package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/ggoodman/session-scope-go/scope"
	"golang.org/x/sync/errgroup"
)

// ParallelForEach runs action once per item, each with its own child scope of
// parent. Child scopes share the parent's id and session id, are published as
// the current scope on the action's context, and are disposed when the action
// returns.
//
// At most WithMaxDegreeOfParallelism actions run at once (default
// GOMAXPROCS). The first error cancels the remaining work and is returned. A
// context that is already done fails fast without starting any action.
func ParallelForEach[T any](
	ctx context.Context,
	m *Manager,
	parent *scope.Scope,
	items []T,
	action func(ctx context.Context, s *scope.Scope, item T) error,
	opts ...ParallelOption,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m == nil || parent == nil || action == nil {
		return fmt.Errorf("%w: manager, parent scope and action are required", ErrInvalidArgument)
	}

	o := parallelOptions{maxDegreeOfParallelism: runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		opt(&o)
	}

	g, gCtx := errgroup.WithContext(ctx)
	if o.maxDegreeOfParallelism > 0 {
		g.SetLimit(o.maxDegreeOfParallelism)
	}

	stopped := false
	for _, item := range items {
		if gCtx.Err() != nil {
			stopped = true
			break
		}
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			child := m.cfg.Scopes.CreateScope(parent)
			defer func() {
				if err := child.Dispose(); err != nil {
					m.log.WarnContext(gCtx, "scope.dispose.fail", slog.String("scope_id", child.ID()), slog.String("err", err.Error()))
				}
			}()
			return action(scope.WithCurrent(gCtx, child), child, item)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if stopped {
		return ctx.Err()
	}
	return nil
}
