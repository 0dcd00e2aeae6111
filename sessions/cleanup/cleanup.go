// Package cleanup runs the background sweep that ends idle, expired sessions.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/session-scope-go/sessions"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of a Service.
type State int32

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrAlreadyStarted is returned by Start on a service that was started before.
var ErrAlreadyStarted = errors.New("cleanup: already started")

// ErrStopped is returned by Start on a service that was stopped before it
// ever started.
var ErrStopped = errors.New("cleanup: stopped")

// Config configures the sweep.
type Config struct {
	// Interval between sweeps. Default: 1 minute.
	Interval time.Duration
	// MaxConcurrency bounds how many sessions are ended at once. Default: 4.
	MaxConcurrency int
	Logger         *slog.Logger
	// Now is the clock used to evaluate expiry. Default: the manager's clock.
	Now func() time.Time
}

// Manager is the subset of *sessions.Manager the sweep needs.
type Manager interface {
	Sessions() []*sessions.Session
	EndSessionIfIdle(ctx context.Context, sess *sessions.Session) (bool, error)
	EndSessionByOrderIfIdle(ctx context.Context, orderID string) (bool, error)
	Now() time.Time
}

// Service periodically ends sessions that have no active scopes and whose
// lease has run out.
type Service struct {
	mgr Manager
	cfg Config
	log *slog.Logger

	state atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

// New constructs a stopped service. Call Start to begin sweeping.
func New(mgr Manager, cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = mgr.Now
	}
	return &Service{mgr: mgr, cfg: cfg, log: cfg.Logger}
}

// State reports the current lifecycle state.
func (s *Service) State() State {
	return State(s.state.Load())
}

// Start launches the sweep loop. The loop runs until ctx is cancelled or Stop
// is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch State(s.state.Load()) {
	case StateNew:
	case StateStopped:
		return ErrStopped
	default:
		return ErrAlreadyStarted
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state.Store(int32(StateStarting))

	s.log.InfoContext(ctx, "cleanup.start", slog.Duration("interval", s.cfg.Interval), slog.Int("max_concurrency", s.cfg.MaxConcurrency))
	go s.run(loopCtx, s.done)
	return nil
}

func (s *Service) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.state.Store(int32(StateStopped))

	s.state.CompareAndSwap(int32(StateStarting), int32(StateRunning))
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.state.Store(int32(StateStopping))
			s.log.InfoContext(context.WithoutCancel(ctx), "cleanup.stop")
			return
		case <-ticker.C:
			// A tick that became ready together with cancellation is dropped.
			if ctx.Err() != nil {
				continue
			}
			s.tick(ctx)
		}
	}
}

// tick runs one sweep, containing any panic so the loop survives to the
// next interval.
func (s *Service) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.ErrorContext(ctx, "cleanup.sweep.fail", slog.Any("panic", r))
		}
	}()
	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.log.ErrorContext(ctx, "cleanup.sweep.fail", slog.String("err", err.Error()))
	}
}

// Sweep ends every idle, expired session once and returns how many were
// ended. Failures ending an individual session are logged and do not stop
// the sweep.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	now := s.cfg.Now()
	var expired []*sessions.Session
	for _, sess := range s.mgr.Sessions() {
		if sess.IsIdleAndExpired(now) {
			expired = append(expired, sess)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	s.log.InfoContext(ctx, fmt.Sprintf("Found %d expired sessions", len(expired)), slog.Int("count", len(expired)))

	var ended atomic.Int32
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, sess := range expired {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			ok, err := s.end(gCtx, sess)
			if err != nil {
				s.log.ErrorContext(gCtx, "cleanup.session.fail", slog.String("session_id", sess.ID()), slog.String("err", err.Error()))
				return nil
			}
			if ok {
				ended.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(ended.Load()), ctx.Err()
}

// end terminates sess if it is still idle and expired. A session that picked
// up a scope after the snapshot is left alone.
func (s *Service) end(ctx context.Context, sess *sessions.Session) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic ending session: %v", r)
		}
	}()
	if order := sess.Order(); order != nil {
		return s.mgr.EndSessionByOrderIfIdle(ctx, order.ID)
	}
	return s.mgr.EndSessionIfIdle(ctx, sess)
}

// Stop cancels the loop and waits for it to exit or for ctx to be done.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	if cancel == nil {
		s.state.CompareAndSwap(int32(StateNew), int32(StateStopped))
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the service. It is safe to call more than once.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.Stop(context.Background())
	})
	return err
}
