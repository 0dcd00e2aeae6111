package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/session-scope-go/scope"
	"github.com/ggoodman/session-scope-go/storage"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ManagerConfig configures the session manager.
type ManagerConfig struct {
	// DefaultDuration is the lease given to sessions created without an
	// explicit duration. Default: 15 minutes.
	DefaultDuration time.Duration

	Orders        storage.OrderRepository
	Customers     storage.CustomerRepository
	Conversations storage.ConversationRepository

	// Scopes creates child scopes for ParallelForEach. Default: a factory
	// without a root resolver.
	Scopes *scope.Factory

	Logger  *slog.Logger
	Metrics MetricsSink

	// Now is the clock used for timestamps and expiry. Default: time.Now.
	Now func() time.Time
}

// applyDefaults populates zero values with conservative defaults.
func (c *ManagerConfig) applyDefaults() {
	if c.DefaultDuration <= 0 {
		c.DefaultDuration = 15 * time.Minute
	}
	if c.Scopes == nil {
		c.Scopes = scope.NewFactory(nil)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Manager orchestrates creation, lookup, refresh and termination of sessions.
// It is the only component that mutates the live registry or any session's
// internal state. It is safe for concurrent use.
type Manager struct {
	cfg  ManagerConfig
	log  *slog.Logger
	live sync.Map // session id -> *Session

	// creation collapses concurrent scan-or-create lookups for one key.
	creation singleflight.Group
}

// NewManager constructs a manager. All three repositories are required.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Orders == nil || cfg.Customers == nil || cfg.Conversations == nil {
		return nil, errors.New("sessions: order, customer and conversation repositories are required")
	}
	cfg.applyDefaults()
	return &Manager{cfg: cfg, log: cfg.Logger}, nil
}

// Scopes returns the scope factory used by the manager.
func (m *Manager) Scopes() *scope.Factory {
	return m.cfg.Scopes
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time {
	return m.cfg.Now()
}

// CreateSession creates and registers a new session whose first active scope
// is scopeID.
func (m *Manager) CreateSession(ctx context.Context, scopeID string, opts ...SessionOption) (*Session, error) {
	if scopeID == "" {
		return nil, fmt.Errorf("%w: scope id is required", ErrInvalidArgument)
	}
	var o sessionOptions
	for _, opt := range opts {
		opt(&o)
	}
	sess := m.newSession(scopeID, o)
	m.insert(ctx, sess)
	return sess, nil
}

func (m *Manager) newSession(scopeID string, o sessionOptions) *Session {
	duration := m.cfg.DefaultDuration
	if o.hasDuration {
		duration = o.duration
	}
	sess := newSession(uuid.NewString(), m.cfg.Now().UTC(), duration, !o.hasDuration)
	sess.scopes[scopeID] = struct{}{}
	return sess
}

func (m *Manager) insert(ctx context.Context, sess *Session) {
	m.live.Store(sess.id, sess)
	m.recordMetric("sessions_created", nil)
	m.log.InfoContext(ctx, "session.create.ok",
		slog.String("session_id", sess.id),
		slog.Bool("expires_immediately", sess.expiresImmediately),
		slog.Duration("duration", sess.duration),
	)
}

// GetSession returns the live session with the given id after refreshing it.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidArgument)
	}
	v, ok := m.live.Load(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	sess := v.(*Session)
	if !sess.touch(m.cfg.Now().UTC()) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess, nil
}

// GetSessionByScope returns the session owning scopeID, creating one when no
// live session has that scope.
func (m *Manager) GetSessionByScope(ctx context.Context, scopeID string) (*Session, error) {
	if scopeID == "" {
		return nil, fmt.Errorf("%w: scope id is required", ErrInvalidArgument)
	}
	return m.findOrCreate(ctx, "scope:"+scopeID, scopeID,
		func(s *Session) bool { return s.HasScope(scopeID) },
		nil,
	)
}

// GetSessionByUserID returns the session stamped with userID, creating and
// stamping one on a miss. scopeID is added to the returned session.
func (m *Manager) GetSessionByUserID(ctx context.Context, userID, scopeID string) (*Session, error) {
	if scopeID == "" {
		return nil, fmt.Errorf("%w: scope id is required", ErrInvalidArgument)
	}
	return m.findOrCreate(ctx, "user:"+userID, scopeID,
		func(s *Session) bool { return s.matchesUser(userID) },
		func(s *Session) { s.setUserID(userID) },
	)
}

// GetSessionByAPIKey returns the session stamped with apiKey, creating and
// stamping one on a miss. scopeID is added to the returned session.
func (m *Manager) GetSessionByAPIKey(ctx context.Context, apiKey, scopeID string) (*Session, error) {
	if scopeID == "" {
		return nil, fmt.Errorf("%w: scope id is required", ErrInvalidArgument)
	}
	return m.findOrCreate(ctx, "apikey:"+apiKey, scopeID,
		func(s *Session) bool { return s.matchesAPIKey(apiKey) },
		func(s *Session) { s.setAPIKey(apiKey) },
	)
}

// findOrCreate scans for a session matching match and otherwise creates one,
// applying stamp before it becomes visible. Concurrent callers with the same
// key share a single scan-or-create. Each caller then refreshes the session
// and adds its own scope.
func (m *Manager) findOrCreate(ctx context.Context, key, scopeID string, match func(*Session) bool, stamp func(*Session)) (*Session, error) {
	for attempt := 0; attempt < 3; attempt++ {
		v, _, _ := m.creation.Do(key, func() (any, error) {
			if sess := m.scan(match); sess != nil {
				return sess, nil
			}
			sess := m.newSession(scopeID, sessionOptions{})
			if stamp != nil {
				stamp(sess)
			}
			m.insert(ctx, sess)
			return sess, nil
		})
		sess := v.(*Session)
		if !sess.touch(m.cfg.Now().UTC()) {
			// Ended between lookup and refresh; look again.
			continue
		}
		if err := sess.addScope(scopeID); err != nil {
			continue
		}
		return sess, nil
	}
	return nil, fmt.Errorf("%w: session ended during lookup", ErrSessionEnded)
}

// scan returns the first live session matching match. Sessions that are
// ending but not yet removed from the registry are skipped.
func (m *Manager) scan(match func(*Session) bool) *Session {
	var found *Session
	m.live.Range(func(_, v any) bool {
		s := v.(*Session)
		if match(s) && !s.Ended() {
			found = s
			return false
		}
		return true
	})
	return found
}

// GetSessionByOrder loads the order and its customer, obtains the session for
// scopeID and attaches the order to it.
func (m *Manager) GetSessionByOrder(ctx context.Context, orderID, scopeID string) (*Session, error) {
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidArgument)
	}
	if scopeID == "" {
		return nil, fmt.Errorf("%w: scope id is required", ErrInvalidArgument)
	}
	order, err := m.cfg.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	customer, err := m.cfg.Customers.GetCustomerByEmail(ctx, order.CustomerEmail)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: no customer with email %q", ErrCustomerNotFound, order.CustomerEmail)
		}
		return nil, err
	}
	if customer == nil {
		return nil, fmt.Errorf("%w: no customer with email %q", ErrCustomerNotFound, order.CustomerEmail)
	}
	order.Customer = customer

	sess, err := m.GetSessionByScope(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	if err := sess.setOrder(order); err != nil {
		return nil, err
	}
	return sess, nil
}

// SetOrder replaces the session's pending order reference.
func (m *Manager) SetOrder(ctx context.Context, sess *Session, order *storage.Order) error {
	if sess == nil {
		return fmt.Errorf("%w: session is required", ErrInvalidArgument)
	}
	return sess.setOrder(order)
}

// FindReusableAnonymousSession returns a live session with no user id, no API
// key and an explicit lease, refreshed. It reports false when none qualifies.
func (m *Manager) FindReusableAnonymousSession(ctx context.Context) (*Session, bool) {
	now := m.cfg.Now().UTC()
	var found *Session
	m.live.Range(func(_, v any) bool {
		s := v.(*Session)
		if s.isAnonymousReusable() && s.touch(now) {
			found = s
			return false
		}
		return true
	})
	if found == nil {
		m.log.DebugContext(ctx, "session.reuse.miss")
		return nil, false
	}
	return found, true
}

// AddScopeToSession registers scopeID as active on sess. Adding a scope that
// is already present is a no-op.
func (m *Manager) AddScopeToSession(ctx context.Context, sess *Session, scopeID string) error {
	if sess == nil {
		return fmt.Errorf("%w: session is required", ErrInvalidArgument)
	}
	if scopeID == "" {
		return fmt.Errorf("%w: scope id is required", ErrInvalidArgument)
	}
	return sess.addScope(scopeID)
}

// RemoveScopeFromSession removes scopeID from sess, or from whichever live
// session owns it when sess is nil. When sess has already ended, the scope is
// also removed from any live session that picked it up since, so no session
// stays pinned by a scope whose owner is gone. A miss is logged and ignored.
func (m *Manager) RemoveScopeFromSession(ctx context.Context, scopeID string, sess *Session) error {
	if scopeID == "" {
		return fmt.Errorf("%w: scope id is required", ErrInvalidArgument)
	}
	removed := false
	if sess != nil {
		removed = sess.removeScope(scopeID)
	}
	if sess == nil || sess.Ended() {
		if owner := m.scan(func(s *Session) bool { return s.HasScope(scopeID) }); owner != nil && owner != sess {
			removed = owner.removeScope(scopeID) || removed
		}
	}
	if !removed {
		attrs := []any{slog.String("scope_id", scopeID), slog.String("reason", "scope not present")}
		if sess != nil {
			attrs = append(attrs, slog.String("session_id", sess.id))
		}
		m.log.InfoContext(ctx, "session.scope.remove.miss", attrs...)
	}
	return nil
}

// Sessions returns a snapshot of the live sessions.
func (m *Manager) Sessions() []*Session {
	var out []*Session
	m.live.Range(func(_, v any) bool {
		out = append(out, v.(*Session))
		return true
	})
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	n := 0
	m.live.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// EndSession terminates sess. Ending a session that is no longer live is a
// logged no-op. A single persistence failure is returned as the
// repository's own error; several are combined with errors.Join.
func (m *Manager) EndSession(ctx context.Context, sess *Session) error {
	if sess == nil {
		return fmt.Errorf("%w: session is required", ErrInvalidArgument)
	}
	_, err := m.end(ctx, sess, "instance", false)
	return err
}

// EndSessionIfIdle terminates sess only if it has no scopes and is expired at
// the moment of termination. It reports whether the session was ended.
func (m *Manager) EndSessionIfIdle(ctx context.Context, sess *Session) (bool, error) {
	if sess == nil {
		return false, fmt.Errorf("%w: session is required", ErrInvalidArgument)
	}
	return m.end(ctx, sess, "idle", true)
}

// EndSessionByOrder terminates the live session carrying orderID.
func (m *Manager) EndSessionByOrder(ctx context.Context, orderID string) error {
	_, err := m.endByOrder(ctx, orderID, false)
	return err
}

// EndSessionByOrderIfIdle is EndSessionByOrder with the eligibility check of
// EndSessionIfIdle.
func (m *Manager) EndSessionByOrderIfIdle(ctx context.Context, orderID string) (bool, error) {
	return m.endByOrder(ctx, orderID, true)
}

func (m *Manager) endByOrder(ctx context.Context, orderID string, requireIdle bool) (bool, error) {
	if orderID == "" {
		return false, fmt.Errorf("%w: order id is required", ErrInvalidArgument)
	}
	sess := m.scan(func(s *Session) bool { return s.matchesOrder(orderID) })
	if sess == nil {
		m.log.InfoContext(ctx, "session.end.miss", slog.String("order_id", orderID))
		return false, nil
	}
	return m.end(ctx, sess, "order", requireIdle)
}

// EndSessionByScope terminates the live session owning scopeID.
func (m *Manager) EndSessionByScope(ctx context.Context, scopeID string) error {
	if scopeID == "" {
		return fmt.Errorf("%w: scope id is required", ErrInvalidArgument)
	}
	sess := m.scan(func(s *Session) bool { return s.HasScope(scopeID) })
	if sess == nil {
		m.log.InfoContext(ctx, "session.end.miss", slog.String("scope_id", scopeID))
		return nil
	}
	_, err := m.end(ctx, sess, "scope", false)
	return err
}

func (m *Manager) end(ctx context.Context, sess *Session, via string, requireIdle bool) (bool, error) {
	start := m.cfg.Now()

	// Only the caller that flips the ended flag processes the session. The
	// flag is set before the registry delete so lookups racing with the
	// delete cannot refresh or extend it.
	convs, order, ok := sess.beginEnd(requireIdle, start)
	if !ok {
		if requireIdle {
			m.log.DebugContext(ctx, "session.end.skip", slog.String("session_id", sess.id), slog.String("via", via))
		} else {
			m.log.InfoContext(ctx, "session.end.miss", slog.String("session_id", sess.id), slog.String("via", via))
		}
		return false, nil
	}
	m.live.CompareAndDelete(sess.id, sess)

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, conv := range convs {
		g.Go(func() error {
			if err := m.cfg.Conversations.WriteConversation(ctx, conv); err != nil {
				m.log.ErrorContext(ctx, "session.flush.conversation.fail",
					slog.String("session_id", sess.id),
					slog.String("conversation_id", conv.ID),
					slog.String("err", err.Error()),
				)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if order != nil {
		if err := m.flushOrder(ctx, sess.id, order); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		m.recordMetric("sessions_end_failed", map[string]string{"reason": via})
		m.log.ErrorContext(ctx, "session.end.fail", slog.String("session_id", sess.id), slog.Int("failures", len(errs)))
		if len(errs) == 1 {
			return true, errs[0]
		}
		return true, errors.Join(errs...)
	}

	m.recordMetric("sessions_ended", map[string]string{"reason": via})
	m.observe("session_lifetime_seconds", start.Sub(sess.createdAt).Seconds())
	m.log.InfoContext(ctx, "session.end.ok",
		slog.String("session_id", sess.id),
		slog.String("via", via),
		slog.Int("conversations", len(convs)),
		slog.Bool("order", order != nil),
	)
	return true, nil
}

// flushOrder persists the order's customer before the order itself.
func (m *Manager) flushOrder(ctx context.Context, sessionID string, order *storage.Order) error {
	if order.Customer != nil {
		if err := m.cfg.Customers.SaveCustomer(ctx, order.Customer); err != nil {
			m.log.ErrorContext(ctx, "session.flush.customer.fail", slog.String("session_id", sessionID), slog.String("email", order.Customer.Email), slog.String("err", err.Error()))
			return err
		}
	}
	if err := m.cfg.Orders.AddUpdateOrder(ctx, order); err != nil {
		m.log.ErrorContext(ctx, "session.flush.order.fail", slog.String("session_id", sessionID), slog.String("order_id", order.ID), slog.String("err", err.Error()))
		return err
	}
	return nil
}

func (m *Manager) recordMetric(name string, tags map[string]string) {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.IncCounter(name, tags)
	}
}

func (m *Manager) observe(name string, value float64) {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ObserveHistogram(name, value, nil)
	}
}
