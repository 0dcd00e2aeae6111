package sessions

import (
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/session-scope-go/storage"
)

// Session is the identity unit tracked by the Manager. All state is guarded by
// the session's own lock, so contention stays confined to one session.
// Mutation happens only through Manager operations; the exported methods are
// read-only snapshots and are safe for concurrent use.
type Session struct {
	id                 string
	createdAt          time.Time
	expiresImmediately bool

	mu            sync.Mutex
	lastAccessed  time.Time
	duration      time.Duration
	expiresAt     time.Time
	userID        string
	hasUserID     bool
	apiKey        string
	hasAPIKey     bool
	scopes        map[string]struct{}
	conversations map[string]*storage.Conversation
	order         *storage.Order
	ended         bool
}

func newSession(id string, now time.Time, duration time.Duration, expiresImmediately bool) *Session {
	return &Session{
		id:                 id,
		createdAt:          now,
		expiresImmediately: expiresImmediately,
		lastAccessed:       now,
		duration:           duration,
		expiresAt:          now.Add(duration),
		scopes:             make(map[string]struct{}),
		conversations:      make(map[string]*storage.Conversation),
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// ExpiresImmediately reports whether the session was created without an
// explicit duration and may be ended as soon as it has no scopes.
func (s *Session) ExpiresImmediately() bool { return s.expiresImmediately }

func (s *Session) LastAccessed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccessed
}

func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

// UserID returns the user identity stamped on the session, if any.
func (s *Session) UserID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.hasUserID
}

// APIKey returns the API key identity stamped on the session, if any.
func (s *Session) APIKey() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiKey, s.hasAPIKey
}

// ScopeIDs returns the active scope ids in sorted order.
func (s *Session) ScopeIDs() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.scopes))
	for id := range s.scopes {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (s *Session) ScopeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scopes)
}

func (s *Session) HasScope(scopeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.scopes[scopeID]
	return ok
}

// Order returns a copy of the session's pending order, or nil.
func (s *Session) Order() *storage.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.order == nil {
		return nil
	}
	cp := *s.order
	return &cp
}

func (s *Session) orderID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.order == nil {
		return "", false
	}
	return s.order.ID, true
}

// Conversation returns a copy of the conversation with the given id.
func (s *Session) Conversation(id string) (*storage.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// ConversationIDs returns the ids of owned conversations in sorted order.
func (s *Session) ConversationIDs() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Ended reports whether the session has been terminated.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// IsExpired reports whether the session's lease no longer protects it at now.
func (s *Session) IsExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isExpiredLocked(now)
}

func (s *Session) isExpiredLocked(now time.Time) bool {
	return s.expiresImmediately || !now.Before(s.expiresAt)
}

// IsIdleAndExpired reports whether the session has no scopes and is expired,
// which is the only state eligible for automatic termination.
func (s *Session) IsIdleAndExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ended && len(s.scopes) == 0 && s.isExpiredLocked(now)
}

func (s *Session) isAnonymousReusable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ended && !s.hasUserID && !s.hasAPIKey && !s.expiresImmediately
}

func (s *Session) matchesUser(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ended && s.hasUserID && s.userID == userID
}

func (s *Session) matchesAPIKey(apiKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ended && s.hasAPIKey && s.apiKey == apiKey
}

func (s *Session) matchesOrder(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order != nil && s.order.ID == orderID
}

// touch bumps last-accessed and recomputes the expiry. It reports false when
// the session has already ended.
func (s *Session) touch(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.lastAccessed = now
	s.expiresAt = now.Add(s.duration)
	return true
}

func (s *Session) addScope(scopeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSessionEnded
	}
	s.scopes[scopeID] = struct{}{}
	return nil
}

func (s *Session) removeScope(scopeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scopes[scopeID]; !ok {
		return false
	}
	delete(s.scopes, scopeID)
	return true
}

func (s *Session) setUserID(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.hasUserID = true
	s.mu.Unlock()
}

func (s *Session) setAPIKey(apiKey string) {
	s.mu.Lock()
	s.apiKey = apiKey
	s.hasAPIKey = true
	s.mu.Unlock()
}

func (s *Session) setOrder(order *storage.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSessionEnded
	}
	s.order = order
	return nil
}

func (s *Session) putConversation(conv *storage.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSessionEnded
	}
	s.conversations[conv.ID] = conv
	return nil
}

func (s *Session) appendMessage(conversationID string, msg storage.Message, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSessionEnded
	}
	conv, ok := s.conversations[conversationID]
	if !ok {
		conv = &storage.Conversation{
			ID:        conversationID,
			SessionID: s.id,
			ToolName:  msg.ToolName,
			CreatedAt: now,
		}
		s.conversations[conversationID] = conv
	}
	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = now
	return nil
}

// beginEnd flags the session as terminated and returns snapshots of the
// state that must be flushed. It reports false when the session has already
// ended or, with requireIdle, when it is not idle and expired at now. The
// check and the flag flip share one critical section, so a scope added
// concurrently either lands first and keeps the session alive or fails with
// ErrSessionEnded.
func (s *Session) beginEnd(requireIdle bool, now time.Time) ([]*storage.Conversation, *storage.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil, nil, false
	}
	if requireIdle && (len(s.scopes) > 0 || !s.isExpiredLocked(now)) {
		return nil, nil, false
	}
	s.ended = true
	convs := make([]*storage.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		convs = append(convs, c.Clone())
	}
	var order *storage.Order
	if s.order != nil {
		cp := *s.order
		order = &cp
	}
	return convs, order, true
}
