package sessions

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/session-scope-go/storage"
)

func TestNewManagerRequiresRepositories(t *testing.T) {
	if _, err := NewManager(ManagerConfig{}); err == nil {
		t.Fatal("expected error when repositories are missing")
	}
}

func TestCreateSessionDefaults(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	sess, err := tm.CreateSession(ctx, "scope-1")
	if err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}

	if ids := sess.ScopeIDs(); len(ids) != 1 || ids[0] != "scope-1" {
		t.Fatalf("expected scope set [scope-1], got %v", ids)
	}
	now := tm.clock.Now()
	if !sess.CreatedAt().Equal(now) || !sess.LastAccessed().Equal(now) {
		t.Fatalf("timestamps not set to now: created=%v last=%v", sess.CreatedAt(), sess.LastAccessed())
	}
	if !sess.ExpiresImmediately() {
		t.Fatal("session without explicit duration should expire immediately")
	}
	if sess.Duration() != 15*time.Minute {
		t.Fatalf("expected default duration 15m, got %v", sess.Duration())
	}
	if _, ok := sess.UserID(); ok {
		t.Fatal("new session should have no user id")
	}
	if tm.Len() != 1 {
		t.Fatalf("expected 1 live session, got %d", tm.Len())
	}
	if tm.metrics.get("sessions_created") != 1 {
		t.Fatal("expected sessions_created metric")
	}
}

func TestCreateSessionExplicitDuration(t *testing.T) {
	tm := newTestManager(t)

	sess, err := tm.CreateSession(context.Background(), "scope-1", WithDuration(30*time.Minute))
	if err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}
	if sess.ExpiresImmediately() {
		t.Fatal("session with explicit duration should not expire immediately")
	}
	want := tm.clock.Now().Add(30 * time.Minute)
	if !sess.ExpiresAt().Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", sess.ExpiresAt(), want)
	}
}

func TestCreateSessionRequiresScope(t *testing.T) {
	tm := newTestManager(t)

	_, err := tm.CreateSession(context.Background(), "")
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if tm.Len() != 0 {
		t.Fatal("validation failure must not create a session")
	}
}

func TestGetSessionRefreshes(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	sess, _ := tm.CreateSession(ctx, "scope-1", WithDuration(10*time.Minute))
	tm.clock.Advance(3 * time.Minute)

	got, err := tm.GetSession(ctx, sess.ID())
	if err != nil {
		t.Fatalf("GetSession() failed: %v", err)
	}
	if got != sess {
		t.Fatal("GetSession() should return the same instance")
	}
	now := tm.clock.Now()
	if !got.LastAccessed().Equal(now) {
		t.Fatalf("LastAccessed = %v, want %v", got.LastAccessed(), now)
	}
	if !got.ExpiresAt().Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("ExpiresAt = %v, want %v", got.ExpiresAt(), now.Add(10*time.Minute))
	}
}

func TestGetSessionNotFound(t *testing.T) {
	tm := newTestManager(t)

	_, err := tm.GetSession(context.Background(), "nope")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestGetSessionByScope(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	created, err := tm.GetSessionByScope(ctx, "scope-1")
	if err != nil {
		t.Fatalf("GetSessionByScope() failed: %v", err)
	}
	if !created.ExpiresImmediately() {
		t.Fatal("scope-created sessions have no explicit lease")
	}

	tm.clock.Advance(time.Minute)
	again, err := tm.GetSessionByScope(ctx, "scope-1")
	if err != nil {
		t.Fatalf("GetSessionByScope() failed: %v", err)
	}
	if again != created {
		t.Fatal("expected the existing session for a known scope")
	}
	if !again.LastAccessed().Equal(tm.clock.Now()) {
		t.Fatal("lookup should refresh last-accessed")
	}
	if tm.Len() != 1 {
		t.Fatalf("expected 1 live session, got %d", tm.Len())
	}
}

func TestGetSessionByUserIDRoundTrip(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	a, err := tm.GetSessionByUserID(ctx, "user-1", "s1")
	if err != nil {
		t.Fatalf("GetSessionByUserID() failed: %v", err)
	}
	b, err := tm.GetSessionByUserID(ctx, "user-1", "s2")
	if err != nil {
		t.Fatalf("GetSessionByUserID() failed: %v", err)
	}
	if a != b {
		t.Fatal("expected the same session for the same user")
	}
	if !b.HasScope("s1") || !b.HasScope("s2") {
		t.Fatalf("expected both scopes, got %v", b.ScopeIDs())
	}
	if uid, ok := b.UserID(); !ok || uid != "user-1" {
		t.Fatalf("UserID = %q, %v", uid, ok)
	}

	other, _ := tm.GetSessionByUserID(ctx, "user-2", "s3")
	if other == a {
		t.Fatal("different users must not share a session")
	}
}

func TestGetSessionByUserIDAcceptsBlankIdentity(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	sess, err := tm.GetSessionByUserID(ctx, "  ", "s1")
	if err != nil {
		t.Fatalf("GetSessionByUserID() with blank id failed: %v", err)
	}
	if uid, ok := sess.UserID(); !ok || uid != "  " {
		t.Fatalf("blank user id should be stamped as present, got %q, %v", uid, ok)
	}
	if _, err := tm.GetSessionByUserID(ctx, "user", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty scope, got %v", err)
	}
}

func TestGetSessionByAPIKey(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	a, err := tm.GetSessionByAPIKey(ctx, "key-1", "s1")
	if err != nil {
		t.Fatalf("GetSessionByAPIKey() failed: %v", err)
	}
	b, _ := tm.GetSessionByAPIKey(ctx, "key-1", "s2")
	if a != b {
		t.Fatal("expected the same session for the same API key")
	}
	if key, ok := a.APIKey(); !ok || key != "key-1" {
		t.Fatalf("APIKey = %q, %v", key, ok)
	}
	// An API key never matches a user id lookup with the same value.
	u, _ := tm.GetSessionByUserID(ctx, "key-1", "s3")
	if u == a {
		t.Fatal("user lookup matched an API-key session")
	}
}

func TestConcurrentUserLookupCreatesOneSession(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	const n = 20
	results := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := tm.GetSessionByUserID(ctx, "user-1", "scope-"+string(rune('a'+i)))
			if err != nil {
				t.Errorf("GetSessionByUserID() failed: %v", err)
				return
			}
			results[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range results {
		if s != results[0] {
			t.Fatal("concurrent lookups for one user produced different sessions")
		}
	}
	if got := results[0].ScopeCount(); got != n {
		t.Fatalf("expected %d scopes, got %d", n, got)
	}
	if tm.Len() != 1 {
		t.Fatalf("expected 1 live session, got %d", tm.Len())
	}
}

func TestFindReusableAnonymousSession(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	if _, ok := tm.FindReusableAnonymousSession(ctx); ok {
		t.Fatal("expected no reusable session in an empty manager")
	}

	_, _ = tm.CreateSession(ctx, "immediate")
	_, _ = tm.GetSessionByUserID(ctx, "user", "u")
	_, _ = tm.GetSessionByAPIKey(ctx, "key", "k")
	if s, ok := tm.FindReusableAnonymousSession(ctx); ok {
		t.Fatalf("unexpected reusable session %s", s.ID())
	}

	leased, _ := tm.CreateSession(ctx, "leased", WithDuration(time.Hour))
	tm.clock.Advance(time.Minute)
	got, ok := tm.FindReusableAnonymousSession(ctx)
	if !ok || got != leased {
		t.Fatal("expected the leased anonymous session to be reusable")
	}
	if !got.LastAccessed().Equal(tm.clock.Now()) {
		t.Fatal("reusable session should be refreshed")
	}
}

func TestAddScopeIsIdempotent(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	sess, _ := tm.CreateSession(ctx, "scope-1")
	for i := 0; i < 5; i++ {
		if err := tm.AddScopeToSession(ctx, sess, "scope-2"); err != nil {
			t.Fatalf("AddScopeToSession() failed: %v", err)
		}
	}
	if got := sess.ScopeCount(); got != 2 {
		t.Fatalf("expected 2 scopes, got %d", got)
	}

	if err := tm.AddScopeToSession(ctx, nil, "x"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for nil session, got %v", err)
	}
	if err := tm.AddScopeToSession(ctx, sess, ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty scope, got %v", err)
	}
}

func TestRemoveScope(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	sess, _ := tm.CreateSession(ctx, "scope-1")
	_ = tm.AddScopeToSession(ctx, sess, "scope-2")

	if err := tm.RemoveScopeFromSession(ctx, "scope-1", sess); err != nil {
		t.Fatalf("RemoveScopeFromSession() failed: %v", err)
	}
	if err := tm.RemoveScopeFromSession(ctx, "scope-2", nil); err != nil {
		t.Fatalf("RemoveScopeFromSession() by scan failed: %v", err)
	}
	if sess.ScopeCount() != 0 {
		t.Fatalf("expected no scopes, got %v", sess.ScopeIDs())
	}

	// Misses are no-ops.
	if err := tm.RemoveScopeFromSession(ctx, "scope-1", sess); err != nil {
		t.Fatalf("removing absent scope failed: %v", err)
	}
	if err := tm.RemoveScopeFromSession(ctx, "unknown", nil); err != nil {
		t.Fatalf("removing unowned scope failed: %v", err)
	}
	if err := tm.RemoveScopeFromSession(ctx, "", nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestLifecycleStates(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	leased, _ := tm.CreateSession(ctx, "scope-1", WithDuration(10*time.Minute))
	if leased.IsIdleAndExpired(tm.clock.Now()) {
		t.Fatal("active session must not be eligible")
	}

	_ = tm.RemoveScopeFromSession(ctx, "scope-1", leased)
	if leased.IsIdleAndExpired(tm.clock.Now()) {
		t.Fatal("idle session within its lease must not be eligible")
	}

	tm.clock.Advance(10 * time.Minute)
	if !leased.IsIdleAndExpired(tm.clock.Now()) {
		t.Fatal("idle session past its lease should be eligible")
	}

	// A scope pins the session even past expiry.
	_ = tm.AddScopeToSession(ctx, leased, "scope-2")
	if leased.IsIdleAndExpired(tm.clock.Now()) {
		t.Fatal("scope should pin an expired session")
	}

	immediate, _ := tm.CreateSession(ctx, "scope-3")
	_ = tm.RemoveScopeFromSession(ctx, "scope-3", immediate)
	if !immediate.IsIdleAndExpired(tm.clock.Now()) {
		t.Fatal("expires-immediately session should be eligible once idle")
	}
}

func TestEndSessionFlushesOwnedState(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	tm.store.orders["o-1"] = storage.Order{ID: "o-1", CustomerEmail: "ada@example.com"}
	tm.store.customers["ada@example.com"] = storage.Customer{Email: "ada@example.com", Name: "Ada"}

	sess, err := tm.GetSessionByOrder(ctx, "o-1", "scope-1")
	if err != nil {
		t.Fatalf("GetSessionByOrder() failed: %v", err)
	}
	if _, err := tm.InitializeConversation(ctx, "scope-1", "search", storage.Message{Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("InitializeConversation() failed: %v", err)
	}

	if err := tm.EndSession(ctx, sess); err != nil {
		t.Fatalf("EndSession() failed: %v", err)
	}

	orders, customers, convs := tm.store.counts()
	if orders != 1 || customers != 1 || convs != 1 {
		t.Fatalf("expected 1 order, 1 customer, 1 conversation save; got %d, %d, %d", orders, customers, convs)
	}
	if got := strings.Join(tm.store.saveOrder, ","); got != "customer,order" {
		t.Fatalf("expected customer saved before order, got %s", got)
	}
	if tm.Len() != 0 {
		t.Fatal("ended session should be removed")
	}
	if !sess.Ended() {
		t.Fatal("session should report ended")
	}
	if err := tm.AddScopeToSession(ctx, sess, "late"); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
	if tm.metrics.get("sessions_ended") != 1 {
		t.Fatal("expected sessions_ended metric")
	}
}

func TestEndSessionRemovesEvenWhenPersistenceFails(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	boom := errors.New("disk full")
	tm.store.convErr = boom

	sess, _ := tm.CreateSession(ctx, "scope-1")
	if err := tm.AddMessage(ctx, "scope-1", "conv-1", storage.Message{Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("AddMessage() failed: %v", err)
	}

	err := tm.EndSession(ctx, sess)
	if err != boom {
		t.Fatalf("expected the repository error unchanged, got %v", err)
	}
	if tm.Len() != 0 {
		t.Fatal("session must be removed even when flushing fails")
	}
	if _, err := tm.GetSession(ctx, sess.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after failed end, got %v", err)
	}
}

func TestEndSessionCustomerFailureSkipsOrder(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	boom := errors.New("customer store down")
	tm.store.customerErr = boom

	sess, _ := tm.CreateSession(ctx, "scope-1")
	_ = tm.SetOrder(ctx, sess, &storage.Order{ID: "o-1", Customer: &storage.Customer{Email: "a@example.com"}})

	if err := tm.EndSession(ctx, sess); err != boom {
		t.Fatalf("expected the customer error unchanged, got %v", err)
	}
	orders, customers, _ := tm.store.counts()
	if customers != 1 || orders != 0 {
		t.Fatalf("expected customer attempt only, got customers=%d orders=%d", customers, orders)
	}
}

func TestEndAbsentSessionIsNoop(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	sess, _ := tm.CreateSession(ctx, "scope-1")
	if err := tm.EndSession(ctx, sess); err != nil {
		t.Fatalf("EndSession() failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := tm.EndSession(ctx, sess); err != nil {
			t.Fatalf("ending an absent session should not fail: %v", err)
		}
		if err := tm.EndSessionByOrder(ctx, "missing"); err != nil {
			t.Fatalf("EndSessionByOrder() miss failed: %v", err)
		}
		if err := tm.EndSessionByScope(ctx, "missing"); err != nil {
			t.Fatalf("EndSessionByScope() miss failed: %v", err)
		}
	}
	if err := tm.EndSession(ctx, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for nil session, got %v", err)
	}
}

func TestEndSessionByOrderAndScope(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	a, _ := tm.CreateSession(ctx, "scope-a")
	_ = tm.SetOrder(ctx, a, &storage.Order{ID: "o-1"})
	b, _ := tm.CreateSession(ctx, "scope-b")

	if err := tm.EndSessionByOrder(ctx, "o-1"); err != nil {
		t.Fatalf("EndSessionByOrder() failed: %v", err)
	}
	if !a.Ended() || b.Ended() {
		t.Fatal("only the order's session should end")
	}
	if err := tm.EndSessionByScope(ctx, "scope-b"); err != nil {
		t.Fatalf("EndSessionByScope() failed: %v", err)
	}
	if !b.Ended() || tm.Len() != 0 {
		t.Fatal("scope's session should end")
	}
}

func TestConcurrentCreateSameScope(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	const n = 10
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := tm.CreateSession(ctx, "shared-scope")
			if err != nil {
				t.Errorf("CreateSession() failed: %v", err)
				return
			}
			ids[i] = s.ID()
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, id := range ids {
		if id == "" || seen[id] {
			t.Fatalf("expected unique non-empty ids, got %v", ids)
		}
		seen[id] = true
	}
	if tm.Len() != n {
		t.Fatalf("expected %d live sessions, got %d", n, tm.Len())
	}
}

func TestConcurrentEndSameSession(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	sess, _ := tm.CreateSession(ctx, "scope-1")
	_ = tm.AddMessage(ctx, "scope-1", "conv-1", storage.Message{Role: "user", Content: "hi"})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tm.EndSession(ctx, sess); err != nil {
				t.Errorf("EndSession() failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if _, _, convs := tm.store.counts(); convs != 1 {
		t.Fatalf("expected session to be processed once, got %d conversation writes", convs)
	}
	if tm.metrics.get("sessions_ended") != 1 {
		t.Fatalf("expected one sessions_ended, got %d", tm.metrics.get("sessions_ended"))
	}
	if tm.Len() != 0 {
		t.Fatal("session should be removed")
	}
}

func TestGetSessionByOrderCustomerMissing(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	tm.store.orders["o-1"] = storage.Order{ID: "o-1", CustomerEmail: "ghost@example.com"}

	_, err := tm.GetSessionByOrder(ctx, "o-1", "scope-1")
	if !errors.Is(err, ErrCustomerNotFound) {
		t.Fatalf("expected ErrCustomerNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), "ghost@example.com") {
		t.Fatalf("error should name the email: %v", err)
	}
	if tm.Len() != 0 {
		t.Fatal("failed order lookup must not create a session")
	}
}

func TestGetSessionByOrderPropagatesRepositoryError(t *testing.T) {
	tm := newTestManager(t)

	_, err := tm.GetSessionByOrder(context.Background(), "missing", "scope-1")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected storage.ErrNotFound, got %v", err)
	}
}

func TestGetSessionByOrderAttachesOrder(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	tm.store.orders["o-1"] = storage.Order{ID: "o-1", CustomerEmail: "ada@example.com"}
	tm.store.customers["ada@example.com"] = storage.Customer{Email: "ada@example.com"}

	existing, _ := tm.CreateSession(ctx, "scope-1", WithDuration(time.Hour))
	sess, err := tm.GetSessionByOrder(ctx, "o-1", "scope-1")
	if err != nil {
		t.Fatalf("GetSessionByOrder() failed: %v", err)
	}
	if sess != existing {
		t.Fatal("expected the session owning the scope")
	}
	o := sess.Order()
	if o == nil || o.ID != "o-1" || o.Customer == nil || o.Customer.Email != "ada@example.com" {
		t.Fatalf("order not attached with customer: %+v", o)
	}
}

func TestEndSessionJoinsMultipleFailures(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	convBoom := errors.New("conversation store down")
	orderBoom := errors.New("order store down")
	tm.store.convErr = convBoom
	tm.store.orderErr = orderBoom

	sess, _ := tm.CreateSession(ctx, "scope-1")
	_ = tm.AddMessage(ctx, "scope-1", "conv-1", storage.Message{Role: "user", Content: "hi"})
	_ = tm.SetOrder(ctx, sess, &storage.Order{ID: "o-1"})

	err := tm.EndSession(ctx, sess)
	if !errors.Is(err, convBoom) || !errors.Is(err, orderBoom) {
		t.Fatalf("expected both failures, got %v", err)
	}
}

func TestEndSessionIfIdleSkipsJoinedSession(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	sess, _ := tm.GetSessionByScope(ctx, "a")
	_ = tm.RemoveScopeFromSession(ctx, "a", sess)
	if !sess.IsIdleAndExpired(tm.clock.Now()) {
		t.Fatal("session should be eligible once its scope is gone")
	}

	// A second request joins between the eligibility check and termination.
	if err := tm.AddScopeToSession(ctx, sess, "b"); err != nil {
		t.Fatalf("AddScopeToSession() failed: %v", err)
	}
	ended, err := tm.EndSessionIfIdle(ctx, sess)
	if err != nil {
		t.Fatalf("EndSessionIfIdle() failed: %v", err)
	}
	if ended || sess.Ended() {
		t.Fatal("a session with an active scope must not be ended")
	}

	// The joined request keeps working against the same session.
	if _, err := tm.InitializeConversation(ctx, "b", "search"); err != nil {
		t.Fatalf("InitializeConversation() failed: %v", err)
	}
	if tm.Len() != 1 || len(sess.ConversationIDs()) != 1 {
		t.Fatalf("expected one live session holding the conversation, got %d live", tm.Len())
	}

	_ = tm.RemoveScopeFromSession(ctx, "b", sess)
	ended, err = tm.EndSessionIfIdle(ctx, sess)
	if err != nil || !ended {
		t.Fatalf("EndSessionIfIdle() = %v, %v after last scope left", ended, err)
	}
	if _, _, convs := tm.store.counts(); convs != 1 {
		t.Fatalf("expected the conversation to be flushed, got %d writes", convs)
	}
	if ended, _ := tm.EndSessionIfIdle(ctx, sess); ended {
		t.Fatal("a session must be ended only once")
	}
}

func TestScopeReownedAfterEndIsReleased(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	sess, _ := tm.GetSessionByScope(ctx, "a")
	_ = tm.AddScopeToSession(ctx, sess, "b")
	_ = tm.RemoveScopeFromSession(ctx, "a", sess)

	// An explicit end while "b" is still in flight.
	if err := tm.EndSession(ctx, sess); err != nil {
		t.Fatalf("EndSession() failed: %v", err)
	}
	if _, err := tm.InitializeConversation(ctx, "b", "search"); err != nil {
		t.Fatalf("InitializeConversation() failed: %v", err)
	}
	live := tm.Sessions()
	if len(live) != 1 || live[0] == sess {
		t.Fatalf("expected a fresh session for scope b, got %d live", len(live))
	}
	fresh := live[0]

	// Releasing "b" against the ended instance must free the fresh one too.
	if err := tm.RemoveScopeFromSession(ctx, "b", sess); err != nil {
		t.Fatalf("RemoveScopeFromSession() failed: %v", err)
	}
	if fresh.HasScope("b") || !fresh.IsIdleAndExpired(tm.clock.Now()) {
		t.Fatalf("fresh session still pinned by %v", fresh.ScopeIDs())
	}
	if ended, err := tm.EndSessionIfIdle(ctx, fresh); err != nil || !ended {
		t.Fatalf("EndSessionIfIdle() = %v, %v", ended, err)
	}
	if tm.Len() != 0 {
		t.Fatal("no session may remain pinned")
	}
}

func TestEndedSessionIsNotRefreshed(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	sess, _ := tm.GetSessionByUserID(ctx, "user-1", "a")
	if _, _, ok := sess.beginEnd(false, tm.clock.Now()); !ok {
		t.Fatal("beginEnd() should win on a live session")
	}
	// Still registered, but already ending: lookups must not hand it out.
	if _, err := tm.GetSession(ctx, sess.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	got, err := tm.GetSessionByUserID(ctx, "user-1", "b")
	if err != nil {
		t.Fatalf("GetSessionByUserID() failed: %v", err)
	}
	if got == sess {
		t.Fatal("an ending session must not be returned by identity lookup")
	}
	if err := tm.AddScopeToSession(ctx, sess, "c"); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
}
