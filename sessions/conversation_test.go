package sessions

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/ggoodman/session-scope-go/storage"
)

func TestInitializeConversationDistinctIDs(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	first, err := tm.InitializeConversation(ctx, "scope-1", "Order Lookup")
	if err != nil {
		t.Fatalf("InitializeConversation() failed: %v", err)
	}
	second, err := tm.InitializeConversation(ctx, "scope-1", "Order Lookup")
	if err != nil {
		t.Fatalf("InitializeConversation() failed: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct ids, both were %s", first)
	}
	if !strings.HasPrefix(first, "order-lookup-") {
		t.Fatalf("id %q should embed the tool name", first)
	}

	sess, _ := tm.GetSessionByScope(ctx, "scope-1")
	if got := len(sess.ConversationIDs()); got != 2 {
		t.Fatalf("expected 2 conversations, got %d", got)
	}
}

func TestInitializeConversationConcurrent(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	// A fresh scope id: both calls race through session creation too.
	const n = 2
	ids := make([]string, n)
	errs := make([]error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ids[i], errs[i] = tm.InitializeConversation(ctx, "scope-fresh", "Order Lookup")
		}()
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("InitializeConversation() #%d failed: %v", i, err)
		}
	}
	if ids[0] == ids[1] {
		t.Fatalf("expected distinct ids, both were %s", ids[0])
	}
	if tm.Len() != 1 {
		t.Fatalf("expected a single session for the scope, got %d", tm.Len())
	}
	sess, _ := tm.GetSessionByScope(ctx, "scope-fresh")
	for _, id := range ids {
		if _, ok := sess.Conversation(id); !ok {
			t.Fatalf("conversation %s not registered on the session", id)
		}
	}
}

func TestInitializeConversationWithoutToolName(t *testing.T) {
	tm := newTestManager(t)

	id, err := tm.InitializeConversation(context.Background(), "scope-1", "",
		storage.Message{Role: "system", Content: "hello"},
	)
	if err != nil {
		t.Fatalf("InitializeConversation() failed: %v", err)
	}
	if !strings.HasPrefix(id, "conversation-") {
		t.Fatalf("id %q should use the generic prefix", id)
	}

	sess, _ := tm.GetSessionByScope(context.Background(), "scope-1")
	conv, ok := sess.Conversation(id)
	if !ok {
		t.Fatal("conversation not registered on session")
	}
	if len(conv.Messages) != 1 || conv.Messages[0].CreatedAt.IsZero() {
		t.Fatalf("seed message not stored with timestamp: %+v", conv.Messages)
	}
	if conv.SessionID != sess.ID() {
		t.Fatalf("conversation session id = %s, want %s", conv.SessionID, sess.ID())
	}
}

func TestAddMessage(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	for _, content := range []string{"one", "two"} {
		if err := tm.AddMessage(ctx, "scope-1", "conv-1", storage.Message{Role: "user", Content: content}); err != nil {
			t.Fatalf("AddMessage() failed: %v", err)
		}
	}
	sess, _ := tm.GetSessionByScope(ctx, "scope-1")
	conv, ok := sess.Conversation("conv-1")
	if !ok {
		t.Fatal("conversation not created on first message")
	}
	if len(conv.Messages) != 2 || conv.Messages[1].Content != "two" {
		t.Fatalf("unexpected messages: %+v", conv.Messages)
	}

	// Returned conversations are copies.
	conv.Messages[0].Content = "mutated"
	again, _ := sess.Conversation("conv-1")
	if again.Messages[0].Content != "one" {
		t.Fatal("session state leaked through Conversation()")
	}

	if err := tm.AddMessage(ctx, "scope-1", "", storage.Message{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestSanitizeToolName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"search", "search"},
		{"Order Lookup", "order-lookup"},
		{"  weird!!name__v2 ", "weird-name__v2"},
		{"***", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := sanitizeToolName(tt.in); got != tt.want {
			t.Errorf("sanitizeToolName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
