package sessions

import (
	"context"
	"fmt"
	"strings"

	"github.com/ggoodman/session-scope-go/storage"
	"github.com/google/uuid"
)

const defaultConversationPrefix = "conversation"

// InitializeConversation registers a new conversation, seeded with msgs, on
// the session owning scopeID and returns its id. The id embeds the tool name
// (or a generic prefix when it is empty) plus a random suffix, so identical
// calls, concurrent or not, yield distinct ids.
func (m *Manager) InitializeConversation(ctx context.Context, scopeID, toolName string, msgs ...storage.Message) (string, error) {
	sess, err := m.GetSessionByScope(ctx, scopeID)
	if err != nil {
		return "", err
	}

	now := m.cfg.Now().UTC()
	conv := &storage.Conversation{
		ID:        newConversationID(toolName),
		SessionID: sess.id,
		ToolName:  strings.TrimSpace(toolName),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, msg := range msgs {
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		conv.Messages = append(conv.Messages, msg)
	}
	if err := sess.putConversation(conv); err != nil {
		return "", err
	}
	m.log.DebugContext(ctx, "conversation.init.ok")
	return conv.ID, nil
}

// AddMessage appends msg to the conversation on the session owning scopeID,
// registering the conversation when it is not yet known.
func (m *Manager) AddMessage(ctx context.Context, scopeID, conversationID string, msg storage.Message) error {
	if conversationID == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidArgument)
	}
	sess, err := m.GetSessionByScope(ctx, scopeID)
	if err != nil {
		return err
	}
	now := m.cfg.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	return sess.appendMessage(conversationID, msg, now)
}

func newConversationID(toolName string) string {
	prefix := sanitizeToolName(toolName)
	if prefix == "" {
		prefix = defaultConversationPrefix
	}
	return prefix + "-" + uuid.NewString()
}

// sanitizeToolName lowercases the name and folds anything outside
// [a-z0-9_-] into single dashes.
func sanitizeToolName(name string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}
