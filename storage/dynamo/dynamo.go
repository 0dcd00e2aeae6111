// Package dynamo provides a DynamoDB-backed storage.ConversationRepository.
//
// Each conversation is a single item keyed by PK "CONV#<id>" and SK "META#";
// messages are stored in order as a list attribute so a flush replaces the
// whole log atomically.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ggoodman/session-scope-go/storage"
)

const (
	skMeta     = "META#"
	defaultTTL = 30 * 24 * time.Hour
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Client wraps a DynamoDB table for conversation logs.
type Client struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

var _ storage.ConversationRepository = (*Client)(nil)

// New creates a new conversation repository Client. A zero ttl uses 30 days.
func New(api dynamodbAPI, tableName string, ttl time.Duration) (*Client, error) {
	if api == nil {
		return nil, errors.New("dynamo: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("dynamo: table name must not be empty")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Client{api: api, tableName: tableName, ttl: ttl, now: time.Now}, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// WriteConversation replaces the stored conversation item.
func (c *Client) WriteConversation(ctx context.Context, conv *storage.Conversation) error {
	if conv == nil || conv.ID == "" {
		return errors.New("dynamo: WriteConversation: conversation id is required")
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      c.conversationItem(conv),
	})
	if err != nil {
		return fmt.Errorf("dynamo: WriteConversation: %w", err)
	}
	return nil
}

// GetConversation reads a conversation back. Missing items yield storage.ErrNotFound.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*storage.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: GetConversation get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, fmt.Errorf("dynamo: conversation %s: %w", conversationID, storage.ErrNotFound)
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return nil, fmt.Errorf("dynamo: GetConversation decode: %w", err)
	}
	return conv, nil
}

func (c *Client) conversationItem(conv *storage.Conversation) map[string]types.AttributeValue {
	msgs := make([]types.AttributeValue, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		msgs = append(msgs, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"role":      &types.AttributeValueMemberS{Value: m.Role},
			"content":   &types.AttributeValueMemberS{Value: m.Content},
			"toolName":  &types.AttributeValueMemberS{Value: m.ToolName},
			"createdAt": &types.AttributeValueMemberS{Value: m.CreatedAt.UTC().Format(time.RFC3339Nano)},
		}})
	}
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(conv.ID)},
		"SK":             &types.AttributeValueMemberS{Value: skMeta},
		"conversationId": &types.AttributeValueMemberS{Value: conv.ID},
		"sessionId":      &types.AttributeValueMemberS{Value: conv.SessionID},
		"toolName":       &types.AttributeValueMemberS{Value: conv.ToolName},
		"messages":       &types.AttributeValueMemberL{Value: msgs},
		"createdAt":      &types.AttributeValueMemberS{Value: conv.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"updatedAt":      &types.AttributeValueMemberS{Value: conv.UpdatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(c.now().Add(c.ttl).Unix(), 10)},
	}
}

func itemToConversation(item map[string]types.AttributeValue) (*storage.Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return nil, err
	}
	sessionID, _ := strAttr(item, "sessionId") // allow empty
	toolName, _ := strAttr(item, "toolName")   // allow empty
	conv := &storage.Conversation{
		ID:        id,
		SessionID: sessionID,
		ToolName:  toolName,
		CreatedAt: timeAttr(item, "createdAt"),
		UpdatedAt: timeAttr(item, "updatedAt"),
	}

	if l, ok := item["messages"].(*types.AttributeValueMemberL); ok {
		for _, v := range l.Value {
			m, ok := v.(*types.AttributeValueMemberM)
			if !ok {
				return nil, errors.New("dynamo: message is not a map")
			}
			role, _ := strAttr(m.Value, "role")
			content, _ := strAttr(m.Value, "content")
			tool, _ := strAttr(m.Value, "toolName")
			conv.Messages = append(conv.Messages, storage.Message{
				Role:      role,
				Content:   content,
				ToolName:  tool,
				CreatedAt: timeAttr(m.Value, "createdAt"),
			})
		}
	}
	return conv, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("dynamo: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("dynamo: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) time.Time {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
