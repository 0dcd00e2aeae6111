// Package redis provides Redis-backed implementations of the storage
// repositories. Records are stored as JSON strings under a configurable key
// prefix.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/session-scope-go/storage"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis store
type Config struct {
	// Client is the Redis client instance
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys
	// Default: "session-scope:"
	KeyPrefix string

	// ConversationTTL bounds how long written conversations are retained.
	// Zero keeps them indefinitely.
	ConversationTTL time.Duration
}

// Store implements the order, customer and conversation repositories using Redis
type Store struct {
	client          *redis.Client
	keyPrefix       string
	conversationTTL time.Duration
}

var (
	_ storage.OrderRepository        = (*Store)(nil)
	_ storage.CustomerRepository     = (*Store)(nil)
	_ storage.ConversationRepository = (*Store)(nil)
)

// New creates a new Redis-based store.
func New(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "session-scope:"
	}

	return &Store{
		client:          config.Client,
		keyPrefix:       config.KeyPrefix,
		conversationTTL: config.ConversationTTL,
	}, nil
}

// GetOrder retrieves an order by id.
func (s *Store) GetOrder(ctx context.Context, orderID string) (*storage.Order, error) {
	var o storage.Order
	if err := s.getJSON(ctx, s.orderKey(orderID), &o); err != nil {
		return nil, fmt.Errorf("order %s: %w", orderID, err)
	}
	return &o, nil
}

// AddUpdateOrder stores the order. The attached customer is not persisted.
func (s *Store) AddUpdateOrder(ctx context.Context, order *storage.Order) error {
	if order == nil || order.ID == "" {
		return fmt.Errorf("order id is required")
	}
	return s.setJSON(ctx, s.orderKey(order.ID), order, 0)
}

// GetCustomerByEmail retrieves a customer by email.
func (s *Store) GetCustomerByEmail(ctx context.Context, email string) (*storage.Customer, error) {
	var c storage.Customer
	if err := s.getJSON(ctx, s.customerKey(email), &c); err != nil {
		return nil, fmt.Errorf("customer %s: %w", email, err)
	}
	return &c, nil
}

// SaveCustomer stores the customer keyed by email.
func (s *Store) SaveCustomer(ctx context.Context, customer *storage.Customer) error {
	if customer == nil || customer.Email == "" {
		return fmt.Errorf("customer email is required")
	}
	return s.setJSON(ctx, s.customerKey(customer.Email), customer, 0)
}

// WriteConversation stores the conversation, replacing any earlier version.
func (s *Store) WriteConversation(ctx context.Context, conv *storage.Conversation) error {
	if conv == nil || conv.ID == "" {
		return fmt.Errorf("conversation id is required")
	}
	return s.setJSON(ctx, s.conversationKey(conv.ID), conv, s.conversationTTL)
}

// GetConversation returns a previously written conversation.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (*storage.Conversation, error) {
	var c storage.Conversation
	if err := s.getJSON(ctx, s.conversationKey(conversationID), &c); err != nil {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, err)
	}
	return &c, nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) getJSON(ctx context.Context, key string, dst any) error {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("failed to get key %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to unmarshal stored data: %w", err)
	}
	return nil
}

func (s *Store) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (s *Store) orderKey(id string) string        { return s.keyPrefix + "order:" + id }
func (s *Store) customerKey(email string) string  { return s.keyPrefix + "customer:" + email }
func (s *Store) conversationKey(id string) string { return s.keyPrefix + "conversation:" + id }
