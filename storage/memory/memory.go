// Package memory provides an in-memory implementation of the storage
// repositories using github.com/hashicorp/golang-lru/v2 as a bounded cache.
// It is intended for tests and single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ggoodman/session-scope-go/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Store implements the order, customer and conversation repositories in memory.
// Least recently used records are evicted once maxItems is exceeded per kind.
type Store struct {
	mu            sync.RWMutex
	orders        *lru.Cache[string, storage.Order]
	customers     *lru.Cache[string, storage.Customer]
	conversations *lru.Cache[string, *storage.Conversation]
}

var (
	_ storage.OrderRepository        = (*Store)(nil)
	_ storage.CustomerRepository     = (*Store)(nil)
	_ storage.ConversationRepository = (*Store)(nil)
)

// New creates a new in-memory store holding up to maxItems records of each kind.
func New(maxItems int) (*Store, error) {
	orders, err := lru.New[string, storage.Order](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create order cache: %w", err)
	}
	customers, err := lru.New[string, storage.Customer](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create customer cache: %w", err)
	}
	conversations, err := lru.New[string, *storage.Conversation](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation cache: %w", err)
	}

	return &Store{
		orders:        orders,
		customers:     customers,
		conversations: conversations,
	}, nil
}

// GetOrder retrieves an order by id.
func (s *Store) GetOrder(ctx context.Context, orderID string) (*storage.Order, error) {
	s.mu.RLock()
	o, ok := s.orders.Get(orderID)
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, storage.ErrNotFound)
	}
	o.Items = append([]storage.OrderItem(nil), o.Items...)
	return &o, nil
}

// AddUpdateOrder stores a copy of the order. The attached customer is not persisted.
func (s *Store) AddUpdateOrder(ctx context.Context, order *storage.Order) error {
	if order == nil || order.ID == "" {
		return fmt.Errorf("order id is required")
	}
	cp := *order
	cp.Customer = nil
	cp.Items = append([]storage.OrderItem(nil), order.Items...)

	s.mu.Lock()
	s.orders.Add(cp.ID, cp)
	s.mu.Unlock()
	return nil
}

// GetCustomerByEmail retrieves a customer by email.
func (s *Store) GetCustomerByEmail(ctx context.Context, email string) (*storage.Customer, error) {
	s.mu.RLock()
	c, ok := s.customers.Get(email)
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("customer %s: %w", email, storage.ErrNotFound)
	}
	return &c, nil
}

// SaveCustomer stores a copy of the customer.
func (s *Store) SaveCustomer(ctx context.Context, customer *storage.Customer) error {
	if customer == nil || customer.Email == "" {
		return fmt.Errorf("customer email is required")
	}
	s.mu.Lock()
	s.customers.Add(customer.Email, *customer)
	s.mu.Unlock()
	return nil
}

// WriteConversation stores a copy of the conversation, replacing any earlier version.
func (s *Store) WriteConversation(ctx context.Context, conv *storage.Conversation) error {
	if conv == nil || conv.ID == "" {
		return fmt.Errorf("conversation id is required")
	}
	s.mu.Lock()
	s.conversations.Add(conv.ID, conv.Clone())
	s.mu.Unlock()
	return nil
}

// GetConversation returns a copy of a previously written conversation.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (*storage.Conversation, error) {
	s.mu.RLock()
	c, ok := s.conversations.Get(conversationID)
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, storage.ErrNotFound)
	}
	return c.Clone(), nil
}

// Close releases all cached records.
func (s *Store) Close() error {
	s.mu.Lock()
	s.orders.Purge()
	s.customers.Purge()
	s.conversations.Purge()
	s.mu.Unlock()
	return nil
}
