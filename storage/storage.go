// Package storage defines the persistence contracts consumed by the session
// manager: orders, customers and conversations. The records are opaque to the
// session core beyond load/save calls; implementations live in the memory,
// redis and dynamo subpackages.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by repositories when the requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// OrderRepository loads and persists orders.
type OrderRepository interface {
	// GetOrder returns the order with the given id or an error wrapping ErrNotFound.
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	// AddUpdateOrder inserts or replaces the order.
	AddUpdateOrder(ctx context.Context, order *Order) error
}

// CustomerRepository loads and persists customers keyed by email.
type CustomerRepository interface {
	// GetCustomerByEmail returns the customer or an error wrapping ErrNotFound.
	GetCustomerByEmail(ctx context.Context, email string) (*Customer, error)
	SaveCustomer(ctx context.Context, customer *Customer) error
}

// ConversationRepository persists conversation logs.
type ConversationRepository interface {
	WriteConversation(ctx context.Context, conv *Conversation) error
}

// Customer is the owner of an order.
type Customer struct {
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OrderItem is a single line of an order.
type OrderItem struct {
	SKU      string `json:"sku"`
	Name     string `json:"name,omitempty"`
	Quantity int    `json:"quantity"`
}

// Order is the single in-flight order a session may carry. Customer is
// attached by the session manager when the order is bound to a session and is
// not part of the persisted order record.
type Order struct {
	ID            string      `json:"id"`
	CustomerEmail string      `json:"customer_email"`
	Status        string      `json:"status,omitempty"`
	Items         []OrderItem `json:"items,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`

	Customer *Customer `json:"-"`
}

// Message is one entry in a conversation log.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ToolName  string    `json:"tool_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is an ordered exchange log owned by exactly one session.
type Conversation struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	ToolName  string    `json:"tool_name,omitempty"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the conversation so callers can hand it to a
// repository without holding the owner's lock.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Messages = append([]Message(nil), c.Messages...)
	return &cp
}
