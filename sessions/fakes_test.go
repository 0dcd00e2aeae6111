package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/session-scope-go/storage"
)

// fakeStore records every repository call and can be told to fail.
type fakeStore struct {
	mu            sync.Mutex
	orders        map[string]storage.Order
	customers     map[string]storage.Customer
	conversations map[string]*storage.Conversation

	orderSaves    int
	customerSaves int
	convWrites    int
	saveOrder     []string // ordering of save calls

	convErr     error
	customerErr error
	orderErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:        make(map[string]storage.Order),
		customers:     make(map[string]storage.Customer),
		conversations: make(map[string]*storage.Conversation),
	}
}

func (f *fakeStore) GetOrder(ctx context.Context, orderID string) (*storage.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, storage.ErrNotFound)
	}
	return &o, nil
}

func (f *fakeStore) AddUpdateOrder(ctx context.Context, order *storage.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderSaves++
	f.saveOrder = append(f.saveOrder, "order")
	if f.orderErr != nil {
		return f.orderErr
	}
	f.orders[order.ID] = *order
	return nil
}

func (f *fakeStore) GetCustomerByEmail(ctx context.Context, email string) (*storage.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.customers[email]
	if !ok {
		return nil, fmt.Errorf("customer %s: %w", email, storage.ErrNotFound)
	}
	return &c, nil
}

func (f *fakeStore) SaveCustomer(ctx context.Context, customer *storage.Customer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customerSaves++
	f.saveOrder = append(f.saveOrder, "customer")
	if f.customerErr != nil {
		return f.customerErr
	}
	f.customers[customer.Email] = *customer
	return nil
}

func (f *fakeStore) WriteConversation(ctx context.Context, conv *storage.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convWrites++
	if f.convErr != nil {
		return f.convErr
	}
	f.conversations[conv.ID] = conv.Clone()
	return nil
}

func (f *fakeStore) counts() (orders, customers, convs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orderSaves, f.customerSaves, f.convWrites
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingMetrics struct {
	mu       sync.Mutex
	counters map[string]int
}

func (c *countingMetrics) IncCounter(name string, tags map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counters == nil {
		c.counters = make(map[string]int)
	}
	c.counters[name]++
}

func (c *countingMetrics) ObserveHistogram(name string, value float64, tags map[string]string) {}

func (c *countingMetrics) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[name]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

type testManager struct {
	*Manager
	store   *fakeStore
	clock   *fakeClock
	metrics *countingMetrics
}

func newTestManager(t *testing.T) *testManager {
	t.Helper()
	store := newFakeStore()
	clock := newFakeClock()
	metrics := &countingMetrics{}
	m, err := NewManager(ManagerConfig{
		Orders:        store,
		Customers:     store,
		Conversations: store,
		Logger:        discardLogger(),
		Metrics:       metrics,
		Now:           clock.Now,
	})
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}
	return &testManager{Manager: m, store: store, clock: clock, metrics: metrics}
}
