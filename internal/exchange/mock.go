package exchange

import (
	"context"
	"sync"

	"github.com/quantfleet/ordersync/internal/db"
)

// MockAdapter is an in-memory adapter used for paper trading and
// tests. Snapshots are keyed by exchange order ID and returned
// verbatim; unknown orders yield ErrOrderNotFound.
type MockAdapter struct {
	mu        sync.RWMutex
	name      string
	snapshots map[string]StatusSnapshot
	errs      map[string]error
	calls     int
}

// NewMockAdapter creates an empty mock adapter
func NewMockAdapter(name string) *MockAdapter {
	if name == "" {
		name = "mock"
	}
	return &MockAdapter{
		name:      name,
		snapshots: make(map[string]StatusSnapshot),
		errs:      make(map[string]error),
	}
}

func (m *MockAdapter) Name() string {
	return m.name
}

// SetSnapshot registers the remote state returned for an order ID.
func (m *MockAdapter) SetSnapshot(exchangeOrderID string, snap StatusSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[exchangeOrderID] = snap
}

// SetError makes fetches for an order ID fail with the given error.
func (m *MockAdapter) SetError(exchangeOrderID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[exchangeOrderID] = err
}

// SetMatching registers a snapshot identical to the local order, so
// reconciliation finds nothing to fix.
func (m *MockAdapter) SetMatching(order *db.Order) {
	snap := StatusSnapshot{
		Status:         order.Status,
		FilledQuantity: order.FilledQuantity,
	}
	if order.AvgFillPrice != nil {
		snap.AvgFillPrice = *order.AvgFillPrice
	}
	m.SetSnapshot(derefOrEmpty(order.ExchangeOrderID), snap)
}

// Calls returns the number of GetOrderStatus invocations.
func (m *MockAdapter) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

func (m *MockAdapter) GetOrderStatus(_ context.Context, req StatusRequest) (*StatusSnapshot, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()

	if err, ok := m.errs[req.ExchangeOrderID]; ok {
		return nil, err
	}
	snap, ok := m.snapshots[req.ExchangeOrderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	out := snap
	return &out, nil
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
