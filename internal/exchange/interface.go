package exchange

import (
	"context"
	"errors"
)

var (
	// ErrOrderNotFound is returned when the venue has no record of the
	// requested order.
	ErrOrderNotFound = errors.New("exchange: order not found")

	// ErrUnknownVenue is returned by the factory for venues it has no
	// configuration for.
	ErrUnknownVenue = errors.New("exchange: unknown venue")
)

// Adapter fetches order state from a single venue. Implementations
// must be safe for concurrent use.
type Adapter interface {
	// Name returns the venue identifier, e.g. "binance".
	Name() string

	// GetOrderStatus fetches the current remote state of one order.
	// Returns ErrOrderNotFound if the venue has no record of it.
	GetOrderStatus(ctx context.Context, req StatusRequest) (*StatusSnapshot, error)
}

// Factory creates adapters on demand, keyed by venue name. A factory
// caches adapters so repeated Create calls for the same venue return
// the same instance.
type Factory interface {
	Create(venue string) (Adapter, error)
}
