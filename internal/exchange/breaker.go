package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Circuit breaker thresholds for venue status fetches
const (
	breakerMinRequests     = 5                // Minimum requests before tripping
	breakerFailureRatio    = 0.6              // Failure ratio threshold
	breakerOpenTimeout     = 30 * time.Second // How long circuit stays open
	breakerHalfOpenMaxReqs = 3                // Max requests in half-open state
	breakerCountInterval   = 10 * time.Second // Window for counting failures
)

// breakerAdapter wraps an Adapter with a gobreaker circuit breaker so
// a flapping venue stops being hammered and its accounts get skipped
// cleanly instead of timing out one order at a time.
type breakerAdapter struct {
	inner   Adapter
	breaker *gobreaker.CircuitBreaker
}

// WithBreaker wraps an adapter with a per-venue circuit breaker.
func WithBreaker(inner Adapter) Adapter {
	settings := gobreaker.Settings{
		Name:        fmt.Sprintf("exchange-%s", inner.Name()),
		MaxRequests: breakerHalfOpenMaxReqs,
		Interval:    breakerCountInterval,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= breakerMinRequests && failureRatio >= breakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			// A definitive "not found" is a valid venue answer, not an
			// outage signal.
			return err == nil || !IsRetryable(err)
		},
	}

	return &breakerAdapter{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (b *breakerAdapter) Name() string {
	return b.inner.Name()
}

func (b *breakerAdapter) GetOrderStatus(ctx context.Context, req StatusRequest) (*StatusSnapshot, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.GetOrderStatus(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*StatusSnapshot), nil
}
