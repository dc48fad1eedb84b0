package exchange

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/quantfleet/ordersync/internal/config"
)

// ConfigFactory builds adapters from venue configuration and caches
// them, so every account on the same venue shares one client, one
// rate limiter and one circuit breaker.
type ConfigFactory struct {
	mu          sync.Mutex
	exchanges   map[string]config.ExchangeConfig
	retryConfig RetryConfig
	adapters    map[string]Adapter
}

// NewConfigFactory creates a factory over the configured venues
func NewConfigFactory(exchanges map[string]config.ExchangeConfig, retryConfig RetryConfig) *ConfigFactory {
	return &ConfigFactory{
		exchanges:   exchanges,
		retryConfig: retryConfig,
		adapters:    make(map[string]Adapter),
	}
}

// Create returns the adapter for a venue, building it on first use.
func (f *ConfigFactory) Create(venue string) (Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if adapter, ok := f.adapters[venue]; ok {
		return adapter, nil
	}

	adapter, err := f.build(venue)
	if err != nil {
		return nil, err
	}

	f.adapters[venue] = adapter
	log.Info().Str("venue", venue).Msg("Exchange adapter created")
	return adapter, nil
}

// Register installs a pre-built adapter for a venue. Used for paper
// trading and tests.
func (f *ConfigFactory) Register(venue string, adapter Adapter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adapters[venue] = adapter
}

func (f *ConfigFactory) build(venue string) (Adapter, error) {
	switch venue {
	case "binance":
		cfg, ok := f.exchanges[venue]
		if !ok {
			return nil, fmt.Errorf("%w: %s not configured", ErrUnknownVenue, venue)
		}
		if cfg.APIKey == "" || cfg.SecretKey == "" {
			return nil, fmt.Errorf("binance adapter: missing credentials")
		}
		creds := Credentials{
			APIKey:    cfg.APIKey,
			SecretKey: cfg.SecretKey,
			Testnet:   cfg.Testnet,
		}
		return WithBreaker(NewBinanceAdapter(creds, f.retryConfig, cfg.RequestsPerS)), nil
	case "mock":
		return NewMockAdapter("mock"), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, venue)
	}
}
