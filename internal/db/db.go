package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/quantfleet/ordersync/internal/config"
)

// TradingMode identifies an isolated partition of accounts and orders.
// Each mode has its own database connection.
type TradingMode string

const (
	ModePaper TradingMode = "paper"
	ModeLive  TradingMode = "live"
)

// PoolInterface defines the pool operations the store needs.
// pgxmock satisfies this in tests.
type PoolInterface interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Store wraps the PostgreSQL connection pool for one trading-mode partition
type Store struct {
	pool PoolInterface
	mode TradingMode
}

// New creates a store backed by a new connection pool
func New(ctx context.Context, mode TradingMode, cfg config.DatabaseConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.PoolSize)
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("trading_mode", string(mode)).
		Str("database", cfg.Database).
		Msg("Database connection pool created")

	return &Store{pool: pool, mode: mode}, nil
}

// NewWithPool creates a store over an existing pool (tests use pgxmock here)
func NewWithPool(pool PoolInterface, mode TradingMode) *Store {
	return &Store{pool: pool, mode: mode}
}

// Mode returns the trading-mode partition this store serves
func (s *Store) Mode() TradingMode {
	return s.mode
}

// Pool exposes the partition's pool for collaborators that share the
// connection, such as the audit logger.
func (s *Store) Pool() PoolInterface {
	return s.pool
}

// Close closes the underlying connection pool
func (s *Store) Close() {
	if pool, ok := s.pool.(*pgxpool.Pool); ok {
		pool.Close()
		log.Info().Str("trading_mode", string(s.mode)).Msg("Database connection pool closed")
	}
}

// Health checks database connectivity
func (s *Store) Health(ctx context.Context) error {
	if pool, ok := s.pool.(*pgxpool.Pool); ok {
		return pool.Ping(ctx)
	}
	return nil
}

// Registry maps trading modes to their stores
type Registry struct {
	stores map[TradingMode]*Store
}

// NewRegistry builds a registry from per-mode database configs
func NewRegistry(ctx context.Context, modes []string, configs map[string]config.DatabaseConfig) (*Registry, error) {
	stores := make(map[TradingMode]*Store, len(modes))

	for _, m := range modes {
		cfg, ok := configs[m]
		if !ok {
			return nil, fmt.Errorf("no database config for trading mode %q", m)
		}
		store, err := New(ctx, TradingMode(m), cfg)
		if err != nil {
			for _, s := range stores {
				s.Close()
			}
			return nil, fmt.Errorf("failed to open store for trading mode %q: %w", m, err)
		}
		stores[TradingMode(m)] = store
	}

	return &Registry{stores: stores}, nil
}

// NewRegistryWithStores builds a registry from pre-built stores (tests)
func NewRegistryWithStores(stores map[TradingMode]*Store) *Registry {
	return &Registry{stores: stores}
}

// Store returns the store for a trading mode
func (r *Registry) Store(mode TradingMode) (*Store, error) {
	s, ok := r.stores[mode]
	if !ok {
		return nil, fmt.Errorf("no store registered for trading mode %q", mode)
	}
	return s, nil
}

// Modes returns the registered trading modes
func (r *Registry) Modes() []TradingMode {
	modes := make([]TradingMode, 0, len(r.stores))
	for m := range r.stores {
		modes = append(modes, m)
	}
	return modes
}

// Close closes all registered stores
func (r *Registry) Close() {
	for _, s := range r.stores {
		s.Close()
	}
}
