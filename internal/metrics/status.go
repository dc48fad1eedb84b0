package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const lastRunKey = "ordersync:last_run"

// LastRun is the snapshot of the most recent reconciliation cycle,
// kept in Redis for cheap dashboard reads.
type LastRun struct {
	StartedAt             time.Time     `json:"started_at"`
	Duration              time.Duration `json:"duration"`
	AccountsProcessed     int           `json:"accounts_processed"`
	OrdersChecked         int           `json:"orders_checked"`
	DiscrepanciesFound    int           `json:"discrepancies_found"`
	DiscrepanciesResolved int           `json:"discrepancies_resolved"`
	ErrorCount            int           `json:"error_count"`
	Failed                bool          `json:"failed"`
}

// StatusStore persists last-run snapshots in Redis
type StatusStore struct {
	client *redis.Client
}

// NewStatusStore creates a status store over a Redis client
func NewStatusStore(client *redis.Client) *StatusStore {
	return &StatusStore{client: client}
}

// SaveLastRun overwrites the last-run snapshot
func (s *StatusStore) SaveLastRun(ctx context.Context, run LastRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal last-run snapshot: %w", err)
	}

	if err := s.client.Set(ctx, lastRunKey, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save last-run snapshot: %w", err)
	}
	return nil
}

// LoadLastRun reads the last-run snapshot. Returns (nil, nil) when no
// cycle has run yet.
func (s *StatusStore) LoadLastRun(ctx context.Context) (*LastRun, error) {
	data, err := s.client.Get(ctx, lastRunKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last-run snapshot: %w", err)
	}

	var run LastRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal last-run snapshot: %w", err)
	}
	return &run, nil
}
