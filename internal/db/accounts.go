package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Account represents a trading account within one trading-mode partition
type Account struct {
	ID        uuid.UUID
	Name      string
	Exchange  string // venue identifier, e.g. "binance"
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ListActiveAccounts retrieves all active accounts in this partition
func (s *Store) ListActiveAccounts(ctx context.Context) ([]*Account, error) {
	query := `
		SELECT id, name, exchange, active, created_at, updated_at
		FROM accounts
		WHERE active = TRUE
		ORDER BY created_at ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		var account Account
		err := rows.Scan(
			&account.ID,
			&account.Name,
			&account.Exchange,
			&account.Active,
			&account.CreatedAt,
			&account.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, &account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

// GetAccount retrieves an account by ID
func (s *Store) GetAccount(ctx context.Context, accountID uuid.UUID) (*Account, error) {
	query := `
		SELECT id, name, exchange, active, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`

	var account Account
	err := s.pool.QueryRow(ctx, query, accountID).Scan(
		&account.ID,
		&account.Name,
		&account.Exchange,
		&account.Active,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return &account, nil
}
