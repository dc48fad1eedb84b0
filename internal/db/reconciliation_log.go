package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ReconciliationStatus tracks the lifecycle of one logged discrepancy
type ReconciliationStatus string

const (
	ReconciliationStatusDiscrepancy ReconciliationStatus = "discrepancy"
	ReconciliationStatusResolved    ReconciliationStatus = "resolved"
)

// ReconciliationLog is the persisted record of one detected discrepancy
// and its resolution outcome
type ReconciliationLog struct {
	ID          uuid.UUID
	AccountID   uuid.UUID
	SubjectType string // "order"
	SubjectID   uuid.UUID
	Status      ReconciliationStatus
	Detail      []byte // serialized discrepancy
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ResolvedAt  *time.Time
}

// InsertReconciliationLog records a newly detected discrepancy
func (s *Store) InsertReconciliationLog(ctx context.Context, entry *ReconciliationLog) error {
	query := `
		INSERT INTO reconciliation_logs (
			id, account_id, subject_type, subject_id, status, detail,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
	`

	_, err := s.pool.Exec(ctx, query,
		entry.ID,
		entry.AccountID,
		entry.SubjectType,
		entry.SubjectID,
		entry.Status,
		entry.Detail,
		entry.CreatedAt,
		entry.UpdatedAt,
	)
	if err != nil {
		log.Error().
			Err(err).
			Str("log_id", entry.ID.String()).
			Str("subject_id", entry.SubjectID.String()).
			Msg("Failed to insert reconciliation log")
		return fmt.Errorf("failed to insert reconciliation log: %w", err)
	}

	return nil
}

// MarkReconciliationResolved transitions a log entry to resolved. The
// transition happens at most once: an entry already resolved is left
// untouched.
func (s *Store) MarkReconciliationResolved(ctx context.Context, logID uuid.UUID, resolvedAt time.Time) error {
	query := `
		UPDATE reconciliation_logs
		SET status = $1,
		    resolved_at = $2,
		    updated_at = NOW()
		WHERE id = $3 AND status = $4
	`

	result, err := s.pool.Exec(ctx, query,
		ReconciliationStatusResolved,
		resolvedAt,
		logID,
		ReconciliationStatusDiscrepancy,
	)
	if err != nil {
		return fmt.Errorf("failed to mark reconciliation resolved: %w", err)
	}

	if result.RowsAffected() == 0 {
		log.Debug().
			Str("log_id", logID.String()).
			Msg("Reconciliation log already resolved, skipping transition")
	}

	return nil
}

// ListReconciliationLogs retrieves recent log entries, most recent first
func (s *Store) ListReconciliationLogs(ctx context.Context, limit int) ([]*ReconciliationLog, error) {
	query := `
		SELECT id, account_id, subject_type, subject_id, status, detail,
		       created_at, updated_at, resolved_at
		FROM reconciliation_logs
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation logs: %w", err)
	}
	defer rows.Close()

	var entries []*ReconciliationLog
	for rows.Next() {
		var entry ReconciliationLog
		err := rows.Scan(
			&entry.ID,
			&entry.AccountID,
			&entry.SubjectType,
			&entry.SubjectID,
			&entry.Status,
			&entry.Detail,
			&entry.CreatedAt,
			&entry.UpdatedAt,
			&entry.ResolvedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation log: %w", err)
		}
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reconciliation logs: %w", err)
	}

	return entries, nil
}
