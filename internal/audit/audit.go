package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantfleet/ordersync/internal/db"
	"github.com/quantfleet/ordersync/internal/metrics"
)

// EventType represents the type of audit event
type EventType string

const (
	// Corrective actions applied by the resolver
	EventTypeStatusCorrected  EventType = "RECON_STATUS_CORRECTED"
	EventTypeFillAdjusted     EventType = "RECON_FILL_ADJUSTED"
	EventTypePriceFlagged     EventType = "RECON_PRICE_FLAGGED"
	EventTypeTradeSynthesized EventType = "RECON_TRADE_SYNTHESIZED"

	// Cycle lifecycle
	EventTypeCycleStarted   EventType = "RECON_CYCLE_STARTED"
	EventTypeCycleCompleted EventType = "RECON_CYCLE_COMPLETED"
	EventTypeCycleFailed    EventType = "RECON_CYCLE_FAILED"

	// Operator actions
	EventTypeManualReconcile EventType = "RECON_MANUAL_TRIGGERED"
)

// Severity represents the severity level of an audit event
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Event represents a single audit log event
type Event struct {
	ID          uuid.UUID              `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	EventType   EventType              `json:"event_type"`
	Severity    Severity               `json:"severity"`
	TradingMode string                 `json:"trading_mode"`
	Resource    string                 `json:"resource,omitempty"` // affected order/trade/log ID
	Action      string                 `json:"action"`             // human-readable description
	Success     bool                   `json:"success"`
	ErrorMsg    string                 `json:"error_message,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Logger handles audit logging for one trading-mode partition.
// Writes are append-only; there is no update path.
type Logger struct {
	pool    db.PoolInterface
	mode    db.TradingMode
	enabled bool
}

// NewLogger creates a new audit logger bound to one partition's pool
func NewLogger(pool db.PoolInterface, mode db.TradingMode, enabled bool) *Logger {
	return &Logger{
		pool:    pool,
		mode:    mode,
		enabled: enabled,
	}
}

// Log records an audit event
func (l *Logger) Log(ctx context.Context, event *Event) error {
	if !l.enabled {
		return nil
	}

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.TradingMode == "" {
		event.TradingMode = string(l.mode)
	}

	// Structured log for immediate visibility
	logEvent := log.With().
		Str("event_id", event.ID.String()).
		Str("event_type", string(event.EventType)).
		Str("severity", string(event.Severity)).
		Str("trading_mode", event.TradingMode).
		Str("resource", event.Resource).
		Str("action", event.Action).
		Bool("success", event.Success).
		Logger()

	if event.ErrorMsg != "" {
		logEvent = logEvent.With().Str("error", event.ErrorMsg).Logger()
	}

	switch event.Severity {
	case SeverityCritical, SeverityError:
		logEvent.Error().Msg("Audit event")
	case SeverityWarning:
		logEvent.Warn().Msg("Audit event")
	default:
		logEvent.Info().Msg("Audit event")
	}

	if l.pool != nil {
		if err := l.persistEvent(ctx, event); err != nil {
			metrics.RecordAuditWrite(string(event.EventType), false)
			return err
		}
	}

	metrics.RecordAuditWrite(string(event.EventType), true)
	return nil
}

// persistEvent stores the audit event in the database
func (l *Logger) persistEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO audit_logs (
			id, timestamp, event_type, severity, trading_mode, resource,
			action, success, error_message, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
	`

	var metadataJSON []byte
	var err error
	if event.Metadata != nil {
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			log.Error().Err(err).Msg("Failed to marshal audit event metadata")
			metadataJSON = []byte("{}")
		}
	}

	_, err = l.pool.Exec(ctx, query,
		event.ID,
		event.Timestamp,
		event.EventType,
		event.Severity,
		event.TradingMode,
		event.Resource,
		event.Action,
		event.Success,
		event.ErrorMsg,
		metadataJSON,
	)
	if err != nil {
		log.Error().Err(err).
			Str("event_id", event.ID.String()).
			Str("event_type", string(event.EventType)).
			Msg("Failed to persist audit event to database")
		return err
	}

	return nil
}

// LogCorrection logs one corrective action applied (or attempted) by the
// resolver against an order
func (l *Logger) LogCorrection(ctx context.Context, eventType EventType, orderID string, metadata map[string]interface{}, success bool, errorMsg string) error {
	severity := SeverityInfo
	if !success {
		severity = SeverityWarning
	}

	return l.Log(ctx, &Event{
		EventType: eventType,
		Severity:  severity,
		Resource:  orderID,
		Action:    string(eventType),
		Success:   success,
		ErrorMsg:  errorMsg,
		Metadata:  metadata,
	})
}

// LogCycle logs a cycle lifecycle event
func (l *Logger) LogCycle(ctx context.Context, eventType EventType, metadata map[string]interface{}, success bool, errorMsg string) error {
	severity := SeverityInfo
	if !success {
		severity = SeverityError
	}

	return l.Log(ctx, &Event{
		EventType: eventType,
		Severity:  severity,
		Action:    string(eventType),
		Success:   success,
		ErrorMsg:  errorMsg,
		Metadata:  metadata,
	})
}
