package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Severity represents the severity level of an alert
type Severity string

const (
	SeverityCritical Severity = "CRITICAL" // requires immediate operator attention
	SeverityWarning  Severity = "WARNING"  // should be investigated
	SeverityInfo     Severity = "INFO"     // informational
)

// Category represents the category of an alert
type Category string

const (
	CategoryDiscrepancy Category = "DISCREPANCY"
	CategoryCycle       Category = "CYCLE"
	CategoryExchange    Category = "EXCHANGE"
	CategoryDatabase    Category = "DATABASE"
)

// Alert represents one operator-facing alert with structured data
type Alert struct {
	Severity  Severity               `json:"severity"`
	Category  Category               `json:"category"`
	Message   string                 `json:"message"`
	Error     error                  `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// Alerter delivers alerts to an operator channel
type Alerter interface {
	SendAlert(ctx context.Context, alert Alert)
}

// Manager fans alerts out to every configured channel and always
// writes them to the structured log.
type Manager struct {
	channels []Alerter
}

// NewManager creates an alert manager over zero or more channels
func NewManager(channels ...Alerter) *Manager {
	return &Manager{channels: channels}
}

// SendAlert logs an alert and forwards it to each channel
func (m *Manager) SendAlert(ctx context.Context, alert Alert) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}

	logEvent := log.With().
		Str("severity", string(alert.Severity)).
		Str("category", string(alert.Category)).
		Time("timestamp", alert.Timestamp)

	for key, value := range alert.Context {
		logEvent = logEvent.Interface(key, value)
	}
	if alert.Error != nil {
		logEvent = logEvent.Err(alert.Error)
	}

	logger := logEvent.Logger()
	switch alert.Severity {
	case SeverityCritical:
		logger.Error().Msg(alert.Message)
	case SeverityWarning:
		logger.Warn().Msg(alert.Message)
	default:
		logger.Info().Msg(alert.Message)
	}

	for _, ch := range m.channels {
		ch.SendAlert(ctx, alert)
	}
}

// HighDiscrepancy builds the alert raised when one cycle finds more
// discrepancies than the configured threshold.
func HighDiscrepancy(discrepancies, threshold int) Alert {
	return Alert{
		Severity: SeverityCritical,
		Category: CategoryDiscrepancy,
		Message: fmt.Sprintf("Reconciliation found %d discrepancies, above threshold %d",
			discrepancies, threshold),
		Context: map[string]interface{}{
			"discrepancies": discrepancies,
			"threshold":     threshold,
		},
	}
}

// CycleFailed builds the alert for an orchestrator-level failure
func CycleFailed(err error) Alert {
	return Alert{
		Severity: SeverityWarning,
		Category: CategoryCycle,
		Message:  "Reconciliation cycle failed",
		Error:    err,
	}
}

// AdapterUnavailable builds the warning raised when an account is
// skipped because no venue adapter could be constructed.
func AdapterUnavailable(venue, accountID string, err error) Alert {
	return Alert{
		Severity: SeverityWarning,
		Category: CategoryExchange,
		Message:  fmt.Sprintf("No adapter available for venue %s, account skipped", venue),
		Error:    err,
		Context: map[string]interface{}{
			"venue":      venue,
			"account_id": accountID,
		},
	}
}
