package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// EventType identifies one reconciliation event
type EventType string

const (
	EventServiceStarted      EventType = "service_started"
	EventServiceStopped      EventType = "service_stopped"
	EventCycleCompleted      EventType = "cycle_completed"
	EventCycleError          EventType = "cycle_error"
	EventDiscrepancyDetected EventType = "discrepancy_detected"
	EventDiscrepancyResolved EventType = "discrepancy_resolved"
	EventHighDiscrepancy     EventType = "high_discrepancy_alert"
)

// Event is one observable reconciliation occurrence. Payload carries
// the type-specific detail (*Discrepancy, *CycleResult, error text).
type Event struct {
	Type        EventType   `json:"type"`
	Timestamp   time.Time   `json:"timestamp"`
	TradingMode string      `json:"trading_mode,omitempty"`
	OrderID     string      `json:"order_id,omitempty"`
	Payload     interface{} `json:"payload,omitempty"`
}

// Notifier receives reconciliation events. Implementations must not
// block the reconciliation path; publishing is fire-and-forget from
// the engine's point of view.
type Notifier interface {
	Publish(ctx context.Context, event Event)
}

// NopNotifier discards all events
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, Event) {}

// LogNotifier writes events to the structured log
type LogNotifier struct{}

func (LogNotifier) Publish(_ context.Context, event Event) {
	log.Info().
		Str("event", string(event.Type)).
		Str("trading_mode", event.TradingMode).
		Str("order_id", event.OrderID).
		Msg("Reconciliation event")
}

// FanOut forwards every event to each wrapped notifier
type FanOut []Notifier

func (f FanOut) Publish(ctx context.Context, event Event) {
	for _, n := range f {
		n.Publish(ctx, event)
	}
}

// NATSNotifier publishes events onto NATS subjects of the form
// <prefix>.<event type>, e.g. "ordersync.recon.discrepancy_detected".
type NATSNotifier struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSNotifier creates a notifier over an existing connection
func NewNATSNotifier(conn *nats.Conn, prefix string) *NATSNotifier {
	if prefix == "" {
		prefix = "ordersync.recon"
	}
	return &NATSNotifier{conn: conn, prefix: prefix}
}

func (n *NATSNotifier) Publish(_ context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("event", string(event.Type)).Msg("Failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", n.prefix, event.Type)
	if err := n.conn.Publish(subject, data); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to publish event")
	}
}
