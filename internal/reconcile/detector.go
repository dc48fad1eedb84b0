package reconcile

import (
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/quantfleet/ordersync/internal/db"
	"github.com/quantfleet/ordersync/internal/exchange"
)

// Severity classifies how dangerous a divergence is
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

func maxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// Mismatch field names
const (
	FieldStatus         = "status"
	FieldFilledQuantity = "filled_quantity"
	FieldAvgFillPrice   = "avg_fill_price"
	FieldMissingFills   = "missing_fills"
)

// Detection thresholds
const (
	fillEpsilon       = 1e-5  // absorbs floating-point noise in quantities
	fillHighRatio     = 0.01  // fill diff above 1% of local filled is high
	priceTriggerRatio = 0.001 // price diff above 0.1% of local price triggers
	priceHighRatio    = 0.01  // price diff above 1% is high
)

// Status transitions the platform must treat as critical: the venue
// killed an order the local ledger still considers workable.
var criticalTransitions = map[db.OrderStatus]map[db.OrderStatus]bool{
	db.OrderStatusOpen: {
		db.OrderStatusCancelled: true,
		db.OrderStatusRejected:  true,
	},
	db.OrderStatusPartiallyFilled: {
		db.OrderStatusCancelled: true,
	},
}

// FieldMismatch describes divergence on a single order field
type FieldMismatch struct {
	Field       string   `json:"field"`
	LocalValue  string   `json:"local_value"`
	RemoteValue string   `json:"remote_value"`
	Difference  float64  `json:"difference,omitempty"`
	Severity    Severity `json:"severity"`
}

// Discrepancy is the full divergence picture for one order. It is
// ephemeral; the serialized form lands in the reconciliation log.
type Discrepancy struct {
	OrderID         uuid.UUID       `json:"order_id"`
	ExchangeOrderID string          `json:"exchange_order_id"`
	Mismatches      []FieldMismatch `json:"mismatches"`
	Severity        Severity        `json:"severity"`
	DetectedAt      time.Time       `json:"detected_at"`
}

// Mismatch returns the entry for a field, or nil if that field matched.
func (d *Discrepancy) Mismatch(field string) *FieldMismatch {
	for i := range d.Mismatches {
		if d.Mismatches[i].Field == field {
			return &d.Mismatches[i]
		}
	}
	return nil
}

// MissingQuantity returns the unrecorded fill quantity, zero if fills
// are not missing.
func (d *Discrepancy) MissingQuantity() float64 {
	if m := d.Mismatch(FieldMissingFills); m != nil {
		return m.Difference
	}
	return 0
}

// Detect compares one local order against its remote snapshot and
// returns the divergence, or nil when the two agree. Pure; performs
// no I/O.
func Detect(order *db.Order, remote *exchange.StatusSnapshot) *Discrepancy {
	var mismatches []FieldMismatch

	if order.Status != remote.Status {
		severity := SeverityMedium
		if criticalTransitions[order.Status][remote.Status] {
			severity = SeverityCritical
		}
		mismatches = append(mismatches, FieldMismatch{
			Field:       FieldStatus,
			LocalValue:  string(order.Status),
			RemoteValue: string(remote.Status),
			Severity:    severity,
		})
	}

	fillDiff := math.Abs(order.FilledQuantity - remote.FilledQuantity)
	if fillDiff > fillEpsilon {
		severity := SeverityMedium
		if fillDiff > fillHighRatio*order.FilledQuantity {
			severity = SeverityHigh
		}
		mismatches = append(mismatches, FieldMismatch{
			Field:       FieldFilledQuantity,
			LocalValue:  formatQty(order.FilledQuantity),
			RemoteValue: formatQty(remote.FilledQuantity),
			Difference:  fillDiff,
			Severity:    severity,
		})
	}

	if remote.FilledQuantity > 0 && remote.AvgFillPrice > 0 &&
		order.AvgFillPrice != nil && *order.AvgFillPrice > 0 {
		localPrice := *order.AvgFillPrice
		priceDiff := math.Abs(localPrice - remote.AvgFillPrice)
		if priceDiff > priceTriggerRatio*localPrice {
			severity := SeverityMedium
			if priceDiff > priceHighRatio*localPrice {
				severity = SeverityHigh
			}
			mismatches = append(mismatches, FieldMismatch{
				Field:       FieldAvgFillPrice,
				LocalValue:  formatQty(localPrice),
				RemoteValue: formatQty(remote.AvgFillPrice),
				Difference:  priceDiff,
				Severity:    severity,
			})
		}
	}

	if remote.FilledQuantity-order.FilledQuantity > fillEpsilon {
		mismatches = append(mismatches, FieldMismatch{
			Field:       FieldMissingFills,
			LocalValue:  formatQty(order.FilledQuantity),
			RemoteValue: formatQty(remote.FilledQuantity),
			Difference:  remote.FilledQuantity - order.FilledQuantity,
			Severity:    SeverityHigh,
		})
	}

	if len(mismatches) == 0 {
		return nil
	}

	overall := SeverityLow
	for _, m := range mismatches {
		overall = maxSeverity(overall, m.Severity)
	}

	exchangeOrderID := ""
	if order.ExchangeOrderID != nil {
		exchangeOrderID = *order.ExchangeOrderID
	}

	return &Discrepancy{
		OrderID:         order.ID,
		ExchangeOrderID: exchangeOrderID,
		Mismatches:      mismatches,
		Severity:        overall,
		DetectedAt:      time.Now().UTC(),
	}
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
