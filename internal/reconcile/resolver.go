package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantfleet/ordersync/internal/audit"
	"github.com/quantfleet/ordersync/internal/db"
	"github.com/quantfleet/ordersync/internal/exchange"
	"github.com/quantfleet/ordersync/internal/metrics"
)

// syntheticTradeNamespace scopes the deterministic trade IDs minted
// for missing fills. Stable forever; changing it would break the
// duplicate-insert guard across versions.
var syntheticTradeNamespace = uuid.MustParse("7c9e4a2f-31d8-4b6a-9f05-8a2d6c1e7b43")

// CorrectionOutcome records one corrective branch of a resolution
type CorrectionOutcome struct {
	Field      string `json:"field"`
	Corrective bool   `json:"corrective"` // observational branches flag without writing
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// Resolution summarizes what the resolver did for one discrepancy.
// Resolved is true once at least one corrective branch succeeded;
// individual branch failures do not abort the others.
type Resolution struct {
	Resolved          bool                `json:"resolved"`
	Outcomes          []CorrectionOutcome `json:"outcomes"`
	SyntheticTradeID  *uuid.UUID          `json:"synthetic_trade_id,omitempty"`
	TradeAlreadyKnown bool                `json:"trade_already_known,omitempty"`
}

// Resolver applies minimal corrective mutations for detected
// discrepancies. One resolver exists per trading-mode partition.
type Resolver struct {
	store *db.Store
	audit *audit.Logger
}

// NewResolver creates a resolver over one partition's store
func NewResolver(store *db.Store, auditLogger *audit.Logger) *Resolver {
	return &Resolver{store: store, audit: auditLogger}
}

// Resolve applies one corrective action per mismatched field. Order
// fields are corrected through a single conditional write keyed on the
// updated_at value the caller read, so a concurrent execution-path
// write surfaces as ErrConcurrentUpdate rather than being clobbered.
func (r *Resolver) Resolve(ctx context.Context, order *db.Order, remote *exchange.StatusSnapshot, disc *Discrepancy, logID uuid.UUID) *Resolution {
	res := &Resolution{}

	corrected := *order
	var pendingFields []string

	if disc.Mismatch(FieldStatus) != nil {
		corrected.Status = remote.Status
		pendingFields = append(pendingFields, FieldStatus)
	}

	fillBranch := disc.Mismatch(FieldFilledQuantity) != nil
	missingBranch := disc.Mismatch(FieldMissingFills) != nil

	if missingBranch {
		r.insertSyntheticTrade(ctx, res, order, disc, logID)
	}

	// The missing-fills branch only adjusts local quantities once its
	// synthetic trade landed (or was already there from a retry);
	// otherwise the ledger would claim fills it has no trade rows for.
	tradeSettled := res.SyntheticTradeID != nil || res.TradeAlreadyKnown
	if fillBranch || (missingBranch && tradeSettled) {
		corrected.FilledQuantity = remote.FilledQuantity
		corrected.RemainingQuantity = corrected.Quantity - corrected.FilledQuantity
		if corrected.RemainingQuantity < 0 {
			corrected.RemainingQuantity = 0
		}
		if corrected.RemainingQuantity <= 0 {
			corrected.Status = db.OrderStatusFilled
		} else if corrected.FilledQuantity > 0 && corrected.Status != db.OrderStatusCancelled &&
			corrected.Status != db.OrderStatusRejected {
			corrected.Status = db.OrderStatusPartiallyFilled
		}
		if fillBranch {
			pendingFields = append(pendingFields, FieldFilledQuantity)
		}
		if missingBranch {
			pendingFields = append(pendingFields, FieldMissingFills)
		}
	}
	// When the trade insert failed, the quantity adjustment waits for
	// the next cycle's retry.

	if priceMismatch := disc.Mismatch(FieldAvgFillPrice); priceMismatch != nil {
		r.flagPrice(ctx, order, priceMismatch)
		res.Outcomes = append(res.Outcomes, CorrectionOutcome{
			Field:      FieldAvgFillPrice,
			Corrective: false,
			Success:    true,
		})
	}

	if len(pendingFields) > 0 {
		writeErr := r.store.ApplyOrderCorrection(ctx, &corrected, order.UpdatedAt)
		for _, field := range pendingFields {
			outcome := CorrectionOutcome{Field: field, Corrective: true, Success: writeErr == nil}
			if writeErr != nil {
				outcome.Error = writeErr.Error()
			}
			res.Outcomes = append(res.Outcomes, outcome)
			r.auditCorrection(ctx, field, order, &corrected, disc, writeErr)
			if writeErr == nil && field != FieldMissingFills {
				// missing_fills was already counted at trade insert
				metrics.RecordResolution(field)
			}
		}
		if writeErr == nil {
			res.Resolved = true
			*order = corrected
		} else {
			log.Warn().
				Err(writeErr).
				Str("order_id", order.ID.String()).
				Strs("fields", pendingFields).
				Msg("Order correction write failed, will retry next cycle")
		}
	}

	return res
}

// insertSyntheticTrade manufactures the missing fill. The exchange
// trade ID is derived deterministically from the order and the remote
// fill total, so a retried resolution reuses the same key and the
// unique constraint swallows the duplicate.
func (r *Resolver) insertSyntheticTrade(ctx context.Context, res *Resolution, order *db.Order, disc *Discrepancy, logID uuid.UUID) {
	missing := disc.MissingQuantity()
	remoteTotal := order.FilledQuantity + missing

	idempotencyKey := uuid.NewSHA1(syntheticTradeNamespace,
		[]byte(fmt.Sprintf("%s:%.8f", order.ID, remoteTotal)))
	exchangeTradeID := "recon-" + idempotencyKey.String()

	price := 0.0
	if order.Price != nil && *order.Price > 0 {
		price = *order.Price
	} else if order.AvgFillPrice != nil && *order.AvgFillPrice > 0 {
		price = *order.AvgFillPrice
	}

	now := time.Now().UTC()
	reconciliationID := logID
	trade := &db.Trade{
		ID:               uuid.New(),
		OrderID:          order.ID,
		ExchangeTradeID:  &exchangeTradeID,
		Symbol:           order.Symbol,
		Exchange:         order.Exchange,
		Side:             order.Side,
		Price:            price,
		Quantity:         missing,
		ExecutedAt:       now,
		IsSynthetic:      true,
		ReconciliationID: &reconciliationID,
		CreatedAt:        now,
	}

	inserted, err := r.store.InsertTrade(ctx, trade)
	outcome := CorrectionOutcome{Field: FieldMissingFills, Corrective: true}
	switch {
	case err != nil:
		outcome.Error = err.Error()
	case inserted:
		outcome.Success = true
		res.SyntheticTradeID = &trade.ID
		res.Resolved = true
		metrics.SyntheticTrades.Inc()
		metrics.RecordResolution(FieldMissingFills)
	default:
		// A prior attempt already inserted this trade; the correction
		// stands, nothing new to write.
		outcome.Success = true
		res.TradeAlreadyKnown = true
		res.Resolved = true
	}
	res.Outcomes = append(res.Outcomes, outcome)

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	_ = r.audit.LogCorrection(ctx, audit.EventTypeTradeSynthesized, order.ID.String(),
		map[string]interface{}{
			"trade_id":        trade.ID.String(),
			"idempotency_key": exchangeTradeID,
			"quantity":        missing,
			"price":           price,
			"inserted":        inserted,
		}, err == nil, errMsg)
}

func (r *Resolver) flagPrice(ctx context.Context, order *db.Order, mismatch *FieldMismatch) {
	_ = r.audit.LogCorrection(ctx, audit.EventTypePriceFlagged, order.ID.String(),
		map[string]interface{}{
			"local_avg_fill_price":  mismatch.LocalValue,
			"remote_avg_fill_price": mismatch.RemoteValue,
			"deviation":             mismatch.Difference,
		}, true, "")
}

func (r *Resolver) auditCorrection(ctx context.Context, field string, before, after *db.Order, disc *Discrepancy, writeErr error) {
	errMsg := ""
	if writeErr != nil {
		errMsg = writeErr.Error()
	}

	switch field {
	case FieldStatus:
		_ = r.audit.LogCorrection(ctx, audit.EventTypeStatusCorrected, before.ID.String(),
			map[string]interface{}{
				"previous_status": string(before.Status),
				"new_status":      string(after.Status),
			}, writeErr == nil, errMsg)
	case FieldFilledQuantity:
		_ = r.audit.LogCorrection(ctx, audit.EventTypeFillAdjusted, before.ID.String(),
			map[string]interface{}{
				"previous_filled": before.FilledQuantity,
				"new_filled":      after.FilledQuantity,
				"new_remaining":   after.RemainingQuantity,
				"new_status":      string(after.Status),
			}, writeErr == nil, errMsg)
	case FieldMissingFills:
		_ = r.audit.LogCorrection(ctx, audit.EventTypeFillAdjusted, before.ID.String(),
			map[string]interface{}{
				"previous_filled":  before.FilledQuantity,
				"new_filled":       after.FilledQuantity,
				"missing_quantity": disc.MissingQuantity(),
				"new_status":       string(after.Status),
			}, writeErr == nil, errMsg)
	}
}
