package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// OrderSide represents buy or sell (database enum)
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderStatus represents order status (database enum)
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// ErrConcurrentUpdate is returned when a conditional order update loses
// a race against another writer (e.g. the execution path).
var ErrConcurrentUpdate = errors.New("order was modified concurrently")

// Order represents a database order record
type Order struct {
	ID                uuid.UUID
	AccountID         uuid.UUID
	ExchangeOrderID   *string // nil until the order reached the venue
	Symbol            string
	Exchange          string
	Side              OrderSide
	Status            OrderStatus
	Price             *float64
	Quantity          float64
	FilledQuantity    float64
	RemainingQuantity float64
	AvgFillPrice      *float64
	PlacedAt          time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Trade represents a database trade record (fill)
type Trade struct {
	ID               uuid.UUID
	OrderID          uuid.UUID
	ExchangeTradeID  *string
	Symbol           string
	Exchange         string
	Side             OrderSide
	Price            float64
	Quantity         float64
	Commission       float64
	CommissionAsset  *string
	ExecutedAt       time.Time
	IsSynthetic      bool       // manufactured by reconciliation, not reported by the venue
	ReconciliationID *uuid.UUID // log entry that produced a synthetic trade
	CreatedAt        time.Time
}

const orderColumns = `id, account_id, exchange_order_id, symbol, exchange, side,
	       status, price, quantity, filled_quantity, remaining_quantity,
	       avg_fill_price, placed_at, created_at, updated_at`

// ListOpenOrders retrieves up to limit open or partially filled orders
// for one account, oldest first
func (s *Store) ListOpenOrders(ctx context.Context, accountID uuid.UUID, limit int) ([]*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE account_id = $1
		  AND status IN ($2, $3)
		ORDER BY created_at ASC
		LIMIT $4
	`

	rows, err := s.pool.Query(ctx, query, accountID, OrderStatusOpen, OrderStatusPartiallyFilled, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// GetOrder retrieves an order by ID
func (s *Store) GetOrder(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE id = $1
	`

	var order Order
	err := s.pool.QueryRow(ctx, query, orderID).Scan(
		&order.ID,
		&order.AccountID,
		&order.ExchangeOrderID,
		&order.Symbol,
		&order.Exchange,
		&order.Side,
		&order.Status,
		&order.Price,
		&order.Quantity,
		&order.FilledQuantity,
		&order.RemainingQuantity,
		&order.AvgFillPrice,
		&order.PlacedAt,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	return &order, nil
}

// ApplyOrderCorrection writes the single authoritative update for one
// resolution. The update is conditional on the updated_at value the
// reconciler read, so a concurrent execution-path write is never
// silently overwritten; callers get ErrConcurrentUpdate instead.
func (s *Store) ApplyOrderCorrection(ctx context.Context, order *Order, lastSeenUpdatedAt time.Time) error {
	query := `
		UPDATE orders
		SET status = $1,
		    filled_quantity = $2,
		    remaining_quantity = $3,
		    updated_at = NOW()
		WHERE id = $4 AND updated_at = $5
	`

	result, err := s.pool.Exec(ctx, query,
		order.Status,
		order.FilledQuantity,
		order.RemainingQuantity,
		order.ID,
		lastSeenUpdatedAt,
	)
	if err != nil {
		log.Error().
			Err(err).
			Str("order_id", order.ID.String()).
			Msg("Failed to apply order correction")
		return fmt.Errorf("failed to apply order correction: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", order.ID, ErrConcurrentUpdate)
	}

	log.Debug().
		Str("order_id", order.ID.String()).
		Str("status", string(order.Status)).
		Float64("filled_quantity", order.FilledQuantity).
		Msg("Order correction applied")

	return nil
}

// InsertTrade inserts a trade (fill) into the database. The insert is
// idempotent on exchange_trade_id: retried synthetic trades with the
// same deterministic ID land exactly once. Returns false when the row
// already existed.
func (s *Store) InsertTrade(ctx context.Context, trade *Trade) (bool, error) {
	query := `
		INSERT INTO trades (
			id, order_id, exchange_trade_id, symbol, exchange, side,
			price, quantity, commission, commission_asset, executed_at,
			is_synthetic, reconciliation_id, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
		ON CONFLICT (exchange_trade_id) DO NOTHING
	`

	result, err := s.pool.Exec(ctx, query,
		trade.ID,
		trade.OrderID,
		trade.ExchangeTradeID,
		trade.Symbol,
		trade.Exchange,
		trade.Side,
		trade.Price,
		trade.Quantity,
		trade.Commission,
		trade.CommissionAsset,
		trade.ExecutedAt,
		trade.IsSynthetic,
		trade.ReconciliationID,
		trade.CreatedAt,
	)
	if err != nil {
		log.Error().
			Err(err).
			Str("trade_id", trade.ID.String()).
			Str("order_id", trade.OrderID.String()).
			Msg("Failed to insert trade")
		return false, fmt.Errorf("failed to insert trade: %w", err)
	}

	inserted := result.RowsAffected() > 0
	if inserted {
		log.Debug().
			Str("trade_id", trade.ID.String()).
			Str("order_id", trade.OrderID.String()).
			Float64("price", trade.Price).
			Float64("quantity", trade.Quantity).
			Bool("is_synthetic", trade.IsSynthetic).
			Msg("Trade inserted into database")
	}

	return inserted, nil
}

// GetTradesByOrderID retrieves all trades for an order
func (s *Store) GetTradesByOrderID(ctx context.Context, orderID uuid.UUID) ([]*Trade, error) {
	query := `
		SELECT id, order_id, exchange_trade_id, symbol, exchange, side,
		       price, quantity, commission, commission_asset, executed_at,
		       is_synthetic, reconciliation_id, created_at
		FROM trades
		WHERE order_id = $1
		ORDER BY executed_at ASC
	`

	rows, err := s.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		var trade Trade
		err := rows.Scan(
			&trade.ID,
			&trade.OrderID,
			&trade.ExchangeTradeID,
			&trade.Symbol,
			&trade.Exchange,
			&trade.Side,
			&trade.Price,
			&trade.Quantity,
			&trade.Commission,
			&trade.CommissionAsset,
			&trade.ExecutedAt,
			&trade.IsSynthetic,
			&trade.ReconciliationID,
			&trade.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, &trade)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}

	return trades, nil
}

// ConvertOrderStatus converts venue status strings to the database enum
func ConvertOrderStatus(status string) OrderStatus {
	switch strings.ToUpper(status) {
	case "NEW", "OPEN", "PENDING":
		return OrderStatusOpen
	case "PARTIALLY_FILLED":
		return OrderStatusPartiallyFilled
	case "FILLED":
		return OrderStatusFilled
	case "CANCELED", "CANCELLED", "EXPIRED":
		return OrderStatusCancelled
	case "REJECTED":
		return OrderStatusRejected
	default:
		return OrderStatusOpen
	}
}

// scanOrders is a helper to scan multiple order rows
func scanOrders(rows interface {
	Next() bool
	Scan(...interface{}) error
	Err() error
}) ([]*Order, error) {
	var orders []*Order
	for rows.Next() {
		var order Order
		err := rows.Scan(
			&order.ID,
			&order.AccountID,
			&order.ExchangeOrderID,
			&order.Symbol,
			&order.Exchange,
			&order.Side,
			&order.Status,
			&order.Price,
			&order.Quantity,
			&order.FilledQuantity,
			&order.RemainingQuantity,
			&order.AvgFillPrice,
			&order.PlacedAt,
			&order.CreatedAt,
			&order.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, &order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}

	return orders, nil
}
