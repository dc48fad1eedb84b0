package exchange

import (
	"github.com/quantfleet/ordersync/internal/db"
)

// StatusSnapshot is the transient, read-only view of one remote order.
// It exists only for the duration of one comparison and is never
// persisted.
type StatusSnapshot struct {
	Status         db.OrderStatus `json:"status"`
	FilledQuantity float64        `json:"filled_quantity"`
	AvgFillPrice   float64        `json:"avg_fill_price"`
}

// StatusRequest identifies a remote order. Symbol is carried because
// some venues (Binance among them) key order lookups by symbol and
// order ID together.
type StatusRequest struct {
	Symbol          string `json:"symbol"`
	ExchangeOrderID string `json:"exchange_order_id"`
}

// Credentials hold venue API credentials for one adapter
type Credentials struct {
	APIKey    string
	SecretKey string
	Testnet   bool
}
