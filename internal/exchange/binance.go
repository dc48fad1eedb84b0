package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	binance "github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/quantfleet/ordersync/internal/db"
	"github.com/quantfleet/ordersync/internal/metrics"
)

// Binance weight limits allow far more than this, but reconciliation
// is background work and should never compete with the trading path
// for request weight.
const binanceFetchRate = rate.Limit(10) // requests per second
const binanceFetchBurst = 20

// BinanceAdapter fetches order state from Binance via the REST API.
type BinanceAdapter struct {
	client      *binance.Client
	limiter     *rate.Limiter
	retryConfig RetryConfig
	testnet     bool
}

// NewBinanceAdapter creates a read-only Binance adapter. requestsPerS
// overrides the default fetch rate when positive.
func NewBinanceAdapter(creds Credentials, retryConfig RetryConfig, requestsPerS float64) *BinanceAdapter {
	client := binance.NewClient(creds.APIKey, creds.SecretKey)

	limit := binanceFetchRate
	if requestsPerS > 0 {
		limit = rate.Limit(requestsPerS)
	}

	if creds.Testnet {
		binance.UseTestnet = true
		log.Info().Msg("Binance adapter initialized (TESTNET mode)")
	} else {
		log.Info().Msg("Binance adapter initialized (LIVE mode)")
	}

	return &BinanceAdapter{
		client:      client,
		limiter:     rate.NewLimiter(limit, binanceFetchBurst),
		retryConfig: retryConfig,
		testnet:     creds.Testnet,
	}
}

func (b *BinanceAdapter) Name() string {
	return "binance"
}

// GetOrderStatus queries Binance for the current state of one order.
func (b *BinanceAdapter) GetOrderStatus(ctx context.Context, req StatusRequest) (*StatusSnapshot, error) {
	binanceOrderID, err := strconv.ParseInt(req.ExchangeOrderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid binance order id %q: %w", req.ExchangeOrderID, err)
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var binanceOrder *binance.Order
	err = WithRetry(ctx, b.retryConfig, func() error {
		var retryErr error
		binanceOrder, retryErr = b.client.NewGetOrderService().
			Symbol(req.Symbol).
			OrderID(binanceOrderID).
			Do(ctx)
		return retryErr
	})
	if err != nil {
		result := metrics.FetchResultError
		if errors.Is(err, context.DeadlineExceeded) {
			result = metrics.FetchResultTimeout
		}
		metrics.RecordRemoteFetch(b.Name(), result)
		if strings.Contains(err.Error(), "-2013") { // Order does not exist
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("binance get order: %w", err)
	}

	metrics.RecordRemoteFetch(b.Name(), metrics.FetchResultOK)
	return snapshotFromBinance(binanceOrder), nil
}

func snapshotFromBinance(order *binance.Order) *StatusSnapshot {
	executedQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	cummulativeQuoteQty, _ := strconv.ParseFloat(order.CummulativeQuoteQuantity, 64)

	var avgPrice float64
	if executedQty > 0 {
		avgPrice = cummulativeQuoteQty / executedQty
	}

	return &StatusSnapshot{
		Status:         db.ConvertOrderStatus(string(order.Status)),
		FilledQuantity: executedQty,
		AvgFillPrice:   avgPrice,
	}
}
