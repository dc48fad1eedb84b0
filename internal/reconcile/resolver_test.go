package reconcile

import (
	"testing"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfleet/ordersync/internal/audit"
	"github.com/quantfleet/ordersync/internal/db"
	"github.com/quantfleet/ordersync/internal/exchange"
	"github.com/quantfleet/ordersync/internal/metrics"
)

func newTestResolver(t *testing.T) (*Resolver, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store := db.NewWithPool(mock, db.ModePaper)
	auditLogger := audit.NewLogger(nil, db.ModePaper, false)
	return NewResolver(store, auditLogger), mock
}

func TestResolveMissingFills(t *testing.T) {
	resolver, mock := newTestResolver(t)

	order := testOrder(db.OrderStatusPartiallyFilled, 10, 5)
	remote := &exchange.StatusSnapshot{Status: db.OrderStatusPartiallyFilled, FilledQuantity: 7}

	disc := Detect(order, remote)
	require.NotNil(t, disc)
	require.InDelta(t, 2.0, disc.MissingQuantity(), 1e-9)

	mock.ExpectExec("INSERT INTO trades").
		WithArgs(pgxmock.AnyArg(), order.ID, pgxmock.AnyArg(), order.Symbol,
			order.Exchange, order.Side, pgxmock.AnyArg(), 2.0, 0.0,
			pgxmock.AnyArg(), pgxmock.AnyArg(), true, pgxmock.AnyArg(),
			pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE orders").
		WithArgs(db.OrderStatusPartiallyFilled, 7.0, 3.0, order.ID, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	tradesBefore := testutil.ToFloat64(metrics.SyntheticTrades)
	res := resolver.Resolve(t.Context(), order, remote, disc, uuid.New())

	assert.True(t, res.Resolved)
	require.NotNil(t, res.SyntheticTradeID)
	assert.InDelta(t, tradesBefore+1, testutil.ToFloat64(metrics.SyntheticTrades), 1e-9)
	assert.InDelta(t, 7.0, order.FilledQuantity, 1e-9)
	assert.InDelta(t, 3.0, order.RemainingQuantity, 1e-9)
	assert.Equal(t, db.OrderStatusPartiallyFilled, order.Status)
	assert.NoError(t, mock.ExpectationsWereMet())

	// Detecting again against the same remote snapshot finds nothing.
	assert.Nil(t, Detect(order, remote))
}

func TestResolveFillCompletion(t *testing.T) {
	resolver, mock := newTestResolver(t)

	order := testOrder(db.OrderStatusPartiallyFilled, 10, 8)
	remote := &exchange.StatusSnapshot{Status: db.OrderStatusFilled, FilledQuantity: 10}

	disc := Detect(order, remote)
	require.NotNil(t, disc)

	mock.ExpectExec("INSERT INTO trades").
		WithArgs(pgxmock.AnyArg(), order.ID, pgxmock.AnyArg(), order.Symbol,
			order.Exchange, order.Side, pgxmock.AnyArg(), 2.0, 0.0,
			pgxmock.AnyArg(), pgxmock.AnyArg(), true, pgxmock.AnyArg(),
			pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE orders").
		WithArgs(db.OrderStatusFilled, 10.0, 0.0, order.ID, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	res := resolver.Resolve(t.Context(), order, remote, disc, uuid.New())

	assert.True(t, res.Resolved)
	assert.Equal(t, db.OrderStatusFilled, order.Status)
	assert.InDelta(t, 10.0, order.FilledQuantity, 1e-9)
	assert.Zero(t, order.RemainingQuantity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveCriticalStatusTransition(t *testing.T) {
	resolver, mock := newTestResolver(t)

	order := testOrder(db.OrderStatusOpen, 10, 0)
	remote := &exchange.StatusSnapshot{Status: db.OrderStatusCancelled, FilledQuantity: 0}

	disc := Detect(order, remote)
	require.NotNil(t, disc)
	require.Equal(t, SeverityCritical, disc.Severity)

	mock.ExpectExec("UPDATE orders").
		WithArgs(db.OrderStatusCancelled, 0.0, 10.0, order.ID, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	res := resolver.Resolve(t.Context(), order, remote, disc, uuid.New())

	assert.True(t, res.Resolved)
	assert.Equal(t, db.OrderStatusCancelled, order.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Nil(t, Detect(order, remote))
}

func TestResolveRetryDoesNotDuplicateTrade(t *testing.T) {
	resolver, mock := newTestResolver(t)

	order := testOrder(db.OrderStatusPartiallyFilled, 10, 5)
	remote := &exchange.StatusSnapshot{Status: db.OrderStatusPartiallyFilled, FilledQuantity: 7}
	disc := Detect(order, remote)
	require.NotNil(t, disc)

	// A prior attempt already inserted the synthetic trade; the unique
	// constraint swallows the retry.
	mock.ExpectExec("INSERT INTO trades").
		WithArgs(pgxmock.AnyArg(), order.ID, pgxmock.AnyArg(), order.Symbol,
			order.Exchange, order.Side, pgxmock.AnyArg(), 2.0, 0.0,
			pgxmock.AnyArg(), pgxmock.AnyArg(), true, pgxmock.AnyArg(),
			pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec("UPDATE orders").
		WithArgs(db.OrderStatusPartiallyFilled, 7.0, 3.0, order.ID, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	tradesBefore := testutil.ToFloat64(metrics.SyntheticTrades)
	res := resolver.Resolve(t.Context(), order, remote, disc, uuid.New())

	assert.True(t, res.Resolved)
	assert.True(t, res.TradeAlreadyKnown)
	assert.Nil(t, res.SyntheticTradeID)
	assert.InDelta(t, tradesBefore, testutil.ToFloat64(metrics.SyntheticTrades), 1e-9,
		"a swallowed duplicate is not a new synthetic trade")
	assert.InDelta(t, 7.0, order.FilledQuantity, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveConcurrentWriteLeavesOrderUntouched(t *testing.T) {
	resolver, mock := newTestResolver(t)

	order := testOrder(db.OrderStatusOpen, 10, 0)
	remote := &exchange.StatusSnapshot{Status: db.OrderStatusCancelled, FilledQuantity: 0}
	disc := Detect(order, remote)
	require.NotNil(t, disc)

	// The execution path wrote the row between our read and our write.
	mock.ExpectExec("UPDATE orders").
		WithArgs(db.OrderStatusCancelled, 0.0, 10.0, order.ID, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	res := resolver.Resolve(t.Context(), order, remote, disc, uuid.New())

	assert.False(t, res.Resolved)
	assert.Equal(t, db.OrderStatusOpen, order.Status)
	require.Len(t, res.Outcomes, 1)
	assert.False(t, res.Outcomes[0].Success)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolvePriceMismatchIsObservational(t *testing.T) {
	resolver, mock := newTestResolver(t)

	order := testOrder(db.OrderStatusPartiallyFilled, 10, 5)
	price := 42000.0
	order.AvgFillPrice = &price
	remote := &exchange.StatusSnapshot{
		Status:         db.OrderStatusPartiallyFilled,
		FilledQuantity: 5,
		AvgFillPrice:   42840, // 2% off
	}

	disc := Detect(order, remote)
	require.NotNil(t, disc)
	require.NotNil(t, disc.Mismatch(FieldAvgFillPrice))

	// No DB expectations: the price branch flags without writing.
	res := resolver.Resolve(t.Context(), order, remote, disc, uuid.New())

	assert.False(t, res.Resolved, "an observational branch alone does not resolve")
	require.Len(t, res.Outcomes, 1)
	assert.False(t, res.Outcomes[0].Corrective)
	assert.True(t, res.Outcomes[0].Success)
	assert.InDelta(t, price, *order.AvgFillPrice, 1e-9, "local price is never auto-corrected")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveSyntheticTradePriceFallback(t *testing.T) {
	// Order price wins; avg fill price is the fallback; zero otherwise.
	tests := []struct {
		name      string
		price     *float64
		avgPrice  *float64
		wantPrice float64
	}{
		{"order price preferred", ptr(42000.0), ptr(41000.0), 42000.0},
		{"avg fill price fallback", nil, ptr(41000.0), 41000.0},
		{"zero when nothing known", nil, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver, mock := newTestResolver(t)

			order := testOrder(db.OrderStatusPartiallyFilled, 10, 5)
			order.Price = tt.price
			order.AvgFillPrice = tt.avgPrice
			remote := &exchange.StatusSnapshot{Status: db.OrderStatusPartiallyFilled, FilledQuantity: 7}
			disc := Detect(order, remote)
			require.NotNil(t, disc)

			mock.ExpectExec("INSERT INTO trades").
				WithArgs(pgxmock.AnyArg(), order.ID, pgxmock.AnyArg(), order.Symbol,
					order.Exchange, order.Side, tt.wantPrice, 2.0, 0.0,
					pgxmock.AnyArg(), pgxmock.AnyArg(), true, pgxmock.AnyArg(),
					pgxmock.AnyArg()).
				WillReturnResult(pgxmock.NewResult("INSERT", 1))
			mock.ExpectExec("UPDATE orders").
				WithArgs(db.OrderStatusPartiallyFilled, 7.0, 3.0, order.ID, pgxmock.AnyArg()).
				WillReturnResult(pgxmock.NewResult("UPDATE", 1))

			res := resolver.Resolve(t.Context(), order, remote, disc, uuid.New())
			require.True(t, res.Resolved)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func ptr[T any](v T) *T {
	return &v
}
