package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfleet/ordersync/internal/alerts"
	"github.com/quantfleet/ordersync/internal/audit"
	"github.com/quantfleet/ordersync/internal/config"
	"github.com/quantfleet/ordersync/internal/db"
	"github.com/quantfleet/ordersync/internal/exchange"
)

type spyNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *spyNotifier) Publish(_ context.Context, event Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *spyNotifier) byType(eventType EventType) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Event
	for _, e := range n.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type spyAlerter struct {
	mu     sync.Mutex
	alerts []alerts.Alert
}

func (a *spyAlerter) SendAlert(_ context.Context, alert alerts.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
}

func (a *spyAlerter) byCategory(category alerts.Category) []alerts.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []alerts.Alert
	for _, al := range a.alerts {
		if al.Category == category {
			out = append(out, al)
		}
	}
	return out
}

type serviceFixture struct {
	service  *Service
	mock     pgxmock.PgxPoolIface
	adapter  *exchange.MockAdapter
	notifier *spyNotifier
	alerter  *spyAlerter
	account  *db.Account
}

func testServiceConfig() config.ReconcilerConfig {
	return config.ReconcilerConfig{
		Interval:           time.Hour, // scheduler tests override this
		BatchSize:          100,
		AlertThreshold:     10,
		FetchTimeout:       time.Second,
		AccountConcurrency: 1,
		TradingModes:       []string{"paper"},
		HistoryLimit:       20,
	}
}

func newServiceFixture(t *testing.T, cfg config.ReconcilerConfig) *serviceFixture {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store := db.NewWithPool(mock, db.ModePaper)
	registry := db.NewRegistryWithStores(map[db.TradingMode]*db.Store{
		db.ModePaper: store,
	})

	adapter := exchange.NewMockAdapter("mock")
	factory := exchange.NewConfigFactory(nil, exchange.DefaultRetryConfig())
	factory.Register("mock", adapter)

	notifier := &spyNotifier{}
	alerter := &spyAlerter{}
	auditors := map[db.TradingMode]*audit.Logger{
		db.ModePaper: audit.NewLogger(nil, db.ModePaper, false),
	}

	return &serviceFixture{
		service:  NewService(cfg, registry, factory, notifier, alerter, auditors),
		mock:     mock,
		adapter:  adapter,
		notifier: notifier,
		alerter:  alerter,
		account: &db.Account{
			ID:       uuid.New(),
			Name:     "test-account",
			Exchange: "mock",
			Active:   true,
		},
	}
}

func (f *serviceFixture) expectAccounts(accounts ...*db.Account) {
	rows := pgxmock.NewRows([]string{"id", "name", "exchange", "active", "created_at", "updated_at"})
	for _, a := range accounts {
		rows.AddRow(a.ID, a.Name, a.Exchange, a.Active, time.Now(), time.Now())
	}
	f.mock.ExpectQuery("SELECT (.+) FROM accounts").WillReturnRows(rows)
}

func (f *serviceFixture) expectOpenOrders(orders ...*db.Order) {
	rows := pgxmock.NewRows([]string{
		"id", "account_id", "exchange_order_id", "symbol", "exchange", "side",
		"status", "price", "quantity", "filled_quantity", "remaining_quantity",
		"avg_fill_price", "placed_at", "created_at", "updated_at",
	})
	for _, o := range orders {
		rows.AddRow(o.ID, o.AccountID, o.ExchangeOrderID, o.Symbol, o.Exchange, o.Side,
			o.Status, o.Price, o.Quantity, o.FilledQuantity, o.RemainingQuantity,
			o.AvgFillPrice, o.PlacedAt, o.CreatedAt, o.UpdatedAt)
	}
	f.mock.ExpectQuery("SELECT (.+) FROM orders").
		WithArgs(f.account.ID, db.OrderStatusOpen, db.OrderStatusPartiallyFilled, pgxmock.AnyArg()).
		WillReturnRows(rows)
}

// expectResolution sets up the write sequence for one order whose
// status diverged: log insert, order correction, log transition.
func (f *serviceFixture) expectResolution() {
	f.mock.ExpectExec("INSERT INTO reconciliation_logs").
		WithArgs(pgxmock.AnyArg(), f.account.ID, "order", pgxmock.AnyArg(),
			db.ReconciliationStatusDiscrepancy, pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	f.mock.ExpectExec("UPDATE orders").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	f.mock.ExpectExec("UPDATE reconciliation_logs").
		WithArgs(db.ReconciliationStatusResolved, pgxmock.AnyArg(),
			pgxmock.AnyArg(), db.ReconciliationStatusDiscrepancy).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
}

func openOrder(accountID uuid.UUID, exchangeOrderID string) *db.Order {
	o := testOrder(db.OrderStatusOpen, 10, 0)
	o.AccountID = accountID
	o.ExchangeOrderID = &exchangeOrderID
	return o
}

func TestRunReconciliationCleanOrders(t *testing.T) {
	f := newServiceFixture(t, testServiceConfig())

	orderA := openOrder(f.account.ID, "EX-1")
	orderB := openOrder(f.account.ID, "EX-2")
	f.adapter.SetMatching(orderA)
	f.adapter.SetMatching(orderB)

	f.expectAccounts(f.account)
	f.expectOpenOrders(orderA, orderB)

	result, err := f.service.RunReconciliation(t.Context())
	require.NoError(t, err)

	assert.Equal(t, 2, result.OrdersChecked)
	assert.Zero(t, result.DiscrepanciesFound)
	assert.Empty(t, result.Errors)
	assert.NoError(t, f.mock.ExpectationsWereMet())

	stats := f.service.Metrics()
	assert.EqualValues(t, 1, stats.TotalCycles)
	assert.False(t, stats.LastCycleAt.IsZero())

	require.Len(t, f.notifier.byType(EventCycleCompleted), 1)
	assert.Empty(t, f.notifier.byType(EventDiscrepancyDetected))
}

func TestRunReconciliationResolvesDiscrepancy(t *testing.T) {
	f := newServiceFixture(t, testServiceConfig())

	order := openOrder(f.account.ID, "EX-1")
	f.adapter.SetSnapshot("EX-1", exchange.StatusSnapshot{Status: db.OrderStatusCancelled})

	f.expectAccounts(f.account)
	f.expectOpenOrders(order)
	f.expectResolution()

	result, err := f.service.RunReconciliation(t.Context())
	require.NoError(t, err)

	assert.Equal(t, 1, result.OrdersChecked)
	assert.Equal(t, 1, result.DiscrepanciesFound)
	assert.Equal(t, 1, result.DiscrepanciesResolved)
	assert.NoError(t, f.mock.ExpectationsWereMet())

	require.Len(t, f.notifier.byType(EventDiscrepancyDetected), 1)
	require.Len(t, f.notifier.byType(EventDiscrepancyResolved), 1)
}

func TestAlertThreshold(t *testing.T) {
	tests := []struct {
		name          string
		discrepancies int
		wantAlert     bool
	}{
		{"above threshold alerts", 11, true},
		{"below threshold stays quiet", 9, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t, testServiceConfig())

			var orders []*db.Order
			for i := 0; i < tt.discrepancies; i++ {
				exchangeOrderID := fmt.Sprintf("EX-%d", i)
				order := openOrder(f.account.ID, exchangeOrderID)
				f.adapter.SetSnapshot(exchangeOrderID, exchange.StatusSnapshot{Status: db.OrderStatusCancelled})
				orders = append(orders, order)
			}

			f.expectAccounts(f.account)
			f.expectOpenOrders(orders...)
			for range orders {
				f.expectResolution()
			}

			result, err := f.service.RunReconciliation(t.Context())
			require.NoError(t, err)
			require.Equal(t, tt.discrepancies, result.DiscrepanciesFound)

			highAlerts := f.alerter.byCategory(alerts.CategoryDiscrepancy)
			highEvents := f.notifier.byType(EventHighDiscrepancy)
			if tt.wantAlert {
				require.Len(t, highAlerts, 1)
				assert.Equal(t, tt.discrepancies, highAlerts[0].Context["discrepancies"])
				assert.Len(t, highEvents, 1)
			} else {
				assert.Empty(t, highAlerts)
				assert.Empty(t, highEvents)
			}
		})
	}
}

func TestFaultIsolationAcrossOrders(t *testing.T) {
	f := newServiceFixture(t, testServiceConfig())

	orderA := openOrder(f.account.ID, "EX-A")
	orderB := openOrder(f.account.ID, "EX-B")
	orderC := openOrder(f.account.ID, "EX-C")

	f.adapter.SetError("EX-A", errors.New("connection reset"))
	f.adapter.SetMatching(orderB)
	f.adapter.SetMatching(orderC)

	f.expectAccounts(f.account)
	f.expectOpenOrders(orderA, orderB, orderC)

	result, err := f.service.RunReconciliation(t.Context())
	require.NoError(t, err)

	assert.Equal(t, 2, result.OrdersChecked, "B and C still reconciled")
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], orderA.ID.String())
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestAdapterUnavailableSkipsAccount(t *testing.T) {
	f := newServiceFixture(t, testServiceConfig())
	f.account.Exchange = "kraken" // no adapter for this venue

	f.expectAccounts(f.account)
	// No orders query: the account is skipped before fetching.

	result, err := f.service.RunReconciliation(t.Context())
	require.NoError(t, err)

	require.Len(t, result.Modes, 1)
	modeResult := result.Modes[0]
	assert.Zero(t, modeResult.AccountsProcessed)
	assert.Zero(t, modeResult.OrdersChecked)
	assert.Empty(t, modeResult.Errors, "a skipped account is a warning, not an error")
	require.Len(t, modeResult.Accounts, 1)
	assert.True(t, modeResult.Accounts[0].Skipped)
	assert.NoError(t, f.mock.ExpectationsWereMet())

	require.Len(t, f.alerter.byCategory(alerts.CategoryExchange), 1)
}

func TestUnsubmittedOrdersSkippedSilently(t *testing.T) {
	f := newServiceFixture(t, testServiceConfig())

	order := testOrder(db.OrderStatusOpen, 10, 0)
	order.AccountID = f.account.ID
	order.ExchangeOrderID = nil

	f.expectAccounts(f.account)
	f.expectOpenOrders(order)

	result, err := f.service.RunReconciliation(t.Context())
	require.NoError(t, err)

	assert.Zero(t, result.OrdersChecked)
	assert.Empty(t, result.Errors)
	assert.Zero(t, f.adapter.Calls(), "no remote fetch for unsubmitted orders")
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

// blockingAdapter parks the first fetch until released, to let tests
// observe an in-flight cycle.
type blockingAdapter struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingAdapter) Name() string { return "blocking" }

func (b *blockingAdapter) GetOrderStatus(context.Context, exchange.StatusRequest) (*exchange.StatusSnapshot, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return &exchange.StatusSnapshot{Status: db.OrderStatusOpen}, nil
}

func TestStopDrainsInFlightCycle(t *testing.T) {
	cfg := testServiceConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.FetchTimeout = 0 // let the blocking adapter park as long as it wants

	f := newServiceFixture(t, cfg)
	blocking := &blockingAdapter{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	f.account.Exchange = "blocking"
	factory := exchange.NewConfigFactory(nil, exchange.DefaultRetryConfig())
	factory.Register("blocking", blocking)
	f.service.factory = factory

	order := openOrder(f.account.ID, "EX-1")
	f.expectAccounts(f.account)
	f.expectOpenOrders(order)

	f.service.Start()
	f.service.Start() // idempotent

	select {
	case <-blocking.started:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle never started")
	}

	// A second cycle cannot start while one is in flight.
	_, err := f.service.RunReconciliation(t.Context())
	assert.ErrorIs(t, err, ErrCycleInProgress)

	stopped := make(chan struct{})
	go func() {
		f.service.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a cycle was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(blocking.release)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the cycle drained")
	}

	f.service.Stop() // idempotent
	assert.False(t, f.service.Running())

	// The drained cycle recorded its result before Stop returned.
	require.Len(t, f.notifier.byType(EventCycleCompleted), 1)
	assert.EqualValues(t, 1, f.service.Metrics().TotalCycles)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestReconcileOrderManually(t *testing.T) {
	f := newServiceFixture(t, testServiceConfig())

	order := openOrder(f.account.ID, "EX-1")
	f.adapter.SetSnapshot("EX-1", exchange.StatusSnapshot{Status: db.OrderStatusCancelled})

	f.expectOpenOrderLookup(order)
	f.expectAccountLookup()
	f.expectResolution()

	outcome, err := f.service.ReconcileOrderManually(t.Context(), db.ModePaper, order.ID)
	require.NoError(t, err)
	require.NotNil(t, outcome.Discrepancy)
	require.NotNil(t, outcome.Resolution)
	assert.True(t, outcome.Resolution.Resolved)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestReconcileOrderManuallyRaisesErrors(t *testing.T) {
	f := newServiceFixture(t, testServiceConfig())

	t.Run("unknown order", func(t *testing.T) {
		orderID := uuid.New()
		f.mock.ExpectQuery("SELECT (.+) FROM orders").
			WithArgs(orderID).
			WillReturnError(errors.New("no rows in result set"))

		_, err := f.service.ReconcileOrderManually(t.Context(), db.ModePaper, orderID)
		require.Error(t, err)
	})

	t.Run("unsubmitted order", func(t *testing.T) {
		order := testOrder(db.OrderStatusOpen, 10, 0)
		order.AccountID = f.account.ID
		order.ExchangeOrderID = nil
		f.expectOpenOrderLookup(order)

		_, err := f.service.ReconcileOrderManually(t.Context(), db.ModePaper, order.ID)
		require.ErrorIs(t, err, ErrOrderNotSubmitted)
	})

	t.Run("unknown trading mode", func(t *testing.T) {
		_, err := f.service.ReconcileOrderManually(t.Context(), db.ModeLive, uuid.New())
		require.Error(t, err)
	})
}

func (f *serviceFixture) expectOpenOrderLookup(order *db.Order) {
	rows := pgxmock.NewRows([]string{
		"id", "account_id", "exchange_order_id", "symbol", "exchange", "side",
		"status", "price", "quantity", "filled_quantity", "remaining_quantity",
		"avg_fill_price", "placed_at", "created_at", "updated_at",
	}).AddRow(order.ID, order.AccountID, order.ExchangeOrderID, order.Symbol,
		order.Exchange, order.Side, order.Status, order.Price, order.Quantity,
		order.FilledQuantity, order.RemainingQuantity, order.AvgFillPrice,
		order.PlacedAt, order.CreatedAt, order.UpdatedAt)
	f.mock.ExpectQuery("SELECT (.+) FROM orders").
		WithArgs(order.ID).
		WillReturnRows(rows)
}

func (f *serviceFixture) expectAccountLookup() {
	rows := pgxmock.NewRows([]string{"id", "name", "exchange", "active", "created_at", "updated_at"}).
		AddRow(f.account.ID, f.account.Name, f.account.Exchange, f.account.Active, time.Now(), time.Now())
	f.mock.ExpectQuery("SELECT (.+) FROM accounts").
		WithArgs(f.account.ID).
		WillReturnRows(rows)
}
