package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/quantfleet/ordersync/internal/alerts"
	"github.com/quantfleet/ordersync/internal/audit"
	"github.com/quantfleet/ordersync/internal/config"
	"github.com/quantfleet/ordersync/internal/db"
	"github.com/quantfleet/ordersync/internal/exchange"
	"github.com/quantfleet/ordersync/internal/metrics"
)

// Exponential moving average weight for the cycle duration gauge
const durationEWMAAlpha = 0.2

// Service owns the reconciliation lifecycle: a repeating timer drives
// full cycles, and a synchronous manual path recovers single orders on
// operator demand. All dependencies are injected; there is no global
// state.
type Service struct {
	cfg      config.ReconcilerConfig
	registry *db.Registry
	factory  exchange.Factory
	notifier Notifier
	alerter  alerts.Alerter

	auditors  map[db.TradingMode]*audit.Logger
	resolvers map[db.TradingMode]*Resolver
	locks     *orderLocks

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	cycleActive bool

	statsMu sync.Mutex
	stats   Metrics
}

// NewService wires the reconciliation engine. Auditors and resolvers
// are built per trading-mode partition from the registry.
func NewService(cfg config.ReconcilerConfig, registry *db.Registry, factory exchange.Factory, notifier Notifier, alerter alerts.Alerter, auditors map[db.TradingMode]*audit.Logger) *Service {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if alerter == nil {
		alerter = alerts.NewManager()
	}

	resolvers := make(map[db.TradingMode]*Resolver, len(auditors))
	for mode, auditor := range auditors {
		if store, err := registry.Store(mode); err == nil {
			resolvers[mode] = NewResolver(store, auditor)
		}
	}

	return &Service{
		cfg:       cfg,
		registry:  registry,
		factory:   factory,
		notifier:  notifier,
		alerter:   alerter,
		auditors:  auditors,
		resolvers: resolvers,
		locks:     newOrderLocks(),
	}
}

// Start arms the repeating reconciliation timer. Calling Start on a
// running service is a no-op.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		log.Warn().Msg("Reconciliation service already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.loop(ctx)

	log.Info().
		Dur("interval", s.cfg.Interval).
		Int("batch_size", s.cfg.BatchSize).
		Strs("trading_modes", s.cfg.TradingModes).
		Msg("Reconciliation service started")
	s.notifier.Publish(ctx, Event{Type: EventServiceStarted, Timestamp: time.Now().UTC()})
}

// Stop disarms the timer and blocks until any in-flight cycle has
// finished recording its result. No cycle starts after Stop returns.
// Calling Stop on a stopped service is a no-op.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	log.Info().Msg("Reconciliation service stopped")
	s.notifier.Publish(context.Background(), Event{Type: EventServiceStopped, Timestamp: time.Now().UTC()})
}

// Running reports whether the scheduler is armed.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// The cycle itself runs on a background context so that
			// Stop drains it instead of interrupting it mid-write.
			if _, err := s.runCycle(context.Background(), "scheduled"); err != nil {
				if err == ErrCycleInProgress {
					log.Warn().Msg("Previous reconciliation cycle still running, skipping tick")
				}
			}
		}
	}
}

// RunReconciliation triggers one full cycle immediately and returns
// its aggregate result. Returns ErrCycleInProgress if a cycle is
// already running; cycles never overlap.
func (s *Service) RunReconciliation(ctx context.Context) (*CycleResult, error) {
	return s.runCycle(ctx, "manual")
}

func (s *Service) runCycle(ctx context.Context, trigger string) (result *CycleResult, err error) {
	s.mu.Lock()
	if s.cycleActive {
		s.mu.Unlock()
		return nil, ErrCycleInProgress
	}
	s.cycleActive = true
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.cycleActive = false
		s.mu.Unlock()
		s.wg.Done()
	}()

	defer func() {
		// A panic in one cycle must not take the scheduler down.
		if r := recover(); r != nil {
			err = fmt.Errorf("reconciliation cycle panic: %v", r)
			s.recordCycleFailure(ctx, err)
			result = nil
		}
	}()

	started := time.Now().UTC()
	result = &CycleResult{StartedAt: started, Trigger: trigger}

	log.Info().Str("trigger", trigger).Msg("Reconciliation cycle started")
	s.auditCycle(ctx, audit.EventTypeCycleStarted, map[string]interface{}{"trigger": trigger}, true, "")

	for _, modeName := range s.cfg.TradingModes {
		modeResult := s.reconcileMode(ctx, db.TradingMode(modeName))
		result.absorb(modeResult)
	}

	result.Duration = time.Since(started)
	s.recordCycleSuccess(result)

	metrics.RecordCycle(result.Duration, false)
	metrics.OrdersChecked.Add(float64(result.OrdersChecked))
	s.auditCycle(ctx, audit.EventTypeCycleCompleted, map[string]interface{}{
		"trigger":                trigger,
		"orders_checked":         result.OrdersChecked,
		"discrepancies_found":    result.DiscrepanciesFound,
		"discrepancies_resolved": result.DiscrepanciesResolved,
		"errors":                 len(result.Errors),
		"duration_ms":            result.Duration.Milliseconds(),
	}, true, "")
	s.notifier.Publish(ctx, Event{
		Type:      EventCycleCompleted,
		Timestamp: time.Now().UTC(),
		Payload:   result,
	})

	if s.cfg.AlertThreshold > 0 && result.DiscrepanciesFound > s.cfg.AlertThreshold {
		s.alerter.SendAlert(ctx, alerts.HighDiscrepancy(result.DiscrepanciesFound, s.cfg.AlertThreshold))
		s.notifier.Publish(ctx, Event{
			Type:      EventHighDiscrepancy,
			Timestamp: time.Now().UTC(),
			Payload:   result,
		})
	}

	log.Info().
		Str("trigger", trigger).
		Int("orders_checked", result.OrdersChecked).
		Int("discrepancies_found", result.DiscrepanciesFound).
		Int("discrepancies_resolved", result.DiscrepanciesResolved).
		Int("errors", len(result.Errors)).
		Dur("duration", result.Duration).
		Msg("Reconciliation cycle completed")

	return result, nil
}

// reconcileMode runs all active accounts of one partition. Accounts
// run in parallel up to AccountConcurrency; orders within an account
// stay sequential, which keeps per-order serialization trivial.
func (s *Service) reconcileMode(ctx context.Context, mode db.TradingMode) *ModeResult {
	result := &ModeResult{TradingMode: string(mode)}
	logger := log.With().Str("trading_mode", string(mode)).Logger()

	store, err := s.registry.Store(mode)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		metrics.RecordReconcileError(metrics.ScopeMode)
		logger.Error().Err(err).Msg("No store for trading mode")
		return result
	}

	accounts, err := store.ListActiveAccounts(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list accounts: %v", err))
		metrics.RecordReconcileError(metrics.ScopeMode)
		logger.Error().Err(err).Msg("Failed to list active accounts")
		return result
	}

	concurrency := s.cfg.AccountConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	var resultMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, account := range accounts {
		g.Go(func() error {
			accountResult := s.reconcileAccount(gctx, mode, store, account)
			resultMu.Lock()
			result.absorb(accountResult)
			resultMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return result
}

// reconcileAccount drives detection and resolution for one account's
// open orders. A failure on one order is recorded and does not stop
// the rest of the batch.
func (s *Service) reconcileAccount(ctx context.Context, mode db.TradingMode, store *db.Store, account *db.Account) *AccountResult {
	result := &AccountResult{AccountID: account.ID, AccountName: account.Name}
	logger := log.With().
		Str("trading_mode", string(mode)).
		Str("account_id", account.ID.String()).
		Logger()

	adapter, err := s.factory.Create(account.Exchange)
	if err != nil {
		// Not an error for alerting purposes; the account simply
		// contributes zero checked orders this cycle.
		result.Skipped = true
		logger.Warn().Err(err).Str("venue", account.Exchange).
			Msg("Exchange adapter unavailable, skipping account")
		s.alerter.SendAlert(ctx, alerts.AdapterUnavailable(account.Exchange, account.ID.String(), err))
		return result
	}

	orders, err := store.ListOpenOrders(ctx, account.ID, s.cfg.BatchSize)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list orders: %v", err))
		metrics.RecordReconcileError(metrics.ScopeAccount)
		logger.Error().Err(err).Msg("Failed to list open orders")
		return result
	}

	for _, order := range orders {
		if order.ExchangeOrderID == nil || *order.ExchangeOrderID == "" {
			// Never submitted; no remote state to diverge from.
			continue
		}

		outcome, err := s.reconcileOrder(ctx, mode, store, adapter, order)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("order %s: %v", order.ID, err))
			metrics.RecordReconcileError(metrics.ScopeOrder)
			logger.Warn().Err(err).Str("order_id", order.ID.String()).
				Msg("Order reconciliation failed")
			continue
		}

		result.OrdersChecked++
		if outcome.Discrepancy != nil {
			result.DiscrepanciesFound++
		}
		if outcome.Resolution != nil && outcome.Resolution.Resolved {
			result.DiscrepanciesResolved++
		}
	}

	return result
}

// OrderOutcome is the result of reconciling one order. A nil
// Discrepancy means local and remote state agreed.
type OrderOutcome struct {
	Discrepancy *Discrepancy `json:"discrepancy,omitempty"`
	Resolution  *Resolution  `json:"resolution,omitempty"`
}

// reconcileOrder performs the detect-log-resolve sequence for one
// order under its per-order lock, so a manual reconciliation and a
// cycle can never interleave on the same order.
func (s *Service) reconcileOrder(ctx context.Context, mode db.TradingMode, store *db.Store, adapter exchange.Adapter, order *db.Order) (*OrderOutcome, error) {
	s.locks.Lock(order.ID)
	defer s.locks.Unlock(order.ID)

	fetchCtx := ctx
	if s.cfg.FetchTimeout > 0 {
		var cancelFetch context.CancelFunc
		fetchCtx, cancelFetch = context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancelFetch()
	}

	snapshot, err := adapter.GetOrderStatus(fetchCtx, exchange.StatusRequest{
		Symbol:          order.Symbol,
		ExchangeOrderID: *order.ExchangeOrderID,
	})
	if err != nil {
		return nil, fmt.Errorf("remote fetch: %w", err)
	}

	disc := Detect(order, snapshot)
	if disc == nil {
		return &OrderOutcome{}, nil
	}

	for _, m := range disc.Mismatches {
		metrics.RecordDiscrepancy(m.Field, string(m.Severity))
	}

	log.Info().
		Str("trading_mode", string(mode)).
		Str("order_id", order.ID.String()).
		Str("severity", string(disc.Severity)).
		Int("mismatches", len(disc.Mismatches)).
		Msg("Discrepancy detected")

	detail, err := json.Marshal(disc)
	if err != nil {
		return nil, fmt.Errorf("serialize discrepancy: %w", err)
	}

	now := time.Now().UTC()
	entry := &db.ReconciliationLog{
		ID:          uuid.New(),
		AccountID:   order.AccountID,
		SubjectType: "order",
		SubjectID:   order.ID,
		Status:      db.ReconciliationStatusDiscrepancy,
		Detail:      detail,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.InsertReconciliationLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("log discrepancy: %w", err)
	}

	s.notifier.Publish(ctx, Event{
		Type:        EventDiscrepancyDetected,
		Timestamp:   now,
		TradingMode: string(mode),
		OrderID:     order.ID.String(),
		Payload:     disc,
	})

	resolver, ok := s.resolvers[mode]
	if !ok {
		return nil, fmt.Errorf("no resolver for trading mode %s", mode)
	}

	resolution := resolver.Resolve(ctx, order, snapshot, disc, entry.ID)
	outcome := &OrderOutcome{Discrepancy: disc, Resolution: resolution}
	if !resolution.Resolved {
		// The entry stays in discrepancy status; the next detection of
		// this order retries resolution.
		return outcome, nil
	}

	if err := store.MarkReconciliationResolved(ctx, entry.ID, time.Now().UTC()); err != nil {
		log.Error().Err(err).Str("log_id", entry.ID.String()).
			Msg("Failed to mark reconciliation resolved")
	}

	s.notifier.Publish(ctx, Event{
		Type:        EventDiscrepancyResolved,
		Timestamp:   time.Now().UTC(),
		TradingMode: string(mode),
		OrderID:     order.ID.String(),
		Payload:     resolution,
	})

	return outcome, nil
}

// ReconcileOrderManually performs detection and resolution for exactly
// one order, outside the scheduled cadence. Unlike the cycle path,
// every failure is raised to the caller.
func (s *Service) ReconcileOrderManually(ctx context.Context, mode db.TradingMode, orderID uuid.UUID) (*OrderOutcome, error) {
	store, err := s.registry.Store(mode)
	if err != nil {
		return nil, err
	}

	order, err := store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	if order.ExchangeOrderID == nil || *order.ExchangeOrderID == "" {
		return nil, ErrOrderNotSubmitted
	}

	account, err := store.GetAccount(ctx, order.AccountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	adapter, err := s.factory.Create(account.Exchange)
	if err != nil {
		return nil, fmt.Errorf("%w: venue %s: %v", ErrAdapterUnavailable, account.Exchange, err)
	}

	if auditor, ok := s.auditors[mode]; ok {
		_ = auditor.LogCorrection(ctx, audit.EventTypeManualReconcile, orderID.String(), nil, true, "")
	}

	outcome, err := s.reconcileOrder(ctx, mode, store, adapter, order)
	if err != nil {
		return nil, err
	}
	if outcome.Resolution != nil && !outcome.Resolution.Resolved {
		return outcome, fmt.Errorf("resolution failed for order %s", orderID)
	}
	return outcome, nil
}

// Metrics returns a snapshot of the service counters
func (s *Service) Metrics() Metrics {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	snapshot := s.stats
	snapshot.Running = s.Running()
	return snapshot
}

// History returns recent reconciliation log entries for one trading
// mode, most recent first.
func (s *Service) History(ctx context.Context, mode db.TradingMode, limit int) ([]*db.ReconciliationLog, error) {
	store, err := s.registry.Store(mode)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.cfg.HistoryLimit
	}
	return store.ListReconciliationLogs(ctx, limit)
}

func (s *Service) recordCycleSuccess(result *CycleResult) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	s.stats.TotalCycles++
	s.stats.TotalErrors += int64(len(result.Errors))
	s.stats.DiscrepanciesFound += int64(result.DiscrepanciesFound)
	s.stats.DiscrepanciesResolved += int64(result.DiscrepanciesResolved)
	s.stats.LastCycleAt = result.StartedAt
	s.stats.LastCycleDuration = result.Duration

	if s.stats.AvgCycleDuration == 0 {
		s.stats.AvgCycleDuration = result.Duration
	} else {
		avg := durationEWMAAlpha*float64(result.Duration) +
			(1-durationEWMAAlpha)*float64(s.stats.AvgCycleDuration)
		s.stats.AvgCycleDuration = time.Duration(avg)
	}
	metrics.CycleDurationAvg.Set(s.stats.AvgCycleDuration.Seconds())
}

func (s *Service) recordCycleFailure(ctx context.Context, err error) {
	s.statsMu.Lock()
	s.stats.TotalCycles++
	s.stats.TotalErrors++
	s.stats.LastCycleAt = time.Now().UTC()
	s.statsMu.Unlock()

	metrics.RecordCycle(0, true)
	log.Error().Err(err).Msg("Reconciliation cycle failed")
	s.auditCycle(ctx, audit.EventTypeCycleFailed, nil, false, err.Error())
	s.alerter.SendAlert(ctx, alerts.CycleFailed(err))
	s.notifier.Publish(ctx, Event{
		Type:      EventCycleError,
		Timestamp: time.Now().UTC(),
		Payload:   err.Error(),
	})
}

// auditCycle writes a cycle lifecycle event into the first available
// partition's audit log. Cycle events span partitions; they land in
// one log to avoid duplicate rows.
func (s *Service) auditCycle(ctx context.Context, eventType audit.EventType, metadata map[string]interface{}, success bool, errMsg string) {
	for _, modeName := range s.cfg.TradingModes {
		if auditor, ok := s.auditors[db.TradingMode(modeName)]; ok {
			_ = auditor.LogCycle(ctx, eventType, metadata, success, errMsg)
			return
		}
	}
}
