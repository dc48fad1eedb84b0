package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
const (
	// Error scopes (bounded set, narrowest to widest)
	ScopeOrder   = "order"
	ScopeAccount = "account"
	ScopeMode    = "trading_mode"
	ScopeCycle   = "cycle"

	// Remote fetch results
	FetchResultOK      = "ok"
	FetchResultError   = "error"
	FetchResultTimeout = "timeout"
)

// Reconciliation cycle metrics
var (
	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ordersync_reconciliation_cycles_total",
		Help: "Total number of reconciliation cycles run",
	})

	CycleErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ordersync_reconciliation_cycle_errors_total",
		Help: "Total number of reconciliation cycles that failed",
	})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ordersync_reconciliation_cycle_duration_seconds",
		Help:    "Wall-clock duration of reconciliation cycles",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms .. ~3.5min
	})

	CycleDurationAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ordersync_reconciliation_cycle_duration_avg_seconds",
		Help: "Moving average of reconciliation cycle duration",
	})

	LastCycleTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ordersync_reconciliation_last_cycle_timestamp_seconds",
		Help: "Unix timestamp of the most recent reconciliation cycle",
	})

	OrdersChecked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ordersync_orders_checked_total",
		Help: "Total number of orders compared against remote state",
	})

	DiscrepanciesFound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordersync_discrepancies_found_total",
		Help: "Discrepancies detected, by mismatch field and severity",
	}, []string{"field", "severity"})

	DiscrepanciesResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordersync_discrepancies_resolved_total",
		Help: "Discrepancies resolved, by mismatch field",
	}, []string{"field"})

	SyntheticTrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ordersync_synthetic_trades_total",
		Help: "Synthetic trades inserted for missing fills",
	})

	ReconcileErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordersync_reconciliation_errors_total",
		Help: "Reconciliation errors, by isolation scope",
	}, []string{"scope"})

	RemoteFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordersync_remote_fetches_total",
		Help: "Remote order status fetches, by exchange and result",
	}, []string{"exchange", "result"})

	AuditWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordersync_audit_writes_total",
		Help: "Audit events written, by event type and outcome",
	}, []string{"event_type", "status"})
)

// RecordCycle records one completed reconciliation cycle
func RecordCycle(duration time.Duration, failed bool) {
	CyclesTotal.Inc()
	CycleDuration.Observe(duration.Seconds())
	LastCycleTimestamp.SetToCurrentTime()
	if failed {
		CycleErrorsTotal.Inc()
	}
}

// RecordDiscrepancy records one detected mismatch
func RecordDiscrepancy(field, severity string) {
	DiscrepanciesFound.WithLabelValues(field, severity).Inc()
}

// RecordResolution records one successfully applied corrective action
func RecordResolution(field string) {
	DiscrepanciesResolved.WithLabelValues(field).Inc()
}

// RecordReconcileError records an isolated failure at the given scope
func RecordReconcileError(scope string) {
	ReconcileErrors.WithLabelValues(scope).Inc()
}

// RecordRemoteFetch records the outcome of one remote status fetch
func RecordRemoteFetch(exchange, result string) {
	RemoteFetches.WithLabelValues(exchange, result).Inc()
}

// RecordAuditWrite records an audit log write attempt
func RecordAuditWrite(eventType string, success bool) {
	status := "ok"
	if !success {
		status = "error"
	}
	AuditWrites.WithLabelValues(eventType, status).Inc()
}
