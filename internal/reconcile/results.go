package reconcile

import (
	"time"

	"github.com/google/uuid"
)

// AccountResult aggregates one account's pass within a cycle
type AccountResult struct {
	AccountID             uuid.UUID `json:"account_id"`
	AccountName           string    `json:"account_name"`
	Skipped               bool      `json:"skipped"` // no adapter for the venue
	OrdersChecked         int       `json:"orders_checked"`
	DiscrepanciesFound    int       `json:"discrepancies_found"`
	DiscrepanciesResolved int       `json:"discrepancies_resolved"`
	Errors                []string  `json:"errors,omitempty"`
}

// ModeResult aggregates one trading-mode partition's pass
type ModeResult struct {
	TradingMode           string           `json:"trading_mode"`
	AccountsProcessed     int              `json:"accounts_processed"`
	OrdersChecked         int              `json:"orders_checked"`
	DiscrepanciesFound    int              `json:"discrepancies_found"`
	DiscrepanciesResolved int              `json:"discrepancies_resolved"`
	Errors                []string         `json:"errors,omitempty"`
	Accounts              []*AccountResult `json:"accounts,omitempty"`
}

func (m *ModeResult) absorb(a *AccountResult) {
	m.Accounts = append(m.Accounts, a)
	if a.Skipped {
		return
	}
	m.AccountsProcessed++
	m.OrdersChecked += a.OrdersChecked
	m.DiscrepanciesFound += a.DiscrepanciesFound
	m.DiscrepanciesResolved += a.DiscrepanciesResolved
	m.Errors = append(m.Errors, a.Errors...)
}

// CycleResult is the ephemeral aggregate of one full reconciliation
// cycle across all trading modes.
type CycleResult struct {
	StartedAt             time.Time     `json:"started_at"`
	Duration              time.Duration `json:"duration"`
	Trigger               string        `json:"trigger"` // "scheduled" or "manual"
	Modes                 []*ModeResult `json:"modes"`
	OrdersChecked         int           `json:"orders_checked"`
	DiscrepanciesFound    int           `json:"discrepancies_found"`
	DiscrepanciesResolved int           `json:"discrepancies_resolved"`
	Errors                []string      `json:"errors,omitempty"`
}

func (c *CycleResult) absorb(m *ModeResult) {
	c.Modes = append(c.Modes, m)
	c.OrdersChecked += m.OrdersChecked
	c.DiscrepanciesFound += m.DiscrepanciesFound
	c.DiscrepanciesResolved += m.DiscrepanciesResolved
	c.Errors = append(c.Errors, m.Errors...)
}

// Metrics is the snapshot returned by Service.Metrics
type Metrics struct {
	Running               bool          `json:"running"`
	TotalCycles           int64         `json:"total_cycles"`
	TotalErrors           int64         `json:"total_errors"`
	DiscrepanciesFound    int64         `json:"discrepancies_found"`
	DiscrepanciesResolved int64         `json:"discrepancies_resolved"`
	LastCycleAt           time.Time     `json:"last_cycle_at"`
	LastCycleDuration     time.Duration `json:"last_cycle_duration"`
	AvgCycleDuration      time.Duration `json:"avg_cycle_duration"`
}
