package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingChannel struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *recordingChannel) SendAlert(_ context.Context, alert Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
}

func TestManagerForwardsToAllChannels(t *testing.T) {
	first := &recordingChannel{}
	second := &recordingChannel{}
	manager := NewManager(first, second)

	manager.SendAlert(t.Context(), Alert{
		Severity: SeverityWarning,
		Category: CategoryCycle,
		Message:  "something happened",
	})

	require.Len(t, first.alerts, 1)
	require.Len(t, second.alerts, 1)
	assert.False(t, first.alerts[0].Timestamp.IsZero(), "timestamp is filled in")
}

func TestManagerWithoutChannels(t *testing.T) {
	manager := NewManager()
	// Logs only; must not panic.
	manager.SendAlert(t.Context(), Alert{Severity: SeverityInfo, Category: CategoryDatabase, Message: "ok"})
}

func TestHighDiscrepancy(t *testing.T) {
	alert := HighDiscrepancy(11, 10)

	assert.Equal(t, SeverityCritical, alert.Severity)
	assert.Equal(t, CategoryDiscrepancy, alert.Category)
	assert.Equal(t, 11, alert.Context["discrepancies"])
	assert.Equal(t, 10, alert.Context["threshold"])
	assert.Contains(t, alert.Message, "11")
}

func TestCycleFailed(t *testing.T) {
	err := errors.New("database gone")
	alert := CycleFailed(err)

	assert.Equal(t, SeverityWarning, alert.Severity)
	assert.Equal(t, CategoryCycle, alert.Category)
	assert.Equal(t, err, alert.Error)
}

func TestAdapterUnavailable(t *testing.T) {
	alert := AdapterUnavailable("binance", "acct-1", errors.New("missing credentials"))

	assert.Equal(t, SeverityWarning, alert.Severity)
	assert.Equal(t, CategoryExchange, alert.Category)
	assert.Equal(t, "binance", alert.Context["venue"])
	assert.Equal(t, "acct-1", alert.Context["account_id"])
}
