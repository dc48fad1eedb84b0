package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStatusStore(t *testing.T) *StatusStore {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewStatusStore(client)
}

func TestStatusStoreRoundTrip(t *testing.T) {
	store := newTestStatusStore(t)
	ctx := context.Background()

	run := LastRun{
		StartedAt:             time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Duration:              42 * time.Second,
		AccountsProcessed:     3,
		OrdersChecked:         120,
		DiscrepanciesFound:    5,
		DiscrepanciesResolved: 4,
		ErrorCount:            1,
	}

	require.NoError(t, store.SaveLastRun(ctx, run))

	loaded, err := store.LoadLastRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, run, *loaded)
}

func TestStatusStoreEmpty(t *testing.T) {
	store := newTestStatusStore(t)

	loaded, err := store.LoadLastRun(context.Background())
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestStatusStoreOverwrite(t *testing.T) {
	store := newTestStatusStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveLastRun(ctx, LastRun{OrdersChecked: 10}))
	require.NoError(t, store.SaveLastRun(ctx, LastRun{OrdersChecked: 20}))

	loaded, err := store.LoadLastRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 20, loaded.OrdersChecked)
}
