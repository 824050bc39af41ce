package jobs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreUpserts(t *testing.T) {
	var ctx = context.Background()
	var store = NewMemoryStore()

	var _, err = store.Get(ctx, "orders")
	require.ErrorIs(t, err, ErrJobNotFound)

	require.NoError(t, store.Save(ctx, Job{ConnectorName: "orders", ID: "one", State: StateRunning}))
	require.NoError(t, store.Save(ctx, Job{ConnectorName: "orders", ID: "two", State: StateStopped}))

	got, err := store.Get(ctx, "orders")
	require.NoError(t, err)
	require.Equal(t, "two", got.ID)
	require.Equal(t, StateStopped, got.State)
}

func TestMemoryStoreListSorted(t *testing.T) {
	var ctx = context.Background()
	var store = NewMemoryStore()

	require.NoError(t, store.Save(ctx, Job{ConnectorName: "zulu"}))
	require.NoError(t, store.Save(ctx, Job{ConnectorName: "alpha"}))
	require.NoError(t, store.Save(ctx, Job{ConnectorName: "mike"}))

	var jobs, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	require.Equal(t, "alpha", jobs[0].ConnectorName)
	require.Equal(t, "mike", jobs[1].ConnectorName)
	require.Equal(t, "zulu", jobs[2].ConnectorName)
}

func TestStateTerminal(t *testing.T) {
	require.True(t, StateStopped.Terminal())
	require.True(t, StateFailed.Terminal())
	require.False(t, StateRunning.Terminal())
	require.False(t, StateStopping.Terminal())
	require.False(t, StateCreated.Terminal())
}
