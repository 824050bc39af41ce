package checkpoint

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreLatest(t *testing.T) {
	var ctx = context.Background()
	var s = NewMemoryStore()

	var _, err = s.Latest(ctx, "orders")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Save(ctx, Checkpoint{ConnectorName: "orders", ResumeToken: []byte("t1"), UpdatedAt: 1}))
	require.NoError(t, s.Save(ctx, Checkpoint{ConnectorName: "orders", ResumeToken: []byte("t2"), UpdatedAt: 2}))
	require.NoError(t, s.Save(ctx, Checkpoint{ConnectorName: "other", ResumeToken: []byte("x1"), UpdatedAt: 3}))

	cp, err := s.Latest(ctx, "orders")
	require.NoError(t, err)
	require.Equal(t, []byte("t2"), cp.ResumeToken)
}

func TestMemoryStoreListNewestFirst(t *testing.T) {
	var ctx = context.Background()
	var s = NewMemoryStore()
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Save(ctx, Checkpoint{
			ConnectorName: "orders",
			ResumeToken:   []byte(fmt.Sprintf("t%d", i)),
			UpdatedAt:     int64(i),
		}))
	}

	var list, err = s.List(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, []byte("t3"), list[0].ResumeToken)
	require.Equal(t, []byte("t1"), list[2].ResumeToken)
}

func TestMemoryStoreBoundsHistory(t *testing.T) {
	var ctx = context.Background()
	var s = NewMemoryStore()
	for i := 0; i < HistoryLimit+10; i++ {
		require.NoError(t, s.Save(ctx, Checkpoint{
			ConnectorName: "orders",
			ResumeToken:   []byte(fmt.Sprintf("t%d", i)),
			UpdatedAt:     int64(i),
		}))
	}

	var list, err = s.List(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, list, HistoryLimit)
	require.Equal(t, []byte(fmt.Sprintf("t%d", HistoryLimit+9)), list[0].ResumeToken)
}

func TestNoopStore(t *testing.T) {
	var ctx = context.Background()
	var s = Noop{}
	require.NoError(t, s.Save(ctx, New("orders", []byte("t1"))))

	var _, err = s.Latest(ctx, "orders")
	require.ErrorIs(t, err, ErrNotFound)

	list, err := s.List(ctx, "orders")
	require.NoError(t, err)
	require.Empty(t, list)
}
