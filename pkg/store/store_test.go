package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ethosfleet/pkg/model"
)

var _ Store = (*EtcdManager)(nil)
var _ Store = (*Memory)(nil)

func TestParseTarget(t *testing.T) {
	n, err := parseTarget([]byte(" 4\n"))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	_, err = parseTarget([]byte("-1"))
	require.Error(t, err)
	_, err = parseTarget([]byte("four"))
	require.Error(t, err)
}

func TestMemoryTargetWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMemory()

	_, ok, err := m.GetTarget(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	ch := m.WatchTarget(ctx)
	require.NoError(t, m.SaveTarget(ctx, 5))

	select {
	case got := <-ch:
		require.Equal(t, 5, got)
	case <-time.After(time.Second):
		t.Fatal("no target event")
	}

	target, ok, err := m.GetTarget(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 5, target)

	cancel()
	for range ch {
	}
}

func TestMemoryNodesAndMigrations(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.SaveNode(ctx, model.Node{ID: "b"}))
	require.NoError(t, m.SaveNode(ctx, model.Node{ID: "a"}))
	require.NoError(t, m.DeleteNode(ctx, "b"))
	require.NoError(t, m.DeleteNode(ctx, "missing"))

	nodes, err := m.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, "a", nodes[0].ID)

	older := model.Migration{ID: "m2"}
	older.Status.IssuedAt = time.Now().Add(-time.Minute)
	newer := model.Migration{ID: "m1"}
	newer.Status.IssuedAt = time.Now()
	require.NoError(t, m.SaveMigration(ctx, newer))
	require.NoError(t, m.SaveMigration(ctx, older))

	migs, err := m.ListMigrations(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"m2", "m1"}, []string{migs[0].ID, migs[1].ID})
}
