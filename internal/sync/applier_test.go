package sync

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApplier(t *testing.T) (*EventApplier, *memTables, *memReplicas) {
	t.Helper()
	tables, replicas := newMemTables(), newMemReplicas()
	a, err := NewEventApplier(ApplierConfig{
		Tables:   coreTables,
		Replicas: replicas,
		Sink:     tables,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return a, tables, replicas
}

func TestApplierAppliesNewerVersions(t *testing.T) {
	a, tables, replicas := newTestApplier(t)
	ctx := context.Background()

	var applied int
	a.Applied.Subscribe(func(*SyncEvent) { applied++ })

	create := newEvent(t, "orders", "o1", OpCreate, Row{"state": "new"})
	res, err := a.Apply(ctx, create)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	row, ok := tables.get("orders", "o1")
	require.True(t, ok)
	assert.Equal(t, "o1", row["id"], "record id is filled in")

	update := newEvent(t, "orders", "o1", OpUpdate, Row{"id": "o1", "state": "paid"})
	update.VectorClock = VectorClock{"node-a": 2}
	res, err = a.Apply(ctx, update)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, ConflictCausal, res.Resolution.Strategy)

	res, err = a.Apply(ctx, update)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.True(t, res.Duplicate)

	stale := newEvent(t, "orders", "o1", OpUpdate, Row{"id": "o1", "state": "stale"})
	res, err = a.Apply(ctx, stale)
	require.NoError(t, err)
	assert.False(t, res.Applied, "causally older version loses")
	row, _ = tables.get("orders", "o1")
	assert.Equal(t, "paid", row["state"])

	del := newEvent(t, "orders", "o1", OpDelete, nil)
	del.VectorClock = VectorClock{"node-a": 2, "node-b": 1}
	res, err = a.Apply(ctx, del)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	_, ok = tables.get("orders", "o1")
	assert.False(t, ok)

	last, _ := replicas.LastApplied(ctx, "orders", "o1")
	assert.Equal(t, del.EventID, last.EventID)
	assert.Equal(t, 3, applied)
}

func TestApplierMergesClocksOfConcurrentVersions(t *testing.T) {
	a, _, replicas := newTestApplier(t)
	ctx := context.Background()

	local := newEvent(t, "orders", "o1", OpCreate, Row{"v": 1})
	local.VectorClock = VectorClock{"node-a": 1}
	_, err := a.Apply(ctx, local)
	require.NoError(t, err)

	remote := newEvent(t, "orders", "o1", OpUpdate, Row{"v": 2})
	remote.SourceNodeID = "node-b"
	remote.VectorClock = VectorClock{"node-b": 1}
	remote.Priority = PriorityPhysical
	res, err := a.Apply(ctx, remote)
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.Equal(t, ConflictPriorityBased, res.Resolution.Strategy)

	last, _ := replicas.LastApplied(ctx, "orders", "o1")
	assert.Equal(t, VectorClock{"node-a": 1, "node-b": 1}, last.VectorClock)
	assert.Equal(t, VectorClock{"node-b": 1}, remote.VectorClock, "incoming event is not mutated")
}

func TestApplierRejectsInvalidEvents(t *testing.T) {
	a, _, _ := newTestApplier(t)
	ctx := context.Background()

	_, err := a.Apply(ctx, newEvent(t, "users", "u1", OpCreate, Row{"v": 1}))
	assert.ErrorIs(t, err, ErrUnknownTable)

	bad := newEvent(t, "orders", "o1", OpCreate, Row{"v": 1})
	bad.ChangeData = Row{"v": 2}
	_, err = a.Apply(ctx, bad)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}
