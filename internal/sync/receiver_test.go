package sync

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReceiver(t *testing.T) (*InitialLoadReceiver, *memTables) {
	t.Helper()
	tables := newMemTables()
	r, err := NewInitialLoadReceiver(ReceiverConfig{
		CoreTables: coreTables,
		Source:     tables,
		Sink:       tables,
		Keys:       staticKeys{},
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	return r, tables
}

func plainChunk(t *testing.T, id string, rows []Row) *TransferChunk {
	t.Helper()
	sum, err := CalculateDataChecksum(rows)
	require.NoError(t, err)
	return &TransferChunk{
		ChunkID:     id,
		SessionID:   "s-1",
		TableName:   "products",
		TotalChunks: 1,
		TotalParts:  1,
		RecordCount: len(rows),
		Data:        rows,
		Checksum:    sum,
	}
}

func TestReceiverAppliesAndDeduplicates(t *testing.T) {
	r, tables := newTestReceiver(t)
	ctx := context.Background()
	chunk := plainChunk(t, "s-1:products:0:0", []Row{{"id": "p1", "name": "bolt"}, {"id": "p2", "name": "nut"}})

	var receipts []ChunkReceipt
	r.Received.Subscribe(func(c ChunkReceipt) { receipts = append(receipts, c) })

	resp, err := r.HandleChunk(ctx, chunk)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.False(t, resp.Duplicate)

	resp, err = r.HandleChunk(ctx, chunk)
	require.NoError(t, err)
	assert.True(t, resp.Duplicate)

	assert.Equal(t, int64(2), r.ReceivedRecords("s-1"), "duplicates are not counted twice")
	require.Len(t, receipts, 1)
	n, _ := tables.CountRows(ctx, "products")
	assert.Equal(t, int64(2), n)
}

func TestReceiverRejectsCorruptChunks(t *testing.T) {
	r, tables := newTestReceiver(t)
	ctx := context.Background()

	chunk := plainChunk(t, "c-1", []Row{{"id": "p1"}})
	chunk.Data[0]["id"] = "tampered"
	_, err := r.HandleChunk(ctx, chunk)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	chunk = plainChunk(t, "c-2", []Row{{"id": "p1"}})
	chunk.RecordCount = 3
	_, err = r.HandleChunk(ctx, chunk)
	assert.ErrorIs(t, err, ErrRecordCountMismatch)

	chunk = plainChunk(t, "c-3", []Row{{"id": "p1"}})
	chunk.TableName = "users"
	_, err = r.HandleChunk(ctx, chunk)
	assert.ErrorIs(t, err, ErrUnknownTable)

	chunk = plainChunk(t, "c-4", []Row{{"id": "p1"}})
	chunk.IsEncrypted = true
	_, err = r.HandleChunk(ctx, chunk)
	assert.Error(t, err)

	n, _ := tables.CountRows(ctx, "products")
	assert.Zero(t, n)

	// A rejected chunk can be delivered again once it is intact.
	_, err = r.HandleChunk(ctx, plainChunk(t, "c-1", []Row{{"id": "p1"}}))
	assert.NoError(t, err)
}

func TestReceiverValidate(t *testing.T) {
	r, tables := newTestReceiver(t)
	ctx := context.Background()
	rows := []Row{{"id": "p1"}, {"id": "p2"}}
	_, err := r.HandleChunk(ctx, plainChunk(t, "c-1", rows))
	require.NoError(t, err)

	ts, err := snapshotTable(ctx, tables, "products")
	require.NoError(t, err)
	expected := snapshotChecksum([]TableSnapshot{ts})

	resp, err := r.HandleValidate(ctx, ValidationRequest{SessionID: "s-1", ExpectedChecksum: expected, ExpectedRecordCount: 2})
	require.NoError(t, err)
	assert.True(t, resp.Valid, resp.Error)
	assert.Equal(t, expected, resp.ActualChecksum)

	resp, err = r.HandleValidate(ctx, ValidationRequest{SessionID: "s-1", ExpectedChecksum: expected, ExpectedRecordCount: 5})
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.Contains(t, resp.Error, ErrRecordCountMismatch.Error())

	resp, err = r.HandleValidate(ctx, ValidationRequest{SessionID: "s-1", ExpectedChecksum: "other", ExpectedRecordCount: 2, Tables: []string{"products"}})
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.Contains(t, resp.Error, ErrChecksumMismatch.Error())

	_, err = r.HandleValidate(ctx, ValidationRequest{SessionID: ""})
	assert.Error(t, err)
}

func TestReceiverForgetsIdleSessions(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tables := newMemTables()
	r, err := NewInitialLoadReceiver(ReceiverConfig{
		CoreTables: coreTables,
		Source:     tables,
		Sink:       tables,
		Keys:       staticKeys{},
		Logger:     zerolog.Nop(),
		Now:        func() time.Time { return now },
	})
	require.NoError(t, err)
	ctx := context.Background()

	old := plainChunk(t, "s-1:products:0:0", []Row{{"id": "p1"}})
	_, err = r.HandleChunk(ctx, old)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	fresh := plainChunk(t, "s-2:products:0:0", []Row{{"id": "p2"}})
	fresh.SessionID = "s-2"
	_, err = r.HandleChunk(ctx, fresh)
	require.NoError(t, err)

	assert.Equal(t, 1, r.Forget(time.Hour))
	assert.Zero(t, r.ReceivedRecords("s-1"))
	assert.Equal(t, int64(1), r.ReceivedRecords("s-2"))
	assert.Zero(t, r.Forget(time.Hour))
}
