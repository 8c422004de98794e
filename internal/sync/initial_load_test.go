package sync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var coreTables = []string{"orders", "products"}

type staticKeys struct{}

func (staticKeys) DeriveTransferKey(sessionID string) ([]byte, error) {
	sum := sha256.Sum256([]byte("transfer:" + sessionID))
	return sum[:], nil
}

// loopback delivers chunks to a receiver through a JSON round trip.
type loopback struct {
	receiver *InitialLoadReceiver
	before   func(*TransferChunk)
	sendErr  error
	// flaky is the number of sends that fail transiently before delivery.
	flaky      atomic.Int32
	onValidate func()

	mu     sync.Mutex
	chunks []*TransferChunk
	sent   atomic.Int32
}

func (l *loopback) SendChunk(ctx context.Context, _ Target, c *TransferChunk) error {
	if l.before != nil {
		l.before(c)
	}
	if l.sendErr != nil {
		return l.sendErr
	}
	if l.flaky.Add(-1) >= 0 {
		return fmt.Errorf("%w: connection reset by peer", ErrTransient)
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var wire TransferChunk
	if err := dec.Decode(&wire); err != nil {
		return err
	}
	l.mu.Lock()
	l.chunks = append(l.chunks, &wire)
	l.mu.Unlock()
	l.sent.Add(1)
	_, err = l.receiver.HandleChunk(ctx, &wire)
	return err
}

func (l *loopback) ValidateTransfer(ctx context.Context, _ Target, req ValidationRequest) (*ValidationResponse, error) {
	if l.onValidate != nil {
		l.onValidate()
	}
	return l.receiver.HandleValidate(ctx, req)
}

type loadFixture struct {
	source  *memTables
	target  *memTables
	store   *memLoadStore
	wire    *loopback
	manager *InitialLoadManager
}

func newLoadFixture(t *testing.T, mutate func(*LoadConfig)) *loadFixture {
	t.Helper()
	f := &loadFixture{source: newMemTables(), target: newMemTables(), store: newMemLoadStore()}
	receiver, err := NewInitialLoadReceiver(ReceiverConfig{
		CoreTables: coreTables,
		Source:     f.target,
		Sink:       f.target,
		Keys:       staticKeys{},
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	f.wire = &loopback{receiver: receiver}

	cfg := LoadConfig{
		NodeID:     "node-a",
		CoreTables: coreTables,
		Defaults:   LoadOptions{BatchSize: 10, VerifyChecksum: true},
		Source:     f.source,
		Store:      f.store,
		Transport:  f.wire,
		Keys:       staticKeys{},
		Logger:     zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.manager, err = NewInitialLoadManager(cfg)
	require.NoError(t, err)
	t.Cleanup(f.manager.Close)
	return f
}

var target = Target{NodeID: "node-b", BaseURL: "http://10.0.0.2:3210"}

func waitTerminal(t *testing.T, m *InitialLoadManager, id string) LoadSession {
	t.Helper()
	var s LoadSession
	require.Eventually(t, func() bool {
		var ok bool
		s, ok = m.GetSession(id)
		return ok && s.Status.Terminal() && s.CompletedAt != nil
	}, 5*time.Second, 5*time.Millisecond)
	return s
}

func TestInitialLoadTransfersAllTables(t *testing.T) {
	f := newLoadFixture(t, nil)
	f.source.seed("products", 25)
	f.source.seed("orders", 7)

	var mu sync.Mutex
	var progress []int
	var statuses []LoadStatus
	f.manager.Progress.Subscribe(func(s LoadSession) {
		mu.Lock()
		progress = append(progress, s.Progress)
		statuses = append(statuses, s.Status)
		mu.Unlock()
	})

	id, err := f.manager.InitiateInitialLoad(context.Background(), target, nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	s := waitTerminal(t, f.manager, id)
	assert.Equal(t, StatusCompleted, s.Status, s.ErrorMessage)
	assert.Equal(t, 100, s.Progress)
	assert.Equal(t, int64(32), s.TotalRecords)
	assert.Equal(t, int64(32), s.TransferredRecords)
	assert.Positive(t, s.TransferredBytes)
	assert.NotEmpty(t, s.SnapshotID)

	n, _ := f.target.CountRows(context.Background(), "products")
	assert.Equal(t, int64(25), n)
	n, _ = f.target.CountRows(context.Background(), "orders")
	assert.Equal(t, int64(7), n)
	assert.Equal(t, int32(4), f.wire.sent.Load(), "3 product batches and 1 order batch")

	assert.Empty(t, f.manager.ActiveSessions())
	require.Len(t, f.manager.History(), 1)

	// The final event is published right after the session becomes visible.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return statuses[len(statuses)-1] == StatusCompleted
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusCompleted, f.store.session(id).Status, "final state is persisted")

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1], "progress must not go backwards")
	}
	assert.Equal(t, StatusPreparing, statuses[0])
	assert.Contains(t, statuses, StatusTransferring)
	assert.Contains(t, statuses, StatusValidating)
}

func TestInitialLoadEncryptedAndCompressed(t *testing.T) {
	f := newLoadFixture(t, nil)
	f.source.seed("products", 12)

	opts := &LoadOptions{SelectedTables: []string{"products"}, BatchSize: 5, Compression: true, Encryption: true, VerifyChecksum: true}
	id, err := f.manager.InitiateInitialLoad(context.Background(), target, opts)
	require.NoError(t, err)

	s := waitTerminal(t, f.manager, id)
	require.Equal(t, StatusCompleted, s.Status, s.ErrorMessage)

	f.wire.mu.Lock()
	defer f.wire.mu.Unlock()
	require.Len(t, f.wire.chunks, 3)
	for _, c := range f.wire.chunks {
		assert.True(t, c.IsEncrypted)
		assert.Nil(t, c.Data)
		assert.NotNil(t, c.EncryptedData)
		assert.Positive(t, c.CompressedSize)
	}
	row, ok := f.target.get("products", "products-0011")
	require.True(t, ok)
	assert.Equal(t, "row 11", row["name"])
}

func TestInitialLoadSplitsOversizedBatches(t *testing.T) {
	f := newLoadFixture(t, func(c *LoadConfig) { c.MaxChunkBytes = 1024 + 200 })
	f.source.seed("orders", 10)

	id, err := f.manager.InitiateInitialLoad(context.Background(), target, &LoadOptions{
		SelectedTables: []string{"orders"}, BatchSize: 10, VerifyChecksum: true,
	})
	require.NoError(t, err)
	s := waitTerminal(t, f.manager, id)
	require.Equal(t, StatusCompleted, s.Status, s.ErrorMessage)

	f.wire.mu.Lock()
	defer f.wire.mu.Unlock()
	require.Greater(t, len(f.wire.chunks), 1)
	total := 0
	for _, c := range f.wire.chunks {
		assert.Equal(t, 0, c.SequenceNumber)
		assert.Equal(t, len(f.wire.chunks), c.TotalParts)
		raw, err := json.Marshal(c.Data)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(raw), 200)
		total += c.RecordCount
	}
	assert.Equal(t, 10, total)
}

func TestInitialLoadValidationMismatchFails(t *testing.T) {
	f := newLoadFixture(t, nil)
	f.source.seed("products", 5)
	f.target.seed("products", 8) // target already holds rows the source lacks

	id, err := f.manager.InitiateInitialLoad(context.Background(), target, &LoadOptions{
		SelectedTables: []string{"products"}, BatchSize: 10, VerifyChecksum: true,
	})
	require.NoError(t, err)

	s := waitTerminal(t, f.manager, id)
	assert.Equal(t, StatusFailed, s.Status)
	assert.Contains(t, s.ErrorMessage, ErrValidationFailed.Error())
	assert.Less(t, s.Progress, 100)
}

func TestInitialLoadSkipsValidationWhenDisabled(t *testing.T) {
	f := newLoadFixture(t, nil)
	f.source.seed("products", 5)
	f.target.seed("products", 8)

	id, err := f.manager.InitiateInitialLoad(context.Background(), target, &LoadOptions{
		SelectedTables: []string{"products"}, BatchSize: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, waitTerminal(t, f.manager, id).Status)
}

func TestInitialLoadSendFailure(t *testing.T) {
	f := newLoadFixture(t, nil)
	f.source.seed("orders", 3)
	f.wire.sendErr = errors.New("connection refused")

	id, err := f.manager.InitiateInitialLoad(context.Background(), target, nil)
	require.NoError(t, err)
	s := waitTerminal(t, f.manager, id)
	assert.Equal(t, StatusFailed, s.Status)
	assert.Contains(t, s.ErrorMessage, "connection refused")
}

func TestInitialLoadRetriesTransientChunkFailure(t *testing.T) {
	f := newLoadFixture(t, func(c *LoadConfig) { c.RetryBackoff = time.Millisecond })
	f.source.seed("orders", 3)
	f.wire.flaky.Store(2)

	id, err := f.manager.InitiateInitialLoad(context.Background(), target, &LoadOptions{
		SelectedTables: []string{"orders"}, BatchSize: 10, VerifyChecksum: true,
	})
	require.NoError(t, err)
	s := waitTerminal(t, f.manager, id)
	assert.Equal(t, StatusCompleted, s.Status, s.ErrorMessage)
	assert.Equal(t, int64(3), s.TransferredRecords)
	assert.Equal(t, int32(1), f.wire.sent.Load())
}

func TestInitialLoadGivesUpAfterChunkRetries(t *testing.T) {
	f := newLoadFixture(t, func(c *LoadConfig) {
		c.ChunkRetries = 2
		c.RetryBackoff = time.Millisecond
	})
	f.source.seed("orders", 3)
	f.wire.flaky.Store(10)

	id, err := f.manager.InitiateInitialLoad(context.Background(), target, nil)
	require.NoError(t, err)
	s := waitTerminal(t, f.manager, id)
	assert.Equal(t, StatusFailed, s.Status)
	assert.Contains(t, s.ErrorMessage, "connection reset")
	assert.Equal(t, int32(7), f.wire.flaky.Load(), "one send plus two retries")
}

func TestInitialLoadPermanentRejectionIsNotRetried(t *testing.T) {
	f := newLoadFixture(t, func(c *LoadConfig) { c.RetryBackoff = time.Millisecond })
	f.source.seed("orders", 3)
	var calls atomic.Int32
	f.wire.before = func(*TransferChunk) { calls.Add(1) }
	f.wire.sendErr = &StatusError{StatusCode: 403, Message: "forbidden"}

	id, err := f.manager.InitiateInitialLoad(context.Background(), target, nil)
	require.NoError(t, err)
	s := waitTerminal(t, f.manager, id)
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestInitialLoadCancelDuringValidationStaysCancelled(t *testing.T) {
	f := newLoadFixture(t, nil)
	f.source.seed("orders", 3)
	var id string
	f.wire.onValidate = func() {
		assert.NoError(t, f.manager.CancelSession(context.Background(), id))
	}

	started := make(chan struct{})
	f.wire.before = func(*TransferChunk) { <-started }
	var err error
	id, err = f.manager.InitiateInitialLoad(context.Background(), target, &LoadOptions{
		SelectedTables: []string{"orders"}, BatchSize: 10, VerifyChecksum: true,
	})
	require.NoError(t, err)
	close(started)

	s := waitTerminal(t, f.manager, id)
	assert.Equal(t, StatusCancelled, s.Status)
	assert.Equal(t, StatusCancelled, f.store.session(id).Status)
}

func TestInitialLoadCancelBetweenChunks(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	f := newLoadFixture(t, nil)
	f.source.seed("products", 30)
	f.wire.before = func(*TransferChunk) {
		select {
		case entered <- struct{}{}:
			<-release
		default:
		}
	}

	id, err := f.manager.InitiateInitialLoad(context.Background(), target, nil)
	require.NoError(t, err)
	<-entered

	require.NoError(t, f.manager.CancelSession(context.Background(), id))
	s, ok := f.manager.GetSession(id)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, s.Status)
	close(release)

	s = waitTerminal(t, f.manager, id)
	assert.Equal(t, StatusCancelled, s.Status)
	assert.Less(t, f.wire.sent.Load(), int32(3), "no chunk is sent after the cancellation is observed")

	assert.ErrorIs(t, f.manager.CancelSession(context.Background(), id), ErrSessionTerminal)
	assert.ErrorIs(t, f.manager.CancelSession(context.Background(), "nope"), ErrSessionNotFound)
}

func TestInitialLoadRejectsUnknownTables(t *testing.T) {
	f := newLoadFixture(t, nil)
	_, err := f.manager.InitiateInitialLoad(context.Background(), target, &LoadOptions{SelectedTables: []string{"users"}})
	assert.ErrorIs(t, err, ErrUnknownTable)

	_, err = f.manager.CreateDataSnapshot(context.Background(), []string{"users"})
	assert.ErrorIs(t, err, ErrUnknownTable)

	_, err = f.manager.InitiateInitialLoad(context.Background(), Target{NodeID: "x"}, nil)
	assert.Error(t, err)
}

func TestCreateDataSnapshot(t *testing.T) {
	f := newLoadFixture(t, nil)
	f.source.seed("products", 20)
	f.source.seed("orders", 4)
	ctx := context.Background()

	a, err := f.manager.CreateDataSnapshot(ctx, []string{"products", "orders", "products"})
	require.NoError(t, err)
	b, err := f.manager.CreateDataSnapshot(ctx, nil)
	require.NoError(t, err)

	require.Len(t, a.Tables, 2)
	assert.Equal(t, "orders", a.Tables[0].TableName)
	assert.Equal(t, "products", a.Tables[1].TableName)
	assert.Equal(t, int64(24), a.TotalRecords)
	assert.Equal(t, a.Checksum, b.Checksum)
	assert.NotEqual(t, a.SnapshotID, b.SnapshotID)

	sample, _ := f.source.FetchRows(ctx, "products", 0, 10)
	raw, _ := json.Marshal(sample)
	assert.Equal(t, int64(len(raw))/10*20, a.Tables[1].DataSize)
	assert.Equal(t, a.Tables[0].DataSize+a.Tables[1].DataSize, a.TotalSize)
	assert.Len(t, f.store.snapshots, 2)

	f.source.seed("orders", 5)
	c, err := f.manager.CreateDataSnapshot(ctx, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.Checksum, c.Checksum)
}

func TestInitialLoadRecoversUnfinishedSessions(t *testing.T) {
	f := newLoadFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.SaveSession(ctx, LoadSession{SessionID: "s-1", Status: StatusTransferring, Progress: 40}))
	require.NoError(t, f.store.SaveSession(ctx, LoadSession{SessionID: "s-2", Status: StatusCompleted}))

	require.NoError(t, f.manager.Load(ctx))
	active := f.manager.ActiveSessions()
	require.Len(t, active, 1)
	assert.Equal(t, "s-1", active[0].SessionID)
	assert.True(t, active[0].Recovered)

	require.NoError(t, f.manager.CancelSession(ctx, "s-1"))
	s, ok := f.manager.GetSession("s-1")
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, s.Status)
	assert.NotNil(t, s.CompletedAt)
	assert.Equal(t, 40, s.Progress)
	assert.Empty(t, f.manager.ActiveSessions())
	assert.Equal(t, StatusCancelled, f.store.session("s-1").Status)
}

func TestInitialLoadHistoryIsBounded(t *testing.T) {
	f := newLoadFixture(t, func(c *LoadConfig) { c.HistoryLimit = 2 })
	f.source.seed("orders", 1)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := f.manager.InitiateInitialLoad(context.Background(), target, nil)
		require.NoError(t, err)
		waitTerminal(t, f.manager, id)
		ids = append(ids, id)
	}
	history := f.manager.History()
	require.Len(t, history, 2)
	assert.Equal(t, ids[1], history[0].SessionID)
	_, ok := f.manager.GetSession(ids[0])
	assert.False(t, ok, "oldest session evicted")
}

func TestSplitRows(t *testing.T) {
	rows := []Row{{"v": "aaaaaaaaaa"}, {"v": "bbbbbbbbbb"}, {"v": "cccccccccc"}}
	parts, err := splitRows(rows, 40)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Len(t, parts[0], 2)
	assert.Len(t, parts[1], 1)

	_, err = splitRows(rows, 10)
	assert.Error(t, err, "a single row larger than the ceiling cannot be sent")

	parts, err = splitRows(nil, 40)
	require.NoError(t, err)
	assert.Len(t, parts, 1)
}
