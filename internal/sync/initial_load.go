package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/xelth-com/eckmesh/internal/events"
	"github.com/xelth-com/eckmesh/internal/metrics"
	"github.com/xelth-com/eckmesh/internal/security"
)

// LoadStatus is the state of an initial load session.
type LoadStatus string

const (
	StatusPreparing    LoadStatus = "preparing"
	StatusTransferring LoadStatus = "transferring"
	StatusValidating   LoadStatus = "validating"
	StatusCompleted    LoadStatus = "completed"
	StatusCancelled    LoadStatus = "cancelled"
	StatusFailed       LoadStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s LoadStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// sampleRows is how many rows are read to estimate a table's byte size.
const sampleRows = 10

// LoadOptions selects what an initial load transfers and how.
type LoadOptions struct {
	SelectedTables []string `json:"selected_tables" validate:"dive,required"`
	Compression    bool     `json:"compression_enabled"`
	Encryption     bool     `json:"encryption_enabled"`
	VerifyChecksum bool     `json:"checksum_verification"`
	BatchSize      int      `json:"batch_size" validate:"min=1,max=100000"`
}

// LoadSession is the externally visible state of one initial load.
type LoadSession struct {
	SessionID              string      `json:"session_id"`
	SourceNodeID           string      `json:"source_node_id"`
	TargetNodeID           string      `json:"target_node_id"`
	Target                 Target      `json:"target"`
	Status                 LoadStatus  `json:"status"`
	Progress               int         `json:"progress"`
	CurrentStep            string      `json:"current_step"`
	TotalRecords           int64       `json:"total_records"`
	TransferredRecords     int64       `json:"transferred_records"`
	TransferredBytes       int64       `json:"transferred_bytes"`
	EstimatedTimeRemaining int64       `json:"estimated_time_remaining_seconds"`
	SnapshotID             string      `json:"snapshot_id,omitempty"`
	Options                LoadOptions `json:"options"`
	ErrorMessage           string      `json:"error_message,omitempty"`
	Recovered              bool        `json:"recovered,omitempty"`
	StartedAt              time.Time   `json:"started_at"`
	CompletedAt            *time.Time  `json:"completed_at,omitempty"`
}

// LoadStore persists sessions and snapshots.
type LoadStore interface {
	SaveSession(ctx context.Context, s LoadSession) error
	LoadActiveSessions(ctx context.Context) ([]LoadSession, error)
	SaveSnapshot(ctx context.Context, snap DataSnapshot) error
}

// LoadConfig configures an InitialLoadManager.
type LoadConfig struct {
	NodeID        string
	CoreTables    []string
	Defaults      LoadOptions
	MaxChunkBytes int
	HistoryLimit  int
	ChunkTimeout  time.Duration
	// ChunkRetries bounds re-sends of a chunk after a transient failure.
	// Negative disables retries.
	ChunkRetries int
	RetryBackoff time.Duration

	Source    TableSource
	Store     LoadStore
	Transport ChunkTransport
	Keys      TransferKeys
	Metrics   *metrics.NodeMetrics
	Logger    zerolog.Logger
	Now       func() time.Time
}

func (c LoadConfig) withDefaults() LoadConfig {
	if c.Defaults.BatchSize <= 0 {
		c.Defaults.BatchSize = 1000
	}
	if c.MaxChunkBytes <= 0 || c.MaxChunkBytes > MaxChunkBytes {
		c.MaxChunkBytes = MaxChunkBytes
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 100
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = 30 * time.Second
	}
	if c.ChunkRetries == 0 {
		c.ChunkRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type loadRun struct {
	session   LoadSession
	running   atomic.Bool
	cancelled atomic.Bool
	finalized bool
}

// InitialLoadManager bulk-copies the core tables to a peer in checksummed chunks.
type InitialLoadManager struct {
	cfg     LoadConfig
	logger  zerolog.Logger
	encoder *zstd.Encoder
	tables  map[string]bool

	mu           sync.Mutex
	active       map[string]*loadRun
	history      map[string]LoadSession
	historyOrder []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Progress receives a copy of a session after every change.
	Progress events.Topic[LoadSession]
}

// NewInitialLoadManager creates a manager. Source and Transport are required.
func NewInitialLoadManager(config LoadConfig) (*InitialLoadManager, error) {
	cfg := config.withDefaults()
	if cfg.Source == nil {
		return nil, errors.New("initial load: table source is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("initial load: chunk transport is required")
	}
	if len(cfg.CoreTables) == 0 {
		return nil, errors.New("initial load: at least one core table is required")
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	tables := make(map[string]bool, len(cfg.CoreTables))
	for _, t := range cfg.CoreTables {
		tables[t] = true
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InitialLoadManager{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "initial_load").Logger(),
		encoder: enc,
		tables:  tables,
		active:  make(map[string]*loadRun),
		history: make(map[string]LoadSession),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// DefaultOptions returns the options used when a caller passes none:
// every core table and the configured flags.
func (m *InitialLoadManager) DefaultOptions() LoadOptions {
	opts := m.cfg.Defaults
	opts.SelectedTables = append([]string(nil), m.cfg.CoreTables...)
	return opts
}

func (m *InitialLoadManager) resolveTables(tables []string) ([]string, error) {
	if len(tables) == 0 {
		tables = m.cfg.CoreTables
	}
	seen := make(map[string]bool, len(tables))
	out := make([]string, 0, len(tables))
	for _, t := range tables {
		if !m.tables[t] {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTable, t)
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out, nil
}

// CreateDataSnapshot records count, estimated size and last modification of
// each table. Sizes are extrapolated from a sample of rows, not measured.
func (m *InitialLoadManager) CreateDataSnapshot(ctx context.Context, tables []string) (*DataSnapshot, error) {
	names, err := m.resolveTables(tables)
	if err != nil {
		return nil, err
	}

	snap := &DataSnapshot{
		SnapshotID: uuid.NewString(),
		NodeID:     m.cfg.NodeID,
		CreatedAt:  m.cfg.Now(),
		Tables:     make([]TableSnapshot, 0, len(names)),
	}
	for _, name := range names {
		ts, err := snapshotTable(ctx, m.cfg.Source, name)
		if err != nil {
			return nil, err
		}
		snap.Tables = append(snap.Tables, ts)
		snap.TotalRecords += ts.RecordCount
		snap.TotalSize += ts.DataSize
	}
	snap.Checksum = snapshotChecksum(snap.Tables)

	if m.cfg.Store != nil {
		if err := m.cfg.Store.SaveSnapshot(ctx, *snap); err != nil {
			return nil, fmt.Errorf("persist snapshot: %w", err)
		}
	}
	return snap, nil
}

func snapshotTable(ctx context.Context, src TableSource, table string) (TableSnapshot, error) {
	ts := TableSnapshot{TableName: table}

	count, err := src.CountRows(ctx, table)
	if err != nil {
		return ts, fmt.Errorf("count %s: %w", table, err)
	}
	ts.RecordCount = count

	if count > 0 {
		sample, err := src.FetchRows(ctx, table, 0, sampleRows)
		if err != nil {
			return ts, fmt.Errorf("sample %s: %w", table, err)
		}
		if len(sample) > 0 {
			raw, err := json.Marshal(sample)
			if err != nil {
				return ts, fmt.Errorf("encode sample %s: %w", table, err)
			}
			ts.DataSize = int64(len(raw)) / int64(len(sample)) * count
		}
	}

	if ts.LastModified, err = src.LastModified(ctx, table); err != nil {
		return ts, fmt.Errorf("last modified %s: %w", table, err)
	}
	return ts, nil
}

// InitiateInitialLoad registers a session towards target and runs it in the
// background. It returns as soon as the session is persisted.
func (m *InitialLoadManager) InitiateInitialLoad(ctx context.Context, target Target, opts *LoadOptions) (string, error) {
	if err := validate.Struct(target); err != nil {
		return "", fmt.Errorf("invalid target: %w", err)
	}
	options := m.DefaultOptions()
	if opts != nil {
		options = *opts
		if options.BatchSize <= 0 {
			options.BatchSize = m.cfg.Defaults.BatchSize
		}
	}
	tables, err := m.resolveTables(options.SelectedTables)
	if err != nil {
		return "", err
	}
	options.SelectedTables = tables
	if err := validate.Struct(options); err != nil {
		return "", fmt.Errorf("invalid load options: %w", err)
	}

	run := &loadRun{session: LoadSession{
		SessionID:    uuid.NewString(),
		SourceNodeID: m.cfg.NodeID,
		TargetNodeID: target.NodeID,
		Target:       target,
		Status:       StatusPreparing,
		CurrentStep:  "queued",
		Options:      options,
		StartedAt:    m.cfg.Now(),
	}}

	if m.cfg.Store != nil {
		if err := m.cfg.Store.SaveSession(ctx, run.session); err != nil {
			return "", fmt.Errorf("persist session: %w", err)
		}
	}

	m.mu.Lock()
	m.active[run.session.SessionID] = run
	m.mu.Unlock()

	m.logger.Info().
		Str("session_id", run.session.SessionID).
		Str("target", target.NodeID).
		Strs("tables", tables).
		Msg("Initial load scheduled")
	m.Progress.Publish(run.session)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.execute(run)
	}()
	return run.session.SessionID, nil
}

func (m *InitialLoadManager) execute(run *loadRun) {
	if !run.running.CompareAndSwap(false, true) {
		return
	}
	defer run.running.Store(false)

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("initial load panicked: %v", r)
			}
		}()
		err = m.transfer(m.ctx, run)
	}()

	switch {
	case run.cancelled.Load() || errors.Is(err, ErrCancelled):
		m.finalize(run, StatusCancelled, ErrCancelled)
	case err == nil:
		m.finalize(run, StatusCompleted, nil)
	case m.ctx.Err() != nil:
		// Shutdown: the persisted non-terminal state is recovered on restart.
		m.logger.Warn().Str("session_id", run.session.SessionID).Msg("Initial load interrupted by shutdown")
	default:
		m.finalize(run, StatusFailed, err)
	}
}

type chunkPlan struct {
	table  string
	offset int
	limit  int
	seq    int
	total  int
}

func (m *InitialLoadManager) transfer(ctx context.Context, run *loadRun) error {
	opts := run.session.Options

	m.advance(ctx, run, StatusPreparing, 0, "creating snapshot", nil)
	snap, err := m.CreateDataSnapshot(ctx, opts.SelectedTables)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	m.advance(ctx, run, StatusPreparing, 10, "snapshot created", func(s *LoadSession) {
		s.SnapshotID = snap.SnapshotID
		s.TotalRecords = snap.TotalRecords
	})

	var plan []chunkPlan
	for _, t := range snap.Tables {
		total := int((t.RecordCount + int64(opts.BatchSize) - 1) / int64(opts.BatchSize))
		for i := 0; i < total; i++ {
			plan = append(plan, chunkPlan{table: t.TableName, offset: i * opts.BatchSize, limit: opts.BatchSize, seq: i, total: total})
		}
	}
	m.advance(ctx, run, StatusTransferring, 20, fmt.Sprintf("planned %d chunks", len(plan)), nil)

	var key []byte
	if opts.Encryption {
		if m.cfg.Keys == nil {
			return errors.New("encryption requested but no transfer key source configured")
		}
		if key, err = m.cfg.Keys.DeriveTransferKey(run.session.SessionID); err != nil {
			return fmt.Errorf("derive transfer key: %w", err)
		}
	}

	started := m.cfg.Now()
	for i, p := range plan {
		if run.cancelled.Load() {
			return ErrCancelled
		}
		rows, err := m.cfg.Source.FetchRows(ctx, p.table, p.offset, p.limit)
		if err != nil {
			return fmt.Errorf("fetch %s rows %d-%d: %w", p.table, p.offset, p.offset+p.limit, err)
		}
		chunks, err := m.buildChunks(run.session.SessionID, p, rows, opts, key)
		if err != nil {
			return err
		}

		var sentRows, sentBytes int64
		for _, c := range chunks {
			size, err := m.sendWithRetry(ctx, run, c)
			if err != nil {
				return fmt.Errorf("send chunk %s: %w", c.ChunkID, err)
			}
			sentRows += int64(c.RecordCount)
			sentBytes += int64(size)
		}

		progress := 20 + 60*(i+1)/len(plan)
		m.advance(ctx, run, StatusTransferring, progress, fmt.Sprintf("transferring %s (%d/%d)", p.table, p.seq+1, p.total), func(s *LoadSession) {
			s.TransferredRecords = min(s.TransferredRecords+sentRows, s.TotalRecords)
			s.TransferredBytes += sentBytes
			s.EstimatedTimeRemaining = estimateRemaining(started, m.cfg.Now(), s.TransferredRecords, s.TotalRecords)
		})
	}
	if len(plan) == 0 {
		m.advance(ctx, run, StatusTransferring, 80, "nothing to transfer", nil)
	}

	if run.cancelled.Load() {
		return ErrCancelled
	}
	m.advance(ctx, run, StatusValidating, 85, "validating transfer", func(s *LoadSession) { s.EstimatedTimeRemaining = 0 })
	if !opts.VerifyChecksum {
		return nil
	}

	resp, err := m.cfg.Transport.ValidateTransfer(ctx, run.session.Target, ValidationRequest{
		SessionID:           run.session.SessionID,
		ExpectedChecksum:    snap.Checksum,
		ExpectedRecordCount: snap.TotalRecords,
		Tables:              opts.SelectedTables,
	})
	if err != nil {
		return fmt.Errorf("validate transfer: %w", err)
	}
	if !resp.Valid {
		return fmt.Errorf("%w: %s", ErrValidationFailed, resp.Error)
	}
	return nil
}

// sendWithRetry re-sends a chunk while the failure is transient. The receiver
// keys chunks by ID, so a duplicate delivery is harmless.
func (m *InitialLoadManager) sendWithRetry(ctx context.Context, run *loadRun, c *TransferChunk) (int, error) {
	backoff := m.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		size, err := m.send(ctx, run.session.Target, c)
		if err == nil || !errors.Is(err, ErrTransient) || attempt >= m.cfg.ChunkRetries {
			return size, err
		}
		m.logger.Warn().Err(err).
			Str("session_id", run.session.SessionID).
			Str("chunk_id", c.ChunkID).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("Chunk send failed, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-timer.C:
		}
		if run.cancelled.Load() {
			return 0, ErrCancelled
		}
		backoff *= 2
	}
}

func (m *InitialLoadManager) send(ctx context.Context, target Target, c *TransferChunk) (int, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return 0, err
	}
	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.ChunkTimeout)
	defer cancel()
	if err := m.cfg.Transport.SendChunk(sendCtx, target, c); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return 0, fmt.Errorf("%w: chunk %s timed out: %v", ErrTransient, c.ChunkID, err)
		}
		return 0, err
	}
	m.cfg.Metrics.ChunkSent(len(raw))
	return len(raw), nil
}

// buildChunks turns one planned batch into one or more chunks under the byte
// ceiling. Encrypted payloads are base64 encoded, so less plaintext fits.
func (m *InitialLoadManager) buildChunks(sessionID string, p chunkPlan, rows []Row, opts LoadOptions, key []byte) ([]*TransferChunk, error) {
	budget := m.cfg.MaxChunkBytes - 1024
	if opts.Encryption {
		budget = budget * 3 / 4
	}
	parts, err := splitRows(rows, budget)
	if err != nil {
		return nil, fmt.Errorf("%s chunk %d: %w", p.table, p.seq, err)
	}

	chunks := make([]*TransferChunk, 0, len(parts))
	for i, part := range parts {
		sum, err := CalculateDataChecksum(part)
		if err != nil {
			return nil, err
		}
		c := &TransferChunk{
			ChunkID:        fmt.Sprintf("%s:%s:%d:%d", sessionID, p.table, p.seq, i),
			SessionID:      sessionID,
			SourceNodeID:   m.cfg.NodeID,
			TableName:      p.table,
			SequenceNumber: p.seq,
			TotalChunks:    p.total,
			Part:           i,
			TotalParts:     len(parts),
			RecordCount:    len(part),
			Checksum:       sum,
		}
		if opts.Compression {
			raw, err := json.Marshal(part)
			if err != nil {
				return nil, err
			}
			c.CompressedSize = len(m.encoder.EncodeAll(raw, nil))
		}
		if opts.Encryption {
			if c.EncryptedData, err = security.EncryptData(part, key); err != nil {
				return nil, fmt.Errorf("encrypt chunk: %w", err)
			}
			c.IsEncrypted = true
		} else {
			c.Data = part
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// splitRows groups rows greedily so each group encodes to at most budget bytes.
func splitRows(rows []Row, budget int) ([][]Row, error) {
	if len(rows) == 0 {
		return [][]Row{{}}, nil
	}
	var (
		parts   [][]Row
		current []Row
		size    = 2
	)
	for _, r := range rows {
		raw, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		if len(raw)+2 > budget {
			return nil, fmt.Errorf("row of %d bytes exceeds chunk ceiling", len(raw))
		}
		if len(current) > 0 && size+len(raw)+1 > budget {
			parts = append(parts, current)
			current, size = nil, 2
		}
		current = append(current, r)
		size += len(raw) + 1
	}
	return append(parts, current), nil
}

func estimateRemaining(started, now time.Time, done, total int64) int64 {
	elapsed := now.Sub(started).Seconds()
	if done <= 0 || elapsed <= 0 || done >= total {
		return 0
	}
	rate := float64(done) / elapsed
	return int64(float64(total-done) / rate)
}

// advance moves a running session forward. Progress never goes backwards and
// a cancelled session keeps its status.
func (m *InitialLoadManager) advance(ctx context.Context, run *loadRun, status LoadStatus, progress int, step string, mutate func(*LoadSession)) {
	m.mu.Lock()
	if run.finalized {
		m.mu.Unlock()
		return
	}
	s := &run.session
	if !run.cancelled.Load() {
		s.Status = status
	}
	if progress > s.Progress {
		s.Progress = progress
	}
	s.CurrentStep = step
	if mutate != nil {
		mutate(s)
	}
	snapshot := *s
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	m.Progress.Publish(snapshot)
}

func (m *InitialLoadManager) finalize(run *loadRun, status LoadStatus, cause error) {
	now := m.cfg.Now()

	m.mu.Lock()
	if run.finalized {
		m.mu.Unlock()
		return
	}
	run.finalized = true
	s := &run.session
	s.Status = status
	s.CompletedAt = &now
	s.EstimatedTimeRemaining = 0
	switch status {
	case StatusCompleted:
		s.Progress = 100
		s.CurrentStep = "completed"
	case StatusCancelled:
		s.CurrentStep = "cancelled"
		s.ErrorMessage = cause.Error()
	default:
		s.CurrentStep = "failed"
		s.ErrorMessage = cause.Error()
	}
	snapshot := *s

	delete(m.active, s.SessionID)
	m.history[s.SessionID] = snapshot
	m.historyOrder = append(m.historyOrder, s.SessionID)
	for len(m.historyOrder) > m.cfg.HistoryLimit {
		delete(m.history, m.historyOrder[0])
		m.historyOrder = m.historyOrder[1:]
	}
	m.mu.Unlock()

	m.persist(context.Background(), snapshot)

	ev := m.logger.Info()
	if status == StatusFailed {
		ev = m.logger.Error().Str("error", snapshot.ErrorMessage)
	}
	ev.Str("session_id", snapshot.SessionID).
		Str("status", string(status)).
		Int64("records", snapshot.TransferredRecords).
		Int64("bytes", snapshot.TransferredBytes).
		Msg("Initial load finished")
	m.Progress.Publish(snapshot)
}

func (m *InitialLoadManager) persist(ctx context.Context, s LoadSession) {
	if m.cfg.Store == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := m.cfg.Store.SaveSession(ctx, s); err != nil {
		m.logger.Warn().Err(err).Str("session_id", s.SessionID).Msg("Failed to persist load session")
	}
}

// CancelSession marks a session cancelled. A running transfer stops after its
// current chunk; an idle or recovered session is finalized immediately.
func (m *InitialLoadManager) CancelSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	run, ok := m.active[sessionID]
	if !ok {
		_, done := m.history[sessionID]
		m.mu.Unlock()
		if done {
			return fmt.Errorf("%w: %s", ErrSessionTerminal, sessionID)
		}
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	run.cancelled.Store(true)
	run.session.Status = StatusCancelled
	run.session.CurrentStep = "cancellation requested"
	snapshot := run.session
	m.mu.Unlock()

	m.logger.Info().Str("session_id", sessionID).Msg("Initial load cancellation requested")
	m.persist(ctx, snapshot)
	if !run.running.Load() {
		m.finalize(run, StatusCancelled, ErrCancelled)
	}
	return nil
}

// GetSession returns an active or recently finished session.
func (m *InitialLoadManager) GetSession(sessionID string) (LoadSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run, ok := m.active[sessionID]; ok {
		return run.session, true
	}
	s, ok := m.history[sessionID]
	return s, ok
}

// ActiveSessions returns non-terminal sessions ordered by start time.
func (m *InitialLoadManager) ActiveSessions() []LoadSession {
	m.mu.Lock()
	out := make([]LoadSession, 0, len(m.active))
	for _, run := range m.active {
		out = append(out, run.session)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// History returns finished sessions, oldest first.
func (m *InitialLoadManager) History() []LoadSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LoadSession, 0, len(m.historyOrder))
	for _, id := range m.historyOrder {
		out = append(out, m.history[id])
	}
	return out
}

// Load recovers sessions that were not finished when the process stopped.
// They are listed as active and can be cancelled but are not resumed.
func (m *InitialLoadManager) Load(ctx context.Context) error {
	if m.cfg.Store == nil {
		return nil
	}
	sessions, err := m.cfg.Store.LoadActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	m.mu.Lock()
	for _, s := range sessions {
		if s.Status.Terminal() {
			continue
		}
		s.Recovered = true
		s.CurrentStep = "interrupted by restart"
		m.active[s.SessionID] = &loadRun{session: s}
	}
	m.mu.Unlock()

	if len(sessions) > 0 {
		m.logger.Warn().Int("sessions", len(sessions)).Msg("Recovered unfinished initial loads")
	}
	return nil
}

// Close stops running transfers and waits for them.
func (m *InitialLoadManager) Close() {
	m.cancel()
	m.wg.Wait()
	_ = m.encoder.Close()
}
