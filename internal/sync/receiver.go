package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xelth-com/eckmesh/internal/events"
	"github.com/xelth-com/eckmesh/internal/metrics"
	"github.com/xelth-com/eckmesh/internal/security"
)

// ReceiverConfig configures an InitialLoadReceiver.
type ReceiverConfig struct {
	CoreTables []string
	Source     TableSource
	Sink       RowSink
	Keys       TransferKeys
	Metrics    *metrics.NodeMetrics
	Logger     zerolog.Logger
	Now        func() time.Time
}

// ChunkReceipt is published for every chunk applied locally.
type ChunkReceipt struct {
	SessionID string `json:"session_id"`
	ChunkID   string `json:"chunk_id"`
	TableName string `json:"table_name"`
	Records   int    `json:"records"`
	Total     int64  `json:"total_received"`
}

type inboundSession struct {
	source   string
	chunks   map[string]bool
	tables   map[string]bool
	records  int64
	lastSeen time.Time
}

// InitialLoadReceiver is the target side of an initial load.
type InitialLoadReceiver struct {
	cfg    ReceiverConfig
	logger zerolog.Logger
	tables map[string]bool

	mu       sync.Mutex
	sessions map[string]*inboundSession

	Received events.Topic[ChunkReceipt]
}

// NewInitialLoadReceiver creates a receiver. Source and Sink are required.
func NewInitialLoadReceiver(cfg ReceiverConfig) (*InitialLoadReceiver, error) {
	if cfg.Source == nil || cfg.Sink == nil {
		return nil, errors.New("initial load receiver: table source and sink are required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	tables := make(map[string]bool, len(cfg.CoreTables))
	for _, t := range cfg.CoreTables {
		tables[t] = true
	}
	return &InitialLoadReceiver{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "initial_load_receiver").Logger(),
		tables:   tables,
		sessions: make(map[string]*inboundSession),
	}, nil
}

// HandleChunk verifies and applies one chunk. A chunk id seen before is
// acknowledged as a duplicate without touching the store.
func (r *InitialLoadReceiver) HandleChunk(ctx context.Context, chunk *TransferChunk) (resp ChunkResponse, err error) {
	defer func() { r.cfg.Metrics.ChunkReceived(err == nil) }()

	if err := validate.Struct(chunk); err != nil {
		return ChunkResponse{}, fmt.Errorf("invalid chunk: %w", err)
	}
	if !r.tables[chunk.TableName] {
		return ChunkResponse{}, fmt.Errorf("%w: %s", ErrUnknownTable, chunk.TableName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sess := r.sessions[chunk.SessionID]
	if sess == nil {
		sess = &inboundSession{source: chunk.SourceNodeID, chunks: make(map[string]bool), tables: make(map[string]bool)}
		r.sessions[chunk.SessionID] = sess
	}
	sess.lastSeen = r.cfg.Now()
	if sess.chunks[chunk.ChunkID] {
		return ChunkResponse{Success: true, Duplicate: true}, nil
	}

	rows, err := r.rows(chunk)
	if err != nil {
		return ChunkResponse{}, err
	}
	sum, err := CalculateDataChecksum(rows)
	if err != nil {
		return ChunkResponse{}, err
	}
	if sum != chunk.Checksum {
		r.logger.Warn().Str("session_id", chunk.SessionID).Str("chunk_id", chunk.ChunkID).Msg("Chunk checksum mismatch")
		return ChunkResponse{}, fmt.Errorf("%w: chunk %s", ErrChecksumMismatch, chunk.ChunkID)
	}
	if len(rows) != chunk.RecordCount {
		return ChunkResponse{}, fmt.Errorf("%w: chunk %s carries %d rows, header says %d", ErrRecordCountMismatch, chunk.ChunkID, len(rows), chunk.RecordCount)
	}

	if len(rows) > 0 {
		if err := r.cfg.Sink.UpsertRows(ctx, chunk.TableName, rows); err != nil {
			return ChunkResponse{}, fmt.Errorf("apply chunk %s: %w", chunk.ChunkID, err)
		}
	}
	sess.chunks[chunk.ChunkID] = true
	sess.tables[chunk.TableName] = true
	sess.records += int64(len(rows))

	r.logger.Debug().
		Str("session_id", chunk.SessionID).
		Str("table", chunk.TableName).
		Int("sequence", chunk.SequenceNumber).
		Int("records", len(rows)).
		Msg("Chunk applied")
	r.Received.Publish(ChunkReceipt{
		SessionID: chunk.SessionID,
		ChunkID:   chunk.ChunkID,
		TableName: chunk.TableName,
		Records:   len(rows),
		Total:     sess.records,
	})
	return ChunkResponse{Success: true}, nil
}

func (r *InitialLoadReceiver) rows(chunk *TransferChunk) ([]Row, error) {
	if !chunk.IsEncrypted {
		if chunk.Data == nil {
			return []Row{}, nil
		}
		return chunk.Data, nil
	}
	if chunk.EncryptedData == nil {
		return nil, fmt.Errorf("chunk %s is marked encrypted but has no payload", chunk.ChunkID)
	}
	if r.cfg.Keys == nil {
		return nil, errors.New("encrypted chunk received but no transfer key source configured")
	}
	key, err := r.cfg.Keys.DeriveTransferKey(chunk.SessionID)
	if err != nil {
		return nil, fmt.Errorf("derive transfer key: %w", err)
	}
	plain, err := security.DecryptData(chunk.EncryptedData, key)
	if err != nil {
		return nil, fmt.Errorf("decrypt chunk %s: %w", chunk.ChunkID, err)
	}
	dec := json.NewDecoder(bytes.NewReader(plain))
	dec.UseNumber()
	var rows []Row
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode chunk %s: %w", chunk.ChunkID, err)
	}
	if rows == nil {
		rows = []Row{}
	}
	return rows, nil
}

// HandleValidate compares what this node received against the sender's
// snapshot. A mismatch is reported in the response, not as an error.
func (r *InitialLoadReceiver) HandleValidate(ctx context.Context, req ValidationRequest) (*ValidationResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid validation request: %w", err)
	}

	r.mu.Lock()
	var received int64
	tables := append([]string(nil), req.Tables...)
	if sess := r.sessions[req.SessionID]; sess != nil {
		received = sess.records
		if len(tables) == 0 {
			for t := range sess.tables {
				tables = append(tables, t)
			}
		}
	}
	r.mu.Unlock()

	resp := &ValidationResponse{ReceivedCount: received}
	if received != req.ExpectedRecordCount {
		resp.Error = fmt.Errorf("%w: expected %d, received %d", ErrRecordCountMismatch, req.ExpectedRecordCount, received).Error()
		r.logger.Warn().Str("session_id", req.SessionID).Msg(resp.Error)
		return resp, nil
	}

	sort.Strings(tables)
	snaps := make([]TableSnapshot, 0, len(tables))
	for _, t := range tables {
		if !r.tables[t] {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTable, t)
		}
		ts, err := snapshotTable(ctx, r.cfg.Source, t)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, ts)
	}
	resp.ActualChecksum = snapshotChecksum(snaps)
	if resp.ActualChecksum != req.ExpectedChecksum {
		resp.Error = fmt.Errorf("%w: local snapshot differs", ErrChecksumMismatch).Error()
		r.logger.Warn().Str("session_id", req.SessionID).Msg(resp.Error)
		return resp, nil
	}

	resp.Valid = true
	r.logger.Info().Str("session_id", req.SessionID).Int64("records", received).Msg("Initial load validated")
	return resp, nil
}

// ReceivedRecords reports how many rows a session has delivered so far.
func (r *InitialLoadReceiver) ReceivedRecords(sessionID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess := r.sessions[sessionID]; sess != nil {
		return sess.records
	}
	return 0
}

// Forget drops bookkeeping for sessions idle longer than maxIdle.
func (r *InitialLoadReceiver) Forget(maxIdle time.Duration) int {
	cutoff := r.cfg.Now().Add(-maxIdle)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, s := range r.sessions {
		if s.lastSeen.Before(cutoff) {
			delete(r.sessions, id)
			n++
		}
	}
	return n
}
