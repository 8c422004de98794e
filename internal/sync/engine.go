package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xelth-com/eckmesh/internal/events"
	"github.com/xelth-com/eckmesh/internal/mesh"
	"github.com/xelth-com/eckmesh/internal/metrics"
)

// PeerDirectory is the read side of discovery the engine needs.
type PeerDirectory interface {
	PeerSource
	Peers() []mesh.PeerInfo
}

// NodeRecorder mirrors discovered peers into durable node records.
type NodeRecorder interface {
	RecordPeer(ctx context.Context, peer mesh.PeerInfo, active bool) error
}

// EngineConfig wires the replication components together.
type EngineConfig struct {
	NodeID   string
	Priority Priority

	Queue    *OfflineQueue
	Applier  *EventApplier
	Loads    *InitialLoadManager
	Replicas ReplicaStore
	Peers    PeerDirectory
	Gate     SyncGate
	Nodes    NodeRecorder
	Metrics  *metrics.NodeMetrics

	Logger zerolog.Logger
	Now    func() time.Time
}

// SyncEngine is the node-level entry point: it turns local writes into
// queued events, applies remote ones and reacts to peer changes.
type SyncEngine struct {
	cfg    EngineConfig
	logger zerolog.Logger

	mu      sync.Mutex
	lamport int64

	unsubscribe []func()
}

// NewSyncEngine validates the wiring.
func NewSyncEngine(cfg EngineConfig) (*SyncEngine, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("sync engine: node id is required")
	}
	if cfg.Queue == nil || cfg.Applier == nil || cfg.Replicas == nil {
		return nil, errors.New("sync engine: queue, applier and replica store are required")
	}
	if cfg.Priority == PriorityUndefined {
		cfg.Priority = PriorityLocal
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SyncEngine{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "sync_engine").Logger(),
	}, nil
}

// Attach subscribes the engine to discovery and feeds component events into
// the metrics. Detach undoes it.
func (e *SyncEngine) Attach(peers *events.Topic[mesh.PeerEvent]) {
	m := e.cfg.Metrics
	subs := []func(){
		e.cfg.Queue.Events.Subscribe(func(ev QueueEvent) {
			switch ev.Kind {
			case QueueItemProcessed:
				m.QueueItem("processed")
				m.EventReplicated("out")
			case QueueItemFailed:
				m.QueueItem("failed")
			case QueueItemExhausted:
				m.QueueItem("exhausted")
			}
			m.SetQueueDepth(e.cfg.Queue.Stats().Pending)
		}),
	}
	if peers != nil {
		subs = append(subs, peers.Subscribe(e.HandlePeerEvent))
	}
	if e.cfg.Loads != nil {
		subs = append(subs, e.cfg.Loads.Progress.Subscribe(func(s LoadSession) {
			if s.Status.Terminal() && s.CompletedAt != nil {
				m.InitialLoadFinished(string(s.Status))
			}
		}))
	}

	e.mu.Lock()
	e.unsubscribe = append(e.unsubscribe, subs...)
	e.mu.Unlock()
}

// Detach removes every subscription made by Attach.
func (e *SyncEngine) Detach() {
	e.mu.Lock()
	subs := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()
	for _, unsub := range subs {
		unsub()
	}
}

// RecordLocalChange turns a local write into a SyncEvent and queues it.
func (e *SyncEngine) RecordLocalChange(ctx context.Context, table, recordID string, op Operation, change, before Row) (QueueItem, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	last, err := e.cfg.Replicas.LastApplied(ctx, table, recordID)
	if err != nil {
		return QueueItem{}, fmt.Errorf("load record clock: %w", err)
	}
	var clock VectorClock
	if last != nil {
		clock = last.VectorClock
		e.lamport = max(e.lamport, last.LamportClock)
	}
	e.lamport++

	event := &SyncEvent{
		EventID:      uuid.NewString(),
		SourceNodeID: e.cfg.NodeID,
		TableName:    table,
		RecordID:     recordID,
		Operation:    op,
		ChangeData:   change,
		BeforeData:   before,
		VectorClock:  clock.Tick(e.cfg.NodeID),
		LamportClock: e.lamport,
		Priority:     e.cfg.Priority,
		CreatedAt:    e.cfg.Now(),
	}
	if event.Checksum, err = CalculateDataChecksum(change); err != nil {
		return QueueItem{}, fmt.Errorf("checksum change: %w", err)
	}
	if err := event.Validate(); err != nil {
		return QueueItem{}, err
	}

	if err := e.cfg.Replicas.SaveApplied(ctx, event); err != nil {
		return QueueItem{}, fmt.Errorf("record local version: %w", err)
	}
	item, err := e.cfg.Queue.AddToQueue(ctx, event)
	if err != nil {
		return QueueItem{}, err
	}
	e.cfg.Metrics.EventReplicated("local")
	return item, nil
}

// ReceiveEvent applies an event pushed by a peer.
func (e *SyncEngine) ReceiveEvent(ctx context.Context, event *SyncEvent) (ApplyResult, error) {
	e.mu.Lock()
	e.lamport = max(e.lamport, event.LamportClock)
	e.mu.Unlock()

	res, err := e.cfg.Applier.Apply(ctx, event)
	if err != nil {
		return res, err
	}
	if res.Applied {
		e.cfg.Metrics.EventReplicated("in")
	}
	return res, nil
}

// LamportClock returns the node's current logical time.
func (e *SyncEngine) LamportClock() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lamport
}

// HandlePeerEvent keeps online status, node records and peer gauges in step
// with discovery.
func (e *SyncEngine) HandlePeerEvent(ev mesh.PeerEvent) {
	e.cfg.Metrics.PeerEvent(string(ev.Kind))

	if e.cfg.Nodes != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		active := ev.Kind != mesh.PeerGone && ev.Kind != mesh.PeerStale
		if err := e.cfg.Nodes.RecordPeer(ctx, ev.Peer, active); err != nil {
			e.logger.Warn().Err(err).Str("peer", ev.Peer.NodeID).Msg("Failed to record peer")
		}
		cancel()
	}

	if e.cfg.Peers == nil {
		return
	}
	authenticated := len(e.cfg.Peers.AuthenticatedPeers())
	e.cfg.Metrics.SetPeers(len(e.cfg.Peers.Peers()), authenticated)

	online := authenticated > 0
	if online != e.cfg.Queue.IsOnline() {
		e.logger.Info().Bool("online", online).Int("peers", authenticated).Msg("Connectivity changed")
	}
	e.cfg.Queue.SetOnlineStatus(online)
}

// StartInitialLoad pushes the local tables to the peer nodeID after checking
// that discovery knows it and its schema is compatible.
func (e *SyncEngine) StartInitialLoad(ctx context.Context, nodeID string, opts *LoadOptions) (string, error) {
	if e.cfg.Loads == nil {
		return "", errors.New("initial load is not configured")
	}
	peer, ok := e.findPeer(nodeID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrPeerUnavailable, nodeID)
	}
	if e.cfg.Gate != nil {
		if d := e.cfg.Gate.IsSyncAllowed(RemoteFromPeer(peer)); !d.Allowed {
			return "", fmt.Errorf("%w: %s", ErrSyncBlocked, d.Reason)
		}
	}
	return e.cfg.Loads.InitiateInitialLoad(ctx, Target{NodeID: peer.NodeID, BaseURL: peer.BaseURL()}, opts)
}

func (e *SyncEngine) findPeer(nodeID string) (mesh.PeerInfo, bool) {
	if e.cfg.Peers == nil {
		return mesh.PeerInfo{}, false
	}
	for _, p := range e.cfg.Peers.AuthenticatedPeers() {
		if p.NodeID == nodeID {
			return p, true
		}
	}
	return mesh.PeerInfo{}, false
}
