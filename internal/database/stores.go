package database

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xelth-com/eckmesh/internal/mesh"
	"github.com/xelth-com/eckmesh/internal/models"
	"github.com/xelth-com/eckmesh/internal/schema"
	"github.com/xelth-com/eckmesh/internal/security"
	"github.com/xelth-com/eckmesh/internal/sync"
)

func decodeJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

func upsert(ctx context.Context, db *DB, row any) error {
	return withRetry(func() error {
		return db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
	})
}

// QueueStore persists offline queue items in sync_queue.
type QueueStore struct{ db *DB }

func NewQueueStore(db *DB) *QueueStore { return &QueueStore{db: db} }

func (s *QueueStore) SaveQueueItem(ctx context.Context, item sync.QueueItem) error {
	event, err := json.Marshal(item.Event)
	if err != nil {
		return err
	}
	deps, err := json.Marshal(item.Dependencies)
	if err != nil {
		return err
	}
	row := models.SyncQueue{
		ID:           item.ID,
		EventID:      item.Event.EventID,
		EntityTable:  item.Event.TableName,
		RecordID:     item.Event.RecordID,
		Operation:    string(item.Event.Operation),
		Priority:     int(item.Event.Priority),
		Event:        datatypes.JSON(event),
		Dependencies: datatypes.JSON(deps),
		QueuedAt:     item.QueuedAt,
		RetryCount:   item.RetryCount,
		LastAttempt:  item.LastAttempt,
		ErrorMessage: item.ErrorMessage,
		IsProcessed:  item.IsProcessed,
		ProcessedAt:  item.ProcessedAt,
	}
	return upsert(ctx, s.db, &row)
}

func (s *QueueStore) LoadQueueItems(ctx context.Context) ([]sync.QueueItem, error) {
	var rows []models.SyncQueue
	if err := s.db.WithContext(ctx).Order("queued_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	items := make([]sync.QueueItem, 0, len(rows))
	for _, r := range rows {
		item := sync.QueueItem{
			ID:           r.ID,
			QueuedAt:     r.QueuedAt,
			RetryCount:   r.RetryCount,
			LastAttempt:  r.LastAttempt,
			ErrorMessage: r.ErrorMessage,
			IsProcessed:  r.IsProcessed,
			ProcessedAt:  r.ProcessedAt,
			Dependencies: []string{},
		}
		item.Event = &sync.SyncEvent{}
		if err := decodeJSON(r.Event, item.Event); err != nil {
			return nil, fmt.Errorf("decode queue item %s: %w", r.ID, err)
		}
		if err := decodeJSON(r.Dependencies, &item.Dependencies); err != nil {
			return nil, fmt.Errorf("decode dependencies of %s: %w", r.ID, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *QueueStore) DeleteQueueItems(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return withRetry(func() error {
		return s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.SyncQueue{}).Error
	})
}

// LoadStore persists initial load sessions and snapshots.
type LoadStore struct{ db *DB }

func NewLoadStore(db *DB) *LoadStore { return &LoadStore{db: db} }

func (s *LoadStore) SaveSession(ctx context.Context, sess sync.LoadSession) error {
	opts, err := json.Marshal(sess.Options)
	if err != nil {
		return err
	}
	row := models.InitialLoadSession{
		SessionID:              sess.SessionID,
		SourceNodeID:           sess.SourceNodeID,
		TargetNodeID:           sess.TargetNodeID,
		Status:                 string(sess.Status),
		Progress:               float64(sess.Progress),
		CurrentStep:            sess.CurrentStep,
		TotalRecords:           sess.TotalRecords,
		TransferredRecords:     sess.TransferredRecords,
		TransferredBytes:       sess.TransferredBytes,
		EstimatedTimeRemaining: sess.EstimatedTimeRemaining,
		SnapshotID:             sess.SnapshotID,
		Options:                datatypes.JSON(opts),
		ErrorMessage:           sess.ErrorMessage,
		StartedAt:              sess.StartedAt,
		CompletedAt:            sess.CompletedAt,
	}
	return upsert(ctx, s.db, &row)
}

// LoadActiveSessions returns sessions that never reached a terminal state.
func (s *LoadStore) LoadActiveSessions(ctx context.Context) ([]sync.LoadSession, error) {
	terminal := []string{string(sync.StatusCompleted), string(sync.StatusCancelled), string(sync.StatusFailed)}
	var rows []models.InitialLoadSession
	if err := s.db.WithContext(ctx).Where("status NOT IN ?", terminal).Order("started_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]sync.LoadSession, 0, len(rows))
	for _, r := range rows {
		sess := sync.LoadSession{
			SessionID:              r.SessionID,
			SourceNodeID:           r.SourceNodeID,
			TargetNodeID:           r.TargetNodeID,
			Target:                 sync.Target{NodeID: r.TargetNodeID},
			Status:                 sync.LoadStatus(r.Status),
			Progress:               int(r.Progress),
			CurrentStep:            r.CurrentStep,
			TotalRecords:           r.TotalRecords,
			TransferredRecords:     r.TransferredRecords,
			TransferredBytes:       r.TransferredBytes,
			EstimatedTimeRemaining: r.EstimatedTimeRemaining,
			SnapshotID:             r.SnapshotID,
			ErrorMessage:           r.ErrorMessage,
			StartedAt:              r.StartedAt,
			CompletedAt:            r.CompletedAt,
		}
		if err := decodeJSON(r.Options, &sess.Options); err != nil {
			return nil, fmt.Errorf("decode options of %s: %w", r.SessionID, err)
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *LoadStore) SaveSnapshot(ctx context.Context, snap sync.DataSnapshot) error {
	tables, err := json.Marshal(snap.Tables)
	if err != nil {
		return err
	}
	row := models.DataSnapshot{
		SnapshotID:   snap.SnapshotID,
		NodeID:       snap.NodeID,
		Tables:       datatypes.JSON(tables),
		TotalRecords: snap.TotalRecords,
		TotalSize:    snap.TotalSize,
		Checksum:     snap.Checksum,
		CreatedAt:    snap.CreatedAt,
	}
	return upsert(ctx, s.db, &row)
}

// ReplicaStore keeps the last applied version of each replicated record.
type ReplicaStore struct{ db *DB }

func NewReplicaStore(db *DB) *ReplicaStore { return &ReplicaStore{db: db} }

func (s *ReplicaStore) LastApplied(ctx context.Context, table, recordID string) (*sync.SyncEvent, error) {
	var row models.ReplicatedRecord
	err := s.db.WithContext(ctx).
		Where("entity_table = ? AND record_id = ?", table, recordID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ev := &sync.SyncEvent{
		EventID:      row.EventID,
		SourceNodeID: row.SourceNodeID,
		TableName:    row.EntityTable,
		RecordID:     row.RecordID,
		Operation:    sync.Operation(row.Operation),
		LamportClock: row.LamportClock,
		Priority:     sync.Priority(row.Priority),
		CreatedAt:    row.EventCreatedAt,
	}
	if err := decodeJSON(row.Data, &ev.ChangeData); err != nil {
		return nil, fmt.Errorf("decode record data: %w", err)
	}
	if err := decodeJSON(row.VectorClock, &ev.VectorClock); err != nil {
		return nil, fmt.Errorf("decode vector clock: %w", err)
	}
	return ev, nil
}

func (s *ReplicaStore) SaveApplied(ctx context.Context, ev *sync.SyncEvent) error {
	data, err := json.Marshal(ev.ChangeData)
	if err != nil {
		return err
	}
	clock, err := json.Marshal(ev.VectorClock)
	if err != nil {
		return err
	}
	row := models.ReplicatedRecord{
		EntityTable:    ev.TableName,
		RecordID:       ev.RecordID,
		EventID:        ev.EventID,
		SourceNodeID:   ev.SourceNodeID,
		Operation:      string(ev.Operation),
		Data:           datatypes.JSON(data),
		VectorClock:    datatypes.JSON(clock),
		LamportClock:   ev.LamportClock,
		Priority:       int(ev.Priority),
		Deleted:        ev.Operation == sync.OpDelete,
		EventCreatedAt: ev.CreatedAt,
	}
	return upsert(ctx, s.db, &row)
}

// NodeStore maintains sync_nodes for schema publication and discovery.
type NodeStore struct {
	db  *DB
	now func() time.Time
}

func NewNodeStore(db *DB) *NodeStore { return &NodeStore{db: db, now: time.Now} }

// PublishSchema implements schema.NodeStore for the local node row.
func (s *NodeStore) PublishSchema(ctx context.Context, nodeID string, v schema.SchemaVersion) error {
	row := models.SyncNode{
		NodeID:          nodeID,
		SchemaVersion:   v.Version,
		SchemaHash:      v.Hash,
		MigrationName:   v.MigrationName,
		SchemaAppliedAt: v.AppliedAt,
		IsSelf:          true,
		IsActive:        true,
		LastSeen:        s.now().UTC(),
	}
	return withRetry(func() error {
		return s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "node_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"schema_version", "schema_hash", "migration_name", "schema_applied_at",
				"is_self", "is_active", "last_seen", "updated_at",
			}),
		}).Create(&row).Error
	})
}

// ActiveNodes implements schema.NodeStore. The local row is excluded.
func (s *NodeStore) ActiveNodes(ctx context.Context) ([]schema.RemoteNode, error) {
	var rows []models.SyncNode
	if err := s.db.WithContext(ctx).Where("is_active = ? AND is_self = ?", true, false).Order("node_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]schema.RemoteNode, len(rows))
	for i, r := range rows {
		out[i] = schema.RemoteNode{
			NodeID:        r.NodeID,
			NodeName:      r.NodeName,
			SchemaVersion: r.SchemaVersion,
			SchemaHash:    r.SchemaHash,
			IsActive:      r.IsActive,
			LastSeen:      r.LastSeen,
		}
	}
	return out, nil
}

// RecordPeer mirrors a discovered peer. Schema columns are only overwritten
// when the peer advertised them.
func (s *NodeStore) RecordPeer(ctx context.Context, p mesh.PeerInfo, active bool) error {
	caps, err := json.Marshal(p.Capabilities)
	if err != nil {
		return err
	}
	row := models.SyncNode{
		NodeID:          p.NodeID,
		NodeName:        p.NodeName,
		Address:         p.IPAddress,
		Port:            p.Port,
		Capabilities:    datatypes.JSON(caps),
		SchemaVersion:   p.SchemaVersion,
		SchemaHash:      p.SchemaHash,
		IsActive:        active,
		IsAuthenticated: p.IsAuthenticated,
		LastSeen:        p.LastSeen,
	}
	columns := []string{"node_name", "address", "port", "capabilities", "is_active", "is_authenticated", "last_seen", "updated_at"}
	if p.SchemaVersion != "" || p.SchemaHash != "" {
		columns = append(columns, "schema_version", "schema_hash")
	}
	return withRetry(func() error {
		return s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "node_id"}},
			DoUpdates: clause.AssignmentColumns(columns),
		}).Create(&row).Error
	})
}

// AuditStore is the durable security.AuditSink.
type AuditStore struct{ db *DB }

func NewAuditStore(db *DB) *AuditStore { return &AuditStore{db: db} }

func (s *AuditStore) RecordAudit(ctx context.Context, ev security.AuditEvent) error {
	row := models.SecurityAuditLog{
		ID:        ev.ID,
		Event:     ev.Event,
		NodeID:    ev.NodeID,
		SessionID: ev.SessionID,
		Success:   ev.Success,
		Detail:    ev.Detail,
		Timestamp: ev.Timestamp,
	}
	return withRetry(func() error { return s.db.WithContext(ctx).Create(&row).Error })
}

// Recent returns the newest persisted audit events first.
func (s *AuditStore) Recent(ctx context.Context, limit int) ([]security.AuditEvent, error) {
	var rows []models.SecurityAuditLog
	if err := s.db.WithContext(ctx).Order("timestamp DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]security.AuditEvent, len(rows))
	for i, r := range rows {
		out[i] = security.AuditEvent{
			ID: r.ID, Event: r.Event, NodeID: r.NodeID, SessionID: r.SessionID,
			Success: r.Success, Detail: r.Detail, Timestamp: r.Timestamp,
		}
	}
	return out, nil
}
