package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/xelth-com/eckmesh/internal/events"
)

// ReplicaStore remembers the last event applied to each record.
type ReplicaStore interface {
	// LastApplied returns nil without error for a record never seen.
	LastApplied(ctx context.Context, table, recordID string) (*SyncEvent, error)
	SaveApplied(ctx context.Context, event *SyncEvent) error
}

// ApplyResult reports what happened to an incoming event.
type ApplyResult struct {
	EventID    string             `json:"event_id"`
	Applied    bool               `json:"applied"`
	Duplicate  bool               `json:"duplicate,omitempty"`
	Resolution ConflictResolution `json:"resolution"`
}

// ApplierConfig configures an EventApplier.
type ApplierConfig struct {
	Tables   []string
	Replicas ReplicaStore
	Sink     RowSink
	Resolver ConflictResolver
	Logger   zerolog.Logger
}

// EventApplier applies changes received from peers, resolving conflicts
// against the last applied version of the same record.
type EventApplier struct {
	cfg    ApplierConfig
	logger zerolog.Logger
	tables map[string]bool
	mu     sync.Mutex

	// Applied fires for every event that changed local state.
	Applied events.Topic[*SyncEvent]
}

// NewEventApplier creates an applier. Resolver defaults to PriorityResolver.
func NewEventApplier(cfg ApplierConfig) (*EventApplier, error) {
	if cfg.Replicas == nil || cfg.Sink == nil {
		return nil, errors.New("event applier: replica store and row sink are required")
	}
	if cfg.Resolver == nil {
		cfg.Resolver = NewConflictResolver()
	}
	tables := make(map[string]bool, len(cfg.Tables))
	for _, t := range cfg.Tables {
		tables[t] = true
	}
	return &EventApplier{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "event_applier").Logger(),
		tables: tables,
	}, nil
}

// Apply validates event and writes it unless the local version wins.
func (a *EventApplier) Apply(ctx context.Context, event *SyncEvent) (ApplyResult, error) {
	if err := event.Validate(); err != nil {
		return ApplyResult{}, err
	}
	if len(a.tables) > 0 && !a.tables[event.TableName] {
		return ApplyResult{}, fmt.Errorf("%w: %s", ErrUnknownTable, event.TableName)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	local, err := a.cfg.Replicas.LastApplied(ctx, event.TableName, event.RecordID)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("load applied version: %w", err)
	}
	res := a.cfg.Resolver.Resolve(local, event)
	result := ApplyResult{EventID: event.EventID, Resolution: res, Duplicate: res.Strategy == ConflictDuplicate}
	if !res.RemoteWins {
		a.logger.Debug().
			Str("event_id", event.EventID).
			Str("record", event.Key()).
			Str("strategy", string(res.Strategy)).
			Msg("Incoming change lost conflict")
		return result, nil
	}

	if event.Operation == OpDelete {
		err = a.cfg.Sink.DeleteRows(ctx, event.TableName, []string{event.RecordID})
	} else {
		err = a.cfg.Sink.UpsertRows(ctx, event.TableName, []Row{rowWithID(event.ChangeData, event.RecordID)})
	}
	if err != nil {
		return ApplyResult{}, fmt.Errorf("apply %s: %w", event.Key(), err)
	}

	if local != nil {
		merged := *event
		merged.VectorClock = event.VectorClock.Merge(local.VectorClock)
		event = &merged
	}
	if err := a.cfg.Replicas.SaveApplied(ctx, event); err != nil {
		return ApplyResult{}, fmt.Errorf("record applied version: %w", err)
	}

	result.Applied = true
	a.logger.Debug().
		Str("event_id", event.EventID).
		Str("record", event.Key()).
		Str("source", event.SourceNodeID).
		Msg("Applied remote change")
	a.Applied.Publish(event)
	return result, nil
}

func rowWithID(data Row, id string) Row {
	row := make(Row, len(data)+1)
	for k, v := range data {
		row[k] = v
	}
	if _, ok := row["id"]; !ok {
		row["id"] = id
	}
	return row
}
