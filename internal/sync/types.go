package sync

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Operation is the kind of change carried by a SyncEvent.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// ParseOperation accepts the wire spelling of an operation.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case OpCreate, OpUpdate, OpDelete:
		return op, nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// Priority ranks the origin of a change when clocks cannot order it
type Priority int

const (
	PriorityPhysical  Priority = 100 // Physical scanning/action
	PriorityLocal     Priority = 80  // Local server
	PriorityRegional  Priority = 60  // Regional server
	PriorityGlobal    Priority = 40  // Global web server
	PriorityExternal  Priority = 20  // External API
	PriorityUndefined Priority = 0   // Unknown source
)

// Row is one table row keyed by column name.
type Row = map[string]any

// SyncEvent is one local change as it travels through the queue and the
// wire. It is never mutated after creation.
type SyncEvent struct {
	EventID      string            `json:"event_id" validate:"required"`
	SourceNodeID string            `json:"source_node_id" validate:"required"`
	TableName    string            `json:"table_name" validate:"required"`
	RecordID     string            `json:"record_id" validate:"required"`
	Operation    Operation         `json:"operation" validate:"oneof=CREATE UPDATE DELETE"`
	ChangeData   Row               `json:"change_data,omitempty"`
	BeforeData   Row               `json:"before_data,omitempty"`
	VectorClock  VectorClock       `json:"vector_clock"`
	LamportClock int64             `json:"lamport_clock" validate:"min=0"`
	Checksum     string            `json:"checksum,omitempty"`
	Priority     Priority          `json:"priority"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Key identifies the record an event targets.
func (e *SyncEvent) Key() string {
	return e.TableName + "/" + e.RecordID
}

// Validate checks required fields, the clock and, when present, that the
// checksum matches ChangeData.
func (e *SyncEvent) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := e.VectorClock.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if e.Operation != OpDelete && len(e.ChangeData) == 0 {
		return fmt.Errorf("%w: %s without change data", ErrInvalidEvent, e.Operation)
	}
	if e.Checksum != "" {
		sum, err := CalculateDataChecksum(e.ChangeData)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		if sum != e.Checksum {
			return fmt.Errorf("%w: event %s", ErrChecksumMismatch, e.EventID)
		}
	}
	return nil
}
