package models

import (
	"time"

	"gorm.io/datatypes"
)

// SyncNode is the durable peer record for every node this installation has
// seen, including itself. Remote nodes read schema information from here.
type SyncNode struct {
	NodeID          string         `gorm:"primaryKey;type:varchar(64)" json:"nodeId"`
	NodeName        string         `gorm:"type:varchar(255)" json:"nodeName"`
	Address         string         `gorm:"type:varchar(255)" json:"address"`
	Port            int            `json:"port"`
	Capabilities    datatypes.JSON `json:"capabilities"`
	SchemaVersion   string         `gorm:"type:varchar(50)" json:"schemaVersion"`
	SchemaHash      string         `gorm:"type:varchar(64)" json:"schemaHash"`
	MigrationName   string         `gorm:"type:varchar(255)" json:"migrationName"`
	SchemaAppliedAt *time.Time     `json:"schemaAppliedAt,omitempty"`
	IsSelf          bool           `gorm:"default:false;index" json:"isSelf"`
	IsActive        bool           `gorm:"index" json:"isActive"`
	IsAuthenticated bool           `gorm:"default:false" json:"isAuthenticated"`
	LastSeen        time.Time      `gorm:"index" json:"lastSeen"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// TableName specifies the table name
func (SyncNode) TableName() string {
	return "sync_nodes"
}

// SyncQueue is the durable form of an offline queue item
type SyncQueue struct {
	ID           string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	EventID      string         `gorm:"type:varchar(64);not null;index" json:"eventId"`
	EntityTable  string         `gorm:"column:entity_table;type:varchar(100);not null;index:idx_queue_record" json:"tableName"`
	RecordID     string         `gorm:"type:varchar(255);not null;index:idx_queue_record" json:"recordId"`
	Operation    string         `gorm:"type:varchar(20);not null" json:"operation"`
	Priority     int            `gorm:"default:0;index:idx_queue_order" json:"priority"`
	Event        datatypes.JSON `gorm:"not null" json:"event"`
	Dependencies datatypes.JSON `json:"dependencies"`
	QueuedAt     time.Time      `gorm:"not null;index:idx_queue_order" json:"queuedAt"`
	RetryCount   int            `gorm:"default:0" json:"retryCount"`
	LastAttempt  *time.Time     `json:"lastAttempt,omitempty"`
	ErrorMessage string         `gorm:"type:text" json:"errorMessage,omitempty"`
	IsProcessed  bool           `gorm:"default:false;index" json:"isProcessed"`
	ProcessedAt  *time.Time     `json:"processedAt,omitempty"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// TableName specifies the table name
func (SyncQueue) TableName() string {
	return "sync_queue"
}

// InitialLoadSession persists load session state for crash recovery
type InitialLoadSession struct {
	SessionID              string         `gorm:"primaryKey;type:varchar(64)" json:"sessionId"`
	SourceNodeID           string         `gorm:"type:varchar(64);not null" json:"sourceNodeId"`
	TargetNodeID           string         `gorm:"type:varchar(64);not null;index" json:"targetNodeId"`
	Status                 string         `gorm:"type:varchar(20);not null;index" json:"status"`
	Progress               float64        `json:"progress"`
	CurrentStep            string         `gorm:"type:varchar(255)" json:"currentStep"`
	TotalRecords           int64          `json:"totalRecords"`
	TransferredRecords     int64          `json:"transferredRecords"`
	TransferredBytes       int64          `json:"transferredBytes"`
	EstimatedTimeRemaining int64          `json:"estimatedTimeRemaining"`
	SnapshotID             string         `gorm:"type:varchar(64)" json:"snapshotId"`
	Options                datatypes.JSON `json:"options"`
	ErrorMessage           string         `gorm:"type:text" json:"errorMessage,omitempty"`
	StartedAt              time.Time      `json:"startedAt"`
	CompletedAt            *time.Time     `json:"completedAt,omitempty"`
	UpdatedAt              time.Time      `json:"updatedAt"`
}

// TableName specifies the table name
func (InitialLoadSession) TableName() string {
	return "initial_load_sessions"
}

// DataSnapshot stores snapshot metadata taken before an initial load
type DataSnapshot struct {
	SnapshotID   string         `gorm:"primaryKey;type:varchar(64)" json:"snapshotId"`
	NodeID       string         `gorm:"type:varchar(64);not null" json:"nodeId"`
	Tables       datatypes.JSON `gorm:"not null" json:"tables"`
	TotalRecords int64          `json:"totalRecords"`
	TotalSize    int64          `json:"totalSize"`
	Checksum     string         `gorm:"type:varchar(64);not null" json:"checksum"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// TableName specifies the table name
func (DataSnapshot) TableName() string {
	return "data_snapshots"
}

// ReplicatedRecord keeps the last applied version of every replicated row so
// incoming events can be ordered against it.
type ReplicatedRecord struct {
	EntityTable    string         `gorm:"column:entity_table;primaryKey;type:varchar(100)" json:"tableName"`
	RecordID       string         `gorm:"primaryKey;type:varchar(255)" json:"recordId"`
	EventID        string         `gorm:"type:varchar(64);not null" json:"eventId"`
	SourceNodeID   string         `gorm:"type:varchar(64)" json:"sourceNodeId"`
	Operation      string         `gorm:"type:varchar(20)" json:"operation"`
	Data           datatypes.JSON `json:"data"`
	VectorClock    datatypes.JSON `json:"vectorClock"`
	LamportClock   int64          `json:"lamportClock"`
	Priority       int            `json:"priority"`
	Deleted        bool           `gorm:"default:false" json:"deleted"`
	EventCreatedAt time.Time      `json:"eventCreatedAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// TableName specifies the table name
func (ReplicatedRecord) TableName() string {
	return "replicated_records"
}
