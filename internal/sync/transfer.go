package sync

import (
	"context"
	"time"

	"github.com/xelth-com/eckmesh/internal/security"
)

// MaxChunkBytes is the ceiling for one serialized chunk.
const MaxChunkBytes = 5 << 20

// Target is the peer an initial load is sent to.
type Target struct {
	NodeID  string `json:"node_id" validate:"required"`
	BaseURL string `json:"base_url" validate:"required,url"`
}

// TableSnapshot describes one table in a DataSnapshot. DataSize is an
// estimate extrapolated from a small sample of rows.
type TableSnapshot struct {
	TableName    string     `json:"table_name"`
	RecordCount  int64      `json:"record_count"`
	DataSize     int64      `json:"data_size"`
	LastModified *time.Time `json:"last_modified,omitempty"`
}

// DataSnapshot fingerprints the replicated tables at one point in time.
type DataSnapshot struct {
	SnapshotID   string          `json:"snapshot_id"`
	NodeID       string          `json:"node_id"`
	CreatedAt    time.Time       `json:"created_at"`
	Tables       []TableSnapshot `json:"tables"`
	TotalRecords int64           `json:"total_records"`
	TotalSize    int64           `json:"total_size"`
	Checksum     string          `json:"checksum"`
}

// TransferChunk carries one batch of rows. Oversized batches are split into
// parts so that each chunk stays under MaxChunkBytes.
type TransferChunk struct {
	ChunkID        string                     `json:"chunk_id" validate:"required"`
	SessionID      string                     `json:"session_id" validate:"required"`
	SourceNodeID   string                     `json:"source_node_id"`
	TableName      string                     `json:"table_name" validate:"required"`
	SequenceNumber int                        `json:"sequence_number" validate:"min=0"`
	TotalChunks    int                        `json:"total_chunks" validate:"min=1"`
	Part           int                        `json:"part"`
	TotalParts     int                        `json:"total_parts" validate:"min=1"`
	RecordCount    int                        `json:"record_count" validate:"min=0"`
	Data           []Row                      `json:"data,omitempty"`
	EncryptedData  *security.EncryptedPayload `json:"encrypted_data,omitempty"`
	Checksum       string                     `json:"checksum" validate:"required"`
	IsEncrypted    bool                       `json:"is_encrypted"`
	CompressedSize int                        `json:"compressed_size,omitempty"`
}

// ValidationRequest asks the target to confirm what it received.
type ValidationRequest struct {
	SessionID           string   `json:"session_id" validate:"required"`
	ExpectedChecksum    string   `json:"expected_checksum" validate:"required"`
	ExpectedRecordCount int64    `json:"expected_record_count" validate:"min=0"`
	Tables              []string `json:"tables"`
}

// ValidationResponse is the target's verdict.
type ValidationResponse struct {
	Valid          bool   `json:"valid"`
	Error          string `json:"error,omitempty"`
	ReceivedCount  int64  `json:"received_count"`
	ActualChecksum string `json:"actual_checksum,omitempty"`
}

// ChunkResponse acknowledges a chunk.
type ChunkResponse struct {
	Success   bool   `json:"success"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

// LoadRequest asks the receiving node to push an initial load to the requester.
type LoadRequest struct {
	RequestingNodeID   string   `json:"requesting_node_id" validate:"required"`
	SelectedTables     []string `json:"selected_tables"`
	CompressionEnabled *bool    `json:"compression_enabled,omitempty"`
	EncryptionEnabled  *bool    `json:"encryption_enabled,omitempty"`
}

// LoadResponse answers a LoadRequest.
type LoadResponse struct {
	SessionID string `json:"session_id"`
}

// SessionResponse answers a peer that opened a session.
type SessionResponse struct {
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ChunkTransport delivers chunks and validation requests to a target.
type ChunkTransport interface {
	SendChunk(ctx context.Context, target Target, chunk *TransferChunk) error
	ValidateTransfer(ctx context.Context, target Target, req ValidationRequest) (*ValidationResponse, error)
}

// TableSource reads replicated tables.
type TableSource interface {
	CountRows(ctx context.Context, table string) (int64, error)
	FetchRows(ctx context.Context, table string, offset, limit int) ([]Row, error)
	LastModified(ctx context.Context, table string) (*time.Time, error)
}

// RowSink applies replicated rows to the local store.
type RowSink interface {
	UpsertRows(ctx context.Context, table string, rows []Row) error
	DeleteRows(ctx context.Context, table string, ids []string) error
}

// TransferKeys derives the symmetric key both ends use for a load session.
type TransferKeys interface {
	DeriveTransferKey(sessionID string) ([]byte, error)
}
