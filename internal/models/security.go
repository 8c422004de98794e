package models

import "time"

// SecurityAuditLog is one persisted security audit entry
type SecurityAuditLog struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Event     string    `gorm:"type:varchar(64);not null;index" json:"event"`
	NodeID    string    `gorm:"type:varchar(64);index" json:"nodeId,omitempty"`
	SessionID string    `gorm:"type:varchar(64)" json:"sessionId,omitempty"`
	Success   bool      `json:"success"`
	Detail    string    `gorm:"type:text" json:"detail,omitempty"`
	Timestamp time.Time `gorm:"not null;index" json:"timestamp"`
}

// TableName specifies the table name
func (SecurityAuditLog) TableName() string {
	return "security_audit_logs"
}

// SchemaMigration is an entry of the migrations ledger
type SchemaMigration struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"name"`
	AppliedAt time.Time `gorm:"not null" json:"appliedAt"`
}

// TableName specifies the table name
func (SchemaMigration) TableName() string {
	return "schema_migrations"
}
