package models

// All returns every model owned by the replication core, in migration order
func All() []interface{} {
	return []interface{}{
		&SchemaMigration{},
		&SyncNode{},
		&SyncQueue{},
		&InitialLoadSession{},
		&DataSnapshot{},
		&ReplicatedRecord{},
		&SecurityAuditLog{},
	}
}
