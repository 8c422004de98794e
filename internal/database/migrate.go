package database

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/xelth-com/eckmesh/internal/models"
	"github.com/xelth-com/eckmesh/internal/schema"
)

// ReplicationCoreMigration is recorded in the ledger once the replication
// tables exist.
const ReplicationCoreMigration = "1.0.0_replication_core"

// Migrate creates or updates the replication tables and records the
// migration in the ledger.
func (db *DB) Migrate(ctx context.Context) error {
	if err := db.WithContext(ctx).AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return db.RecordMigration(ctx, ReplicationCoreMigration)
}

// RecordMigration adds name to the ledger unless it is already there.
func (db *DB) RecordMigration(ctx context.Context, name string) error {
	m := models.SchemaMigration{Name: name, AppliedAt: time.Now().UTC()}
	err := withRetry(func() error {
		return db.WithContext(ctx).Where(models.SchemaMigration{Name: name}).FirstOrCreate(&m).Error
	})
	if err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	return nil
}

// AppliedMigrations implements schema.MigrationLedger.
func (db *DB) AppliedMigrations(ctx context.Context) ([]schema.Migration, error) {
	var rows []models.SchemaMigration
	if err := db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	out := make([]schema.Migration, len(rows))
	for i, r := range rows {
		out[i] = schema.Migration{Name: r.Name, AppliedAt: r.AppliedAt}
	}
	return out, nil
}

// SchemaSource renders the live table definitions of the replication tables
// and the core tables as canonical text for fingerprinting.
type SchemaSource struct {
	db     *DB
	tables []string
}

// NewSchemaSource covers the replication tables plus coreTables.
func NewSchemaSource(db *DB, coreTables []string) *SchemaSource {
	tables := append([]string(nil), coreTables...)
	stmt := &gorm.Statement{DB: db.DB}
	for _, m := range models.All() {
		if err := stmt.Parse(m); err == nil {
			tables = append(tables, stmt.Schema.Table)
		}
	}
	sort.Strings(tables)
	return &SchemaSource{db: db, tables: tables}
}

// CanonicalSchema implements schema.Source.
func (s *SchemaSource) CanonicalSchema(ctx context.Context) (string, error) {
	migrator := s.db.WithContext(ctx).Migrator()
	var b strings.Builder
	for _, table := range s.tables {
		if !migrator.HasTable(table) {
			fmt.Fprintf(&b, "missing table %s;\n", table)
			continue
		}
		cols, err := migrator.ColumnTypes(table)
		if err != nil {
			return "", fmt.Errorf("columns of %s: %w", table, err)
		}
		defs := make([]string, 0, len(cols))
		for _, c := range cols {
			nullable, _ := c.Nullable()
			pk, _ := c.PrimaryKey()
			def := fmt.Sprintf("%s %s", strings.ToLower(c.Name()), strings.ToLower(c.DatabaseTypeName()))
			if !nullable {
				def += " not null"
			}
			if pk {
				def += " primary key"
			}
			defs = append(defs, def)
		}
		sort.Strings(defs)
		fmt.Fprintf(&b, "create table %s (%s);\n", table, strings.Join(defs, ", "))
	}
	return b.String(), nil
}
