package database

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xelth-com/eckmesh/internal/sync"
)

// idColumn is the primary key every replicated table carries.
const idColumn = "id"

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type replicationKey struct{}

// WithReplication marks ctx as carrying writes that arrived from a peer.
// The capture hooks ignore such writes.
func WithReplication(ctx context.Context) context.Context {
	return context.WithValue(ctx, replicationKey{}, true)
}

// IsReplication reports whether ctx was marked by WithReplication.
func IsReplication(ctx context.Context) bool {
	v, _ := ctx.Value(replicationKey{}).(bool)
	return v
}

// TableStore reads and writes replicated tables as generic rows. It is the
// sync.TableSource and sync.RowSink of a node.
type TableStore struct {
	db *DB
}

func NewTableStore(db *DB) *TableStore { return &TableStore{db: db} }

func checkIdentifier(name string) error {
	if !identifier.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

func (s *TableStore) table(ctx context.Context, name string) (*gorm.DB, error) {
	if err := checkIdentifier(name); err != nil {
		return nil, err
	}
	return s.db.WithContext(ctx).Table(name), nil
}

func (s *TableStore) CountRows(ctx context.Context, table string) (int64, error) {
	q, err := s.table(ctx, table)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// FetchRows pages through table in primary key order.
func (s *TableStore) FetchRows(ctx context.Context, table string, offset, limit int) ([]sync.Row, error) {
	q, err := s.table(ctx, table)
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if err := q.Order(idColumn).Offset(offset).Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("fetch %s: %w", table, err)
	}
	out := make([]sync.Row, len(rows))
	for i, r := range rows {
		out[i] = normalizeRow(r)
	}
	return out, nil
}

// FetchRow returns one row by id, or nil if it does not exist.
func (s *TableStore) FetchRow(ctx context.Context, table, id string) (sync.Row, error) {
	q, err := s.table(ctx, table)
	if err != nil {
		return nil, err
	}
	return findRow(q, table, id)
}

// findRow reads one row through q, which may be bound to an open transaction.
func findRow(q *gorm.DB, table, id string) (sync.Row, error) {
	var rows []map[string]any
	if err := q.Where(idColumn+" = ?", id).Limit(1).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", table, id, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return normalizeRow(rows[0]), nil
}

// LastModified returns MAX(updated_at), or nil when the table has no such
// column or no rows.
func (s *TableStore) LastModified(ctx context.Context, table string) (*time.Time, error) {
	if err := checkIdentifier(table); err != nil {
		return nil, err
	}
	if !s.db.Migrator().HasColumn(table, "updated_at") {
		return nil, nil
	}
	var raw any
	row := s.db.WithContext(ctx).Table(table).Select("MAX(updated_at)").Row()
	if err := row.Scan(&raw); err != nil {
		return nil, fmt.Errorf("last modified %s: %w", table, err)
	}
	return parseTime(raw), nil
}

// UpsertRows inserts rows or overwrites existing ones by id.
func (s *TableStore) UpsertRows(ctx context.Context, table string, rows []sync.Row) error {
	if len(rows) == 0 {
		return nil
	}
	if err := checkIdentifier(table); err != nil {
		return err
	}
	cols := map[string]struct{}{}
	values := make([]map[string]any, len(rows))
	for i, r := range rows {
		if _, ok := r[idColumn]; !ok {
			return fmt.Errorf("row %d of %s has no %s", i, table, idColumn)
		}
		v := make(map[string]any, len(r))
		for k, val := range r {
			if err := checkIdentifier(k); err != nil {
				return err
			}
			v[k] = storable(val)
			if k != idColumn {
				cols[k] = struct{}{}
			}
		}
		values[i] = v
	}
	update := make([]string, 0, len(cols))
	for k := range cols {
		update = append(update, k)
	}
	sort.Strings(update)

	onConflict := clause.OnConflict{Columns: []clause.Column{{Name: idColumn}}}
	if len(update) == 0 {
		onConflict.DoNothing = true
	} else {
		onConflict.DoUpdates = clause.AssignmentColumns(update)
	}
	ctx = WithReplication(ctx)
	return withRetry(func() error {
		return s.db.WithContext(ctx).Table(table).Clauses(onConflict).Create(&values).Error
	})
}

func (s *TableStore) DeleteRows(ctx context.Context, table string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := checkIdentifier(table); err != nil {
		return err
	}
	ctx = WithReplication(ctx)
	return withRetry(func() error {
		return s.db.WithContext(ctx).Exec(fmt.Sprintf("DELETE FROM %q WHERE %s IN ?", table, idColumn), ids).Error
	})
}

// storable converts decoded wire values into driver values.
func storable(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return nil
		}
		return string(b)
	}
	return v
}

// normalizeRow converts driver values into the JSON-friendly forms the
// checksum calculator sees on both ends of a transfer.
func normalizeRow(r map[string]any) sync.Row {
	out := make(sync.Row, len(r))
	for k, v := range r {
		switch t := v.(type) {
		case []byte:
			out[k] = string(t)
		case time.Time:
			out[k] = t.UTC().Format(time.RFC3339Nano)
		case int:
			out[k] = int64(t)
		case int32:
			out[k] = int64(t)
		default:
			out[k] = v
		}
	}
	return out
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseTime(raw any) *time.Time {
	var s string
	switch t := raw.(type) {
	case nil:
		return nil
	case time.Time:
		u := t.UTC()
		return &u
	case []byte:
		s = string(t)
	case string:
		s = t
	default:
		return nil
	}
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			u := ts.UTC()
			return &u
		}
	}
	return nil
}
