package database

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/xelth-com/eckmesh/internal/sync"
)

// ChangeRecorder turns a committed local write into a replication event.
type ChangeRecorder interface {
	RecordLocalChange(ctx context.Context, table, recordID string, op sync.Operation, change, before sync.Row) (sync.QueueItem, error)
}

const (
	captureTimeout = 5 * time.Second
	beforeImageKey = "replication:before_image"
)

// RegisterCaptureHooks installs gorm callbacks that report writes to the core
// tables once their transaction has committed. Updates and deletes carry the
// row as it was before the write. Writes made with a context marked by
// WithReplication are skipped so applied peer changes do not echo.
func RegisterCaptureHooks(db *DB, recorder ChangeRecorder, coreTables []string, log zerolog.Logger) error {
	tables := make(map[string]struct{}, len(coreTables))
	for _, t := range coreTables {
		tables[t] = struct{}{}
	}
	c := &capture{
		tables:   tables,
		recorder: recorder,
		rows:     NewTableStore(db),
		log:      log.With().Str("component", "capture").Logger(),
	}

	cb := db.Callback()
	if err := cb.Create().After("gorm:commit_or_rollback_transaction").
		Register("replication:capture_create", c.hook(sync.OpCreate)); err != nil {
		return err
	}
	if err := cb.Update().Before("gorm:update").
		Register("replication:before_update", c.beforeImage); err != nil {
		return err
	}
	if err := cb.Delete().Before("gorm:delete").
		Register("replication:before_delete", c.beforeImage); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:commit_or_rollback_transaction").
		Register("replication:capture_update", c.hook(sync.OpUpdate)); err != nil {
		return err
	}
	if err := cb.Delete().After("gorm:commit_or_rollback_transaction").
		Register("replication:capture_delete", c.hook(sync.OpDelete)); err != nil {
		return err
	}
	c.log.Info().Int("tables", len(tables)).Msg("Capture hooks registered")
	return nil
}

type capture struct {
	tables   map[string]struct{}
	recorder ChangeRecorder
	rows     *TableStore
	log      zerolog.Logger
}

// captured reports whether the statement writes a core table outside a
// replication context.
func (c *capture) captured(tx *gorm.DB) (context.Context, string, bool) {
	if tx.Error != nil || tx.Statement == nil {
		return nil, "", false
	}
	ctx := tx.Statement.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if IsReplication(ctx) {
		return nil, "", false
	}
	table := tx.Statement.Table
	if _, ok := c.tables[table]; !ok {
		return nil, "", false
	}
	return ctx, table, true
}

// beforeImage stashes the rows an update or delete is about to change. It runs
// inside the statement's transaction and reads through it.
func (c *capture) beforeImage(tx *gorm.DB) {
	ctx, table, ok := c.captured(tx)
	if !ok {
		return
	}
	ids := c.primaryKeys(tx)
	if len(ids) == 0 {
		return
	}
	// NewDB keeps the statement's connection, which is the open transaction.
	read := tx.Session(&gorm.Session{NewDB: true, Context: ctx})
	images := make(map[string]sync.Row, len(ids))
	for _, id := range ids {
		row, err := findRow(read.Table(table), table, id)
		if err != nil {
			c.log.Warn().Err(err).Str("table", table).Str("record_id", id).Msg("Failed to read row before write")
			continue
		}
		if row != nil {
			images[id] = row
		}
	}
	tx.InstanceSet(beforeImageKey, images)
}

func (c *capture) hook(op sync.Operation) func(*gorm.DB) {
	return func(tx *gorm.DB) {
		ctx, table, ok := c.captured(tx)
		if !ok {
			return
		}
		if _, open := tx.Statement.ConnPool.(gorm.TxCommitter); open {
			c.log.Warn().Str("table", table).Str("operation", string(op)).Msg("Write inside an explicit transaction not captured")
			return
		}
		var images map[string]sync.Row
		if v, ok := tx.InstanceGet(beforeImageKey); ok {
			images, _ = v.(map[string]sync.Row)
		}
		ids := c.primaryKeys(tx)
		if len(ids) == 0 {
			c.log.Debug().Str("table", table).Str("operation", string(op)).Msg("Write without primary key not captured")
			return
		}
		// The default transaction has committed; rows are read back through
		// the pool as other readers see them.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), captureTimeout)
		defer cancel()
		for _, id := range ids {
			var change sync.Row
			if op != sync.OpDelete {
				row, err := c.rows.FetchRow(ctx, table, id)
				if err != nil {
					c.log.Error().Err(err).Str("table", table).Str("record_id", id).Msg("Failed to read captured row")
					continue
				}
				if row == nil {
					continue
				}
				change = row
			}
			if _, err := c.recorder.RecordLocalChange(ctx, table, id, op, change, images[id]); err != nil {
				c.log.Error().Err(err).Str("table", table).Str("record_id", id).Str("operation", string(op)).
					Msg("Failed to record local change")
			}
		}
	}
}

// primaryKeys collects the id of every model touched by the statement.
func (c *capture) primaryKeys(tx *gorm.DB) []string {
	s := tx.Statement
	if s.Schema == nil || s.Schema.PrioritizedPrimaryField == nil || !s.ReflectValue.IsValid() {
		return nil
	}
	field := s.Schema.PrioritizedPrimaryField
	var ids []string
	add := func(v reflect.Value) {
		for v.Kind() == reflect.Ptr {
			if v.IsNil() {
				return
			}
			v = v.Elem()
		}
		if v.Kind() != reflect.Struct {
			return
		}
		val, zero := field.ValueOf(s.Context, v)
		if zero {
			return
		}
		ids = append(ids, fmt.Sprint(val))
	}
	switch s.ReflectValue.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < s.ReflectValue.Len(); i++ {
			add(s.ReflectValue.Index(i))
		}
	default:
		add(s.ReflectValue)
	}
	return ids
}
