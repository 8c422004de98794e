package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newEvent(t *testing.T, table, record string, op Operation, data Row) *SyncEvent {
	t.Helper()
	ev := &SyncEvent{
		EventID:      uuid.NewString(),
		SourceNodeID: "node-a",
		TableName:    table,
		RecordID:     record,
		Operation:    op,
		ChangeData:   data,
		VectorClock:  VectorClock{"node-a": 1},
		LamportClock: 1,
		Priority:     PriorityLocal,
		CreatedAt:    time.Now(),
	}
	sum, err := CalculateDataChecksum(data)
	require.NoError(t, err)
	ev.Checksum = sum
	return ev
}

type memQueueStore struct {
	mu    sync.Mutex
	items map[string]QueueItem
	saves int
}

func newMemQueueStore() *memQueueStore {
	return &memQueueStore{items: make(map[string]QueueItem)}
}

func (s *memQueueStore) SaveQueueItem(_ context.Context, item QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item
	s.saves++
	return nil
}

func (s *memQueueStore) LoadQueueItems(context.Context) ([]QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QueueItem, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it)
	}
	return out, nil
}

func (s *memQueueStore) DeleteQueueItems(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.items, id)
	}
	return nil
}

// memTables is an in-memory TableSource and RowSink.
type memTables struct {
	mu     sync.Mutex
	tables map[string]map[string]Row
}

func newMemTables() *memTables {
	return &memTables{tables: make(map[string]map[string]Row)}
}

func (m *memTables) seed(table string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tables[table] == nil {
		m.tables[table] = make(map[string]Row)
	}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%04d", table, i)
		m.tables[table][id] = Row{"id": id, "name": fmt.Sprintf("row %d", i), "qty": i}
	}
}

func (m *memTables) CountRows(_ context.Context, table string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.tables[table])), nil
}

func (m *memTables) FetchRows(_ context.Context, table string, offset, limit int) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.tables[table]))
	for id := range m.tables[table] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if offset >= len(ids) {
		return []Row{}, nil
	}
	ids = ids[offset:min(offset+limit, len(ids))]
	out := make([]Row, len(ids))
	for i, id := range ids {
		out[i] = m.tables[table][id]
	}
	return out, nil
}

func (m *memTables) LastModified(context.Context, string) (*time.Time, error) {
	return nil, nil
}

func (m *memTables) UpsertRows(_ context.Context, table string, rows []Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tables[table] == nil {
		m.tables[table] = make(map[string]Row)
	}
	for _, r := range rows {
		m.tables[table][fmt.Sprint(r["id"])] = r
	}
	return nil
}

func (m *memTables) DeleteRows(_ context.Context, table string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.tables[table], id)
	}
	return nil
}

func (m *memTables) get(table, id string) (Row, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.tables[table][id]
	return r, ok
}

type memReplicas struct {
	mu      sync.Mutex
	applied map[string]*SyncEvent
}

func newMemReplicas() *memReplicas {
	return &memReplicas{applied: make(map[string]*SyncEvent)}
}

func (r *memReplicas) LastApplied(_ context.Context, table, recordID string) (*SyncEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applied[table+"/"+recordID], nil
}

func (r *memReplicas) SaveApplied(_ context.Context, ev *SyncEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied[ev.Key()] = ev
	return nil
}

type memLoadStore struct {
	mu        sync.Mutex
	sessions  map[string]LoadSession
	snapshots []DataSnapshot
}

func newMemLoadStore() *memLoadStore {
	return &memLoadStore{sessions: make(map[string]LoadSession)}
}

func (s *memLoadStore) SaveSession(_ context.Context, sess LoadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.SessionID] = sess
	return nil
}

func (s *memLoadStore) LoadActiveSessions(context.Context) ([]LoadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LoadSession
	for _, sess := range s.sessions {
		if !sess.Status.Terminal() {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *memLoadStore) SaveSnapshot(_ context.Context, snap DataSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (s *memLoadStore) session(id string) LoadSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}
