package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xelth-com/eckmesh/internal/events"
)

// QueueItem wraps a SyncEvent waiting to be propagated.
type QueueItem struct {
	ID           string     `json:"id"`
	Event        *SyncEvent `json:"event"`
	QueuedAt     time.Time  `json:"queued_at"`
	RetryCount   int        `json:"retry_count"`
	LastAttempt  *time.Time `json:"last_attempt,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Dependencies []string   `json:"dependencies"`
	IsProcessed  bool       `json:"is_processed"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
}

// QueueStore durably persists queue items.
type QueueStore interface {
	SaveQueueItem(ctx context.Context, item QueueItem) error
	LoadQueueItems(ctx context.Context) ([]QueueItem, error)
	DeleteQueueItems(ctx context.Context, ids []string) error
}

// QueueEventKind names a queue transition.
type QueueEventKind string

const (
	QueueItemQueued    QueueEventKind = "item_queued"
	QueueItemProcessed QueueEventKind = "item_processed"
	QueueItemFailed    QueueEventKind = "item_failed"
	QueueItemExhausted QueueEventKind = "item_exhausted"
	QueueCompacted     QueueEventKind = "queue_compacted"
	QueueDrained       QueueEventKind = "queue_drained"
)

// QueueEvent is published on every queue transition.
type QueueEvent struct {
	Kind    QueueEventKind `json:"kind"`
	Item    *QueueItem     `json:"item,omitempty"`
	Error   string         `json:"error,omitempty"`
	Removed int            `json:"removed,omitempty"`
	Result  *DrainResult   `json:"result,omitempty"`
}

// DrainResult summarizes one processQueue pass.
type DrainResult struct {
	Skipped    bool `json:"skipped"`
	Processed  int  `json:"processed"`
	Failed     int  `json:"failed"`
	Exhausted  int  `json:"exhausted"`
	Deferred   int  `json:"deferred"`
	Candidates int  `json:"candidates"`
}

// QueueStats is a point-in-time view of the queue.
type QueueStats struct {
	Total         int        `json:"total"`
	Pending       int        `json:"pending"`
	Processed     int        `json:"processed"`
	Retrying      int        `json:"retrying"`
	Exhausted     int        `json:"exhausted"`
	Online        bool       `json:"online"`
	Draining      bool       `json:"draining"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
	MaxSize       int        `json:"max_size"`
}

// QueueConfig configures an OfflineQueue.
type QueueConfig struct {
	MaxSize       int
	MaxRetries    int
	BatchSize     int
	BatchPause    time.Duration
	DrainInterval time.Duration
	Retention     time.Duration

	Tracker ChangeTracker
	Store   QueueStore
	Logger  zerolog.Logger
	Now     func() time.Time
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.MaxSize <= 0 {
		c.MaxSize = 10000
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.BatchPause < 0 {
		c.BatchPause = 0
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 30 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type queueEntry struct {
	item QueueItem
	seq  uint64
}

// OfflineQueue buffers local changes while no peer is reachable and replays
// them through the ChangeTracker in dependency order.
type OfflineQueue struct {
	cfg    QueueConfig
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]*queueEntry
	seq     uint64

	online   atomic.Bool
	draining atomic.Bool
	trigger  chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// Events receives every queue transition.
	Events events.Topic[QueueEvent]
}

// NewOfflineQueue creates an offline, stopped queue.
func NewOfflineQueue(config QueueConfig) (*OfflineQueue, error) {
	cfg := config.withDefaults()
	if cfg.Tracker == nil {
		return nil, errors.New("offline queue: change tracker is required")
	}
	return &OfflineQueue{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "offline_queue").Logger(),
		entries: make(map[string]*queueEntry),
		trigger: make(chan struct{}, 1),
	}, nil
}

// Load rebuilds the in-memory queue from durable storage.
func (q *OfflineQueue) Load(ctx context.Context) error {
	if q.cfg.Store == nil {
		return nil
	}
	items, err := q.cfg.Store.LoadQueueItems(ctx)
	if err != nil {
		return fmt.Errorf("load queue items: %w", err)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].QueuedAt.Before(items[j].QueuedAt) })

	q.mu.Lock()
	for _, it := range items {
		q.seq++
		q.entries[it.ID] = &queueEntry{item: it, seq: q.seq}
	}
	q.mu.Unlock()

	q.logger.Info().Int("items", len(items)).Msg("Offline queue restored")
	return nil
}

// Start runs the periodic drain loop until Stop or ctx ends.
func (q *OfflineQueue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		q.ctx, q.cancel = context.WithCancel(ctx)
		q.wg.Add(1)
		go q.loop()
	})
}

// Stop halts the drain loop. An in-flight pass finishes its current item.
func (q *OfflineQueue) Stop() {
	q.stopOnce.Do(func() {
		if q.cancel != nil {
			q.cancel()
		}
		q.wg.Wait()
	})
}

func (q *OfflineQueue) loop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.trigger:
			q.ProcessQueue(q.ctx)
		case <-ticker.C:
			q.ProcessQueue(q.ctx)
			if _, err := q.Cleanup(q.ctx); err != nil {
				q.logger.Warn().Err(err).Msg("Queue cleanup failed")
			}
		}
	}
}

func (q *OfflineQueue) scheduleDrain() {
	select {
	case q.trigger <- struct{}{}:
	default:
	}
}

// IsOnline reports the last status passed to SetOnlineStatus.
func (q *OfflineQueue) IsOnline() bool { return q.online.Load() }

// SetOnlineStatus records connectivity. Going online schedules a drain;
// going offline lets in-flight work finish.
func (q *OfflineQueue) SetOnlineStatus(online bool) {
	was := q.online.Swap(online)
	if was == online {
		return
	}
	q.logger.Info().Bool("online", online).Msg("Connectivity changed")
	if online {
		q.scheduleDrain()
	}
}

// AddToQueue wraps event in a QueueItem, records its dependencies and
// persists it. When the queue is full, processed items past the retention
// window are purged first; ErrQueueFull is returned only if that frees nothing.
func (q *OfflineQueue) AddToQueue(ctx context.Context, event *SyncEvent) (QueueItem, error) {
	if event == nil {
		return QueueItem{}, fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if err := event.Validate(); err != nil {
		return QueueItem{}, err
	}

	q.mu.Lock()
	removed := 0
	if len(q.entries) >= q.cfg.MaxSize {
		var err error
		if removed, err = q.compactLocked(ctx); err != nil {
			q.mu.Unlock()
			return QueueItem{}, err
		}
		if len(q.entries) >= q.cfg.MaxSize {
			q.mu.Unlock()
			q.logger.Warn().Int("size", q.cfg.MaxSize).Str("event_id", event.EventID).Msg("Offline queue full")
			return QueueItem{}, ErrQueueFull
		}
	}

	item := QueueItem{
		ID:           uuid.NewString(),
		Event:        event,
		QueuedAt:     q.cfg.Now(),
		Dependencies: q.dependenciesLocked(event),
	}
	if q.cfg.Store != nil {
		if err := q.cfg.Store.SaveQueueItem(ctx, item); err != nil {
			q.mu.Unlock()
			return QueueItem{}, fmt.Errorf("persist queue item: %w", err)
		}
	}
	q.seq++
	q.entries[item.ID] = &queueEntry{item: item, seq: q.seq}
	q.mu.Unlock()

	if removed > 0 {
		q.Events.Publish(QueueEvent{Kind: QueueCompacted, Removed: removed})
	}
	q.logger.Debug().
		Str("item_id", item.ID).
		Str("event_id", event.EventID).
		Str("table", event.TableName).
		Str("operation", string(event.Operation)).
		Int("dependencies", len(item.Dependencies)).
		Msg("Change queued")
	q.Events.Publish(QueueEvent{Kind: QueueItemQueued, Item: copyItem(item)})

	if q.online.Load() {
		q.scheduleDrain()
	}
	return item, nil
}

// dependenciesLocked lists unprocessed items queued earlier that event must
// follow: the CREATE of the same record for UPDATE and DELETE, and the
// UPDATEs of the same record for DELETE.
func (q *OfflineQueue) dependenciesLocked(event *SyncEvent) []string {
	deps := []string{}
	if event.Operation == OpCreate {
		return deps
	}
	key := event.Key()
	earlier := q.sortedLocked(func(e *queueEntry) bool {
		return !e.item.IsProcessed && e.item.Event.Key() == key
	}, false)
	for _, e := range earlier {
		switch e.item.Event.Operation {
		case OpCreate:
			deps = append(deps, e.item.ID)
		case OpUpdate:
			if event.Operation == OpDelete {
				deps = append(deps, e.item.ID)
			}
		}
	}
	return deps
}

// sortedLocked returns entries matching keep, by priority when byPriority is
// set, then by queue order.
func (q *OfflineQueue) sortedLocked(keep func(*queueEntry) bool, byPriority bool) []*queueEntry {
	out := make([]*queueEntry, 0, len(q.entries))
	for _, e := range q.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if byPriority && a.item.Event.Priority != b.item.Event.Priority {
			return a.item.Event.Priority > b.item.Event.Priority
		}
		if !a.item.QueuedAt.Equal(b.item.QueuedAt) {
			return a.item.QueuedAt.Before(b.item.QueuedAt)
		}
		return a.seq < b.seq
	})
	return out
}

func (q *OfflineQueue) compactLocked(ctx context.Context) (int, error) {
	cutoff := q.cfg.Now().Add(-q.cfg.Retention)
	var ids []string
	for id, e := range q.entries {
		if e.item.IsProcessed && e.item.ProcessedAt != nil && e.item.ProcessedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if q.cfg.Store != nil {
		if err := q.cfg.Store.DeleteQueueItems(ctx, ids); err != nil {
			return 0, fmt.Errorf("purge processed items: %w", err)
		}
	}
	for _, id := range ids {
		delete(q.entries, id)
	}
	return len(ids), nil
}

// Cleanup purges processed items older than the retention window.
func (q *OfflineQueue) Cleanup(ctx context.Context) (int, error) {
	q.mu.Lock()
	removed, err := q.compactLocked(ctx)
	q.mu.Unlock()
	if removed > 0 {
		q.logger.Info().Int("removed", removed).Msg("Processed queue items purged")
		q.Events.Publish(QueueEvent{Kind: QueueCompacted, Removed: removed})
	}
	return removed, err
}

// ProcessQueue runs one drain pass. It is a no-op while offline or when
// another pass is already running.
func (q *OfflineQueue) ProcessQueue(ctx context.Context) DrainResult {
	if !q.online.Load() || !q.draining.CompareAndSwap(false, true) {
		return DrainResult{Skipped: true}
	}
	defer q.draining.Store(false)

	var total DrainResult
	var only map[string]bool
	for {
		pass, deferred := q.drainOnce(ctx, only)
		total.Processed += pass.Processed
		total.Failed += pass.Failed
		total.Exhausted += pass.Exhausted
		total.Deferred = pass.Deferred
		if only == nil {
			total.Candidates = pass.Candidates
		}
		// Items held back by a dependency that completed in this pass get
		// one more look; nothing else is retried within the same drain.
		if len(deferred) == 0 || pass.Processed == 0 || !q.online.Load() || ctx.Err() != nil {
			break
		}
		only = deferred
	}

	if total.Candidates > 0 {
		q.logger.Info().
			Int("processed", total.Processed).
			Int("failed", total.Failed).
			Int("deferred", total.Deferred).
			Msg("Offline queue drained")
	}
	q.Events.Publish(QueueEvent{Kind: QueueDrained, Result: &total})
	return total
}

func (q *OfflineQueue) drainOnce(ctx context.Context, only map[string]bool) (DrainResult, map[string]bool) {
	q.mu.Lock()
	candidates := q.sortedLocked(func(e *queueEntry) bool {
		if only != nil && !only[e.item.ID] {
			return false
		}
		return !e.item.IsProcessed && e.item.RetryCount < q.cfg.MaxRetries
	}, true)
	ids := make([]string, len(candidates))
	for i, e := range candidates {
		ids[i] = e.item.ID
	}
	q.mu.Unlock()

	res := DrainResult{Candidates: len(ids)}
	deferred := map[string]bool{}
	for start := 0; start < len(ids); start += q.cfg.BatchSize {
		if start > 0 {
			if !q.online.Load() {
				break
			}
			select {
			case <-ctx.Done():
				return res, nil
			case <-time.After(q.cfg.BatchPause):
			}
		}
		end := min(start+q.cfg.BatchSize, len(ids))
		for _, id := range ids[start:end] {
			if ctx.Err() != nil {
				return res, nil
			}
			switch q.processItem(ctx, id) {
			case outcomeProcessed:
				res.Processed++
			case outcomeFailed:
				res.Failed++
			case outcomeExhausted:
				res.Failed++
				res.Exhausted++
			case outcomeDeferred:
				res.Deferred++
				deferred[id] = true
			}
		}
	}
	return res, deferred
}

type itemOutcome int

const (
	outcomeNone itemOutcome = iota
	outcomeProcessed
	outcomeFailed
	outcomeExhausted
	outcomeDeferred
)

func (q *OfflineQueue) processItem(ctx context.Context, id string) itemOutcome {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok || e.item.IsProcessed {
		q.mu.Unlock()
		return outcomeNone
	}
	if !q.dependenciesMetLocked(e.item) {
		q.mu.Unlock()
		return outcomeDeferred
	}
	event := e.item.Event
	q.mu.Unlock()

	propErr := q.cfg.Tracker.Propagate(ctx, event)
	now := q.cfg.Now()

	q.mu.Lock()
	e, ok = q.entries[id]
	if !ok {
		q.mu.Unlock()
		return outcomeNone
	}
	outcome := outcomeProcessed
	if propErr == nil {
		e.item.IsProcessed = true
		e.item.ProcessedAt = &now
		e.item.ErrorMessage = ""
	} else {
		e.item.RetryCount++
		e.item.LastAttempt = &now
		e.item.ErrorMessage = propErr.Error()
		outcome = outcomeFailed
		if IsPermanent(propErr) {
			e.item.RetryCount = max(e.item.RetryCount, q.cfg.MaxRetries)
		}
		if e.item.RetryCount >= q.cfg.MaxRetries {
			outcome = outcomeExhausted
		}
	}
	item := e.item
	q.mu.Unlock()

	if q.cfg.Store != nil {
		if err := q.cfg.Store.SaveQueueItem(ctx, item); err != nil {
			q.logger.Error().Err(err).Str("item_id", id).Msg("Failed to persist queue item")
		}
	}

	switch outcome {
	case outcomeProcessed:
		q.Events.Publish(QueueEvent{Kind: QueueItemProcessed, Item: copyItem(item)})
	case outcomeFailed:
		q.logger.Warn().Err(propErr).Str("item_id", id).Int("retry", item.RetryCount).Msg("Queued change failed")
		q.Events.Publish(QueueEvent{Kind: QueueItemFailed, Item: copyItem(item), Error: item.ErrorMessage})
	case outcomeExhausted:
		q.logger.Error().Err(propErr).Str("item_id", id).Int("retries", item.RetryCount).Msg("Queued change exceeded max retries")
		q.Events.Publish(QueueEvent{Kind: QueueItemExhausted, Item: copyItem(item), Error: item.ErrorMessage})
	}
	return outcome
}

// dependenciesMetLocked treats purged dependencies as processed.
func (q *OfflineQueue) dependenciesMetLocked(item QueueItem) bool {
	for _, dep := range item.Dependencies {
		if d, ok := q.entries[dep]; ok && !d.item.IsProcessed {
			return false
		}
	}
	return true
}

// RetryItem clears the retry budget of an item so the next drain picks it up.
func (q *OfflineQueue) RetryItem(ctx context.Context, id string) error {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if e.item.IsProcessed {
		q.mu.Unlock()
		return nil
	}
	e.item.RetryCount = 0
	e.item.ErrorMessage = ""
	item := e.item
	q.mu.Unlock()

	if q.cfg.Store != nil {
		if err := q.cfg.Store.SaveQueueItem(ctx, item); err != nil {
			return fmt.Errorf("persist queue item: %w", err)
		}
	}
	if q.online.Load() {
		q.scheduleDrain()
	}
	return nil
}

// Item returns a copy of one item.
func (q *OfflineQueue) Item(id string) (QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return QueueItem{}, false
	}
	return *copyItem(e.item), true
}

// Items returns copies of all items in queue order.
func (q *OfflineQueue) Items() []QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.collectLocked(func(*queueEntry) bool { return true })
}

// FailedItems returns items that exhausted their retries.
func (q *OfflineQueue) FailedItems() []QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.collectLocked(func(e *queueEntry) bool {
		return !e.item.IsProcessed && e.item.RetryCount >= q.cfg.MaxRetries
	})
}

func (q *OfflineQueue) collectLocked(keep func(*queueEntry) bool) []QueueItem {
	entries := q.sortedLocked(keep, false)
	out := make([]QueueItem, len(entries))
	for i, e := range entries {
		out[i] = *copyItem(e.item)
	}
	return out
}

// Stats returns counts by state.
func (q *OfflineQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := QueueStats{
		Total:    len(q.entries),
		Online:   q.online.Load(),
		Draining: q.draining.Load(),
		MaxSize:  q.cfg.MaxSize,
	}
	for _, e := range q.entries {
		it := e.item
		switch {
		case it.IsProcessed:
			s.Processed++
		case it.RetryCount >= q.cfg.MaxRetries:
			s.Exhausted++
		default:
			s.Pending++
			if it.RetryCount > 0 {
				s.Retrying++
			}
			if s.OldestPending == nil || it.QueuedAt.Before(*s.OldestPending) {
				t := it.QueuedAt
				s.OldestPending = &t
			}
		}
	}
	return s
}

func copyItem(it QueueItem) *QueueItem {
	it.Dependencies = append([]string(nil), it.Dependencies...)
	return &it
}
