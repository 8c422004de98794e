package sync

import "context"

// ChangeTracker hands a local change to the replication wire. A returned
// error wrapping ErrTransient is retried by the offline queue.
type ChangeTracker interface {
	Propagate(ctx context.Context, event *SyncEvent) error
}

// ChangeTrackerFunc adapts a function to ChangeTracker.
type ChangeTrackerFunc func(ctx context.Context, event *SyncEvent) error

func (f ChangeTrackerFunc) Propagate(ctx context.Context, event *SyncEvent) error {
	return f(ctx, event)
}
