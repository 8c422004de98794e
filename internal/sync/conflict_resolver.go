package sync

import (
	"fmt"
)

// ConflictResolutionStrategy names the rule that decided a conflict
type ConflictResolutionStrategy string

const (
	ConflictDuplicate     ConflictResolutionStrategy = "duplicate"
	ConflictCausal        ConflictResolutionStrategy = "vector_clock"
	ConflictPriorityBased ConflictResolutionStrategy = "priority_based"
	ConflictLamport       ConflictResolutionStrategy = "lamport_clock"
	ConflictLastWriteWins ConflictResolutionStrategy = "last_write_wins"
	ConflictEventID       ConflictResolutionStrategy = "event_id"
)

// ConflictResolution represents the resolution of a conflict
type ConflictResolution struct {
	Strategy   ConflictResolutionStrategy `json:"strategy"`
	RemoteWins bool                       `json:"remote_wins"`
	Reason     string                     `json:"reason"`
}

// ConflictResolver picks a winner between the last applied event for a
// record and an incoming one. Implementations must always pick one.
type ConflictResolver interface {
	Resolve(local, remote *SyncEvent) ConflictResolution
}

// PriorityResolver orders by causality first, then by source priority, then
// lamport clock, creation time and finally event id.
type PriorityResolver struct{}

// NewConflictResolver creates the default resolver.
func NewConflictResolver() *PriorityResolver { return &PriorityResolver{} }

// Resolve implements ConflictResolver.
func (PriorityResolver) Resolve(local, remote *SyncEvent) ConflictResolution {
	if local == nil {
		return ConflictResolution{Strategy: ConflictCausal, RemoteWins: true, Reason: "No local version"}
	}
	if local.EventID == remote.EventID {
		return ConflictResolution{Strategy: ConflictDuplicate, Reason: "Event already applied"}
	}

	switch local.VectorClock.Compare(remote.VectorClock) {
	case ClockBefore:
		return ConflictResolution{
			Strategy:   ConflictCausal,
			RemoteWins: true,
			Reason:     "Remote version causally follows local (vector clock)",
		}
	case ClockAfter:
		return ConflictResolution{
			Strategy: ConflictCausal,
			Reason:   "Local version causally follows remote (vector clock)",
		}
	}

	if local.Priority != remote.Priority {
		return ConflictResolution{
			Strategy:   ConflictPriorityBased,
			RemoteWins: remote.Priority > local.Priority,
			Reason:     fmt.Sprintf("Local priority (%d) vs remote priority (%d)", local.Priority, remote.Priority),
		}
	}

	if local.LamportClock != remote.LamportClock {
		return ConflictResolution{
			Strategy:   ConflictLamport,
			RemoteWins: remote.LamportClock > local.LamportClock,
			Reason:     fmt.Sprintf("Equal priorities, lamport %d vs %d", local.LamportClock, remote.LamportClock),
		}
	}

	if !local.CreatedAt.Equal(remote.CreatedAt) {
		return ConflictResolution{
			Strategy:   ConflictLastWriteWins,
			RemoteWins: remote.CreatedAt.After(local.CreatedAt),
			Reason:     "Equal priorities and lamport clocks, newer timestamp wins",
		}
	}

	return ConflictResolution{
		Strategy:   ConflictEventID,
		RemoteWins: remote.EventID > local.EventID,
		Reason:     "Indistinguishable versions, ordered by event id",
	}
}
