package sync

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func version(id string, clock VectorClock, prio Priority, lamport int64, at time.Time) *SyncEvent {
	return &SyncEvent{EventID: id, VectorClock: clock, Priority: prio, LamportClock: lamport, CreatedAt: at}
}

func TestPriorityResolver(t *testing.T) {
	r := NewConflictResolver()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		local, remote *SyncEvent
		strategy      ConflictResolutionStrategy
		remoteWins    bool
	}{
		{"no local version", nil, version("r", nil, 0, 0, now), ConflictCausal, true},
		{"same event", version("e", nil, 0, 0, now), version("e", nil, 0, 0, now), ConflictDuplicate, false},
		{
			"remote causally newer",
			version("l", VectorClock{"a": 1}, PriorityPhysical, 9, now),
			version("r", VectorClock{"a": 2}, PriorityExternal, 1, now),
			ConflictCausal, true,
		},
		{
			"local causally newer",
			version("l", VectorClock{"a": 2}, PriorityExternal, 1, now),
			version("r", VectorClock{"a": 1}, PriorityPhysical, 9, now),
			ConflictCausal, false,
		},
		{
			"concurrent, higher remote priority",
			version("l", VectorClock{"a": 1}, PriorityLocal, 5, now),
			version("r", VectorClock{"b": 1}, PriorityPhysical, 1, now),
			ConflictPriorityBased, true,
		},
		{
			"concurrent, equal priority, lamport decides",
			version("l", VectorClock{"a": 1}, PriorityLocal, 5, now),
			version("r", VectorClock{"b": 1}, PriorityLocal, 4, now),
			ConflictLamport, false,
		},
		{
			"newer timestamp",
			version("l", VectorClock{"a": 1}, PriorityLocal, 5, now),
			version("r", VectorClock{"b": 1}, PriorityLocal, 5, now.Add(time.Second)),
			ConflictLastWriteWins, true,
		},
		{
			"event id tie-breaker",
			version("a-event", VectorClock{"a": 1}, PriorityLocal, 5, now),
			version("b-event", VectorClock{"b": 1}, PriorityLocal, 5, now),
			ConflictEventID, true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Resolve(tt.local, tt.remote)
			assert.Equal(t, tt.strategy, res.Strategy)
			assert.Equal(t, tt.remoteWins, res.RemoteWins)
			assert.NotEmpty(t, res.Reason)
		})
	}
}

// Swapping the arguments of two distinct versions always flips the winner,
// so every node converges on the same version whatever the arrival order.
func TestPriorityResolverAntisymmetricProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 300
	properties := gopter.NewProperties(params)
	r := NewConflictResolver()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	genVersion := func(id string) gopter.Gen {
		return gopter.CombineGens(
			gen.Int64Range(0, 3), gen.Int64Range(0, 3),
			gen.IntRange(0, 2), gen.Int64Range(0, 3), gen.Int64Range(0, 2),
		).Map(func(v []any) *SyncEvent {
			prio := []Priority{PriorityExternal, PriorityLocal, PriorityPhysical}[v[2].(int)]
			return version(id,
				VectorClock{"a": v[0].(int64), "b": v[1].(int64)},
				prio, v[3].(int64), base.Add(time.Duration(v[4].(int64))*time.Second))
		})
	}

	properties.Property("exactly one side wins", prop.ForAll(
		func(x, y *SyncEvent) bool {
			return r.Resolve(x, y).RemoteWins != r.Resolve(y, x).RemoteWins
		},
		genVersion("event-x"), genVersion("event-y"),
	))

	properties.TestingRun(t)
}
