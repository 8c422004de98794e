package sync

import (
	"fmt"
)

// VectorClock tracks causality between nodes as {node_id: counter}.
type VectorClock map[string]int64

// ClockRelation represents the relationship between two vector clocks
type ClockRelation int

const (
	ClockBefore     ClockRelation = iota // receiver happened before other
	ClockAfter                           // receiver happened after other
	ClockEqual                           // identical histories
	ClockConcurrent                      // neither dominates
)

func (r ClockRelation) String() string {
	switch r {
	case ClockBefore:
		return "before"
	case ClockAfter:
		return "after"
	case ClockEqual:
		return "equal"
	default:
		return "concurrent"
	}
}

// Copy creates a deep copy of the vector clock
func (vc VectorClock) Copy() VectorClock {
	result := make(VectorClock, len(vc))
	for k, v := range vc {
		result[k] = v
	}
	return result
}

// Tick returns a copy with nodeID's counter advanced by one.
func (vc VectorClock) Tick(nodeID string) VectorClock {
	next := vc.Copy()
	next[nodeID]++
	return next
}

// Merge returns the element-wise maximum of both clocks.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	merged := vc.Copy()
	for node, counter := range other {
		if merged[node] < counter {
			merged[node] = counter
		}
	}
	return merged
}

// Compare compares two vector clocks and returns their relationship
func (vc VectorClock) Compare(other VectorClock) ClockRelation {
	less, greater := false, false
	for node, v1 := range vc {
		switch v2 := other[node]; {
		case v1 > v2:
			greater = true
		case v1 < v2:
			less = true
		}
	}
	for node, v2 := range other {
		if _, seen := vc[node]; !seen && v2 > 0 {
			less = true
		}
	}

	switch {
	case less && greater:
		return ClockConcurrent
	case less:
		return ClockBefore
	case greater:
		return ClockAfter
	default:
		return ClockEqual
	}
}

// Validate checks if the vector clock is valid
func (vc VectorClock) Validate() error {
	for node, counter := range vc {
		if node == "" {
			return fmt.Errorf("empty node id in vector clock")
		}
		if counter < 0 {
			return fmt.Errorf("negative counter %d for node %s", counter, node)
		}
	}
	return nil
}
