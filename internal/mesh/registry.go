package mesh

import (
	"sort"
	"sync"
	"time"
)

// Registry holds the list of known mesh peers. It is owned by Discovery;
// everything else reads copies.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*PeerInfo
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*PeerInfo)}
}

// Upsert adds or replaces a peer and reports whether it was new.
func (r *Registry) Upsert(info PeerInfo) (created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.peers[info.NodeID]
	stored := info.clone()
	r.peers[info.NodeID] = &stored
	return !exists
}

// Get returns a copy of the peer with nodeID.
func (r *Registry) Get(nodeID string) (PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.peers[nodeID]
	if !ok {
		return PeerInfo{}, false
	}
	return p.clone(), true
}

// Remove deletes a peer, returning the removed entry.
func (r *Registry) Remove(nodeID string) (PeerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[nodeID]
	if !ok {
		return PeerInfo{}, false
	}
	delete(r.peers, nodeID)
	return *p, true
}

// MarkAuthenticated flips a known peer to AUTHENTICATED.
func (r *Registry) MarkAuthenticated(nodeID string, at time.Time) (PeerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[nodeID]
	if !ok {
		return PeerInfo{}, false
	}
	p.IsAuthenticated = true
	p.State = StateAuthenticated
	p.LastSeen = at
	return p.clone(), true
}

// Peers returns all peers ordered by node id.
func (r *Registry) Peers() []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Authenticated returns authenticated peers ordered by node id.
func (r *Registry) Authenticated() []PeerInfo {
	all := r.Peers()
	out := all[:0]
	for _, p := range all {
		if p.IsAuthenticated {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// RemoveStale removes every peer last seen before cutoff.
func (r *Registry) RemoveStale(cutoff time.Time) []PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []PeerInfo
	for id, p := range r.peers {
		if p.LastSeen.Before(cutoff) {
			removed = append(removed, *p)
			delete(r.peers, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].NodeID < removed[j].NodeID })
	return removed
}
