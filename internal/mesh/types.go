package mesh

import "time"

// PeerState is the lifecycle position of a discovered peer.
type PeerState string

const (
	StateUnknown       PeerState = "UNKNOWN"
	StatePresent       PeerState = "PRESENT"
	StateAuthenticated PeerState = "AUTHENTICATED"
	StateGone          PeerState = "GONE"
	StateStale         PeerState = "STALE"
)

// PeerInfo represents a node in the mesh network
type PeerInfo struct {
	NodeID              string    `json:"node_id"`
	NodeName            string    `json:"node_name"`
	IPAddress           string    `json:"ip_address"`
	Port                int       `json:"port"`
	Capabilities        []string  `json:"capabilities"`
	RegistrationKeyHash string    `json:"-"`
	LastSeen            time.Time `json:"last_seen"`
	IsAuthenticated     bool      `json:"is_authenticated"`
	State               PeerState `json:"state"`
	SchemaVersion       string    `json:"schema_version,omitempty"`
	SchemaHash          string    `json:"schema_hash,omitempty"`
}

// HasCapability reports whether the peer advertised c.
func (p PeerInfo) HasCapability(c string) bool {
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

func (p PeerInfo) clone() PeerInfo {
	p.Capabilities = append([]string(nil), p.Capabilities...)
	return p
}

// PeerEventKind names a registry transition.
type PeerEventKind string

const (
	PeerDiscovered    PeerEventKind = "discovered"
	PeerUpdated       PeerEventKind = "updated"
	PeerAuthenticated PeerEventKind = "authenticated"
	PeerGone          PeerEventKind = "gone"
	PeerStale         PeerEventKind = "stale"
)

// PeerEvent is published on every registry transition.
type PeerEvent struct {
	Kind PeerEventKind
	Peer PeerInfo
}
