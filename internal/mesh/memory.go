package mesh

import (
	"context"
	"net"
	"sync"
)

type datagram struct {
	payload []byte
	from    net.Addr
}

// MemoryNetwork is an in-process multicast group. Every datagram sent by a
// member is delivered to all members, including the sender.
type MemoryNetwork struct {
	mu      sync.Mutex
	members map[*MemoryTransport]struct{}
	drop    func(payload []byte) bool
}

// NewMemoryNetwork creates an empty group.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{members: make(map[*MemoryTransport]struct{})}
}

// SetDropFilter installs a filter; datagrams for which it returns true are lost.
func (n *MemoryNetwork) SetDropFilter(drop func(payload []byte) bool) {
	n.mu.Lock()
	n.drop = drop
	n.mu.Unlock()
}

// Join adds a member reachable at addr.
func (n *MemoryNetwork) Join(addr string) *MemoryTransport {
	t := &MemoryTransport{
		network: n,
		addr:    &net.UDPAddr{IP: net.ParseIP(addr), Port: 41234},
		inbox:   make(chan datagram, 256),
		closed:  make(chan struct{}),
	}
	n.mu.Lock()
	n.members[t] = struct{}{}
	n.mu.Unlock()
	return t
}

func (n *MemoryNetwork) deliver(from *MemoryTransport, payload []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.drop != nil && n.drop(payload) {
		return
	}
	for m := range n.members {
		buf := append([]byte(nil), payload...)
		select {
		case m.inbox <- datagram{payload: buf, from: from.addr}:
		default:
		}
	}
}

func (n *MemoryNetwork) leave(t *MemoryTransport) {
	n.mu.Lock()
	delete(n.members, t)
	n.mu.Unlock()
}

// MemoryTransport is one member of a MemoryNetwork.
type MemoryTransport struct {
	network   *MemoryNetwork
	addr      *net.UDPAddr
	inbox     chan datagram
	closed    chan struct{}
	closeOnce sync.Once
}

func (t *MemoryTransport) Send(ctx context.Context, payload []byte) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}
	t.network.deliver(t, payload)
	return nil
}

func (t *MemoryTransport) Receive(ctx context.Context) ([]byte, net.Addr, error) {
	select {
	case d := <-t.inbox:
		return d.payload, d.from, nil
	case <-t.closed:
		return nil, nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() {
		t.network.leave(t)
		close(t.closed)
	})
	return nil
}
