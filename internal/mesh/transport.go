package mesh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
)

// ErrTransportClosed is returned by a Transport after Close.
var ErrTransportClosed = errors.New("transport closed")

const maxDatagram = 64 * 1024

// Transport moves discovery datagrams to and from the group.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) ([]byte, net.Addr, error)
	Close() error
}

// MulticastConfig configures a UDP multicast transport.
type MulticastConfig struct {
	Group     string
	Port      int
	Interface string
	TTL       int
	Loopback  bool
}

// UDPTransport sends to and listens on an IPv4 multicast group.
type UDPTransport struct {
	group *net.UDPAddr
	recv  *net.UDPConn
	send  *ipv4.PacketConn
	raw   *net.UDPConn
}

// NewUDPTransport joins the group and prepares a sending socket.
func NewUDPTransport(cfg MulticastConfig) (*UDPTransport, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 1
	}
	group := &net.UDPAddr{IP: net.ParseIP(cfg.Group), Port: cfg.Port}
	if group.IP == nil || group.IP.To4() == nil || !group.IP.IsMulticast() {
		return nil, fmt.Errorf("invalid multicast group %q", cfg.Group)
	}

	var ifi *net.Interface
	if cfg.Interface != "" {
		var err error
		if ifi, err = net.InterfaceByName(cfg.Interface); err != nil {
			return nil, fmt.Errorf("lookup interface %s: %w", cfg.Interface, err)
		}
	}

	// ListenMulticastUDP sets SO_REUSEADDR so several nodes can share a host.
	recv, err := net.ListenMulticastUDP("udp4", ifi, group)
	if err != nil {
		return nil, fmt.Errorf("join multicast group %s: %w", group, err)
	}
	_ = recv.SetReadBuffer(maxDatagram)

	raw, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		recv.Close()
		return nil, fmt.Errorf("open send socket: %w", err)
	}
	send := ipv4.NewPacketConn(raw)
	if err := send.SetMulticastTTL(cfg.TTL); err != nil {
		recv.Close()
		raw.Close()
		return nil, fmt.Errorf("set multicast ttl: %w", err)
	}
	if err := send.SetMulticastLoopback(cfg.Loopback); err != nil {
		recv.Close()
		raw.Close()
		return nil, fmt.Errorf("set multicast loopback: %w", err)
	}
	if ifi != nil {
		if err := send.SetMulticastInterface(ifi); err != nil {
			recv.Close()
			raw.Close()
			return nil, fmt.Errorf("set multicast interface: %w", err)
		}
	}

	return &UDPTransport{group: group, recv: recv, send: send, raw: raw}, nil
}

// Send writes one datagram to the group.
func (t *UDPTransport) Send(ctx context.Context, payload []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.raw.SetWriteDeadline(deadline)
	} else {
		_ = t.raw.SetWriteDeadline(time.Time{})
	}
	if _, err := t.send.WriteTo(payload, nil, t.group); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrTransportClosed
		}
		return fmt.Errorf("send datagram: %w", err)
	}
	return nil
}

// Receive blocks until a datagram arrives, ctx ends or the transport closes.
func (t *UDPTransport) Receive(ctx context.Context) ([]byte, net.Addr, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = t.recv.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, maxDatagram)
	n, addr, err := t.recv.ReadFromUDP(buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, nil, ErrTransportClosed
		}
		return nil, nil, fmt.Errorf("receive datagram: %w", err)
	}
	return buf[:n], addr, nil
}

// Close leaves the group and closes both sockets.
func (t *UDPTransport) Close() error {
	return errors.Join(t.recv.Close(), t.raw.Close())
}
