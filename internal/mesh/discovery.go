package mesh

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/xelth-com/eckmesh/internal/events"
)

// KeyHasher supplies this node's registration key hash and answers
// challenges with a proof only holders of the secret can compute.
type KeyHasher interface {
	RegistrationKeyHash() string
	ChallengeProof(nonce string) string
}

// Config configures Discovery.
type Config struct {
	NodeID       string
	NodeName     string
	ServiceName  string
	Address      string
	Port         int
	Capabilities []string

	Keys KeyHasher
	// Schema, when set, is advertised in every presence.
	Schema func() (version, hash string)

	BroadcastInterval time.Duration
	StaleMultiplier   int
	SweepInterval     time.Duration
	ChallengeTimeout  time.Duration

	Transport Transport
	Registry  *Registry
	Logger    zerolog.Logger
	Now       func() time.Time
}

func (c Config) withDefaults() Config {
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = 5 * time.Second
	}
	if c.StaleMultiplier <= 0 {
		c.StaleMultiplier = 3
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.BroadcastInterval
	}
	if c.ChallengeTimeout <= 0 {
		c.ChallengeTimeout = 5 * time.Second
	}
	if c.Registry == nil {
		c.Registry = NewRegistry()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Stats counts discovery traffic.
type Stats struct {
	Peers         int   `json:"peers"`
	Authenticated int   `json:"authenticated"`
	Sent          int64 `json:"sent"`
	Received      int64 `json:"received"`
	Rejected      int64 `json:"rejected"`
	DecodeErrors  int64 `json:"decode_errors"`
}

// Discovery runs the multicast presence protocol and maintains the registry.
type Discovery struct {
	cfg      Config
	logger   zerolog.Logger
	registry *Registry

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[string]*pendingChallenge

	sent, received, rejected, decodeErrors atomic.Int64

	// Events receives every registry transition.
	Events events.Topic[PeerEvent]
}

// NewDiscovery validates cfg and creates a stopped Discovery.
func NewDiscovery(config Config) (*Discovery, error) {
	cfg := config.withDefaults()
	switch {
	case cfg.NodeID == "":
		return nil, errors.New("discovery: node id is required")
	case cfg.ServiceName == "":
		return nil, errors.New("discovery: service name is required")
	case cfg.Keys == nil:
		return nil, errors.New("discovery: key hasher is required")
	case cfg.Transport == nil:
		return nil, errors.New("discovery: transport is required")
	}
	return &Discovery{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "discovery").Logger(),
		registry: cfg.Registry,
		pending:  make(map[string]*pendingChallenge),
	}, nil
}

// Registry exposes the peer table.
func (d *Discovery) Registry() *Registry { return d.registry }

// Start sends one presence immediately, then keeps broadcasting, receiving
// and sweeping until Stop.
func (d *Discovery) Start(ctx context.Context) error {
	var err error
	d.startOnce.Do(func() {
		d.ctx, d.cancel = context.WithCancel(ctx)

		if err = d.announce(d.ctx); err != nil {
			d.logger.Warn().Err(err).Msg("Initial presence failed")
			err = nil
		}

		d.wg.Add(3)
		go d.broadcastLoop()
		go d.receiveLoop()
		go d.sweepLoop()

		d.logger.Info().
			Str("node_id", d.cfg.NodeID).
			Dur("interval", d.cfg.BroadcastInterval).
			Msg("Peer discovery started")
	})
	return err
}

// Stop halts the loops, sends one goodbye and closes the transport.
func (d *Discovery) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel == nil {
			_ = d.cfg.Transport.Close()
			return
		}

		d.cancel()
		d.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := d.send(ctx, &Goodbye{Header: d.header()}); err != nil {
			d.logger.Warn().Err(err).Msg("Goodbye failed")
		}
		cancel()

		_ = d.cfg.Transport.Close()
		d.failPending()
		d.logger.Info().Msg("Peer discovery stopped")
	})
}

// Peers returns all known peers.
func (d *Discovery) Peers() []PeerInfo { return d.registry.Peers() }

// AuthenticatedPeers returns peers that passed the key hash check.
func (d *Discovery) AuthenticatedPeers() []PeerInfo { return d.registry.Authenticated() }

// Stats returns traffic counters and registry size.
func (d *Discovery) Stats() Stats {
	return Stats{
		Peers:         d.registry.Len(),
		Authenticated: len(d.registry.Authenticated()),
		Sent:          d.sent.Load(),
		Received:      d.received.Load(),
		Rejected:      d.rejected.Load(),
		DecodeErrors:  d.decodeErrors.Load(),
	}
}

func (d *Discovery) header() Header {
	return Header{NodeID: d.cfg.NodeID, Timestamp: d.cfg.Now().UnixMilli()}
}

func (d *Discovery) presence() *Presence {
	p := &Presence{
		Header:              d.header(),
		NodeName:            d.cfg.NodeName,
		Address:             d.cfg.Address,
		Port:                d.cfg.Port,
		ServiceName:         d.cfg.ServiceName,
		RegistrationKeyHash: d.cfg.Keys.RegistrationKeyHash(),
		Capabilities:        d.cfg.Capabilities,
		ProtocolVersion:     ProtocolVersion,
	}
	if d.cfg.Schema != nil {
		p.SchemaVersion, p.SchemaHash = d.cfg.Schema()
	}
	return p
}

func (d *Discovery) announce(ctx context.Context) error {
	return d.send(ctx, d.presence())
}

func (d *Discovery) send(ctx context.Context, m Message) error {
	payload, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	if err := d.cfg.Transport.Send(ctx, payload); err != nil {
		return err
	}
	d.sent.Add(1)
	return nil
}

func (d *Discovery) broadcastLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if err := d.announce(d.ctx); err != nil && d.ctx.Err() == nil {
				d.logger.Warn().Err(err).Msg("Presence broadcast failed")
			}
		}
	}
}

func (d *Discovery) receiveLoop() {
	defer d.wg.Done()
	for {
		data, from, err := d.cfg.Transport.Receive(d.ctx)
		if err != nil {
			if d.ctx.Err() != nil || errors.Is(err, ErrTransportClosed) {
				return
			}
			d.logger.Warn().Err(err).Msg("Discovery receive failed")
			continue
		}
		d.handle(data, from)
	}
}

func (d *Discovery) sweepLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.Sweep()
		}
	}
}

// StaleAfter is how long a peer may stay silent before it is swept.
func (d *Discovery) StaleAfter() time.Duration {
	return time.Duration(d.cfg.StaleMultiplier) * d.cfg.BroadcastInterval
}

// Sweep removes peers that have not announced within StaleAfter.
func (d *Discovery) Sweep() []PeerInfo {
	removed := d.registry.RemoveStale(d.cfg.Now().Add(-d.StaleAfter()))
	for _, p := range removed {
		p.State = StateStale
		d.logger.Info().Str("node_id", p.NodeID).Time("last_seen", p.LastSeen).Msg("Peer went stale")
		d.Events.Publish(PeerEvent{Kind: PeerStale, Peer: p})
	}
	return removed
}

func (d *Discovery) handle(data []byte, from net.Addr) {
	msg, err := DecodeMessage(data)
	if err != nil {
		d.decodeErrors.Add(1)
		d.logger.Debug().Err(err).Msg("Ignoring discovery datagram")
		return
	}
	if msg.Sender() == d.cfg.NodeID {
		return
	}
	d.received.Add(1)

	switch m := msg.(type) {
	case *Presence:
		d.handlePresence(m, from)
	case *Goodbye:
		d.handleGoodbye(m)
	case *AuthChallenge:
		d.handleChallenge(m, from)
	case *AuthResponse:
		d.handleResponse(m, from)
	}
}

func (d *Discovery) keyHashMatches(presented string) bool {
	own := d.cfg.Keys.RegistrationKeyHash()
	return subtle.ConstantTimeCompare([]byte(own), []byte(presented)) == 1
}

func (d *Discovery) handlePresence(m *Presence, from net.Addr) {
	if m.ServiceName != d.cfg.ServiceName || !d.keyHashMatches(m.RegistrationKeyHash) {
		d.rejected.Add(1)
		// The sender stays anonymous in logs.
		d.logger.Warn().Msg("Ignoring presence with mismatched service or registration key")
		return
	}

	peer := PeerInfo{
		NodeID:              m.NodeID,
		NodeName:            m.NodeName,
		IPAddress:           peerAddress(m.Address, from),
		Port:                m.Port,
		Capabilities:        m.Capabilities,
		RegistrationKeyHash: m.RegistrationKeyHash,
		LastSeen:            d.cfg.Now(),
		IsAuthenticated:     true,
		State:               StateAuthenticated,
		SchemaVersion:       m.SchemaVersion,
		SchemaHash:          m.SchemaHash,
	}

	kind := PeerUpdated
	if d.registry.Upsert(peer) {
		kind = PeerDiscovered
		d.logger.Info().
			Str("node_id", peer.NodeID).
			Str("node_name", peer.NodeName).
			Str("address", fmt.Sprintf("%s:%d", peer.IPAddress, peer.Port)).
			Msg("Peer discovered")
	}
	d.Events.Publish(PeerEvent{Kind: kind, Peer: peer})
}

func (d *Discovery) handleGoodbye(m *Goodbye) {
	peer, ok := d.registry.Remove(m.NodeID)
	if !ok {
		return
	}
	peer.State = StateGone
	d.logger.Info().Str("node_id", peer.NodeID).Msg("Peer left")
	d.Events.Publish(PeerEvent{Kind: PeerGone, Peer: peer})
}

func peerAddress(advertised string, from net.Addr) string {
	if advertised != "" {
		return advertised
	}
	if udp, ok := from.(*net.UDPAddr); ok && udp.IP != nil {
		return udp.IP.String()
	}
	if from != nil {
		if host, _, err := net.SplitHostPort(from.String()); err == nil {
			return host
		}
	}
	return ""
}
