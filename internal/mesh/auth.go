package mesh

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/xelth-com/eckmesh/internal/security"
)

var (
	ErrChallengeFailed  = errors.New("auth challenge failed")
	ErrChallengeTimeout = errors.New("auth challenge timed out")
)

type pendingChallenge struct {
	target string
	nonce  string
	result chan bool
}

// resolve delivers the first outcome; later ones are dropped.
func (pc *pendingChallenge) resolve(ok bool) {
	select {
	case pc.result <- ok:
	default:
	}
}

// Challenge asks nodeID to prove it holds the shared registration secret.
// A verified response marks the peer authenticated.
func (d *Discovery) Challenge(ctx context.Context, nodeID string) error {
	nonce, err := security.RandomNonce(32)
	if err != nil {
		return err
	}
	pc := &pendingChallenge{target: nodeID, nonce: nonce, result: make(chan bool, 1)}
	id := uuid.NewString()

	d.pendingMu.Lock()
	d.pending[id] = pc
	d.pendingMu.Unlock()
	defer func() {
		d.pendingMu.Lock()
		delete(d.pending, id)
		d.pendingMu.Unlock()
	}()

	msg := &AuthChallenge{Header: d.header(), ChallengeID: id, TargetNodeID: nodeID, Nonce: nonce}
	if err := d.send(ctx, msg); err != nil {
		return fmt.Errorf("send challenge: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.ChallengeTimeout)
	defer cancel()
	select {
	case ok := <-pc.result:
		if !ok {
			return fmt.Errorf("%w: %s", ErrChallengeFailed, nodeID)
		}
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrChallengeTimeout, nodeID)
		}
		return ctx.Err()
	}
}

func (d *Discovery) handleChallenge(m *AuthChallenge, from net.Addr) {
	if m.TargetNodeID != d.cfg.NodeID {
		return
	}

	if _, known := d.registry.Get(m.NodeID); !known {
		peer := PeerInfo{
			NodeID:    m.NodeID,
			IPAddress: peerAddress("", from),
			LastSeen:  d.cfg.Now(),
			State:     StatePresent,
		}
		d.registry.Upsert(peer)
		d.Events.Publish(PeerEvent{Kind: PeerDiscovered, Peer: peer})
	}

	own := d.cfg.Keys.RegistrationKeyHash()
	resp := &AuthResponse{
		Header:              d.header(),
		ChallengeID:         m.ChallengeID,
		RegistrationKeyHash: own,
		Proof:               d.cfg.Keys.ChallengeProof(m.Nonce),
	}
	if err := d.send(d.ctx, resp); err != nil {
		d.logger.Warn().Err(err).Msg("Auth response failed")
	}
}

func (d *Discovery) handleResponse(m *AuthResponse, from net.Addr) {
	d.pendingMu.Lock()
	pc, ok := d.pending[m.ChallengeID]
	d.pendingMu.Unlock()
	if !ok || pc.target != m.NodeID {
		return
	}

	want := d.cfg.Keys.ChallengeProof(pc.nonce)
	verified := d.keyHashMatches(m.RegistrationKeyHash) && want != "" &&
		hmac.Equal([]byte(want), []byte(m.Proof))
	if !verified {
		d.rejected.Add(1)
		d.logger.Warn().Str("challenge_id", m.ChallengeID).Msg("Auth response rejected")
		pc.resolve(false)
		return
	}

	peer, known := d.registry.MarkAuthenticated(m.NodeID, d.cfg.Now())
	if !known {
		peer = PeerInfo{
			NodeID:              m.NodeID,
			IPAddress:           peerAddress("", from),
			RegistrationKeyHash: m.RegistrationKeyHash,
			LastSeen:            d.cfg.Now(),
			IsAuthenticated:     true,
			State:               StateAuthenticated,
		}
		d.registry.Upsert(peer)
	}
	d.logger.Info().Str("node_id", m.NodeID).Msg("Peer verified by challenge")
	d.Events.Publish(PeerEvent{Kind: PeerAuthenticated, Peer: peer})
	pc.resolve(true)
}

func (d *Discovery) failPending() {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	for _, pc := range d.pending {
		pc.resolve(false)
	}
}
