package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/xelth-com/eckmesh/internal/mesh"
	"github.com/xelth-com/eckmesh/internal/schema"
)

// PeerSource lists peers that passed discovery authentication.
type PeerSource interface {
	AuthenticatedPeers() []mesh.PeerInfo
}

// SyncGate decides whether replication with a remote node may proceed.
type SyncGate interface {
	IsSyncAllowed(remote schema.RemoteNode) schema.SyncDecision
}

// EventSender delivers one event to the peer at baseURL.
type EventSender interface {
	SendEvent(ctx context.Context, baseURL string, event *SyncEvent) (*ApplyResult, error)
}

// RemoteFromPeer converts a discovered peer into the guard's input.
func RemoteFromPeer(p mesh.PeerInfo) schema.RemoteNode {
	return schema.RemoteNode{
		NodeID:        p.NodeID,
		NodeName:      p.NodeName,
		SchemaVersion: p.SchemaVersion,
		SchemaHash:    p.SchemaHash,
		IsActive:      p.State != mesh.StateGone && p.State != mesh.StateStale,
		LastSeen:      p.LastSeen,
	}
}

// PeerBroadcaster is the ChangeTracker used by the offline queue: it pushes
// an event to every authenticated peer whose schema is compatible.
type PeerBroadcaster struct {
	Peers   PeerSource
	Gate    SyncGate
	Sender  EventSender
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Propagate succeeds when at least one peer accepted the event. When every
// reachable peer rejected it permanently the error is not transient.
func (b *PeerBroadcaster) Propagate(ctx context.Context, event *SyncEvent) error {
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var candidates, blocked, delivered, rejected int
	var lastErr error
	for _, p := range b.Peers.AuthenticatedPeers() {
		if p.NodeID == event.SourceNodeID {
			continue
		}
		candidates++
		if b.Gate != nil {
			if d := b.Gate.IsSyncAllowed(RemoteFromPeer(p)); !d.Allowed {
				blocked++
				continue
			}
		}

		sendCtx, cancel := context.WithTimeout(ctx, timeout)
		_, err := b.Sender.SendEvent(sendCtx, p.BaseURL(), event)
		cancel()
		if err != nil {
			lastErr = err
			if IsPermanent(err) {
				rejected++
			}
			b.Logger.Debug().Err(err).Str("peer", p.NodeID).Str("event_id", event.EventID).Msg("Event delivery failed")
			continue
		}
		delivered++
	}

	switch {
	case delivered > 0:
		return nil
	case candidates == 0:
		return fmt.Errorf("%w: no authenticated peers", ErrPeerUnavailable)
	case blocked == candidates:
		return fmt.Errorf("%w: all %d peers incompatible", ErrSyncBlocked, candidates)
	case rejected == candidates-blocked:
		return fmt.Errorf("rejected by all %d reachable peers: %w", rejected, lastErr)
	default:
		return fmt.Errorf("%w: delivered to none of %d peers: %v", ErrTransient, candidates, lastErr)
	}
}
