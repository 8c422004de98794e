package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/xelth-com/eckmesh/internal/mesh"
	"github.com/xelth-com/eckmesh/internal/schema"
)

type staticPeers []mesh.PeerInfo

func (p staticPeers) AuthenticatedPeers() []mesh.PeerInfo { return p }
func (p staticPeers) Peers() []mesh.PeerInfo              { return p }

type gateFunc func(schema.RemoteNode) schema.SyncDecision

func (f gateFunc) IsSyncAllowed(r schema.RemoteNode) schema.SyncDecision { return f(r) }

func allowExcept(blocked ...string) gateFunc {
	return func(r schema.RemoteNode) schema.SyncDecision {
		for _, b := range blocked {
			if r.NodeID == b {
				return schema.SyncDecision{NodeID: r.NodeID, Outcome: schema.OutcomeBlocked}
			}
		}
		return schema.SyncDecision{NodeID: r.NodeID, Allowed: true, Outcome: schema.OutcomeAllowed}
	}
}

type fakeSender struct {
	fail map[string]error
	sent []string
}

func (s *fakeSender) SendEvent(_ context.Context, baseURL string, _ *SyncEvent) (*ApplyResult, error) {
	if err := s.fail[baseURL]; err != nil {
		return nil, err
	}
	s.sent = append(s.sent, baseURL)
	return &ApplyResult{Applied: true}, nil
}

func peer(id, ip string) mesh.PeerInfo {
	return mesh.PeerInfo{NodeID: id, IPAddress: ip, Port: 3210, IsAuthenticated: true, State: mesh.StateAuthenticated}
}

func TestPeerBroadcaster(t *testing.T) {
	b1, b2 := peer("node-b", "10.0.0.2"), peer("node-c", "10.0.0.3")
	origin := peer("node-a", "10.0.0.1")

	tests := []struct {
		name    string
		peers   staticPeers
		gate    gateFunc
		fail    map[string]error
		wantErr error
		sent    int
	}{
		{name: "no peers", wantErr: ErrPeerUnavailable},
		{name: "only the origin", peers: staticPeers{origin}, wantErr: ErrPeerUnavailable},
		{name: "all delivered", peers: staticPeers{origin, b1, b2}, gate: allowExcept(), sent: 2},
		{name: "partial delivery", peers: staticPeers{b1, b2}, gate: allowExcept(), fail: map[string]error{b1.BaseURL(): ErrTransient}, sent: 1},
		{name: "all incompatible", peers: staticPeers{b1, b2}, gate: allowExcept("node-b", "node-c"), wantErr: ErrSyncBlocked},
		{name: "one blocked one down", peers: staticPeers{b1, b2}, gate: allowExcept("node-b"), fail: map[string]error{b2.BaseURL(): errors.New("refused")}, wantErr: ErrTransient},
		{name: "one blocked one rejects", peers: staticPeers{b1, b2}, gate: allowExcept("node-b"), fail: map[string]error{b2.BaseURL(): ErrChecksumMismatch}, wantErr: ErrChecksumMismatch},
		{name: "one rejects one down", peers: staticPeers{b1, b2}, gate: allowExcept(), fail: map[string]error{
			b1.BaseURL(): &StatusError{StatusCode: 422, Message: "checksum mismatch"},
			b2.BaseURL(): ErrTransient,
		}, wantErr: ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{fail: tt.fail}
			b := &PeerBroadcaster{Peers: tt.peers, Sender: sender, Logger: zerolog.Nop()}
			if tt.gate != nil {
				b.Gate = tt.gate
			}
			err := b.Propagate(context.Background(), newEvent(t, "orders", "o1", OpCreate, Row{"id": "o1"}))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Len(t, sender.sent, tt.sent)
		})
	}
}

func TestPeerBroadcasterRejectionIsPermanent(t *testing.T) {
	b1, b2 := peer("node-b", "10.0.0.2"), peer("node-c", "10.0.0.3")
	sender := &fakeSender{fail: map[string]error{
		b1.BaseURL(): &StatusError{StatusCode: 422, Message: "checksum mismatch"},
		b2.BaseURL(): &StatusError{StatusCode: 400, Message: "invalid sync event"},
	}}
	b := &PeerBroadcaster{Peers: staticPeers{b1, b2}, Gate: allowExcept(), Sender: sender, Logger: zerolog.Nop()}

	err := b.Propagate(context.Background(), newEvent(t, "orders", "o1", OpCreate, Row{"id": "o1"}))
	is := assert.New(t)
	is.Error(err)
	is.NotErrorIs(err, ErrTransient)
	is.True(IsPermanent(err))
	var se *StatusError
	is.ErrorAs(err, &se)
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", ErrTransient, false},
		{"wrapped transient", fmt.Errorf("send: %w", ErrTransient), false},
		{"peer rejection", &StatusError{StatusCode: 409}, true},
		{"wrapped rejection", fmt.Errorf("send: %w", &StatusError{StatusCode: 422}), true},
		{"checksum", ErrChecksumMismatch, true},
		{"record count", ErrRecordCountMismatch, true},
		{"validation", ErrValidationFailed, true},
		{"invalid event", fmt.Errorf("%w: missing id", ErrInvalidEvent), true},
		{"blocked", ErrSyncBlocked, false},
		{"unavailable", ErrPeerUnavailable, false},
		{"unclassified", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPermanent(tt.err))
		})
	}
}

func TestRemoteFromPeer(t *testing.T) {
	p := peer("node-b", "10.0.0.2")
	p.SchemaVersion, p.SchemaHash = "1.2.0", "abc"
	r := RemoteFromPeer(p)
	assert.Equal(t, "node-b", r.NodeID)
	assert.Equal(t, "1.2.0", r.SchemaVersion)
	assert.True(t, r.IsActive)

	p.State = mesh.StateStale
	assert.False(t, RemoteFromPeer(p).IsActive)
}
