package security

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type memorySink struct {
	mu     sync.Mutex
	events []AuditEvent
	err    error
}

func (s *memorySink) RecordAudit(_ context.Context, ev AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func newTestManager(t *testing.T, mutate ...func(*Config)) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	cfg := Config{
		NodeID:             "node-a",
		ServiceName:        "sync-v1",
		RegistrationSecret: "shared-secret",
		TokenTTL:           time.Hour,
		SessionTTL:         30 * time.Minute,
		RotationGrace:      5 * time.Minute,
		AuditCapacity:      10,
		Logger:             zerolog.Nop(),
		Now:                clock.Now,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	return m, clock
}

func TestNewManager_RequiresSecret(t *testing.T) {
	_, err := NewManager(Config{ServiceName: "sync-v1"})
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestAuthenticatePeer_Success(t *testing.T) {
	m, _ := newTestManager(t)

	res := m.AuthenticatePeer(PeerIdentity{NodeID: "node-b"}, HashRegistrationKey("shared-secret", "sync-v1"))
	require.True(t, res.Success, res.ErrorMessage)
	require.NotNil(t, res.Token)
	assert.Equal(t, "node-b", res.Token.NodeID)
	assert.ElementsMatch(t, DefaultPermissions, res.Token.Permissions)

	tok, err := m.ValidateToken(res.RawToken)
	require.NoError(t, err)
	assert.Equal(t, res.Token.TokenID, tok.TokenID)
	assert.Equal(t, res.Token.Signature, tok.Signature)

	require.NotNil(t, res.Session)
	v := m.ValidateSession(res.Session.SessionID)
	require.True(t, v.Valid)
	assert.Equal(t, "node-b", v.Session.NodeID)
	assert.ElementsMatch(t, res.Token.Permissions, v.Session.Permissions)
	assert.Equal(t, 1, m.GetSecurityStats().ActiveSessions)
}

func TestAuthenticatePeer_SessionsArePruned(t *testing.T) {
	m, clock := newTestManager(t)

	res := m.AuthenticatePeer(PeerIdentity{NodeID: "node-b"}, HashRegistrationKey("shared-secret", "sync-v1"))
	require.True(t, res.Success)
	assert.Zero(t, m.PruneSessions())

	clock.Advance(31 * time.Minute)
	assert.Equal(t, 1, m.PruneSessions())
	assert.False(t, m.ValidateSession(res.Session.SessionID).Valid)
}

func TestAuthenticatePeer_FailsClosed(t *testing.T) {
	m, _ := newTestManager(t)

	tests := []struct {
		name string
		peer PeerIdentity
		hash string
		code string
	}{
		{"missing hash", PeerIdentity{NodeID: "node-b"}, "", CodeMissingKeyHash},
		{"wrong hash", PeerIdentity{NodeID: "node-b"}, HashRegistrationKey("other", "sync-v1"), CodeKeyHashMismatch},
		{"wrong service", PeerIdentity{NodeID: "node-b"}, HashRegistrationKey("shared-secret", "sync-v2"), CodeKeyHashMismatch},
		{"missing node", PeerIdentity{}, HashRegistrationKey("shared-secret", "sync-v1"), CodeMissingNodeID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := m.AuthenticatePeer(tt.peer, tt.hash)
			assert.False(t, res.Success)
			assert.Equal(t, tt.code, res.ErrorCode)
			assert.Nil(t, res.Token)
		})
	}

	stats := m.GetSecurityStats()
	assert.Equal(t, int64(len(tests)), stats.AuthFailures)
	assert.Zero(t, stats.AuthSuccesses)
}

func TestAuthenticatePeer_RecoversFromPanic(t *testing.T) {
	m, _ := newTestManager(t)
	m.Audits.Subscribe(func(AuditEvent) { panic("observer exploded") })

	var res AuthResult
	assert.NotPanics(t, func() {
		res = m.AuthenticatePeer(PeerIdentity{NodeID: "node-b"}, HashRegistrationKey("shared-secret", "sync-v1"))
	})
	assert.False(t, res.Success)
	assert.Equal(t, CodeInternal, res.ErrorCode)
}

func TestValidateToken_Errors(t *testing.T) {
	m, clock := newTestManager(t)

	raw, _, err := m.IssueToken("node-b")
	require.NoError(t, err)

	_, err = m.ValidateToken("")
	assert.ErrorIs(t, err, ErrTokenMissing)

	_, err = m.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrTokenMalformed)

	other, _ := newTestManager(t, func(c *Config) { c.RegistrationSecret = "another-secret" })
	foreign, _, err := other.IssueToken("node-b")
	require.NoError(t, err)
	_, err = m.ValidateToken(foreign)
	assert.ErrorIs(t, err, ErrTokenSignature)

	clock.Advance(2 * time.Hour)
	_, err = m.ValidateToken(raw)
	assert.ErrorIs(t, err, ErrTokenExpired)

	assert.Equal(t, int64(3), m.GetSecurityStats().TokenRejections)
}

func TestValidateToken_RejectsOtherAlgorithms(t *testing.T) {
	m, clock := newTestManager(t)

	claims := tokenClaims{
		Permissions: DefaultPermissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "t1",
			Subject:   "node-b",
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("shared-secret"))
	require.NoError(t, err)

	_, err = m.ValidateToken(raw)
	assert.ErrorIs(t, err, ErrTokenSignature)
}

func TestRotateRegistrationKey(t *testing.T) {
	m, clock := newTestManager(t)

	oldHash := m.RegistrationKeyHash()
	raw, _, err := m.IssueToken("node-b")
	require.NoError(t, err)
	session, err := m.EstablishSecureSession("node-b", nil)
	require.NoError(t, err)

	require.NoError(t, m.RotateRegistrationKey("rotated-secret"))

	assert.NotEqual(t, oldHash, m.RegistrationKeyHash())
	assert.True(t, m.MatchesKeyHash(HashRegistrationKey("rotated-secret", "sync-v1")))
	assert.False(t, m.ValidateSession(session.SessionID).Valid)

	_, err = m.ValidateToken(raw)
	assert.NoError(t, err, "old token accepted during grace window")

	clock.Advance(6 * time.Minute)
	_, err = m.ValidateToken(raw)
	assert.ErrorIs(t, err, ErrTokenSignature)

	assert.ErrorIs(t, m.RotateRegistrationKey(""), ErrEmptySecret)
	assert.NotNil(t, m.GetSecurityStats().LastKeyRotation)
}

func TestSessions_Lifecycle(t *testing.T) {
	m, clock := newTestManager(t)

	s, err := m.EstablishSecureSession("node-b", []Permission{PermSyncRead})
	require.NoError(t, err)
	assert.Len(t, s.Key, 32)

	v := m.ValidateSession(s.SessionID)
	require.True(t, v.Valid)
	assert.Equal(t, "node-b", v.Session.NodeID)
	assert.Equal(t, []Permission{PermSyncRead}, v.Session.Permissions)

	assert.False(t, m.ValidateSession("missing").Valid)

	clock.Advance(31 * time.Minute)
	v = m.ValidateSession(s.SessionID)
	assert.False(t, v.Valid)
	assert.Equal(t, ErrSessionExpired.Error(), v.ErrorMessage)
	assert.Zero(t, m.GetSecurityStats().ActiveSessions)
}

func TestSessions_RevokeAndPrune(t *testing.T) {
	m, clock := newTestManager(t)

	a, err := m.EstablishSecureSession("node-b", nil)
	require.NoError(t, err)
	_, err = m.EstablishSecureSession("node-c", nil)
	require.NoError(t, err)

	assert.True(t, m.RevokeSession(a.SessionID))
	assert.False(t, m.RevokeSession(a.SessionID))
	assert.Equal(t, 1, m.GetSecurityStats().ActiveSessions)

	clock.Advance(time.Hour)
	assert.Equal(t, 1, m.PruneSessions())
}

func TestSessions_KeysAreDistinct(t *testing.T) {
	m, _ := newTestManager(t)

	a, err := m.EstablishSecureSession("node-b", nil)
	require.NoError(t, err)
	b, err := m.EstablishSecureSession("node-b", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.Key, b.Key)
}

func TestDeriveTransferKey_SharedBetweenNodes(t *testing.T) {
	a, _ := newTestManager(t)
	b, _ := newTestManager(t, func(c *Config) { c.NodeID = "node-b" })

	ka, err := a.DeriveTransferKey("session-1")
	require.NoError(t, err)
	kb, err := b.DeriveTransferKey("session-1")
	require.NoError(t, err)
	assert.Equal(t, ka, kb)

	other, err := a.DeriveTransferKey("session-2")
	require.NoError(t, err)
	assert.NotEqual(t, ka, other)

	enc, err := a.EncryptData([]int{1, 2, 3}, ka)
	require.NoError(t, err)
	plain, err := b.DecryptData(enc, kb)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3]`, string(plain))
}

func TestAuditLog_RingAndSink(t *testing.T) {
	sink := &memorySink{err: errors.New("disk full")}
	m, _ := newTestManager(t, func(c *Config) {
		c.AuditCapacity = 3
		c.AuditSink = sink
	})

	for i := 0; i < 5; i++ {
		_, err := m.EstablishSecureSession("node-b", nil)
		require.NoError(t, err)
	}

	logs := m.GetAuditLogs(0)
	assert.Len(t, logs, 3)
	assert.Len(t, m.GetAuditLogs(2), 2)
	assert.Equal(t, logs[2].ID, m.GetAuditLogs(1)[0].ID)
	assert.Len(t, sink.events, 5)
	assert.Equal(t, 3, m.GetSecurityStats().AuditEntries)
}

func TestAuditLog_NeverContainsSecret(t *testing.T) {
	m, _ := newTestManager(t)
	m.AuthenticatePeer(PeerIdentity{NodeID: "node-b"}, "deadbeef")
	require.NoError(t, m.RotateRegistrationKey("next-secret"))

	for _, ev := range m.GetAuditLogs(0) {
		assert.NotContains(t, ev.Detail, "shared-secret")
		assert.NotContains(t, ev.Detail, "next-secret")
		assert.NotContains(t, ev.Detail, "deadbeef")
	}
}

func TestManager_ChallengeProofFollowsSecret(t *testing.T) {
	m, _ := newTestManager(t)
	peer, _ := newTestManager(t)
	outsider, _ := newTestManager(t, func(c *Config) { c.RegistrationSecret = "guessed" })

	proof := m.ChallengeProof("nonce-1")
	assert.Equal(t, proof, peer.ChallengeProof("nonce-1"))
	assert.NotEqual(t, proof, outsider.ChallengeProof("nonce-1"))
	assert.NotEqual(t, proof, m.ChallengeProof("nonce-2"))

	require.NoError(t, m.RotateRegistrationKey("rotated-secret"))
	assert.NotEqual(t, proof, m.ChallengeProof("nonce-1"))
}
