// Package security authenticates peers, issues and validates credentials,
// protects payloads and keeps an audit trail.
package security

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xelth-com/eckmesh/internal/events"
)

// Config configures a Manager.
type Config struct {
	NodeID             string
	ServiceName        string
	RegistrationSecret string
	TokenTTL           time.Duration
	SessionTTL         time.Duration
	// RotationGrace keeps tokens signed with the previous secret valid for a
	// while after RotateRegistrationKey.
	RotationGrace time.Duration
	AuditCapacity int
	AuditSink     AuditSink
	Logger        zerolog.Logger
	Now           func() time.Time
}

func (c Config) withDefaults() Config {
	if c.TokenTTL <= 0 {
		c.TokenTTL = time.Hour
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
	if c.AuditCapacity <= 0 {
		c.AuditCapacity = 1000
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// PeerIdentity names the node being authenticated.
type PeerIdentity struct {
	NodeID   string `json:"nodeId"`
	NodeName string `json:"nodeName,omitempty"`
	Address  string `json:"address,omitempty"`
}

// AuthResult is the outcome of AuthenticatePeer. On failure ErrorCode holds
// one of the Code* constants.
type AuthResult struct {
	Success      bool       `json:"success"`
	Token        *AuthToken     `json:"token,omitempty"`
	RawToken     string         `json:"rawToken,omitempty"`
	Session      *SecureSession `json:"session,omitempty"`
	ErrorCode    string     `json:"errorCode,omitempty"`
	ErrorMessage string     `json:"error,omitempty"`
}

// Stats summarizes security activity since start.
type Stats struct {
	ActiveSessions      int        `json:"activeSessions"`
	AuthSuccesses       int64      `json:"authSuccesses"`
	AuthFailures        int64      `json:"authFailures"`
	TokensIssued        int64      `json:"tokensIssued"`
	TokenRejections     int64      `json:"tokenRejections"`
	AuditEntries        int        `json:"auditEntries"`
	LastKeyRotation     *time.Time `json:"lastKeyRotation,omitempty"`
	PreviousKeyAccepted bool       `json:"previousKeyAccepted"`
}

// Manager is the node's security authority. It is safe for concurrent use.
type Manager struct {
	nodeID        string
	serviceName   string
	tokenTTL      time.Duration
	sessionTTL    time.Duration
	rotationGrace time.Duration
	sink          AuditSink
	logger        zerolog.Logger
	now           func() time.Time

	mu            sync.RWMutex
	secret        string
	keyHash       string
	prevSecret    string
	prevUntil     time.Time
	lastRotation  *time.Time
	sessions      map[string]*SecureSession
	authSuccesses int64
	authFailures  int64
	tokensIssued  int64
	tokenRejects  int64

	auditLog *auditLog

	// Audits receives every audit event as it is recorded.
	Audits events.Topic[AuditEvent]
}

// NewManager creates a Manager. The registration secret is required.
func NewManager(cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	if cfg.RegistrationSecret == "" {
		return nil, ErrEmptySecret
	}

	return &Manager{
		nodeID:        cfg.NodeID,
		serviceName:   cfg.ServiceName,
		tokenTTL:      cfg.TokenTTL,
		sessionTTL:    cfg.SessionTTL,
		rotationGrace: cfg.RotationGrace,
		sink:          cfg.AuditSink,
		logger:        cfg.Logger.With().Str("component", "security").Logger(),
		now:           cfg.Now,
		secret:        cfg.RegistrationSecret,
		keyHash:       HashRegistrationKey(cfg.RegistrationSecret, cfg.ServiceName),
		sessions:      make(map[string]*SecureSession),
		auditLog:      newAuditLog(cfg.AuditCapacity),
	}, nil
}

// ServiceName returns the service name the key hash is bound to.
func (m *Manager) ServiceName() string { return m.serviceName }

// RegistrationKeyHash returns this node's derived registration key hash.
func (m *Manager) RegistrationKeyHash() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keyHash
}

// ChallengeProof proves possession of the registration secret for nonce.
func (m *Manager) ChallengeProof(nonce string) string {
	m.mu.RLock()
	secret := m.secret
	m.mu.RUnlock()
	proof, err := ChallengeProof(secret, m.serviceName, nonce)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to compute challenge proof")
		return ""
	}
	return proof
}

// MatchesKeyHash compares presented against the local hash in constant time.
func (m *Manager) MatchesKeyHash(presented string) bool {
	own := m.RegistrationKeyHash()
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(presented)), []byte(own)) == 1
}

// AuthenticatePeer verifies a peer's presented key hash and, on success,
// issues a token and establishes a session for it. It never panics; any internal failure is reported
// as an unsuccessful result.
func (m *Manager) AuthenticatePeer(peer PeerIdentity, presentedKeyHash string) (result AuthResult) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Str("node_id", peer.NodeID).Msg("Peer authentication failed internally")
			m.recordAuth(false)
			result = AuthResult{ErrorCode: CodeInternal, ErrorMessage: "internal authentication error"}
		}
	}()

	switch {
	case peer.NodeID == "":
		return m.reject(peer, CodeMissingNodeID, "node id is required")
	case presentedKeyHash == "":
		return m.reject(peer, CodeMissingKeyHash, "registration key hash is required")
	case !m.MatchesKeyHash(presentedKeyHash):
		return m.reject(peer, CodeKeyHashMismatch, "registration key hash does not match")
	}

	raw, token, err := m.IssueToken(peer.NodeID, DefaultPermissions...)
	if err != nil {
		m.logger.Error().Err(err).Str("node_id", peer.NodeID).Msg("Failed to issue peer token")
		m.recordAuth(false)
		return AuthResult{ErrorCode: CodeInternal, ErrorMessage: "failed to issue token"}
	}
	session, err := m.EstablishSecureSession(peer.NodeID, token.Permissions)
	if err != nil {
		m.logger.Error().Err(err).Str("node_id", peer.NodeID).Msg("Failed to establish peer session")
		m.recordAuth(false)
		return AuthResult{ErrorCode: CodeInternal, ErrorMessage: "failed to establish session"}
	}

	m.recordAuth(true)
	m.audit(AuditPeerAuthenticated, peer.NodeID, session.SessionID, true, "")
	m.logger.Info().Str("node_id", peer.NodeID).Str("node_name", peer.NodeName).Str("session_id", session.SessionID).Msg("Peer authenticated")
	return AuthResult{Success: true, Token: token, RawToken: raw, Session: session}
}

func (m *Manager) reject(peer PeerIdentity, code, msg string) AuthResult {
	m.recordAuth(false)
	m.audit(AuditPeerRejected, peer.NodeID, "", false, code)
	m.logger.Warn().Str("reason", code).Msg("Peer authentication rejected")
	return AuthResult{ErrorCode: code, ErrorMessage: msg}
}

func (m *Manager) recordAuth(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.authSuccesses++
	} else {
		m.authFailures++
	}
}

// IssueToken signs a credential for nodeID with the current secret.
func (m *Manager) IssueToken(nodeID string, perms ...Permission) (string, *AuthToken, error) {
	if nodeID == "" {
		return "", nil, fmt.Errorf("issue token: node id required")
	}
	if len(perms) == 0 {
		perms = DefaultPermissions
	}

	m.mu.RLock()
	secret := m.secret
	m.mu.RUnlock()

	raw, token, err := m.signToken(secret, nodeID, perms)
	if err != nil {
		return "", nil, err
	}

	m.mu.Lock()
	m.tokensIssued++
	m.mu.Unlock()
	return raw, token, nil
}

// ValidateToken re-derives the validity of raw. Tokens signed with the
// previous secret are accepted until the rotation grace window closes.
func (m *Manager) ValidateToken(raw string) (*AuthToken, error) {
	if raw == "" {
		return nil, ErrTokenMissing
	}

	m.mu.RLock()
	secret, prev, prevUntil := m.secret, m.prevSecret, m.prevUntil
	m.mu.RUnlock()

	token, err := m.parseToken(raw, secret)
	if errors.Is(err, ErrTokenSignature) && prev != "" && m.now().Before(prevUntil) {
		token, err = m.parseToken(raw, prev)
	}
	if err != nil {
		m.mu.Lock()
		m.tokenRejects++
		m.mu.Unlock()
		return nil, err
	}
	return token, nil
}

// RotateRegistrationKey replaces the registration secret. Every session is
// revoked because its key was derived from the old secret.
func (m *Manager) RotateRegistrationKey(newSecret string) error {
	if newSecret == "" {
		return ErrEmptySecret
	}

	now := m.now()
	m.mu.Lock()
	m.prevSecret = m.secret
	m.prevUntil = now.Add(m.rotationGrace)
	m.secret = newSecret
	m.keyHash = HashRegistrationKey(newSecret, m.serviceName)
	m.lastRotation = &now
	revoked := len(m.sessions)
	m.sessions = make(map[string]*SecureSession)
	m.mu.Unlock()

	m.audit(AuditKeyRotated, m.nodeID, "", true, fmt.Sprintf("revoked %d sessions", revoked))
	m.logger.Info().Int("revoked_sessions", revoked).Msg("Registration key rotated")
	return nil
}

// DeriveTransferKey returns the key both ends of an initial load derive for
// sessionID from the shared secret.
func (m *Manager) DeriveTransferKey(sessionID string) ([]byte, error) {
	m.mu.RLock()
	secret := m.secret
	m.mu.RUnlock()
	return deriveKey([]byte(secret), []byte(sessionID), "eckmesh-transfer")
}

// EncryptData encrypts payload with key.
func (m *Manager) EncryptData(payload any, key []byte) (*EncryptedPayload, error) {
	return EncryptData(payload, key)
}

// DecryptData verifies and decrypts enc with key.
func (m *Manager) DecryptData(enc *EncryptedPayload, key []byte) ([]byte, error) {
	return DecryptData(enc, key)
}

// GetAuditLogs returns up to limit of the most recent audit events, oldest first.
// A limit of zero returns the whole retained window.
func (m *Manager) GetAuditLogs(limit int) []AuditEvent {
	return m.auditLog.recent(limit)
}

// GetSecurityStats returns counters and session totals.
func (m *Manager) GetSecurityStats() Stats {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := 0
	for _, s := range m.sessions {
		if now.Before(s.ExpiresAt) {
			active++
		}
	}
	return Stats{
		ActiveSessions:      active,
		AuthSuccesses:       m.authSuccesses,
		AuthFailures:        m.authFailures,
		TokensIssued:        m.tokensIssued,
		TokenRejections:     m.tokenRejects,
		AuditEntries:        m.auditLog.len(),
		LastKeyRotation:     m.lastRotation,
		PreviousKeyAccepted: m.prevSecret != "" && now.Before(m.prevUntil),
	}
}

// Close revokes every session.
func (m *Manager) Close() {
	m.mu.Lock()
	m.sessions = make(map[string]*SecureSession)
	m.mu.Unlock()
}
