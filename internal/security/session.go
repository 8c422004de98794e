package security

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SecureSession is an established, time-bound association with a peer.
type SecureSession struct {
	SessionID   string       `json:"sessionId"`
	NodeID      string       `json:"nodeId"`
	Key         []byte       `json:"-"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"createdAt"`
	ExpiresAt   time.Time    `json:"expiresAt"`
}

// SessionValidation is the result of ValidateSession.
type SessionValidation struct {
	Valid        bool           `json:"valid"`
	Session      *SecureSession `json:"session,omitempty"`
	ErrorMessage string         `json:"error,omitempty"`
}

// EstablishSecureSession creates a session for nodeID with a fresh key.
func (m *Manager) EstablishSecureSession(nodeID string, perms []Permission) (*SecureSession, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("establish session: node id required")
	}
	if len(perms) == 0 {
		perms = DefaultPermissions
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("establish session: %w", err)
	}

	m.mu.RLock()
	secret := m.secret
	m.mu.RUnlock()

	key, err := deriveKey([]byte(secret), salt, "eckmesh-session:"+nodeID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	session := &SecureSession{
		SessionID:   uuid.NewString(),
		NodeID:      nodeID,
		Key:         key,
		Permissions: append([]Permission(nil), perms...),
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.sessionTTL),
	}

	m.mu.Lock()
	m.sessions[session.SessionID] = session
	m.mu.Unlock()

	m.audit(AuditSessionEstablished, nodeID, session.SessionID, true, "")
	return session.clone(), nil
}

// ValidateSession reports whether sessionID names a live session. Expired
// sessions are dropped when they are found.
func (m *Manager) ValidateSession(sessionID string) SessionValidation {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	expired := ok && !m.now().Before(session.ExpiresAt)
	if expired {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return SessionValidation{ErrorMessage: ErrSessionNotFound.Error()}
	}
	if expired {
		m.audit(AuditSessionExpired, session.NodeID, sessionID, false, "")
		return SessionValidation{ErrorMessage: ErrSessionExpired.Error()}
	}
	return SessionValidation{Valid: true, Session: session.clone()}
}

// RevokeSession destroys a session. It reports whether the session existed.
func (m *Manager) RevokeSession(sessionID string) bool {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if ok {
		m.audit(AuditSessionRevoked, session.NodeID, sessionID, true, "")
	}
	return ok
}

// PruneSessions drops every expired session and returns how many were removed.
func (m *Manager) PruneSessions() int {
	now := m.now()
	var expired []*SecureSession

	m.mu.Lock()
	for id, s := range m.sessions {
		if !now.Before(s.ExpiresAt) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.audit(AuditSessionExpired, s.NodeID, s.SessionID, false, "")
	}
	return len(expired)
}

func (s *SecureSession) clone() *SecureSession {
	c := *s
	c.Key = append([]byte(nil), s.Key...)
	c.Permissions = append([]Permission(nil), s.Permissions...)
	return &c
}
