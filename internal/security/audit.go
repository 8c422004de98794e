package security

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Audit event names
const (
	AuditPeerAuthenticated  = "peer_authenticated"
	AuditPeerRejected       = "peer_rejected"
	AuditTokenIssued        = "token_issued"
	AuditTokenRejected      = "token_rejected"
	AuditSessionEstablished = "session_established"
	AuditSessionRevoked     = "session_revoked"
	AuditSessionExpired     = "session_expired"
	AuditKeyRotated         = "registration_key_rotated"
)

// AuditEvent is one security relevant occurrence. It never carries secrets
// or key material.
type AuditEvent struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"`
	NodeID    string    `json:"nodeId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Success   bool      `json:"success"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditSink persists audit events beyond the in-memory window.
type AuditSink interface {
	RecordAudit(ctx context.Context, ev AuditEvent) error
}

// auditLog is a fixed capacity ring; the oldest entry is overwritten first.
type auditLog struct {
	mu      sync.Mutex
	entries []AuditEvent
	next    int
	full    bool
}

func newAuditLog(capacity int) *auditLog {
	return &auditLog{entries: make([]AuditEvent, capacity)}
}

func (a *auditLog) append(ev AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.entries[a.next] = ev
	a.next = (a.next + 1) % len(a.entries)
	if a.next == 0 {
		a.full = true
	}
}

// recent returns up to limit newest entries in chronological order.
func (a *auditLog) recent(limit int) []AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.next
	if a.full {
		size = len(a.entries)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]AuditEvent, 0, limit)
	start := a.next - limit
	for i := 0; i < limit; i++ {
		idx := (start + i + len(a.entries)) % len(a.entries)
		out = append(out, a.entries[idx])
	}
	return out
}

func (a *auditLog) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.full {
		return len(a.entries)
	}
	return a.next
}

func (m *Manager) audit(event, nodeID, sessionID string, success bool, detail string) {
	ev := AuditEvent{
		ID:        uuid.NewString(),
		Event:     event,
		NodeID:    nodeID,
		SessionID: sessionID,
		Success:   success,
		Detail:    detail,
		Timestamp: m.now(),
	}
	m.auditLog.append(ev)

	if m.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.sink.RecordAudit(ctx, ev); err != nil {
			m.logger.Warn().Err(err).Str("event", event).Msg("Failed to persist audit event")
		}
	}

	m.Audits.Publish(ev)
}
