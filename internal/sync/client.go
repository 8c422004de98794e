package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/xelth-com/eckmesh/internal/mesh"
	"github.com/xelth-com/eckmesh/internal/security"
)

// TokenIssuer signs the bearer credential attached to outbound calls.
type TokenIssuer interface {
	IssueToken(nodeID string, perms ...security.Permission) (string, *security.AuthToken, error)
}

// sessionRenewal is how long before expiry a cached session is replaced.
const sessionRenewal = time.Minute

// PeerClient calls the replication endpoints of other nodes. With a token
// issuer it opens a session per peer and sends it as X-Session-ID.
type PeerClient struct {
	nodeID string
	tokens TokenIssuer
	http   *http.Client
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]SessionResponse
}

// NewPeerClient returns a client that identifies as nodeID.
func NewPeerClient(nodeID string, tokens TokenIssuer, timeout time.Duration) *PeerClient {
	return &PeerClient{
		nodeID:   nodeID,
		tokens:   tokens,
		http:     mesh.NewHTTPClient(timeout),
		now:      time.Now,
		sessions: make(map[string]SessionResponse),
	}
}

// makeAuthenticatedRequest creates a JSON request carrying a Bearer token and,
// when set, the session id.
func (c *PeerClient) makeAuthenticatedRequest(ctx context.Context, method, url, sessionID string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Node-ID", c.nodeID)
	if c.tokens != nil {
		token, _, err := c.tokens.IssueToken(c.nodeID)
		if err != nil {
			return nil, fmt.Errorf("issue token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if sessionID != "" {
		req.Header.Set("X-Session-ID", sessionID)
	}
	return req, nil
}

// post sends payload within a session and decodes the answer into out. A
// session the peer no longer knows is reopened once.
func (c *PeerClient) post(ctx context.Context, baseURL, path string, payload, out any) error {
	if c.tokens == nil {
		return c.do(ctx, baseURL, path, "", payload, out)
	}
	sessionID, err := c.session(ctx, baseURL)
	if err != nil {
		return err
	}
	err = c.do(ctx, baseURL, path, sessionID, payload, out)
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized || !strings.HasPrefix(se.Code, "SESSION_") {
		return err
	}
	c.forgetSession(baseURL)
	if sessionID, err = c.session(ctx, baseURL); err != nil {
		return err
	}
	return c.do(ctx, baseURL, path, sessionID, payload, out)
}

// session returns a live session id for the peer at baseURL.
func (c *PeerClient) session(ctx context.Context, baseURL string) (string, error) {
	c.mu.Lock()
	s, ok := c.sessions[baseURL]
	c.mu.Unlock()
	if ok && c.now().Add(sessionRenewal).Before(s.ExpiresAt) {
		return s.SessionID, nil
	}

	var resp SessionResponse
	if err := c.do(ctx, baseURL, "/session", "", struct{}{}, &resp); err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	if resp.SessionID == "" {
		return "", errors.New("open session: peer returned no session id")
	}
	c.mu.Lock()
	c.sessions[baseURL] = resp
	c.mu.Unlock()
	return resp.SessionID, nil
}

func (c *PeerClient) forgetSession(baseURL string) {
	c.mu.Lock()
	delete(c.sessions, baseURL)
	c.mu.Unlock()
}

// do performs one POST. Network failures and 5xx answers wrap ErrTransient;
// other non-2xx answers are permanent.
func (c *PeerClient) do(ctx context.Context, baseURL, path, sessionID string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	url := strings.TrimRight(baseURL, "/") + path
	req, err := c.makeAuthenticatedRequest(ctx, http.MethodPost, url, sessionID, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: POST %s: %v", ErrTransient, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		msg, _ := errorText(raw)
		return fmt.Errorf("%w: POST %s: HTTP %d: %s", ErrTransient, url, resp.StatusCode, msg)
	}
	if resp.StatusCode >= 400 {
		msg, code := errorText(raw)
		return &StatusError{StatusCode: resp.StatusCode, Code: code, Message: msg}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// StatusError is a non-retryable HTTP rejection from a peer.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("peer rejected request: HTTP %d: %s", e.StatusCode, e.Message)
}

// errorText extracts {"error": "...", "code": "..."} bodies written by the
// peer's handlers.
func errorText(raw []byte) (msg, code string) {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error, body.Code
	}
	return strings.TrimSpace(string(raw)), ""
}

// SendChunk implements ChunkTransport.
func (c *PeerClient) SendChunk(ctx context.Context, target Target, chunk *TransferChunk) error {
	var ack ChunkResponse
	if err := c.post(ctx, target.BaseURL, "/receive-chunk", chunk, &ack); err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("chunk %s rejected: %s", chunk.ChunkID, ack.Error)
	}
	return nil
}

// ValidateTransfer implements ChunkTransport. A peer that answers 422 with a
// verdict body is treated as an answer, not a failure.
func (c *PeerClient) ValidateTransfer(ctx context.Context, target Target, req ValidationRequest) (*ValidationResponse, error) {
	var resp ValidationResponse
	err := c.post(ctx, target.BaseURL, "/validate-transfer", req, &resp)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusUnprocessableEntity {
		return &ValidationResponse{Valid: false, Error: se.Message}, nil
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendEvent delivers one incremental change to a peer.
func (c *PeerClient) SendEvent(ctx context.Context, baseURL string, event *SyncEvent) (*ApplyResult, error) {
	var res ApplyResult
	if err := c.post(ctx, baseURL, "/receive-event", event, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RequestInitialLoad asks the peer at baseURL to push its tables to this node.
func (c *PeerClient) RequestInitialLoad(ctx context.Context, baseURL string, req LoadRequest) (string, error) {
	var resp LoadResponse
	if err := c.post(ctx, baseURL, "/request-initial-load", req, &resp); err != nil {
		return "", err
	}
	return resp.SessionID, nil
}
