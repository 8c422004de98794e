package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/xelth-com/eckmesh/internal/buildinfo"
	"github.com/xelth-com/eckmesh/internal/mesh"
	"github.com/xelth-com/eckmesh/internal/middleware"
	"github.com/xelth-com/eckmesh/internal/schema"
	"github.com/xelth-com/eckmesh/internal/security"
	"github.com/xelth-com/eckmesh/internal/sync"
	"github.com/xelth-com/eckmesh/internal/websocket"
)

// maxBody bounds request bodies; a chunk is the largest payload.
const maxBody = sync.MaxChunkBytes + 64<<10

// ChunkReceiver is the target side of an initial load.
type ChunkReceiver interface {
	HandleChunk(ctx context.Context, chunk *sync.TransferChunk) (sync.ChunkResponse, error)
	HandleValidate(ctx context.Context, req sync.ValidationRequest) (*sync.ValidationResponse, error)
}

// Replicator applies incoming events and starts outbound loads.
type Replicator interface {
	ReceiveEvent(ctx context.Context, event *sync.SyncEvent) (sync.ApplyResult, error)
	StartInitialLoad(ctx context.Context, nodeID string, opts *sync.LoadOptions) (string, error)
}

// LoadSessions exposes initial load sessions to operators.
type LoadSessions interface {
	DefaultOptions() sync.LoadOptions
	GetSession(sessionID string) (sync.LoadSession, bool)
	CancelSession(ctx context.Context, sessionID string) error
	ActiveSessions() []sync.LoadSession
	History() []sync.LoadSession
}

// QueueInspector reports on the offline queue.
type QueueInspector interface {
	Stats() sync.QueueStats
	FailedItems() []sync.QueueItem
}

// PeerLister lists discovered peers.
type PeerLister interface {
	Peers() []mesh.PeerInfo
}

// Compatibility reports schema compatibility with known nodes.
type Compatibility interface {
	Current() (schema.SchemaVersion, bool)
	GetCompatibilityReport(ctx context.Context) (*schema.CompatibilityReport, error)
}

// DecisionLog is the guard's history of sync decisions.
type DecisionLog interface {
	Recent(limit int) []schema.SyncDecision
	Stats() schema.GuardStats
	IncompatibilitySummary() []schema.ReasonSummary
}

// SecurityInspector reports on authentication activity.
type SecurityInspector interface {
	middleware.TokenValidator
	EstablishSecureSession(nodeID string, perms []security.Permission) (*security.SecureSession, error)
	GetAuditLogs(limit int) []security.AuditEvent
	GetSecurityStats() security.Stats
}

// Deps are the components the HTTP surface serves.
type Deps struct {
	NodeID    string
	Self      func() mesh.PeerInfo
	Security  SecurityInspector
	Receiver  ChunkReceiver
	Engine    Replicator
	Loads     LoadSessions
	Queue     QueueInspector
	Peers     PeerLister
	Schema    Compatibility
	Decisions DecisionLog
	Hub       *websocket.Hub
	Metrics   http.Handler
	Logger    zerolog.Logger
}

// Router wraps the mux router and the node components
type Router struct {
	*mux.Router
	deps Deps
	log  zerolog.Logger
}

// NewRouter creates a new HTTP router with all routes
func NewRouter(deps Deps) *Router {
	r := &Router{
		Router: mux.NewRouter(),
		deps:   deps,
		log:    deps.Logger.With().Str("component", "http").Logger(),
	}

	// Health check endpoint
	r.HandleFunc("/health", r.healthCheck).Methods("GET")
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics).Methods("GET")
	}

	auth := func(p security.Permission) mux.MiddlewareFunc {
		return middleware.RequirePeer(deps.Security, p, deps.Logger)
	}

	// Peer replication endpoints
	session := r.NewRoute().Subrouter()
	session.Use(auth(""))
	session.HandleFunc("/session", r.openSession).Methods("POST")

	load := r.NewRoute().Subrouter()
	load.Use(auth(security.PermInitialLoad))
	load.HandleFunc("/receive-chunk", r.receiveChunk).Methods("POST")
	load.HandleFunc("/validate-transfer", r.validateTransfer).Methods("POST")
	load.HandleFunc("/request-initial-load", r.requestInitialLoad).Methods("POST")

	write := r.NewRoute().Subrouter()
	write.Use(auth(security.PermSyncWrite))
	write.HandleFunc("/receive-event", r.receiveEvent).Methods("POST")

	// Operator API
	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth(security.PermSyncRead))
	api.HandleFunc("/node", r.getNode).Methods("GET")
	api.HandleFunc("/peers", r.listPeers).Methods("GET")
	api.HandleFunc("/compatibility", r.getCompatibility).Methods("GET")
	api.HandleFunc("/compatibility/decisions", r.listDecisions).Methods("GET")
	api.HandleFunc("/queue", r.getQueue).Methods("GET")
	api.HandleFunc("/initial-load", r.listLoads).Methods("GET")
	api.HandleFunc("/initial-load/{id}", r.getLoad).Methods("GET")
	api.HandleFunc("/initial-load/{id}/cancel", r.cancelLoad).Methods("POST")
	api.HandleFunc("/security/audit", r.listAudit).Methods("GET")
	api.HandleFunc("/security/stats", r.securityStats).Methods("GET")

	if deps.Hub != nil {
		ws := r.NewRoute().Subrouter()
		ws.Use(auth(security.PermSyncRead))
		ws.HandleFunc("/ws/events", func(w http.ResponseWriter, req *http.Request) {
			websocket.ServeWs(deps.Hub, w, req)
		}).Methods("GET")
	}

	return r
}

// NewServer wraps the router in an http.Server with the timeouts a node uses.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

var errBadRequest = errors.New("bad request")

// decodeBody reads a JSON body keeping numbers as json.Number so checksums
// computed by the sender stay reproducible.
func decodeBody(w http.ResponseWriter, req *http.Request, v any) error {
	raw, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBody))
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err)
	}
	return nil
}

// statusFor maps component errors to HTTP statuses.
func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, errBadRequest), errors.As(err, &verrs),
		errors.Is(err, sync.ErrInvalidEvent), errors.Is(err, sync.ErrUnknownTable):
		return http.StatusBadRequest
	case errors.Is(err, sync.ErrChecksumMismatch), errors.Is(err, sync.ErrRecordCountMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, sync.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, sync.ErrSessionTerminal), errors.Is(err, sync.ErrSyncBlocked):
		return http.StatusConflict
	case errors.Is(err, sync.ErrPeerUnavailable), errors.Is(err, sync.ErrTransient), errors.Is(err, sync.ErrQueueFull),
		errors.Is(err, schema.ErrNotInitialized):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) fail(w http.ResponseWriter, req *http.Request, err error) {
	status := statusFor(err)
	ev := r.log.Warn()
	if status >= 500 {
		ev = r.log.Error()
	}
	ev.Err(err).Str("path", req.URL.Path).Int("status", status).Msg("Request failed")
	respondError(w, status, err.Error())
}

// healthCheck returns the health status of the node
func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"nodeId": r.deps.NodeID,
		"build":  buildinfo.Get(),
	})
}
