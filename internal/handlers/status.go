package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/xelth-com/eckmesh/internal/mesh"
)

const defaultLimit = 50

func backgroundContext(req *http.Request) context.Context {
	return context.WithoutCancel(req.Context())
}

// limitParam reads ?limit=, bounded to [1, 1000].
func limitParam(req *http.Request) int {
	n, err := strconv.Atoi(req.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > 1000 {
		return 1000
	}
	return n
}

// getNode returns this node's own peer record, schema included.
func (r *Router) getNode(w http.ResponseWriter, req *http.Request) {
	if r.deps.Self == nil {
		respondJSON(w, http.StatusOK, mesh.PeerInfo{NodeID: r.deps.NodeID})
		return
	}
	respondJSON(w, http.StatusOK, r.deps.Self())
}

func (r *Router) listPeers(w http.ResponseWriter, req *http.Request) {
	peers := []mesh.PeerInfo{}
	if r.deps.Peers != nil {
		peers = append(peers, r.deps.Peers.Peers()...)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"count": len(peers),
		"peers": peers,
	})
}

func (r *Router) getCompatibility(w http.ResponseWriter, req *http.Request) {
	report, err := r.deps.Schema.GetCompatibilityReport(req.Context())
	if err != nil {
		r.fail(w, req, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (r *Router) listDecisions(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"decisions": r.deps.Decisions.Recent(limitParam(req)),
		"stats":     r.deps.Decisions.Stats(),
		"summary":   r.deps.Decisions.IncompatibilitySummary(),
	})
}

func (r *Router) getQueue(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"stats":  r.deps.Queue.Stats(),
		"failed": r.deps.Queue.FailedItems(),
	})
}

func (r *Router) listLoads(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"active":  r.deps.Loads.ActiveSessions(),
		"history": r.deps.Loads.History(),
	})
}

func (r *Router) getLoad(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	session, ok := r.deps.Loads.GetSession(id)
	if !ok {
		respondError(w, http.StatusNotFound, "initial load session not found")
		return
	}
	respondJSON(w, http.StatusOK, session)
}

func (r *Router) cancelLoad(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if err := r.deps.Loads.CancelSession(req.Context(), id); err != nil {
		r.fail(w, req, err)
		return
	}
	session, _ := r.deps.Loads.GetSession(id)
	respondJSON(w, http.StatusOK, session)
}

func (r *Router) listAudit(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"events": r.deps.Security.GetAuditLogs(limitParam(req)),
	})
}

func (r *Router) securityStats(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, r.deps.Security.GetSecurityStats())
}
