package handlers

import (
	"net/http"

	"github.com/xelth-com/eckmesh/internal/middleware"
	"github.com/xelth-com/eckmesh/internal/sync"
)

// openSession establishes a session for the authenticated peer, which sends
// the id back as X-Session-ID.
func (r *Router) openSession(w http.ResponseWriter, req *http.Request) {
	peer, ok := middleware.PeerFromContext(req.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "peer credential required")
		return
	}
	s, err := r.deps.Security.EstablishSecureSession(peer.NodeID, peer.Permissions)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	respondJSON(w, http.StatusCreated, sync.SessionResponse{SessionID: s.SessionID, ExpiresAt: s.ExpiresAt})
}

// receiveChunk applies one initial load chunk pushed by a peer.
func (r *Router) receiveChunk(w http.ResponseWriter, req *http.Request) {
	var chunk sync.TransferChunk
	if err := decodeBody(w, req, &chunk); err != nil {
		r.fail(w, req, err)
		return
	}
	if peer, ok := middleware.PeerFromContext(req.Context()); ok && chunk.SourceNodeID == "" {
		chunk.SourceNodeID = peer.NodeID
	}

	resp, err := r.deps.Receiver.HandleChunk(req.Context(), &chunk)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// validateTransfer answers with a verdict; a mismatch is a verdict, not an error.
func (r *Router) validateTransfer(w http.ResponseWriter, req *http.Request) {
	var body sync.ValidationRequest
	if err := decodeBody(w, req, &body); err != nil {
		r.fail(w, req, err)
		return
	}
	resp, err := r.deps.Receiver.HandleValidate(req.Context(), body)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// requestInitialLoad starts a load from this node to the requesting peer.
func (r *Router) requestInitialLoad(w http.ResponseWriter, req *http.Request) {
	var body sync.LoadRequest
	if err := decodeBody(w, req, &body); err != nil {
		r.fail(w, req, err)
		return
	}
	if body.RequestingNodeID == "" {
		respondError(w, http.StatusBadRequest, "requesting_node_id is required")
		return
	}
	if peer, ok := middleware.PeerFromContext(req.Context()); ok && peer.NodeID != body.RequestingNodeID {
		respondError(w, http.StatusForbidden, "a node may only request a load for itself")
		return
	}

	opts := r.deps.Loads.DefaultOptions()
	if len(body.SelectedTables) > 0 {
		opts.SelectedTables = body.SelectedTables
	}
	if body.CompressionEnabled != nil {
		opts.Compression = *body.CompressionEnabled
	}
	if body.EncryptionEnabled != nil {
		opts.Encryption = *body.EncryptionEnabled
	}

	// The load outlives the request.
	id, err := r.deps.Engine.StartInitialLoad(backgroundContext(req), body.RequestingNodeID, &opts)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	respondJSON(w, http.StatusAccepted, sync.LoadResponse{SessionID: id})
}

// receiveEvent applies one incremental change from a peer.
func (r *Router) receiveEvent(w http.ResponseWriter, req *http.Request) {
	var event sync.SyncEvent
	if err := decodeBody(w, req, &event); err != nil {
		r.fail(w, req, err)
		return
	}
	res, err := r.deps.Engine.ReceiveEvent(req.Context(), &event)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
