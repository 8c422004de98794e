package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IndependentRegistries(t *testing.T) {
	a := New("node-a")
	b := New("node-b")

	a.AuthAttempt(true)
	a.AuthAttempt(false)
	a.AuthAttempt(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.AuthAttempts.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(a.AuthAttempts.WithLabelValues("failure")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.AuthAttempts.WithLabelValues("failure")))
}

func TestSetPeers_DerivesOnline(t *testing.T) {
	m := New("n")

	m.SetPeers(3, 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Online))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PeersKnown))

	m.SetPeers(3, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Online))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *NodeMetrics
	assert.NotPanics(t, func() {
		m.PeerEvent("discovered")
		m.SetPeers(1, 1)
		m.AuthAttempt(true)
		m.SyncDecision("allowed")
		m.SetQueueDepth(4)
		m.QueueItem("success")
		m.InitialLoadFinished("completed")
		m.ChunkSent(10)
		m.ChunkReceived(true)
		m.EventReplicated("outbound")
	})
}

func TestHandler_ExposesMetrics(t *testing.T) {
	m := New("node-a")
	m.ChunkSent(512)
	m.SyncDecision("blocked")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	resp := rec.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `eckmesh_chunk_bytes_sent_total{node="node-a"} 512`)
	assert.Contains(t, string(body), `eckmesh_sync_decisions_total{node="node-a",outcome="blocked"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
