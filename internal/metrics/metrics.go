// Package metrics provides Prometheus metrics for a replication node.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NodeMetrics holds all Prometheus metrics for one node. A nil *NodeMetrics
// is valid and records nothing.
type NodeMetrics struct {
	Registry *prometheus.Registry

	// Discovery
	PeerEvents         *prometheus.CounterVec // labels: kind
	PeersKnown         prometheus.Gauge
	PeersAuthenticated prometheus.Gauge
	Online             prometheus.Gauge

	// Security
	AuthAttempts *prometheus.CounterVec // labels: result

	// Compatibility guard
	SyncDecisions *prometheus.CounterVec // labels: outcome

	// Offline queue
	QueueDepth     prometheus.Gauge
	QueueProcessed *prometheus.CounterVec // labels: result

	// Initial load
	InitialLoads     *prometheus.CounterVec // labels: status
	ChunksSent       prometheus.Counter
	ChunkBytesSent   prometheus.Counter
	ChunksReceived   *prometheus.CounterVec // labels: result
	EventsReplicated *prometheus.CounterVec // labels: direction
}

// New registers every metric on a fresh registry labelled with nodeID.
func New(nodeID string) *NodeMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	constLabels := prometheus.Labels{"node": nodeID}
	f := promauto.With(reg)

	return &NodeMetrics{
		Registry: reg,

		PeerEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "eckmesh_peer_events_total",
			Help:        "Peer registry transitions by kind",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		PeersKnown: f.NewGauge(prometheus.GaugeOpts{
			Name:        "eckmesh_peers_known",
			Help:        "Peers currently in the registry",
			ConstLabels: constLabels,
		}),
		PeersAuthenticated: f.NewGauge(prometheus.GaugeOpts{
			Name:        "eckmesh_peers_authenticated",
			Help:        "Authenticated peers currently in the registry",
			ConstLabels: constLabels,
		}),
		Online: f.NewGauge(prometheus.GaugeOpts{
			Name:        "eckmesh_online",
			Help:        "1 if at least one authenticated peer is reachable",
			ConstLabels: constLabels,
		}),

		AuthAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "eckmesh_auth_attempts_total",
			Help:        "Peer authentication attempts by result",
			ConstLabels: constLabels,
		}, []string{"result"}),

		SyncDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "eckmesh_sync_decisions_total",
			Help:        "Compatibility guard decisions by outcome",
			ConstLabels: constLabels,
		}, []string{"outcome"}),

		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name:        "eckmesh_queue_pending",
			Help:        "Unprocessed items in the offline queue",
			ConstLabels: constLabels,
		}),
		QueueProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "eckmesh_queue_processed_total",
			Help:        "Offline queue item outcomes",
			ConstLabels: constLabels,
		}, []string{"result"}),

		InitialLoads: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "eckmesh_initial_loads_total",
			Help:        "Initial load sessions reaching a terminal status",
			ConstLabels: constLabels,
		}, []string{"status"}),
		ChunksSent: f.NewCounter(prometheus.CounterOpts{
			Name:        "eckmesh_chunks_sent_total",
			Help:        "Initial load chunks delivered to peers",
			ConstLabels: constLabels,
		}),
		ChunkBytesSent: f.NewCounter(prometheus.CounterOpts{
			Name:        "eckmesh_chunk_bytes_sent_total",
			Help:        "Initial load payload bytes delivered to peers",
			ConstLabels: constLabels,
		}),
		ChunksReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "eckmesh_chunks_received_total",
			Help:        "Initial load chunks received by result",
			ConstLabels: constLabels,
		}, []string{"result"}),
		EventsReplicated: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "eckmesh_events_replicated_total",
			Help:        "Sync events by direction",
			ConstLabels: constLabels,
		}, []string{"direction"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *NodeMetrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *NodeMetrics) PeerEvent(kind string) {
	if m == nil {
		return
	}
	m.PeerEvents.WithLabelValues(kind).Inc()
}

func (m *NodeMetrics) SetPeers(known, authenticated int) {
	if m == nil {
		return
	}
	m.PeersKnown.Set(float64(known))
	m.PeersAuthenticated.Set(float64(authenticated))
	if authenticated > 0 {
		m.Online.Set(1)
	} else {
		m.Online.Set(0)
	}
}

func (m *NodeMetrics) AuthAttempt(success bool) {
	if m == nil {
		return
	}
	m.AuthAttempts.WithLabelValues(result(success)).Inc()
}

func (m *NodeMetrics) SyncDecision(outcome string) {
	if m == nil {
		return
	}
	m.SyncDecisions.WithLabelValues(outcome).Inc()
}

func (m *NodeMetrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *NodeMetrics) QueueItem(outcome string) {
	if m == nil {
		return
	}
	m.QueueProcessed.WithLabelValues(outcome).Inc()
}

func (m *NodeMetrics) InitialLoadFinished(status string) {
	if m == nil {
		return
	}
	m.InitialLoads.WithLabelValues(status).Inc()
}

func (m *NodeMetrics) ChunkSent(bytes int) {
	if m == nil {
		return
	}
	m.ChunksSent.Inc()
	m.ChunkBytesSent.Add(float64(bytes))
}

func (m *NodeMetrics) ChunkReceived(success bool) {
	if m == nil {
		return
	}
	m.ChunksReceived.WithLabelValues(result(success)).Inc()
}

func (m *NodeMetrics) EventReplicated(direction string) {
	if m == nil {
		return
	}
	m.EventsReplicated.WithLabelValues(direction).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
