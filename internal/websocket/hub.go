package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xelth-com/eckmesh/internal/events"
)

// Message is the envelope pushed to every listener.
type Message struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// Hub maintains the set of active listeners and fans replication events out
// to them.
type Hub struct {
	// Registered clients map: ClientID -> Client
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu  sync.RWMutex
	log zerolog.Logger
	now func() time.Time
}

// NewHub creates a new Hub instance
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[string]*Client),
		log:        log.With().Str("component", "ws").Logger(),
		now:        time.Now,
	}
}

// Run starts the hub's main loop and returns when ctx is done, closing every
// client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if old, ok := h.clients[client.ID]; ok {
				close(old.send)
			}
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.log.Debug().Str("client_id", client.ID).Msg("Listener connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if cur, ok := h.clients[client.ID]; ok && cur == client {
				delete(h.clients, client.ID)
				close(client.send)
				h.log.Debug().Str("client_id", client.ID).Msg("Listener disconnected")
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// ClientCount reports the number of connected listeners.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends one message of the given type to every listener whose
// filter accepts it. Slow listeners drop messages instead of blocking.
func (h *Hub) Broadcast(msgType string, data any) int {
	payload, err := json.Marshal(Message{Type: msgType, Time: h.now().UTC(), Data: data})
	if err != nil {
		h.log.Error().Err(err).Str("type", msgType).Msg("Failed to marshal broadcast")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for _, c := range h.clients {
		if !c.accepts(msgType) {
			continue
		}
		select {
		case c.send <- payload:
			sent++
		default:
			h.log.Warn().Str("client_id", c.ID).Str("type", msgType).Msg("Listener buffer full, message dropped")
		}
	}
	return sent
}

// Forward relays every value published on topic as msgType.
func Forward[T any](h *Hub, topic *events.Topic[T], msgType string) (unsubscribe func()) {
	return topic.Subscribe(func(v T) { h.Broadcast(msgType, v) })
}
