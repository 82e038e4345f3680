package ws

import (
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/darkden-lab/marketplace-realtime/internal/changefeed"
	"github.com/darkden-lab/marketplace-realtime/internal/metrics"
)

// ErrHubClosed is returned by Register once CloseAll has run.
var ErrHubClosed = errors.New("ws: hub closed")

// Hub tracks connected clients and fans change events out to all of them.
// It is safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool

	metrics *metrics.Metrics
}

// NewHub allocates an empty Hub. m may be nil.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		metrics: m,
	}
}

// Register adds c to the broadcast set.
func (h *Hub) Register(c *Client) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	h.clients[c.ID] = c
	n := len(h.clients)
	h.metrics.SetClients(n)
	h.mu.Unlock()

	log.Printf("ws: client %s registered (%d connected)", c.ID, n)
	return nil
}

// Unregister removes the client with the given id and closes its send
// queue. Unknown ids are ignored, so it is safe to call more than once.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, id)
	n := len(h.clients)
	h.metrics.SetClients(n)
	h.mu.Unlock()

	c.closeSend()
	log.Printf("ws: client %s unregistered (%d connected)", id, n)
}

// Publish sends event to every registered client. A client whose queue is
// full or already closed is unregistered; other clients are unaffected.
func (h *Hub) Publish(event changefeed.Event) {
	data, err := json.Marshal(NewChangeMessage(event))
	if err != nil {
		log.Printf("ws: failed to marshal %s event: %v", event.Domain, err)
		return
	}
	h.metrics.EventPublished(string(event.Domain))
	h.broadcast(data)
}

// broadcast delivers data without holding the lock, iterating a snapshot of
// the client set.
func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		err := c.enqueue(data)
		if err == nil {
			continue
		}
		reason := metrics.DropClientClosed
		if errors.Is(err, ErrSlowConsumer) {
			reason = metrics.DropSlowConsumer
		}
		h.metrics.DeliveryDropped(reason)
		log.Printf("ws: dropping client %s: %v", c.ID, err)
		h.Unregister(c.ID)
	}
}

// Size returns the number of registered clients.
func (h *Hub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll unregisters every client and rejects further registrations.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.metrics.SetClients(0)
	h.mu.Unlock()

	for _, c := range clients {
		c.closeSend()
	}
	if len(clients) > 0 {
		log.Printf("ws: closed %d clients", len(clients))
	}
}
