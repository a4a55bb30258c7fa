// Package hub fans telemetry records out to feed clients without letting a
// slow client stall the session.
package hub

import (
	"sync"

	"github.com/kstaniek/go-equip-server/internal/logging"
	"github.com/kstaniek/go-equip-server/internal/metrics"
	"github.com/kstaniek/go-equip-server/internal/telemetry"
)

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

// ParsePolicy maps "drop" or "kick" to a policy (drop on anything else).
func ParsePolicy(s string) BackpressurePolicy {
	if s == "kick" {
		return PolicyKick
	}
	return PolicyDrop
}

type Client struct {
	Out       chan telemetry.Record
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewClient allocates a client with an outbound queue of size buf.
func NewClient(buf int) *Client {
	return &Client{Out: make(chan telemetry.Record, buf), Closed: make(chan struct{})}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{}), OutBufSize: 512} }

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	prev := len(h.clients)
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetFeedClients(cur)
	if prev == 0 && cur == 1 {
		logging.L().Info("clients_first_connected")
	}
}

// Remove unregisters a client and updates metrics; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	if existed {
		delete(h.clients, c)
	}
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetFeedClients(cur)
	if existed && cur == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}

// Emit makes the hub a telemetry.Sink.
func (h *Hub) Emit(rec telemetry.Record) { h.Broadcast(rec) }

// Broadcast sends a record to all connected clients honoring the backpressure policy.
func (h *Hub) Broadcast(rec telemetry.Record) {
	clients := h.Snapshot()
	if len(clients) == 0 {
		return
	}
	depth := 0
	for _, c := range clients {
		depth = max(depth, len(c.Out))
	}
	metrics.SetQueueDepthMax(depth)
	for _, c := range clients {
		select {
		case <-c.Closed:
			continue
		default:
		}
		select {
		case c.Out <- rec:
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				c.Close() // writer exits; the feed server removes the client
			} else {
				metrics.IncHubDrop()
			}
		}
	}
}

// Snapshot returns a slice copy of current clients (read-only use).
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
