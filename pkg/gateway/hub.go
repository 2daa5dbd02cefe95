package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Broadcast channels served over /ws/metrics.
const (
	ChannelMetrics = "metrics"
	ChannelTasks   = "tasks"
	ChannelAudit   = "audit"
)

var knownChannels = map[string]bool{
	ChannelMetrics: true,
	ChannelTasks:   true,
	ChannelAudit:   true,
}

// Frame is the outbound message envelope. Timestamp is unix
// milliseconds. Sequence is a per-channel monotonic counter starting at
// 1, so subscribers can detect gaps from dropped frames.
type Frame struct {
	Type      string `json:"type"`
	Channel   string `json:"channel,omitempty"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Sequence  uint64 `json:"sequence,omitempty"`
}

// inbound is the client request envelope. Channels may arrive at the
// top level or nested under payload; both shapes are accepted.
type inbound struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
	Payload  struct {
		Channels []string `json:"channels"`
	} `json:"payload"`
}

// Hub tracks connected websocket clients and fans broadcast frames out
// to channel subscribers. Each client owns its own subscription set;
// the hub only holds the client list and the per-channel sequence
// counters.
type Hub struct {
	logger *slog.Logger
	clock  func() time.Time

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	seqMu sync.Mutex
	seq   map[string]uint64
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the hub logger.
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// WithHubClock overrides the frame timestamp source.
func WithHubClock(clock func() time.Time) HubOption {
	return func(h *Hub) { h.clock = clock }
}

// NewHub returns an empty hub ready to accept clients.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		logger:  slog.Default(),
		clock:   time.Now,
		clients: make(map[*client]struct{}),
		seq:     make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Subscribers reports how many connected clients subscribe to channel.
// Broadcasters use it to skip building snapshots nobody will receive.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if c.subscribed(channel) {
			n++
		}
	}
	return n
}

func (h *Hub) nextSequence(channel string) uint64 {
	h.seqMu.Lock()
	defer h.seqMu.Unlock()
	h.seq[channel]++
	return h.seq[channel]
}

// Broadcast sends an update frame to every open client subscribed to
// channel. Slow consumers have the frame dropped rather than stalling
// the broadcaster; marshal failures are logged and swallowed.
func (h *Hub) Broadcast(channel string, payload any) {
	frame := Frame{
		Type:      "update",
		Channel:   channel,
		Payload:   payload,
		Timestamp: h.clock().UnixMilli(),
		Sequence:  h.nextSequence(channel),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("broadcast marshal failed", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.subscribed(channel) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Debug("dropping frame for slow client", "channel", channel)
		}
	}
}

// Close disconnects every client and rejects future registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}
