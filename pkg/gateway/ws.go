package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second // time allowed to read the next pong
	pingPeriod = 30 * time.Second // must be less than pongWait
	writeWait  = 10 * time.Second // time allowed to write one frame
	maxMsgSize = 4 * 1024         // inbound frames are tiny subscribe requests
	sendBuffer = 256              // per-client outbound queue
)

// client is one websocket connection. writePump is the only goroutine
// that writes to conn, readPump the only one that reads, so pings,
// broadcasts, and acks never race on the socket.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu       sync.RWMutex
	channels map[string]bool
}

// serveWS upgrades the request and registers the connection with the
// hub. Authentication, when required, already ran in the middleware
// chain before this handler.
func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if len(g.cfg.AllowedOrigins) == 0 {
				return true
			}
			for _, a := range g.cfg.AllowedOrigins {
				if a == "*" || a == origin {
					return true
				}
			}
			return false
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		hub:      g.hub,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		channels: make(map[string]bool),
	}
	if !g.hub.register(c) {
		conn.Close()
		return
	}

	g.logger.Debug("websocket client connected", "remote", r.RemoteAddr)
	go c.writePump()
	go c.readPump()
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.unregister(c)
		c.conn.Close()
	})
}

func (c *client) subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channels[channel]
}

func (c *client) setChannels(names []string, on bool) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range names {
		if !knownChannels[name] {
			continue
		}
		if on {
			c.channels[name] = true
		} else {
			delete(c.channels, name)
		}
	}
	current := make([]string, 0, len(c.channels))
	for name := range c.channels {
		current = append(current, name)
	}
	return current
}

// writePump owns all writes to the socket: queued frames, batch drain,
// and keepalive pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump owns all reads and applies subscribe/unsubscribe requests.
// Malformed frames are ignored rather than killing the connection.
func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		var req inbound
		if err := json.Unmarshal(payload, &req); err != nil {
			c.hub.logger.Debug("ignoring malformed websocket frame", "error", err)
			continue
		}

		names := req.Payload.Channels
		if len(names) == 0 {
			names = req.Channels
		}

		switch req.Type {
		case "subscribe":
			c.ack("subscribed", c.setChannels(names, true))
		case "unsubscribe":
			c.ack("unsubscribed", c.setChannels(names, false))
		default:
			c.hub.logger.Debug("ignoring unknown websocket request", "type", req.Type)
		}
	}
}

// ack confirms a subscription change with the client's current set.
func (c *client) ack(kind string, channels []string) {
	frame := Frame{
		Type:      kind,
		Payload:   map[string]any{"channels": channels},
		Timestamp: c.hub.clock().UnixMilli(),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
