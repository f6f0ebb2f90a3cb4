package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/telemetry.report/internal/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	clientBuffer   = 64
)

// message is the websocket envelope.
type message struct {
	Type    string `json:"type"` // "record" or "event"
	Payload any    `json:"payload"`
}

// Hub fans analytics records out to websocket clients. Plain records are
// decimated to at most one per Interval; records carrying anomalies,
// violations or runs are always sent. Slow clients are disconnected.
type Hub struct {
	Interval time.Duration

	upgrader   websocket.Upgrader
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu       sync.Mutex
	clients  map[*client]bool
	lastSent time.Time

	drops prometheus.Counter
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub returns a hub. drops may be nil.
func NewHub(interval time.Duration, drops prometheus.Counter) *Hub {
	return &Hub{
		Interval:   interval,
		upgrader:   websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		clients:    make(map[*client]bool),
		drops:      drops,
	}
}

// Run delivers broadcasts until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			log.Printf("[api] websocket client registered: %s", c.conn.RemoteAddr())

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					log.Printf("[api] websocket client %s too slow, removing", c.conn.RemoteAddr())
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Publish implements the pipeline sink. It never blocks.
func (h *Hub) Publish(rec telemetry.AnalyticsRecord) {
	notable := len(rec.Anomalies) > 0 || len(rec.Violations) > 0 || len(rec.NewRuns) > 0
	h.mu.Lock()
	if len(h.clients) == 0 || (!notable && h.Interval > 0 && rec.Timestamp.Sub(h.lastSent) < h.Interval) {
		h.mu.Unlock()
		return
	}
	h.lastSent = rec.Timestamp
	h.mu.Unlock()

	typ := "record"
	if notable {
		typ = "event"
	}
	b, err := json.Marshal(message{Type: typ, Payload: rec})
	if err != nil {
		log.Printf("[api] marshal record: %v", err)
		return
	}
	select {
	case h.broadcast <- b:
	default:
		if h.drops != nil {
			h.drops.Inc()
		}
	}
}

// ServeHTTP upgrades the connection and attaches a client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[api] websocket upgrade: %v", err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, clientBuffer)}
	select {
	case h.register <- c:
	case <-r.Context().Done():
		conn.Close()
		return
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// readPump discards client messages and detects disconnects.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[api] websocket read: %v", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
