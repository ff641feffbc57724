package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

const (
	// Time allowed to write one message to a subscriber
	writeWait = 10 * time.Second
	// Messages queued per subscriber before it counts as stalled
	sendBuffer = 256
)

// wsClient queues outgoing messages; only its write loop touches the conn
// for writing.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

func newClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// enqueue never blocks. A full queue reports false.
func (c *wsClient) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Hub broadcasts events to websocket subscribers. Snapshot, when set,
// produces the events a new subscriber receives first and the periodic
// broadcast of Run.
type Hub struct {
	mu        sync.RWMutex
	clients   map[*wsClient]struct{}
	snapshot  func() []Event
	writeWait time.Duration
	log       *zap.Logger
}

// NewHub creates a hub with no subscribers
func NewHub(snapshot func() []Event, log *zap.Logger) *Hub {
	return &Hub{
		clients:   make(map[*wsClient]struct{}),
		snapshot:  snapshot,
		writeWait: writeWait,
		log:       log,
	}
}

// Publish queues ev for every subscriber and returns without waiting for
// the writes. Subscribers whose queue is full are dropped.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Kind, err)
	}
	h.broadcast(data)
	return nil
}

// Subscribers returns the number of connected clients
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	var dead []*wsClient
	for c := range h.clients {
		if !c.enqueue(data) {
			dead = append(dead, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range dead {
		h.log.Debug("dropping stalled websocket client", zap.String("remote", c.conn.RemoteAddr().String()))
		h.remove(c)
	}
}

// writeLoop drains c.send until the client is removed or a write fails
func (h *Hub) writeLoop(c *wsClient) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.log.Debug("dropping websocket client", zap.Error(err))
				h.remove(c)
				return
			}
		}
	}
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.done)
		c.conn.Close()
	}
}

// ServeHTTP upgrades the connection, sends the current snapshot and keeps
// the client subscribed until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := newClient(conn)
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	go h.writeLoop(client)

	for _, ev := range h.snapshots() {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if !client.enqueue(data) {
			h.remove(client)
			return
		}
	}

	// Subscribers only listen; reading detects the disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(client)
			return
		}
	}
}

// Run broadcasts the snapshot every interval until ctx is done
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ev := range h.snapshots() {
				if err := h.Publish(ctx, ev); err != nil {
					h.log.Warn("failed to broadcast snapshot", zap.Error(err))
				}
			}
		}
	}
}

func (h *Hub) snapshots() []Event {
	if h.snapshot == nil {
		return nil
	}
	return h.snapshot()
}
