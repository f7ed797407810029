package events

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/claimpilot/reconciler/observability"
)

const (
	maxConnections  = 200
	writeWait       = 5 * time.Second
	broadcastBuffer = 256
)

// Hub fans events out to WebSocket clients. A single broadcast loop
// owns all writes; Publish only enqueues.
type Hub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan Event
	mu         sync.RWMutex
	log        *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan Event, broadcastBuffer),
		log:        log,
	}
}

// Publish enqueues an event for broadcast. It never blocks: when the
// buffer is full the oldest queued event is dropped to make room.
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	for {
		select {
		case h.broadcast <- ev:
			return nil
		default:
		}
		select {
		case <-h.broadcast:
			observability.EventsDropped.Inc()
		default:
		}
	}
}

// Run starts the hub's main loop. It returns when ctx is cancelled,
// closing every client connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxConnections {
				h.mu.Unlock()
				conn.Close()
				h.log.Warn("websocket connection rejected", zap.Int("max_connections", maxConnections))
				continue
			}
			h.clients[conn] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Info("websocket client registered", zap.Int("total", total))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Info("websocket client unregistered", zap.Int("total", total))

		case ev := <-h.broadcast:
			h.broadcastEvent(ev)
		}
	}
}

func (h *Hub) broadcastEvent(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			h.log.Warn("websocket write failed", zap.Error(err))
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.log.Info("shutting down websocket hub", zap.Int("clients", len(h.clients)))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// Register adds a new client connection.
func (h *Hub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
