// Package ws streams engine events to dashboard clients over WebSocket.
// The hub subscribes to the in-process event bus and broadcasts each event
// as a JSON envelope; clients may narrow the stream to the event kinds they
// care about.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantfold/chainbot/internal/domain"
	"github.com/quantfold/chainbot/internal/eventbus"
)

const (
	writeWait = 10 * time.Second

	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096

	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the CORS middleware in front of the
		// REST API; the websocket accepts any origin.
		return true
	},
}

// envelope is the wire form of one broadcast event.
type envelope struct {
	Type    string       `json:"type"`
	Payload domain.Event `json:"payload"`
}

// subscribeMsg is the JSON control frame a client sends to narrow or widen
// its event stream, e.g. {"action":"subscribe","kinds":["trade_closed"]}.
type subscribeMsg struct {
	Action string   `json:"action"`
	Kinds  []string `json:"kinds"`
}

// client is one connected dashboard.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu sync.RWMutex
	// kinds holds the client's filter. Empty means all kinds.
	kinds map[string]bool
}

// StatusFunc supplies the engine snapshot sent to every client on connect.
type StatusFunc func() domain.EngineStatus

// Hub fans engine events out to connected WebSocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool

	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client

	// done is closed when Run exits so client goroutines never block on
	// register/unregister afterwards.
	done chan struct{}

	status StatusFunc
	logger *slog.Logger
}

type broadcastMsg struct {
	kind string
	data []byte
}

// NewHub creates a Hub. status may be nil, in which case no snapshot is sent
// on connect.
func NewHub(status StatusFunc, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		status:     status,
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Attach subscribes the hub to the engine event bus. The returned function
// detaches it.
func (h *Hub) Attach(bus *eventbus.Bus) func() {
	return bus.Subscribe(func(ev domain.Event) {
		data, err := json.Marshal(envelope{
			Type:    string(ev.Kind()),
			Payload: ev,
		})
		if err != nil {
			h.logger.Error("marshal event failed",
				slog.String("kind", string(ev.Kind())),
				slog.String("error", err.Error()),
			)
			return
		}
		select {
		case h.broadcast <- broadcastMsg{kind: string(ev.Kind()), data: data}:
		default:
			h.logger.Warn("broadcast buffer full, dropping event",
				slog.String("kind", string(ev.Kind())),
			)
		}
	})
}

// Run drives registration, unregistration and broadcasting until ctx is
// cancelled. Call it in a goroutine.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("total_clients", total))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("total_clients", total))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(msg.kind) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.Warn("dropping event for slow client",
						slog.String("kind", msg.kind),
					)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBufferSize),
		kinds: make(map[string]bool),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	c.sendStatusSnapshot()

	go c.writePump()
	go c.readPump()
}

// sendStatusSnapshot pushes the current engine status so clients can render
// immediately instead of waiting for the next event.
func (c *client) sendStatusSnapshot() {
	if c.hub.status == nil {
		return
	}
	data, err := json.Marshal(map[string]any{
		"type":    "status_snapshot",
		"payload": c.hub.status(),
	})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// wants reports whether the client's filter admits the given event kind.
func (c *client) wants(kind string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.kinds) == 0 {
		return true
	}
	return c.kinds[kind]
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		for _, k := range msg.Kinds {
			c.kinds[k] = true
		}
	case "unsubscribe":
		for _, k := range msg.Kinds {
			delete(c.kinds, k)
		}
	case "reset":
		// Back to the unfiltered stream.
		c.kinds = make(map[string]bool)
	}
}

// readPump consumes control frames from the client and keeps the read
// deadline fresh via pong handling.
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
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close error",
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var sub subscribeMsg
		if jsonErr := json.Unmarshal(message, &sub); jsonErr == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

// writePump pushes events as JSON text frames and pings for keepalive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
