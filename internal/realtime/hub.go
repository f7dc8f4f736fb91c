// Package realtime streams console events to websocket clients.
//
// State-like events (stage, progress, connection, device) are retained: a
// client that connects mid-deployment first receives the latest of each.
package realtime

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	EventStage      = "deploy.stage"
	EventTimeout    = "timeout"
	EventProgress   = "ota.progress"
	EventConnection = "device.connection"
	EventDevice     = "device.config"
)

// retained lists the event types replayed to new clients, in replay order.
var retained = []string{EventConnection, EventDevice, EventStage, EventProgress}

const (
	sendBuffer   = 32
	pingInterval = 25 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 5 * time.Second
)

type Event struct {
	Type string    `json:"type"`
	Data any       `json:"data,omitempty"`
	At   time.Time `json:"at"`
}

type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	last    map[string][]byte
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	// types is nil when the client takes every event.
	types map[string]bool
}

func (c *client) wants(eventType string) bool {
	return c.types == nil || c.types[eventType]
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The console binds to the operator's machine.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		clients: map[*client]struct{}{},
		last:    map[string][]byte{},
	}
}

// ServeHTTP upgrades the request. An optional types query parameter, a comma
// separated list of event types, narrows what the client receives.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	types := parseTypes(r.URL.Query().Get("types"))
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer), types: types}
	h.join(c)

	go h.writeLoop(c)
	h.readLoop(c)
}

func parseTypes(raw string) map[string]bool {
	if raw == "" {
		return nil
	}
	types := map[string]bool{}
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[t] = true
		}
	}
	return types
}

// Publish sends an event of the given type to every interested client.
func (h *Hub) Publish(eventType string, data any) {
	h.Broadcast(Event{Type: eventType, Data: data})
}

func (h *Hub) Broadcast(ev Event) {
	ev.At = time.Now().UTC()
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if isRetained(ev.Type) {
		h.last[ev.Type] = b
	}
	for c := range h.clients {
		if c.wants(ev.Type) {
			h.offer(c, b)
		}
	}
}

func isRetained(eventType string) bool {
	for _, t := range retained {
		if t == eventType {
			return true
		}
	}
	return false
}

// offer queues b for c and drops a client whose buffer is full. Callers hold
// h.mu.
func (h *Hub) offer(c *client, b []byte) {
	select {
	case c.send <- b:
	default:
		h.dropLocked(c)
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// join registers c and queues the retained events it asked for. Holding h.mu
// across both keeps a concurrent Broadcast from landing before the replay.
func (h *Hub) join(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	for _, t := range retained {
		if b, ok := h.last[t]; ok && c.wants(t) {
			h.offer(c, b)
		}
	}
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	_ = c.conn.Close()
}

// readLoop only serves pongs and close frames; clients send nothing else.
func (h *Hub) readLoop(c *client) {
	defer h.leave(c)
	c.conn.SetReadLimit(512)
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) }
	_ = extend("")
	c.conn.SetPongHandler(extend)
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	write := func(kind int, b []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(kind, b)
	}
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = write(websocket.CloseMessage, nil)
				return
			}
			if err := write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
