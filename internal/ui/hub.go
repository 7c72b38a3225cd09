// Package ui is the assistant's local control surface: a WebSocket feed of
// status, log and chat notifications plus enable/start/end/send controls.
package ui

import (
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/praveenreddy854/web-rtc-demo/internal/coordinator"
	"github.com/praveenreddy854/web-rtc-demo/internal/logging"
)

// Frame is one WebSocket message in either direction.
// Server to client types: "status", "log", "chat", "state", "error", "ok".
// Client to server types: "auth", "enable", "start", "end", "send".
type Frame struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Role     string `json:"role,omitempty"`
	State    string `json:"state,omitempty"`
	Error    string `json:"error,omitempty"`
	Password string `json:"password,omitempty"`
}

const (
	clientBuffer = 64
	logBacklog   = 50
)

type client struct {
	conn *websocket.Conn
	send chan Frame
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Hub fans coordinator notifications out to every connected client. It
// implements coordinator.Observer.
type Hub struct {
	log *log.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	status  string
	state   string
	backlog []Frame
}

func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		log:     logging.OrDiscard(logger).WithPrefix("ui"),
		clients: make(map[*client]struct{}),
		status:  coordinator.StatusIdle,
		state:   coordinator.StateIdle.String(),
	}
}

func (h *Hub) StatusChanged(status string) {
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()
	h.broadcast(Frame{Type: "status", Text: status})
}

func (h *Hub) LogLine(line string) {
	f := Frame{Type: "log", Text: line}
	h.mu.Lock()
	h.backlog = append(h.backlog, f)
	if len(h.backlog) > logBacklog {
		h.backlog = h.backlog[len(h.backlog)-logBacklog:]
	}
	h.mu.Unlock()
	h.broadcast(f)
}

func (h *Hub) ChatMessage(role, text string) {
	h.broadcast(Frame{Type: "chat", Role: role, Text: text})
}

func (h *Hub) StateChanged(state coordinator.State) {
	h.mu.Lock()
	h.state = state.String()
	h.mu.Unlock()
	h.broadcast(Frame{Type: "state", State: state.String()})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// broadcast never blocks; a client that falls behind loses frames.
func (h *Hub) broadcast(f Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- f:
		default:
			h.log.Warn("client too slow, dropping frame", "type", f.Type)
		}
	}
}

// sendTo queues f for one client if it is still connected.
func (h *Hub) sendTo(c *client, f Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- f:
	default:
	}
}

// register adds conn and primes it with the current state, status and
// recent log lines.
func (h *Hub) register(conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan Frame, clientBuffer+logBacklog)}
	h.mu.Lock()
	c.send <- Frame{Type: "state", State: h.state}
	c.send <- Frame{Type: "status", Text: h.status}
	for _, f := range h.backlog {
		c.send <- f
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("client connected", "clients", n)
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.close()
	}
}

// writeLoop drains c.send to the socket until the hub drops the client.
func (h *Hub) writeLoop(c *client) {
	for f := range c.send {
		if err := c.conn.WriteJSON(f); err != nil {
			h.log.Debug("ws write", "err", err)
			h.unregister(c)
			_ = c.conn.Close()
			for range c.send {
			}
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
