package api

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/taskdeck/internal/logging"
	"github.com/kimhsiao/taskdeck/internal/uuid"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin accepts connections without an Origin header or from a loopback host.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Envelope wraps every event pushed to clients.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// client is one WebSocket connection.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu            sync.Mutex
	subscriptions map[string]bool
}

// wants reports whether the client receives eventType. No subscriptions means everything.
func (c *client) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

type message struct {
	eventType string
	payload   []byte
}

// Hub maintains active client connections and broadcasts events to them.
type Hub struct {
	clients    map[string]*client
	broadcast  chan message
	register   chan *client
	unregister chan *client
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
}

// NewHub creates a hub and starts its dispatch loop. Call Stop to release it.
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[string]*client),
		broadcast:  make(chan message, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

// Stop disconnects every client and ends the dispatch loop.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client connected", map[string]interface{}{"client_id": c.id, "total": total})

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client disconnected", map[string]interface{}{"client_id": c.id, "total": total})

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.clients {
				if !c.wants(msg.eventType) {
					continue
				}
				select {
				case c.send <- msg.payload:
				default:
					// Slow consumer.
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast sends an event to all subscribed clients. Events published after Stop are dropped.
func (h *Hub) Broadcast(eventType string, data map[string]interface{}) {
	bytes, err := json.Marshal(Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		logging.Error("Failed to marshal event", err, map[string]interface{}{"type": eventType})
		return
	}

	select {
	case h.broadcast <- message{eventType: eventType, payload: bytes}:
	case <-h.done:
	}
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &client{
		id:            uuid.New(),
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		hub:           h,
		subscriptions: make(map[string]bool),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump handles subscribe/unsubscribe/ping requests from the client.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("WebSocket read failed", map[string]interface{}{"client_id": c.id, "error": err.Error()})
			}
			return
		}

		var req struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}

		switch req.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range req.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": req.Events})

		case "unsubscribe":
			c.mu.Lock()
			for _, e := range req.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()

		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// writePump writes queued events and keeps the connection alive.
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

// reply queues a control response through the hub's registry so a closed client is skipped.
func (c *client) reply(body map[string]interface{}) {
	body["timestamp"] = time.Now().Unix()
	bytes, err := json.Marshal(body)
	if err != nil {
		logging.Error("Failed to marshal reply", err, map[string]interface{}{"client_id": c.id, "action": body["action"]})
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- bytes:
	default:
	}
}
