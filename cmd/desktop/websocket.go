package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/storyforge/backend/internal/logging"
	"github.com/kimhsiao/storyforge/backend/internal/sync/gateway"
	"github.com/kimhsiao/storyforge/backend/internal/uuid"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin accepts requests without an Origin header and browser pages
// served from the loopback interface.
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

// WSEnvelope wraps all WebSocket messages. Type is the gateway event kind.
type WSEnvelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

type wsMessage struct {
	kind    string
	payload []byte
}

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub

	mu            sync.Mutex
	subscriptions map[string]bool
}

// wants reports whether the client receives events of kind. A client with
// no subscriptions receives everything.
func (c *WSClient) wants(kind string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[kind]
}

// WSHub relays gateway events to the connected UI windows.
type WSHub struct {
	gw         *gateway.Gateway
	clients    map[string]*WSClient
	broadcast  chan wsMessage
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWSHub creates a hub fed by gw. Call Run to start relaying.
func NewWSHub(gw *gateway.Gateway) *WSHub {
	return &WSHub{
		gw:         gw,
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan wsMessage, sendBuffer),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run manages client connections and relays gateway events until ctx is
// cancelled. Connected clients are closed on return.
func (h *WSHub) Run(ctx context.Context) {
	sub := h.gw.Subscribe(sendBuffer)
	defer sub.Close()
	defer close(h.done)
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			if dropped := sub.Dropped(); dropped > 0 {
				logging.Warn("WebSocket relay dropped events", map[string]interface{}{"dropped": dropped})
			}
			return

		case ev := <-sub.Events():
			if msg, ok := encode(string(ev.Kind), ev); ok {
				h.fanOut(msg)
			}

		case msg := <-h.broadcast:
			h.fanOut(msg)

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client connected", map[string]interface{}{
				"client_id": client.id,
				"total":     total,
			})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client disconnected", map[string]interface{}{
				"client_id": client.id,
				"total":     total,
			})
		}
	}
}

// fanOut never blocks: a client whose buffer is full is disconnected.
func (h *WSHub) fanOut(msg wsMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		if !client.wants(msg.kind) {
			continue
		}
		select {
		case client.send <- msg.payload:
		default:
			close(client.send)
			delete(h.clients, id)
			logging.Warn("WebSocket client too slow, disconnected", map[string]interface{}{"client_id": id})
		}
	}
}

func (h *WSHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		close(client.send)
		delete(h.clients, id)
	}
}

// Broadcast sends an application message to every interested client.
func (h *WSHub) Broadcast(messageType string, data interface{}) {
	msg, ok := encode(messageType, data)
	if !ok {
		return
	}
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

func encode(messageType string, data interface{}) (wsMessage, bool) {
	payload, err := json.Marshal(WSEnvelope{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		logging.Warn("Failed to marshal WebSocket message", map[string]interface{}{
			"type":  messageType,
			"error": err.Error(),
		})
		return wsMessage{}, false
	}
	return wsMessage{kind: messageType, payload: payload}, true
}

// ServeHTTP upgrades the request. The first message a client receives is
// the current sync state.
func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	client := &WSClient{
		id:            uuid.New(),
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		hub:           h,
		subscriptions: make(map[string]bool),
	}

	snapshot := h.gw.Snapshot()
	if msg, ok := encode(string(gateway.EventStateChanged), gateway.Event{
		Kind:  gateway.EventStateChanged,
		At:    time.Now(),
		State: &snapshot,
	}); ok {
		client.send <- msg.payload
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump handles subscribe, unsubscribe and ping actions.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("WebSocket read error", map[string]interface{}{
					"client_id": c.id,
					"error":     err.Error(),
				})
			}
			return
		}

		var msg struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})

		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()

		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// reply queues a control message without blocking the reader.
func (c *WSClient) reply(body map[string]interface{}) {
	body["timestamp"] = time.Now().UnixMilli()
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *WSClient) writePump() {
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
