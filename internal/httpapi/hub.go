package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"openfms/netcore/internal/logger"
)

var (
	upgrader = websocket.Upgrader{
		// Monitor clients are operators' browsers on any origin.
		CheckOrigin:     func(r *http.Request) bool { return true },
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
	readTimeout  = 60 * time.Second
)

// Event is one monitor notification.
type Event struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id,omitempty"`
	Data     any    `json:"data,omitempty"`
}

type clientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client is one monitor connection.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	Hub  *Hub

	mu       sync.Mutex
	deviceID string // empty means all devices
	closed   bool
}

func (c *Client) device() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// push queues data without blocking. It reports false when the client's
// buffer is full.
func (c *Client) push(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

func (c *Client) subscribe(deviceID string) {
	c.mu.Lock()
	c.deviceID = deviceID
	c.mu.Unlock()
}

type broadcast struct {
	deviceID string
	data     []byte
}

// Hub fans monitor events out to websocket clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan broadcast
	register   chan *Client
	unregister chan *Client
	quit       chan struct{}
	done       chan struct{}
	once       sync.Once
	mu         sync.RWMutex
}

// NewHub creates a hub; Run must be started before clients connect.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan broadcast, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop.
func (h *Hub) Run() {
	defer close(h.done)
	log := logger.Scope("ws")
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			log.Debugf("Client connected: %s, total clients: %d", client.ID, n)

		case client := <-h.unregister:
			h.remove(client)

		case b := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			for _, client := range clients {
				if d := client.device(); d != "" && b.deviceID != "" && d != b.deviceID {
					continue
				}
				if !client.push(b.data) {
					// Slow consumer.
					h.remove(client)
				}
			}

		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				client.close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.close()
		logger.Scope("ws").Debugf("Client disconnected: %s, total clients: %d", client.ID, len(h.clients))
	}
}

// Stop closes every client and ends Run.
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.quit) })
	<-h.done
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues an event for clients watching its device. It never blocks;
// events are dropped while the queue is full.
func (h *Hub) Publish(e Event) {
	if h == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		logger.Scope("ws").WithError(err).Warn("Failed to marshal event")
		return
	}
	select {
	case h.broadcast <- broadcast{deviceID: e.DeviceID, data: data}:
	default:
	}
}

// serve upgrades the request and runs the client's pumps.
func (h *Hub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Scope("ws").WithError(err).Warn("Failed to upgrade connection")
		return
	}
	client := &Client{
		ID:       uuid.NewString(),
		Conn:     conn,
		Send:     make(chan []byte, 256),
		Hub:      h,
		deviceID: r.URL.Query().Get("device_id"),
	}
	welcome, _ := json.Marshal(Event{Type: "connected", Data: map[string]string{"client_id": client.ID}})
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, welcome); err != nil {
		conn.Close()
		return
	}
	select {
	case h.register <- client:
	case <-h.quit:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.quit:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(64 * 1024)
	c.Conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Scope("ws").WithError(err).Debugf("Client %s read error", c.ID)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "subscribe":
			var data struct {
				DeviceID string `json:"device_id"`
			}
			if err := json.Unmarshal(msg.Data, &data); err == nil {
				c.subscribe(data.DeviceID)
			}
		case "ping":
			c.push([]byte(`{"type":"pong"}`))
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
