package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"crowsnest/internal/logging"
	"crowsnest/internal/state"
)

// Message types pushed to UI clients.
const (
	TypeRoster         = "roster"
	TypeLiveStatus     = "live_status"
	TypeDownloadStatus = "download_status"
	TypeChannelUpdate  = "channel_update"
)

// Message is one real-time event sent to UI clients.
type Message struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Single-operator deployment on localhost.
		return true
	},
}

// Hub maintains the set of connected UI clients and fans events out to
// all of them. Every client sees every event; there is one operator.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	store      *state.Store
	logger     logging.Logger
	mutex      sync.RWMutex
}

// Client is one connected UI websocket.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger logging.Logger
}

// NewHub creates a UI fan-out hub. The store supplies the roster
// snapshot sent to each client on connect.
func NewHub(store *state.Store, logger logging.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		store:      store,
		logger:     logger,
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.WithFields(logging.Fields{"client_count": count}).Info("UI client connected")

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.WithFields(logging.Fields{"client_count": count}).Info("UI client disconnected")

		case message := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// broadcaster surface wired into the supervisor

// LiveStatus announces a live transition.
func (h *Hub) LiveStatus(login string, isLive bool) {
	h.Broadcast(TypeLiveStatus, map[string]interface{}{
		"streamer": login,
		"is_live":  isLive,
	})
}

// DownloadStatus announces a recording status change.
func (h *Hub) DownloadStatus(login, status string) {
	h.Broadcast(TypeDownloadStatus, map[string]interface{}{
		"streamer": login,
		"status":   status,
	})
}

// ChannelUpdate pushes a channel's full record, used for metadata
// changes like title and thumbnail.
func (h *Hub) ChannelUpdate(login string, ch state.Channel) {
	h.Broadcast(TypeChannelUpdate, map[string]interface{}{
		"streamer": login,
		"channel":  ch,
	})
}

// Broadcast queues an event for all clients; drops it when the queue is
// full rather than blocking the caller.
func (h *Hub) Broadcast(msgType string, data map[string]interface{}) {
	message := Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	raw, err := json.Marshal(message)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal broadcast message")
		return
	}
	select {
	case h.broadcast <- raw:
	default:
		h.logger.Warn("Broadcast channel full, dropping message")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP request to a hub client connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: h.logger,
	}
	client.hub.register <- client

	go client.writePump()
	go client.readPump()

	client.sendRoster()
}

// sendRoster delivers the current roster so a fresh client renders
// without a REST round trip.
func (c *Client) sendRoster() {
	message := Message{
		Type:      TypeRoster,
		Data:      map[string]interface{}{"streamers": c.hub.store.List()},
		Timestamp: time.Now().UTC(),
	}
	raw, err := json.Marshal(message)
	if err != nil {
		return
	}
	select {
	case c.send <- raw:
	default:
	}
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// readPump drains client messages; the UI only sends keepalive noise,
// so everything is discarded, but reading is required to process pongs
// and close frames.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Debug("UI websocket closed")
			}
			return
		}
	}
}

// writePump pushes queued events to the client and keeps the connection
// alive with pings.
func (c *Client) writePump() {
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

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
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
