// WebSocket support for real-time chain event streaming
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hirosystems/chainhook-indexer/internal/logger"
	"github.com/hirosystems/chainhook-indexer/pkg/chain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins (configure properly in production)
	},
}

// WSClient represents a subscribed WebSocket client.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub
}

// WSHub manages WebSocket connections and broadcasts chain events to
// every connected client.
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan *WSMessage
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
	log        *logger.Logger
}

// WSMessage is the envelope broadcast to every subscribed client.
type WSMessage struct {
	Kind    string          `json:"kind"`
	Payload *chain.ChainEvent `json:"payload"`
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(log *logger.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan *WSMessage, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		log:        log,
	}
}

// Run starts the WebSocket hub's event loop.
func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.WithFields(logger.Fields{"client_id": client.id, "client_count": len(h.clients)}).Debug("websocket client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.log.WithFields(logger.Fields{"client_id": client.id, "client_count": len(h.clients)}).Debug("websocket client unregistered")

		case message := <-h.broadcast:
			data := mustMarshal(message)
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					h.mu.RUnlock()
					h.unregister <- client
					h.mu.RLock()
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast sends a chain event to every connected client.
func (h *WSHub) Broadcast(event *chain.ChainEvent) {
	msg := &WSMessage{Kind: event.Kind.String(), Payload: event}

	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("websocket broadcast channel full, dropping message")
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (s *Server) broadcastChainEvent(event *chain.ChainEvent) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(event)
	}
}

// handleWebSocket upgrades an HTTP connection and registers a new client.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Error("failed to upgrade websocket connection")
		return
	}

	client := &WSClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 256),
		hub:  s.wsHub,
	}

	s.wsHub.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump drains and discards client messages (there is no
// client->server subscription protocol; every client receives every
// event), existing only to detect disconnects and keep pings flowing.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.WithError(err).Error("websocket read error")
			}
			break
		}
	}
}

// writePump writes queued messages and pings to the client.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
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
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
