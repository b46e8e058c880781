package handlers

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"kingdom/internal/auth"
	"kingdom/internal/store"
)

// WSEvent is the envelope for all WebSocket messages. Message is only set
// on error frames sent back to an offending connection.
type WSEvent struct {
	Type    string      `json:"type"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Client represents a single WebSocket connection. userID stays empty until
// the connection authenticates with an auth frame; it is only touched from
// the client's own read pump, so it needs no lock.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
}

// Hub is the live connection registry and fan-out core. It is not the
// source of truth for presence — the store's isOnline flag is; the hub just
// keeps it updated and tells everyone when it changes. The registry is
// rebuilt empty on every restart.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	store store.Store
	auth  *auth.Service

	allowedOrigin string // used by WS upgrader origin check
}

func NewHub(s store.Store, authSvc *auth.Service, allowedOrigin string) *Hub {
	return &Hub{
		clients:       make(map[*Client]bool),
		broadcast:     make(chan []byte, 256),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		store:         s,
		auth:          authSvc,
		allowedOrigin: allowedOrigin,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			if client.userID != "" {
				// Mark offline and let everyone converge without polling.
				// Run in its own goroutine so a slow store write never
				// stalls the registry loop.
				go h.dropPresence(client.userID)
			}

		case message := <-h.broadcast:
			// Collect dead clients under RLock, then evict under write lock
			// to avoid a map-write-while-read-locked data race.
			h.mu.RLock()
			var dead []*Client
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					dead = append(dead, client)
				}
			}
			h.mu.RUnlock()
			if len(dead) > 0 {
				h.mu.Lock()
				for _, client := range dead {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

func (h *Hub) dropPresence(userID string) {
	if err := h.store.SetUserOnline(userID, false); err != nil {
		log.Printf("ws: mark offline: %v", err)
	}
	h.BroadcastOnlineUsers()
}

// Broadcast sends an event to every open connection, authenticated or not.
// A connection whose send buffer is full is skipped and evicted; the data is
// recoverable via REST re-fetch, so nothing is queued or retried.
func (h *Hub) Broadcast(event WSEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Println("ws marshal error:", err)
		return
	}
	h.broadcast <- data
}

// BroadcastOnlineUsers pushes the current online-user list to all
// connections. Receivers treat it as an invalidation hint and re-fetch
// /api/users/online for the authoritative list.
func (h *Hub) BroadcastOnlineUsers() {
	users, err := h.store.GetOnlineUsers()
	if err != nil {
		log.Printf("ws: online users: %v", err)
		return
	}
	if users == nil {
		users = []store.User{}
	}
	h.Broadcast(WSEvent{Type: "online_users_update", Data: users})
}

// clientFrame is the inbound frame shape: {type, data?, token?}.
type clientFrame struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Token string          `json:"token"`
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	// Limit incoming message size to prevent memory-exhaustion DoS.
	c.conn.SetReadLimit(64 * 1024) // 64 KB per message
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var frame clientFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			// A malformed frame never closes the connection or disturbs
			// other clients.
			log.Printf("ws: bad frame: %v", err)
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame clientFrame) {
	switch frame.Type {

	case "auth":
		claims, err := c.hub.auth.ValidateToken(frame.Token)
		if err != nil {
			// Report to the offender only; the connection stays open and
			// unauthenticated.
			c.sendEvent(WSEvent{Type: "error", Message: "invalid token"})
			return
		}
		c.userID = claims.UserID
		if err := c.hub.store.SetUserOnline(c.userID, true); err != nil {
			log.Printf("ws: mark online: %v", err)
		}
		c.hub.BroadcastOnlineUsers()

	// The relay frames do not persist anything — the originating client
	// already wrote via REST. They exist so the other clients learn that
	// their cached views are stale. Unauthenticated senders are silently
	// ignored to keep the fan-out path mutation-gated.
	case "new_message":
		if c.userID == "" {
			return
		}
		c.hub.Broadcast(WSEvent{Type: "new_message", Data: frame.Data})

	case "reaction":
		if c.userID == "" {
			return
		}
		c.hub.Broadcast(WSEvent{Type: "reaction_update", Data: frame.Data})

	case "profile_update":
		if c.userID == "" {
			return
		}
		c.hub.Broadcast(WSEvent{Type: "profile_update", Data: frame.Data})
	}
}

func (c *Client) sendEvent(event WSEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
