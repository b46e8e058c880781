package client

import (
	"encoding/json"
	"log"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"kingdom/internal/store"
)

// Sync keeps local views of the message feed and online-user list
// consistent with the server. Broadcast frames from the websocket are
// treated purely as invalidation hints: on every notification the matching
// REST read is re-issued and the cached view replaced wholesale. The only
// guarantee this provides is eventual convergence — a dropped notification
// is repaired by the next one.
//
// Reconnection on drop is not implemented; callers create a new Sync.
type Sync struct {
	client *Client
	conn   *websocket.Conn

	mu       sync.Mutex
	messages []store.Message
	online   []store.User

	// onChange, if non-nil, fires after a view has been replaced. The
	// argument is the broadcast type that triggered the refresh.
	onChange func(eventType string)

	done chan struct{}
}

// StartSync dials the websocket endpoint, sends the auth frame with the
// client's current token, and begins reconciling. The client must already
// hold a valid token. onChange may be nil.
func StartSync(c *Client, onChange func(eventType string)) (*Sync, error) {
	wsURL := strings.Replace(c.BaseURL, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, err
	}

	s := &Sync{client: c, conn: conn, onChange: onChange, done: make(chan struct{})}

	if err := conn.WriteJSON(map[string]string{"type": "auth", "token": c.Token}); err != nil {
		conn.Close()
		return nil, err
	}

	// Prime both views before any notification arrives.
	s.refreshMessages()
	s.refreshOnline()

	go s.readLoop()
	return s, nil
}

// Messages returns the current reconciled view of the feed.
func (s *Sync) Messages() []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages
}

// Online returns the current reconciled view of the online-user list.
func (s *Sync) Online() []store.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Notify relays an already-persisted payload to the other clients. The
// server broadcasts it as-is; receivers re-fetch rather than trust it.
func (s *Sync) Notify(frameType string, data interface{}) error {
	return s.conn.WriteJSON(map[string]interface{}{"type": frameType, "data": data})
}

// Close tears the websocket down, e.g. when the session ends.
func (s *Sync) Close() error {
	close(s.done)
	return s.conn.Close()
}

func (s *Sync) readLoop() {
	for {
		var event struct {
			Type    string          `json:"type"`
			Data    json.RawMessage `json:"data"`
			Message string          `json:"message"`
		}
		if err := s.conn.ReadJSON(&event); err != nil {
			select {
			case <-s.done:
			default:
				log.Printf("sync: connection lost: %v", err)
			}
			return
		}

		switch event.Type {
		case "new_message", "reaction_update":
			s.refreshMessages()
		case "profile_update":
			// Display names and avatars show up in both views.
			s.refreshMessages()
			s.refreshOnline()
		case "online_users_update":
			s.refreshOnline()
		case "error":
			log.Printf("sync: server error: %s", event.Message)
			continue
		default:
			continue
		}
		if s.onChange != nil {
			s.onChange(event.Type)
		}
	}
}

func (s *Sync) refreshMessages() {
	msgs, err := s.client.Messages()
	if err != nil {
		log.Printf("sync: refresh messages: %v", err)
		return
	}
	s.mu.Lock()
	s.messages = msgs
	s.mu.Unlock()
}

func (s *Sync) refreshOnline() {
	users, err := s.client.OnlineUsers()
	if err != nil {
		log.Printf("sync: refresh online users: %v", err)
		return
	}
	s.mu.Lock()
	s.online = users
	s.mu.Unlock()
}
