package handlers_test

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"kingdom/internal/store"
)

type wsEvent struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame interface{}) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// waitForEvent reads until an event of the wanted type arrives, skipping
// unrelated broadcasts that may interleave.
func waitForEvent(t *testing.T, conn *websocket.Conn, wantType string) wsEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		var ev wsEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %q: %v", wantType, err)
		}
		if ev.Type == wantType {
			return ev
		}
	}
}

// expectSilence asserts that no frame arrives within the window.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var ev wsEvent
	if err := conn.ReadJSON(&ev); err == nil {
		t.Fatalf("unexpected frame: %+v", ev)
	}
}

func TestWebSocketAuthUpdatesPresence(t *testing.T) {
	e := newTestEnv(t)
	ada := e.register("ada@x.com", "hunter22", "Ada")
	e.do("POST", "/api/auth/logout", ada.Token, nil, nil)

	spectator := dialWS(t, e.ts)
	adaConn := dialWS(t, e.ts)

	sendFrame(t, adaConn, map[string]string{"type": "auth", "token": ada.Token})

	ev := waitForEvent(t, spectator, "online_users_update")
	var online []store.User
	if err := json.Unmarshal(ev.Data, &online); err != nil {
		t.Fatalf("decode online list: %v", err)
	}
	if len(online) != 1 || online[0].ID != ada.User.ID {
		t.Fatalf("online list after auth = %v", online)
	}

	// Closing the authenticated socket drops presence for everyone to see.
	adaConn.Close()
	ev = waitForEvent(t, spectator, "online_users_update")
	online = nil
	json.Unmarshal(ev.Data, &online)
	for _, u := range online {
		if u.ID == ada.User.ID {
			t.Error("user still online after their socket closed")
		}
	}
}

func TestWebSocketBadAuthKeepsConnectionOpen(t *testing.T) {
	e := newTestEnv(t)
	ada := e.register("ada@x.com", "hunter22", "Ada")

	conn := dialWS(t, e.ts)
	sendFrame(t, conn, map[string]string{"type": "auth", "token": "garbage"})

	ev := waitForEvent(t, conn, "error")
	if ev.Message != "invalid token" {
		t.Errorf("error message = %q", ev.Message)
	}

	// Same connection can still authenticate afterwards.
	sendFrame(t, conn, map[string]string{"type": "auth", "token": ada.Token})
	waitForEvent(t, conn, "online_users_update")
}

func TestWebSocketRelay(t *testing.T) {
	e := newTestEnv(t)
	ada := e.register("ada@x.com", "hunter22", "Ada")

	spectator := dialWS(t, e.ts)
	adaConn := dialWS(t, e.ts)
	sendFrame(t, adaConn, map[string]string{"type": "auth", "token": ada.Token})
	waitForEvent(t, spectator, "online_users_update")

	sendFrame(t, adaConn, map[string]interface{}{
		"type": "new_message",
		"data": map[string]string{"id": "m1"},
	})
	ev := waitForEvent(t, spectator, "new_message")
	var payload map[string]string
	json.Unmarshal(ev.Data, &payload)
	if payload["id"] != "m1" {
		t.Errorf("relay payload = %v", payload)
	}

	// reaction frames are relayed under the reaction_update type.
	sendFrame(t, adaConn, map[string]interface{}{
		"type": "reaction",
		"data": map[string]string{"messageId": "m1"},
	})
	waitForEvent(t, spectator, "reaction_update")
}

func TestWebSocketUnauthenticatedRelayIgnored(t *testing.T) {
	e := newTestEnv(t)

	spectator := dialWS(t, e.ts)
	anon := dialWS(t, e.ts)

	sendFrame(t, anon, map[string]interface{}{
		"type": "new_message",
		"data": map[string]string{"id": "m1"},
	})
	expectSilence(t, spectator)
}

func TestWebSocketMalformedFrameIgnored(t *testing.T) {
	e := newTestEnv(t)
	ada := e.register("ada@x.com", "hunter22", "Ada")

	conn := dialWS(t, e.ts)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The connection survives and still works.
	sendFrame(t, conn, map[string]string{"type": "auth", "token": ada.Token})
	waitForEvent(t, conn, "online_users_update")
}

func TestRESTWritesBroadcast(t *testing.T) {
	e := newTestEnv(t)
	ada := e.register("ada@x.com", "hunter22", "Ada")

	spectator := dialWS(t, e.ts)

	e.do("POST", "/api/messages", ada.Token, map[string]string{"content": "hello"}, nil)
	ev := waitForEvent(t, spectator, "new_message")
	var msg store.Message
	if err := json.Unmarshal(ev.Data, &msg); err != nil {
		t.Fatalf("decode broadcast message: %v", err)
	}
	if msg.Content != "hello" {
		t.Errorf("broadcast content = %q", msg.Content)
	}

	var posted []store.Message
	e.do("GET", "/api/messages", "", nil, &posted)
	if len(posted) != 1 {
		t.Fatalf("message not persisted")
	}
	e.do("POST", "/api/messages/"+posted[0].ID+"/react", ada.Token,
		map[string]string{"type": "fire"}, nil)
	ev = waitForEvent(t, spectator, "reaction_update")
	var upd struct {
		MessageID string               `json:"messageId"`
		Reactions store.ReactionCounts `json:"reactions"`
	}
	if err := json.Unmarshal(ev.Data, &upd); err != nil {
		t.Fatalf("decode reaction update: %v", err)
	}
	if upd.MessageID != posted[0].ID || upd.Reactions.Fires != 1 {
		t.Errorf("reaction update = %+v", upd)
	}
}
