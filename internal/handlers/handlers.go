package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"kingdom/internal/auth"
	mw "kingdom/internal/middleware"
	"kingdom/internal/store"
)

type Handler struct {
	store store.Store
	auth  *auth.Service
	hub   *Hub
}

func New(s store.Store, authSvc *auth.Service, hub *Hub) *Handler {
	return &Handler{store: s, auth: authSvc, hub: hub}
}

// makeUpgrader builds a WebSocket upgrader that validates the Origin header.
// allowedOrigin is e.g. "https://chat.yourdomain.com". If empty, only
// same-host origins (matching the request Host header) are permitted.
func makeUpgrader(allowedOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser clients (curl, API tools) send no Origin — allow.
				return true
			}
			if allowedOrigin != "" {
				return origin == allowedOrigin
			}
			// Default: allow same host only (covers both http and https).
			return origin == "http://"+r.Host || origin == "https://"+r.Host
		},
	}
}

// --- Response helpers ---

func respond(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func ok(w http.ResponseWriter, data interface{}) {
	respond(w, http.StatusOK, data)
}

func errResp(w http.ResponseWriter, status int, msg string) {
	respond(w, status, map[string]string{"message": msg})
}

// storeErr maps a storage failure onto the right status: unknown ids are
// 404, anything else is a generic 500.
func storeErr(w http.ResponseWriter, err error, notFoundMsg string) {
	if errors.Is(err, store.ErrNotFound) {
		errResp(w, http.StatusNotFound, notFoundMsg)
		return
	}
	errResp(w, http.StatusInternalServerError, "internal server error")
}

func (h *Handler) currentUser(r *http.Request) (*store.User, error) {
	claims := mw.GetClaims(r)
	if claims == nil {
		return nil, store.ErrNotFound
	}
	return h.store.GetUser(claims.UserID)
}

// --- WebSocket handler ---

// WebSocket upgrades the connection and registers it with the hub. The
// endpoint is public: a fresh connection is unauthenticated and read-only
// until it sends a valid auth frame.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := makeUpgrader(h.hub.allowedOrigin)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		hub:  h.hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	h.hub.register <- client

	go client.writePump()
	go client.readPump()
}
