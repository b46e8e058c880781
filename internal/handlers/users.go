package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"kingdom/internal/store"
)

// avatars is the static emoji set offered by the profile picker.
var avatars = []string{
	"👑", "💻", "🚀", "⚡", "🔥", "💎", "🎯", "🛡️",
	"🗡️", "🏰", "🎭", "🎨", "🎮", "🎪", "🎸", "🎺",
	"🦄", "🐲", "🦅", "🦁", "🐺", "🦊", "🐯", "🐸",
	"🌟", "⭐", "✨", "💫", "🌙", "☀️", "🌈", "🌊",
}

func (h *Handler) OnlineUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.GetOnlineUsers()
	if err != nil {
		errResp(w, http.StatusInternalServerError, "failed to get online users")
		return
	}
	if users == nil {
		users = []store.User{}
	}
	ok(w, users)
}

// ListUsers returns every registered user, for mention autocomplete.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers()
	if err != nil {
		errResp(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if users == nil {
		users = []store.User{}
	}
	ok(w, users)
}

func (h *Handler) GetAnnouncement(w http.ResponseWriter, r *http.Request) {
	a, err := h.store.GetLatestAnnouncement()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ok(w, nil)
			return
		}
		errResp(w, http.StatusInternalServerError, "failed to get announcement")
		return
	}
	ok(w, a)
}

func (h *Handler) UpdateAnnouncement(w http.ResponseWriter, r *http.Request) {
	u, err := h.currentUser(r)
	if err != nil {
		storeErr(w, err, "user not found")
		return
	}
	if !u.IsAdmin {
		errResp(w, http.StatusForbidden, "admin access required")
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		errResp(w, http.StatusBadRequest, "failed to update announcement")
		return
	}

	a, err := h.store.UpdateAnnouncement(req.Content)
	if err != nil {
		errResp(w, http.StatusInternalServerError, "failed to update announcement")
		return
	}
	ok(w, a)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	online, err := h.store.GetOnlineUsers()
	if err != nil {
		errResp(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	visitors, err := h.store.GetVisitorCount()
	if err != nil {
		errResp(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	ok(w, map[string]int{
		"onlineUsers":  len(online),
		"visitorCount": visitors,
	})
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	u, err := h.currentUser(r)
	if err != nil {
		storeErr(w, err, "user not found")
		return
	}

	var upd store.UserUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		errResp(w, http.StatusBadRequest, "invalid profile data")
		return
	}
	if upd.DisplayName != nil {
		trimmed := strings.TrimSpace(*upd.DisplayName)
		if len(trimmed) < 2 {
			errResp(w, http.StatusBadRequest, "invalid profile data")
			return
		}
		upd.DisplayName = &trimmed
	}

	updated, err := h.store.UpdateUser(u.ID, upd)
	if err != nil {
		storeErr(w, err, "user not found")
		return
	}

	h.hub.Broadcast(WSEvent{Type: "profile_update", Data: updated})

	ok(w, updated)
}

func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	u, err := h.currentUser(r)
	if err != nil {
		storeErr(w, err, "user not found")
		return
	}
	if err := h.store.DeleteUser(u.ID); err != nil {
		errResp(w, http.StatusInternalServerError, "failed to delete account")
		return
	}
	// The deleted user's messages are gone; every client needs a full
	// re-fetch, and the online list shrinks by one.
	h.hub.Broadcast(WSEvent{Type: "new_message", Data: map[string]string{"deletedUserId": u.ID}})
	h.hub.BroadcastOnlineUsers()
	ok(w, map[string]string{"message": "account deleted successfully"})
}

func (h *Handler) Avatars(w http.ResponseWriter, r *http.Request) {
	ok(w, avatars)
}
