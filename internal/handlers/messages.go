package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"kingdom/internal/store"
)

const defaultMessageLimit = 50

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	limit := defaultMessageLimit
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 100 {
		limit = l
	}
	msgs, err := h.store.GetMessages(limit)
	if err != nil {
		errResp(w, http.StatusInternalServerError, "failed to get messages")
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	ok(w, msgs)
}

func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	u, err := h.currentUser(r)
	if err != nil {
		storeErr(w, err, "user not found")
		return
	}

	var req struct {
		Content        string   `json:"content"`
		ReplyToID      string   `json:"replyToId"`
		MentionedUsers []string `json:"mentionedUsers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp(w, http.StatusBadRequest, "invalid message content")
		return
	}

	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		errResp(w, http.StatusBadRequest, "invalid message content")
		return
	}
	if len(req.Content) > 4000 {
		errResp(w, http.StatusBadRequest, "message too long")
		return
	}

	mentions := h.resolveMentions(req.Content, req.MentionedUsers)

	msg, err := h.store.CreateMessage(u.ID, req.Content, req.ReplyToID, mentions)
	if err != nil {
		errResp(w, http.StatusInternalServerError, "failed to send message")
		return
	}

	// Server-side broadcast so convergence does not depend on the posting
	// client echoing a relay frame over its own socket.
	h.hub.Broadcast(WSEvent{Type: "new_message", Data: msg})

	ok(w, msg)
}

// resolveMentions merges the client-provided mention list with @name tokens
// found in the content, matched against known display names.
func (h *Handler) resolveMentions(content string, provided []string) []string {
	seen := make(map[string]bool)
	var mentions []string
	for _, id := range provided {
		if id != "" && !seen[id] {
			seen[id] = true
			mentions = append(mentions, id)
		}
	}
	if !strings.Contains(content, "@") {
		return mentions
	}
	users, err := h.store.ListUsers()
	if err != nil {
		return mentions
	}
	lower := strings.ToLower(content)
	for _, u := range users {
		if seen[u.ID] || u.DisplayName == "" {
			continue
		}
		if strings.Contains(lower, "@"+strings.ToLower(u.DisplayName)) {
			seen[u.ID] = true
			mentions = append(mentions, u.ID)
		}
	}
	return mentions
}

func (h *Handler) ToggleReaction(w http.ResponseWriter, r *http.Request) {
	u, err := h.currentUser(r)
	if err != nil {
		storeErr(w, err, "user not found")
		return
	}

	msgID := chi.URLParam(r, "id")
	var req struct {
		Type string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !store.ValidReactionType(req.Type) {
		errResp(w, http.StatusBadRequest, "invalid reaction type")
		return
	}

	if err := h.store.ToggleReaction(msgID, u.ID, req.Type); err != nil {
		storeErr(w, err, "message not found")
		return
	}

	counts, err := h.store.GetMessageReactions(msgID)
	if err != nil {
		storeErr(w, err, "message not found")
		return
	}

	h.hub.Broadcast(WSEvent{Type: "reaction_update", Data: map[string]interface{}{
		"messageId": msgID,
		"reactions": counts,
	}})

	ok(w, counts)
}
