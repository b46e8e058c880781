package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"kingdom/internal/store"
)

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email          string `json:"email"`
		Password       string `json:"password"`
		DisplayName    string `json:"displayName"`
		Bio            string `json:"bio"`
		ProfilePicture string `json:"profilePicture"`
		WhatsappNumber string `json:"whatsappNumber"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp(w, http.StatusBadRequest, "invalid input data")
		return
	}

	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	req.DisplayName = strings.TrimSpace(req.DisplayName)

	if req.Email == "" || !strings.Contains(req.Email, "@") {
		errResp(w, http.StatusBadRequest, "invalid input data")
		return
	}
	if len(req.Password) < 6 {
		errResp(w, http.StatusBadRequest, "invalid input data")
		return
	}
	if len(req.DisplayName) < 2 {
		errResp(w, http.StatusBadRequest, "invalid input data")
		return
	}

	hash, err := h.auth.HashPassword(req.Password)
	if err != nil {
		errResp(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	u, err := h.store.CreateUser(req.Email, hash, req.DisplayName,
		req.Bio, req.ProfilePicture, req.WhatsappNumber)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			errResp(w, http.StatusBadRequest,
				"This email is already registered. Please use a different email or try logging in.")
			return
		}
		errResp(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	token, err := h.auth.GenerateToken(u.ID)
	if err != nil {
		errResp(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	// New accounts register as online, so everyone's sidebar should refresh.
	h.hub.BroadcastOnlineUsers()

	ok(w, map[string]interface{}{"token": token, "user": u})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp(w, http.StatusBadRequest, "invalid input data")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))

	u, err := h.store.GetUserByEmail(req.Email)
	if err != nil {
		errResp(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if !h.auth.CheckPassword(u.PasswordHash, req.Password) {
		errResp(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if err := h.store.SetUserOnline(u.ID, true); err != nil {
		errResp(w, http.StatusInternalServerError, "internal server error")
		return
	}
	u.IsOnline = true

	token, err := h.auth.GenerateToken(u.ID)
	if err != nil {
		errResp(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	h.hub.BroadcastOnlineUsers()

	ok(w, map[string]interface{}{"token": token, "user": u})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	u, err := h.currentUser(r)
	if err != nil {
		storeErr(w, err, "user not found")
		return
	}
	ok(w, u)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	u, err := h.currentUser(r)
	if err != nil {
		storeErr(w, err, "user not found")
		return
	}
	if err := h.store.SetUserOnline(u.ID, false); err != nil {
		errResp(w, http.StatusInternalServerError, "internal server error")
		return
	}
	h.hub.BroadcastOnlineUsers()
	ok(w, map[string]string{"message": "logged out successfully"})
}
