package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"

	"kingdom/internal/auth"
	"kingdom/internal/handlers"
	mw "kingdom/internal/middleware"
	"kingdom/internal/store"
)

type testEnv struct {
	t  *testing.T
	ts *httptest.Server
	st store.Store
}

// newTestEnv wires up the real middleware, handlers, and store the same way
// main does, minus the rate limiter and CORS layer.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.OpenMemory(filepath.Join(t.TempDir(), "test.json"))
	t.Cleanup(func() { st.Close() })

	authSvc := auth.New("test-secret")
	hub := handlers.NewHub(st, authSvc, "")
	go hub.Run()
	h := handlers.New(st, authSvc, hub)

	r := chi.NewRouter()
	r.Use(mw.TrackVisits(st))

	r.Post("/api/auth/register", h.Register)
	r.Post("/api/auth/login", h.Login)
	r.Get("/api/messages", h.GetMessages)
	r.Get("/api/users/online", h.OnlineUsers)
	r.Get("/api/users", h.ListUsers)
	r.Get("/api/announcement", h.GetAnnouncement)
	r.Get("/api/stats", h.Stats)
	r.Get("/api/avatars", h.Avatars)
	r.Get("/ws", h.WebSocket)

	r.Group(func(r chi.Router) {
		r.Use(mw.Auth(authSvc))
		r.Get("/api/auth/me", h.Me)
		r.Post("/api/auth/logout", h.Logout)
		r.Post("/api/messages", h.CreateMessage)
		r.Post("/api/messages/{id}/react", h.ToggleReaction)
		r.Put("/api/announcement", h.UpdateAnnouncement)
		r.Put("/api/user/profile", h.UpdateProfile)
		r.Delete("/api/user/account", h.DeleteAccount)
	})

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return &testEnv{t: t, ts: ts, st: st}
}

// do performs a JSON request and decodes the response into out (if non-nil),
// returning the status code.
func (e *testEnv) do(method, path, token string, body, out interface{}) int {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			e.t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			e.t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

type authResp struct {
	Token string     `json:"token"`
	User  store.User `json:"user"`
}

func (e *testEnv) register(email, password, name string) authResp {
	e.t.Helper()
	var ar authResp
	status := e.do("POST", "/api/auth/register", "", map[string]string{
		"email": email, "password": password, "displayName": name,
	}, &ar)
	if status != http.StatusOK {
		e.t.Fatalf("register %s: status %d", email, status)
	}
	if ar.Token == "" {
		e.t.Fatal("register returned empty token")
	}
	return ar
}

func TestRegister(t *testing.T) {
	e := newTestEnv(t)
	ar := e.register("ada@x.com", "hunter22", "Ada")
	if ar.User.Status != store.StatusMember {
		t.Errorf("new user status = %q", ar.User.Status)
	}
	if ar.User.IsAdmin {
		t.Error("new user must not be admin")
	}
	if !ar.User.IsOnline {
		t.Error("new user should be online")
	}

	// Same email again, case-insensitive.
	var errBody map[string]string
	status := e.do("POST", "/api/auth/register", "", map[string]string{
		"email": "ADA@x.com", "password": "hunter22", "displayName": "Ada Two",
	}, &errBody)
	if status != http.StatusBadRequest {
		t.Fatalf("duplicate register: status %d", status)
	}
	if errBody["message"] != "This email is already registered. Please use a different email or try logging in." {
		t.Errorf("duplicate message = %q", errBody["message"])
	}
}

func TestRegisterValidation(t *testing.T) {
	e := newTestEnv(t)
	cases := []map[string]string{
		{"email": "no-at-sign", "password": "hunter22", "displayName": "Ada"},
		{"email": "a@x.com", "password": "short", "displayName": "Ada"},
		{"email": "a@x.com", "password": "hunter22", "displayName": "A"},
		{"email": "", "password": "hunter22", "displayName": "Ada"},
	}
	for i, c := range cases {
		if status := e.do("POST", "/api/auth/register", "", c, nil); status != http.StatusBadRequest {
			t.Errorf("case %d: status %d, want 400", i, status)
		}
	}
}

func TestLogin(t *testing.T) {
	e := newTestEnv(t)
	e.register("ada@x.com", "hunter22", "Ada")

	if status := e.do("POST", "/api/auth/login", "", map[string]string{
		"email": "ada@x.com", "password": "wrong-password",
	}, nil); status != http.StatusUnauthorized {
		t.Errorf("wrong password: status %d, want 401", status)
	}
	if status := e.do("POST", "/api/auth/login", "", map[string]string{
		"email": "nobody@x.com", "password": "hunter22",
	}, nil); status != http.StatusUnauthorized {
		t.Errorf("unknown email: status %d, want 401", status)
	}

	var ar authResp
	if status := e.do("POST", "/api/auth/login", "", map[string]string{
		"email": "Ada@x.com", "password": "hunter22",
	}, &ar); status != http.StatusOK {
		t.Fatalf("login: status %d", status)
	}
	if !ar.User.IsOnline {
		t.Error("logged-in user not marked online")
	}
}

func TestAuthMiddleware(t *testing.T) {
	e := newTestEnv(t)
	ar := e.register("ada@x.com", "hunter22", "Ada")

	if status := e.do("GET", "/api/auth/me", "", nil, nil); status != http.StatusUnauthorized {
		t.Errorf("no token: status %d, want 401", status)
	}
	if status := e.do("GET", "/api/auth/me", "garbage-token", nil, nil); status != http.StatusForbidden {
		t.Errorf("bad token: status %d, want 403", status)
	}

	var me store.User
	if status := e.do("GET", "/api/auth/me", ar.Token, nil, &me); status != http.StatusOK {
		t.Fatalf("me: status %d", status)
	}
	if me.ID != ar.User.ID {
		t.Errorf("me returned wrong user: %s", me.ID)
	}
}

func TestPostAndReact(t *testing.T) {
	e := newTestEnv(t)
	ada := e.register("ada@x.com", "hunter22", "Ada")
	bob := e.register("bob@x.com", "hunter22", "Bob")

	var msg store.Message
	status := e.do("POST", "/api/messages", ada.Token, map[string]interface{}{
		"content": "hey @Bob, check this out",
	}, &msg)
	if status != http.StatusOK {
		t.Fatalf("post: status %d", status)
	}
	if msg.User == nil || msg.User.DisplayName != "Ada" {
		t.Error("posted message missing author")
	}
	found := false
	for _, id := range msg.MentionedUsers {
		if id == bob.User.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("@Bob not resolved into mentions: %v", msg.MentionedUsers)
	}

	var counts store.ReactionCounts
	react := map[string]string{"type": "heart"}
	if status := e.do("POST", "/api/messages/"+msg.ID+"/react", bob.Token, react, &counts); status != http.StatusOK {
		t.Fatalf("react: status %d", status)
	}
	if counts.Hearts != 1 {
		t.Errorf("hearts = %d, want 1", counts.Hearts)
	}

	// Toggling the same reaction again removes it.
	e.do("POST", "/api/messages/"+msg.ID+"/react", bob.Token, react, &counts)
	if counts.Hearts != 0 {
		t.Errorf("hearts after toggle-off = %d, want 0", counts.Hearts)
	}

	if status := e.do("POST", "/api/messages/"+msg.ID+"/react", bob.Token,
		map[string]string{"type": "thumbsdown"}, nil); status != http.StatusBadRequest {
		t.Errorf("invalid reaction type: status %d, want 400", status)
	}
	if status := e.do("POST", "/api/messages/nope/react", bob.Token, react, nil); status != http.StatusNotFound {
		t.Errorf("unknown message: status %d, want 404", status)
	}
}

func TestPostValidation(t *testing.T) {
	e := newTestEnv(t)
	ada := e.register("ada@x.com", "hunter22", "Ada")

	if status := e.do("POST", "/api/messages", ada.Token,
		map[string]string{"content": "   "}, nil); status != http.StatusBadRequest {
		t.Errorf("blank content: status %d, want 400", status)
	}
	long := make([]byte, 4001)
	for i := range long {
		long[i] = 'x'
	}
	if status := e.do("POST", "/api/messages", ada.Token,
		map[string]string{"content": string(long)}, nil); status != http.StatusBadRequest {
		t.Errorf("oversized content: status %d, want 400", status)
	}
}

func TestGetMessages(t *testing.T) {
	e := newTestEnv(t)

	// Empty history is an empty array, not null.
	var msgs []store.Message
	if status := e.do("GET", "/api/messages", "", nil, &msgs); status != http.StatusOK {
		t.Fatalf("get messages: status %d", status)
	}
	if msgs == nil {
		t.Error("empty history decoded as null")
	}

	ada := e.register("ada@x.com", "hunter22", "Ada")
	for _, c := range []string{"one", "two", "three"} {
		e.do("POST", "/api/messages", ada.Token, map[string]string{"content": c}, nil)
	}
	e.do("GET", "/api/messages?limit=2", "", nil, &msgs)
	if len(msgs) != 2 {
		t.Fatalf("limit ignored: got %d messages", len(msgs))
	}
	if msgs[0].Content != "two" || msgs[1].Content != "three" {
		t.Errorf("wrong window or order: %q, %q", msgs[0].Content, msgs[1].Content)
	}
}

func TestAnnouncement(t *testing.T) {
	e := newTestEnv(t)

	var a store.Announcement
	if status := e.do("GET", "/api/announcement", "", nil, &a); status != http.StatusOK {
		t.Fatalf("get announcement: status %d", status)
	}
	if a.Content == "" {
		t.Error("fresh store should carry the seeded announcement")
	}

	ada := e.register("ada@x.com", "hunter22", "Ada")
	if status := e.do("PUT", "/api/announcement", ada.Token,
		map[string]string{"content": "takeover"}, nil); status != http.StatusForbidden {
		t.Errorf("non-admin update: status %d, want 403", status)
	}
	if status := e.do("PUT", "/api/announcement", "",
		map[string]string{"content": "takeover"}, nil); status != http.StatusUnauthorized {
		t.Errorf("anonymous update: status %d, want 401", status)
	}

	// Promoted accounts may update it.
	if err := e.st.PromoteAdmin(ada.User.ID); err != nil {
		t.Fatalf("promote: %v", err)
	}
	var updated store.Announcement
	if status := e.do("PUT", "/api/announcement", ada.Token,
		map[string]string{"content": "council convenes at dawn"}, &updated); status != http.StatusOK {
		t.Fatalf("admin update: status %d", status)
	}
	if updated.Content != "council convenes at dawn" {
		t.Errorf("updated content = %q", updated.Content)
	}
	e.do("GET", "/api/announcement", "", nil, &a)
	if a.Content != "council convenes at dawn" {
		t.Errorf("latest content = %q", a.Content)
	}
}

func TestStats(t *testing.T) {
	e := newTestEnv(t)
	e.register("ada@x.com", "hunter22", "Ada")

	var stats map[string]int
	if status := e.do("GET", "/api/stats", "", nil, &stats); status != http.StatusOK {
		t.Fatalf("stats: status %d", status)
	}
	if stats["onlineUsers"] != 1 {
		t.Errorf("onlineUsers = %d, want 1", stats["onlineUsers"])
	}
	// Every request in this test came from one loopback address.
	if stats["visitorCount"] != 1 {
		t.Errorf("visitorCount = %d, want 1", stats["visitorCount"])
	}
}

func TestUpdateProfile(t *testing.T) {
	e := newTestEnv(t)
	ada := e.register("ada@x.com", "hunter22", "Ada")

	if status := e.do("PUT", "/api/user/profile", ada.Token,
		map[string]string{"displayName": " A "}, nil); status != http.StatusBadRequest {
		t.Errorf("too-short name: status %d, want 400", status)
	}

	var updated store.User
	status := e.do("PUT", "/api/user/profile", ada.Token, map[string]string{
		"displayName": "Ada Lovelace", "profilePicture": "👑", "bio": "first programmer",
	}, &updated)
	if status != http.StatusOK {
		t.Fatalf("update profile: status %d", status)
	}
	if updated.DisplayName != "Ada Lovelace" || updated.ProfilePicture != "👑" {
		t.Errorf("update not applied: %+v", updated)
	}

	var me store.User
	e.do("GET", "/api/auth/me", ada.Token, nil, &me)
	if me.Bio != "first programmer" {
		t.Errorf("bio not persisted: %q", me.Bio)
	}
}

func TestLogoutAndPresence(t *testing.T) {
	e := newTestEnv(t)
	ada := e.register("ada@x.com", "hunter22", "Ada")

	if status := e.do("POST", "/api/auth/logout", ada.Token, nil, nil); status != http.StatusOK {
		t.Fatalf("logout: status %d", status)
	}

	var online []store.User
	e.do("GET", "/api/users/online", "", nil, &online)
	for _, u := range online {
		if u.ID == ada.User.ID {
			t.Error("logged-out user still listed online")
		}
	}

	// The token itself stays valid until expiry.
	var me store.User
	if status := e.do("GET", "/api/auth/me", ada.Token, nil, &me); status != http.StatusOK {
		t.Errorf("me after logout: status %d, want 200", status)
	}
	if me.IsOnline {
		t.Error("me after logout still online")
	}
	if me.LastSeen == nil {
		t.Error("lastSeen not stamped by logout")
	}
}

func TestDeleteAccount(t *testing.T) {
	e := newTestEnv(t)
	ada := e.register("ada@x.com", "hunter22", "Ada")
	e.do("POST", "/api/messages", ada.Token, map[string]string{"content": "soon gone"}, nil)

	if status := e.do("DELETE", "/api/user/account", ada.Token, nil, nil); status != http.StatusOK {
		t.Fatalf("delete account: status %d", status)
	}

	// The token is still valid but the user row is gone.
	if status := e.do("GET", "/api/auth/me", ada.Token, nil, nil); status != http.StatusNotFound {
		t.Errorf("me after delete: status %d, want 404", status)
	}
	var msgs []store.Message
	e.do("GET", "/api/messages", "", nil, &msgs)
	if len(msgs) != 0 {
		t.Errorf("deleted user's messages survived: %v", msgs)
	}
}

func TestAvatars(t *testing.T) {
	e := newTestEnv(t)
	var avatars []string
	if status := e.do("GET", "/api/avatars", "", nil, &avatars); status != http.StatusOK {
		t.Fatalf("avatars: status %d", status)
	}
	if len(avatars) == 0 {
		t.Error("avatar list is empty")
	}
}
