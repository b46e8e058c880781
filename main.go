package main

import (
	"bufio"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"kingdom/internal/auth"
	"kingdom/internal/handlers"
	mw "kingdom/internal/middleware"
	"kingdom/internal/store"
)

func main() {
	// Load .env file if present (does not override existing env vars).
	loadDotenv(".env")

	port := getEnv("PORT", "8080")
	dataDir := getEnv("DATA_DIR", "./data")

	// Refuse to start with a missing or default JWT secret.
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" ||
		jwtSecret == "your_secret_key_here" ||
		jwtSecret == "change-me-use-a-long-random-string" {
		log.Fatal("FATAL: JWT_SECRET is not set or is using the insecure default value.\n" +
			"Generate one with:  openssl rand -hex 32\n" +
			"Then set it in your environment or .env file before starting the server.")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		log.Fatal("Failed to create data directory:", err)
	}

	// DATABASE=memory selects the map-with-snapshot fallback; anything else
	// gets the SQLite backend. Both satisfy the same contract, so nothing
	// downstream cares which one is active.
	var st store.Store
	if getEnv("DATABASE", "sqlite") == "memory" {
		st = store.OpenMemory(filepath.Join(dataDir, "kingdom.json"))
		log.Println("✦ Storage: in-memory with JSON snapshot (best-effort durability)")
	} else {
		sqlite, err := store.OpenSQLite(filepath.Join(dataDir, "kingdom.db"))
		if err != nil {
			log.Fatal("Failed to init database:", err)
		}
		st = sqlite
		log.Println("✦ Storage: SQLite")
	}
	defer st.Close()

	authSvc := auth.New(jwtSecret)

	if err := seedAdmin(st, authSvc); err != nil {
		log.Println("Admin seed failed:", err)
	}

	hub := handlers.NewHub(st, authSvc, getEnv("ALLOWED_ORIGIN", ""))
	go hub.Run()

	h := handlers.New(st, authSvc, hub)

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.CleanPath)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Use(mw.TrackVisits(st))

	// Per-IP rate limiter for auth endpoints (10 req/min, burst 5).
	authLimiter := newIPRateLimiter(rate.Every(time.Minute/10), 5)

	// Public API
	r.With(authLimiter).Post("/api/auth/register", h.Register)
	r.With(authLimiter).Post("/api/auth/login", h.Login)
	r.Get("/api/messages", h.GetMessages)
	r.Get("/api/users/online", h.OnlineUsers)
	r.Get("/api/users", h.ListUsers)
	r.Get("/api/announcement", h.GetAnnouncement)
	r.Get("/api/stats", h.Stats)
	r.Get("/api/avatars", h.Avatars)

	// WebSocket endpoint is public too: connections authenticate in-band
	// with an auth frame, and unauthenticated connections may still receive
	// broadcasts (the feed is readable without an account).
	r.Get("/ws", h.WebSocket)

	// Authenticated API
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

	log.Printf("✦ Kingdom chat running at http://localhost:%s", port)
	log.Fatal(http.ListenAndServe(":"+port, r))
}

// seedAdmin creates the administrator account from ADMIN_EMAIL and
// ADMIN_PASSWORD, promoted to royal status. Admins cannot be created any
// other way — registration always produces plain members. Does nothing when
// the env vars are unset or the account already exists.
func seedAdmin(st store.Store, authSvc *auth.Service) error {
	email := strings.TrimSpace(strings.ToLower(os.Getenv("ADMIN_EMAIL")))
	password := os.Getenv("ADMIN_PASSWORD")
	if email == "" || password == "" {
		return nil
	}

	_, err := st.GetUserByEmail(email)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	hash, err := authSvc.HashPassword(password)
	if err != nil {
		return err
	}
	u, err := st.CreateUser(email, hash, getEnv("ADMIN_DISPLAY_NAME", "Creator"),
		"App Creator & Administrator", "👑", "")
	if err != nil {
		return err
	}
	if err := st.PromoteAdmin(u.ID); err != nil {
		return err
	}
	// Seeded at boot, so nobody is actually connected as this account yet.
	if err := st.SetUserOnline(u.ID, false); err != nil {
		return err
	}
	log.Println("✦ Admin account ready:", email)
	return nil
}

// corsOrigins reads ALLOWED_ORIGIN; empty means same-origin deployments
// where the SPA is served from this host anyway.
func corsOrigins() []string {
	if o := os.Getenv("ALLOWED_ORIGIN"); o != "" {
		return []string{o}
	}
	return []string{}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadDotenv reads a .env file and sets any environment variables that are not
// already present in the environment.  It silently does nothing if the file
// doesn't exist.
func loadDotenv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return // file doesn't exist — perfectly fine
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip blanks and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Split on first '='
		idx := strings.IndexByte(line, '=')
		if idx < 1 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])

		// Strip surrounding quotes (single or double)
		if len(val) >= 2 {
			if (val[0] == '"' && val[len(val)-1] == '"') ||
				(val[0] == '\'' && val[len(val)-1] == '\'') {
				val = val[1 : len(val)-1]
			}
		}

		// Don't override existing env vars — explicit env always wins
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// --- Per-IP rate limiter ---

type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

func newIPRateLimiter(r rate.Limit, b int) func(http.Handler) http.Handler {
	rl := &ipRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        r,
		b:        b,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := r.RemoteAddr
			// Strip port if present
			if h, _, err := net.SplitHostPort(ip); err == nil {
				ip = h
			}
			if !rl.get(ip).Allow() {
				http.Error(w, `{"message":"too many requests"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *ipRateLimiter) get(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if l, ok := rl.limiters[ip]; ok {
		return l
	}
	l := rate.NewLimiter(rl.r, rl.b)
	rl.limiters[ip] = l
	return l
}
