package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"kingdom/internal/auth"
	"kingdom/internal/store"
)

type contextKey string

const UserClaimsKey contextKey = "user_claims"

// Auth requires a bearer token on the request. A missing token is 401, a
// token that fails verification is 403.
func Auth(svc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				http.Error(w, `{"message":"access token required"}`, http.StatusUnauthorized)
				return
			}
			tokenStr := strings.TrimPrefix(header, "Bearer ")

			claims, err := svc.ValidateToken(tokenStr)
			if err != nil {
				http.Error(w, `{"message":"invalid token"}`, http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), UserClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetClaims(r *http.Request) *auth.Claims {
	claims, _ := r.Context().Value(UserClaimsKey).(*auth.Claims)
	return claims
}

// TrackVisits records a visit session for every inbound request, keyed by
// the client address, authenticated or not. Only used for the aggregate
// visitor counter, so a failed write never blocks the request.
func TrackVisits(s store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := r.RemoteAddr
			if host, _, err := net.SplitHostPort(addr); err == nil {
				addr = host
			}
			s.RecordVisit(addr, r.UserAgent())
			next.ServeHTTP(w, r)
		})
	}
}
