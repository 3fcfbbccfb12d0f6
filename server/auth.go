package server

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/patrickmn/go-cache"
)

// workerSecretHeader carries the shared secret on scheduler and dispatch callbacks.
const workerSecretHeader = "X-Worker-Secret"

// roleAdmin is the only role accepted on admin routes.
const roleAdmin = "admin"

// AdminClaims are the claims of an admin bearer token.
type AdminClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// IssueAdminToken signs an HS256 admin token valid for ttl.
func IssueAdminToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: roleAdmin,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}

func (s *Server) requireWorker(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(workerSecretHeader)
		if s.workerSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.workerSecret)) != 1 {
			s.logger.Warn("Rejected worker request", "path", r.URL.Path, "ip", clientIP(r))
			s.writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.adminSecret) == 0 {
			s.writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "admin access is not configured"})
			return
		}

		raw, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !found {
			s.writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "bearer token required"})
			return
		}

		claims := &AdminClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return s.adminSecret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			s.logger.Warn("Rejected admin token", "path", r.URL.Path, "error", err)
			s.writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "invalid token"})
			return
		}
		if claims.Role != roleAdmin {
			s.writeJSON(w, http.StatusForbidden, map[string]any{"ok": false, "error": "admin role required"})
			return
		}
		next(w, r)
	}
}

// rateLimiter counts requests per client IP in fixed windows.
type rateLimiter struct {
	counts *cache.Cache
	limit  int
	window time.Duration
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if limit <= 0 {
		limit = 20
	}
	if window <= 0 {
		window = time.Hour
	}
	return &rateLimiter{
		counts: cache.New(window, 2*window),
		limit:  limit,
		window: window,
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	if err := rl.counts.Add(ip, 1, rl.window); err == nil {
		return true
	}
	n, err := rl.counts.IncrementInt(ip, 1)
	if err != nil {
		// Expired between Add and Increment
		rl.counts.Set(ip, 1, rl.window)
		return true
	}
	return n <= rl.limit
}

func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limiter.allow(ip) {
			s.logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
			s.writeJSON(w, http.StatusTooManyRequests, map[string]any{"ok": false, "error": "too many requests, please try again later"})
			return
		}
		next(w, r)
	}
}
