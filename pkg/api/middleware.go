package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/logging"
)

// corsMiddleware adds CORS headers based on the allowed origins
// configuration. An entry of "*" allows any origin without credentials.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if allowed, wildcard := s.isOriginAllowed(origin); allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				if !wildcard {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) isOriginAllowed(origin string) (allowed, wildcard bool) {
	origins := s.cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		return true, true
	}
	for _, o := range origins {
		if o == "*" {
			return true, true
		}
		if o == origin {
			return true, false
		}
	}
	return false, false
}

func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug(logging.CategoryServer, "request", "", r.Method+" "+r.URL.Path, map[string]any{
			"remote":      clientAddr(r),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

const (
	clientRateLimit = rate.Limit(20)
	clientRateBurst = 40
	limiterIdleTTL  = 10 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter keeps one token bucket per client address. Stale entries
// are swept on access so the map stays bounded.
type clientLimiter struct {
	mu      sync.Mutex
	clients map[string]*limiterEntry
	swept   time.Time
}

func newClientLimiter() *clientLimiter {
	return &clientLimiter{
		clients: make(map[string]*limiterEntry),
		swept:   time.Now(),
	}
}

func (cl *clientLimiter) allow(addr string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := time.Now()
	if now.Sub(cl.swept) > limiterIdleTTL {
		for key, entry := range cl.clients {
			if now.Sub(entry.lastSeen) > limiterIdleTTL {
				delete(cl.clients, key)
			}
		}
		cl.swept = now
	}

	entry, ok := cl.clients[addr]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(clientRateLimit, clientRateBurst)}
		cl.clients[addr] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientAddr(r)) {
			respondError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
