package middleware

import (
	"crypto/subtle"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/flakeguard/flakeguard/internal/api"
)

// IngestAuthMiddleware guards the result-ingest endpoint with API keys.
// CI pipelines authenticate with a static key rather than a JWT login.
type IngestAuthMiddleware struct {
	mu      sync.RWMutex
	enabled bool
	keys    []string
}

// NewIngestAuthMiddleware creates the middleware. With no keys configured,
// ingest is open (useful for local development); loading keys enables it.
func NewIngestAuthMiddleware() *IngestAuthMiddleware {
	return &IngestAuthMiddleware{}
}

// SetKeys replaces the accepted key set. An empty set disables enforcement.
// Safe to call at runtime; key changes need no restart.
func (m *IngestAuthMiddleware) SetKeys(keys []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = keys
	m.enabled = len(keys) > 0
	if m.enabled {
		log.Printf("IngestAuthMiddleware: loaded %d API keys, ingest authentication ENABLED", len(keys))
	} else {
		log.Printf("IngestAuthMiddleware: no API keys configured, ingest authentication DISABLED")
	}
}

// Wrap wraps an http.Handler with API key authentication
func (m *IngestAuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		enabled := m.enabled
		keys := m.keys
		m.mu.RUnlock()

		if !enabled {
			next.ServeHTTP(w, r)
			return
		}

		key := m.extractKey(r)
		if key == "" {
			m.unauthorized(w, "Missing API key")
			return
		}

		if !validKey(key, keys) {
			log.Printf("IngestAuthMiddleware: invalid API key attempt from %s", r.RemoteAddr)
			m.unauthorized(w, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractKey supports "Authorization: Bearer <key>" and the X-API-Key header.
func (m *IngestAuthMiddleware) extractKey(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

// validKey compares against every key in constant time.
func validKey(provided string, keys []string) bool {
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(provided), []byte(k)) == 1 {
			return true
		}
	}
	return false
}

func (m *IngestAuthMiddleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer realm=\"ingest\"")
	api.RespondError(w, http.StatusUnauthorized, message)
}
