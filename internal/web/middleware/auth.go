package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// APIKeyHeader is the header carrying the API key.
const APIKeyHeader = "X-API-Key"

// APIKeyQueryParam carries the key for websocket clients that cannot set headers.
const APIKeyQueryParam = "api_key"

// KeyChecker validates API keys. With no keys configured every request is allowed.
type KeyChecker struct {
	keys [][]byte
}

// NewKeyChecker creates a checker for keys. Blank keys are ignored. A
// checker without keys disables authentication, which is logged once.
func NewKeyChecker(keys []string, logger zerolog.Logger) *KeyChecker {
	c := &KeyChecker{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			c.keys = append(c.keys, []byte(k))
		}
	}
	if len(c.keys) == 0 {
		logger.Warn().Msg("no API keys configured, authentication is disabled")
	}
	return c
}

// Enabled reports whether requests must carry a key.
func (c *KeyChecker) Enabled() bool {
	return len(c.keys) > 0
}

// Valid compares key against every configured key in constant time.
func (c *KeyChecker) Valid(key string) bool {
	if !c.Enabled() {
		return true
	}
	if key == "" {
		return false
	}
	valid := 0
	for _, k := range c.keys {
		valid |= subtle.ConstantTimeCompare([]byte(key), k)
	}
	return valid == 1
}

// requestKey extracts the key from X-API-Key or a Bearer token, and from the
// query string when allowQuery is set.
func requestKey(r *http.Request, allowQuery bool) string {
	if k := r.Header.Get(APIKeyHeader); k != "" {
		return k
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if allowQuery {
		return r.URL.Query().Get(APIKeyQueryParam)
	}
	return ""
}

// RequireAPIKey is middleware that rejects requests without a valid key.
func RequireAPIKey(c *KeyChecker) func(http.Handler) http.Handler {
	return requireKey(c, false)
}

// RequireAPIKeyOrQuery is RequireAPIKey that also accepts the api_key query parameter.
func RequireAPIKeyOrQuery(c *KeyChecker) func(http.Handler) http.Handler {
	return requireKey(c, true)
}

func requireKey(c *KeyChecker, allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !c.Valid(requestKey(r, allowQuery)) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", "Bearer")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"invalid or missing API key","kind":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
