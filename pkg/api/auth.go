package api

import (
	"net/http"
	"strings"
	"sync"
)

// Authenticator resolves a bearer token to a user id
type Authenticator interface {
	Authenticate(token string) (user string, ok bool)
}

// TokenAuthenticator checks tokens against a static map (AUTH_TOKENS)
type TokenAuthenticator struct {
	mu     sync.RWMutex
	tokens map[string]string // token -> user id
}

func NewTokenAuthenticator(tokens map[string]string) *TokenAuthenticator {
	m := make(map[string]string, len(tokens))
	for token, user := range tokens {
		m[token] = user
	}
	return &TokenAuthenticator{tokens: m}
}

func (a *TokenAuthenticator) Authenticate(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	user, ok := a.tokens[token]
	return user, ok
}

// Add registers (or replaces) a token
func (a *TokenAuthenticator) Add(token, user string) {
	a.mu.Lock()
	a.tokens[token] = user
	a.mu.Unlock()
}

// bearerToken reads "Authorization: Bearer <token>"
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// queryToken reads ?token= for WebSocket upgrades, where browsers cannot set headers
func queryToken(r *http.Request) string {
	return r.URL.Query().Get("token")
}
