package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"sync"
	"sync/atomic"
)

// authGate enforces HTTP basic auth while den auth is on. Accepted
// credentials are cached by digest until the cache is flushed.
type authGate struct {
	user     string
	password string
	enabled  atomic.Bool

	mu    sync.Mutex
	cache map[[32]byte]struct{}
}

func newAuthGate(user, password string, enabled bool) *authGate {
	g := &authGate{user: user, password: password, cache: make(map[[32]byte]struct{})}
	g.enabled.Store(enabled)
	return g
}

func (g *authGate) Enabled() bool { return g.enabled.Load() }

func (g *authGate) Set(enabled, flush bool) {
	g.enabled.Store(enabled)
	if flush {
		g.Flush()
	}
}

func (g *authGate) Flush() {
	g.mu.Lock()
	g.cache = make(map[[32]byte]struct{})
	g.mu.Unlock()
}

func (g *authGate) cached() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cache)
}

func (g *authGate) allow(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	digest := sha256.Sum256([]byte(user + "\x00" + pass))

	g.mu.Lock()
	_, hit := g.cache[digest]
	g.mu.Unlock()
	if hit {
		return true
	}

	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(g.user)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(g.password)) == 1
	if !userOK || !passOK {
		return false
	}
	g.mu.Lock()
	g.cache[digest] = struct{}{}
	g.mu.Unlock()
	return true
}

// Require wraps next with the basic-auth check.
func (g *authGate) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.Enabled() && !g.allow(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="clusterlinkd"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
