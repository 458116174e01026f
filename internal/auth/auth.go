// Package auth guards the mutating API surface with a static Bearer token.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// Config holds authentication configuration.
type Config struct {
	Enabled bool
	Token   string
}

// protectedPrefixes require a token when auth is enabled.
var protectedPrefixes = []string{
	"/api/v1/control/",
	"/api/v1/bodies/refresh",
	"/api/v1/ws",
}

// Protected reports whether path needs a token. Health, metrics and the
// read-only API stay public.
func Protected(path string) bool {
	for _, prefix := range protectedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// token extracts the credential from the Authorization header, or from the
// token query parameter on websocket upgrades where browsers cannot set
// headers.
func token(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		tok, ok := strings.CutPrefix(header, "Bearer ")
		return tok, ok && tok != ""
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		if tok := r.URL.Query().Get("token"); tok != "" {
			return tok, true
		}
	}
	return "", false
}

// Middleware returns an HTTP middleware that enforces Bearer token auth
// on protected paths when auth is enabled.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled || !Protected(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			tok, ok := token(r)
			if !ok || subtle.ConstantTimeCompare([]byte(tok), []byte(cfg.Token)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="orrery"`)
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
