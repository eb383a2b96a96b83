// Package identity resolves the calling user from a bearer credential.
package identity

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// TokenQueryParam carries the credential for websocket handshakes, where
// browsers cannot set an Authorization header.
const TokenQueryParam = "token"

type contextKey int

const userIDKey contextKey = iota

// TokenResolver maps a credential to a user id.
type TokenResolver interface {
	Resolve(ctx context.Context, token string) (userID string, ok bool)
}

// StaticTokens resolves credentials from a fixed token to user map.
type StaticTokens map[string]string

// Resolve implements TokenResolver.
func (s StaticTokens) Resolve(_ context.Context, token string) (string, bool) {
	userID, ok := s[token]
	return userID, ok && userID != ""
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns a context carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// TokenFromRequest returns the bearer token from the Authorization header,
// falling back to the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get(TokenQueryParam)
}

// Middleware rejects requests without a known credential and injects the
// resolved user id into the request context.
func Middleware(resolver TokenResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				unauthorized(w, "Not authenticated")
				return
			}
			userID, ok := resolver.Resolve(r.Context(), token)
			if !ok {
				unauthorized(w, "Invalid authentication credentials")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func unauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"detail":"` + detail + `"}`))
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
