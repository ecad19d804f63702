package auth

import (
	"context"
	"net/http"
	"strings"

	"helpdesk/cmd/internal/conversation"
)

// Principal is the verified identity behind an access token.
type Principal struct {
	Subject string
	Role    conversation.Role
	Name    string
	Email   string
}

// Actor converts p into a conversation actor.
func (p Principal) Actor() conversation.Actor {
	return conversation.Actor{Role: p.Role, ID: p.Subject}
}

// IsAgent reports whether p is an agent.
func (p Principal) IsAgent() bool { return p.Role == conversation.RoleAgent }

type ctxKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// PrincipalFrom returns the principal stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// BearerToken extracts the token from the Authorization header. Browsers cannot set headers
// on WebSocket handshakes, so the access_token query parameter is accepted as a fallback.
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// Authenticate verifies the request's bearer token. It returns ErrNoToken when none is present.
func Authenticate(r *http.Request, v Verifier) (Principal, error) {
	tok := BearerToken(r)
	if tok == "" {
		return Principal{}, ErrNoToken
	}
	if v == nil {
		return Principal{}, ErrInvalidToken
	}
	return v.Verify(tok)
}
