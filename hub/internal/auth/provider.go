// Package auth identifies clients. Providers validate bearer tokens issued
// elsewhere and return the user id and permissions they carry.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for any token that fails validation.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated caller.
type Identity struct {
	UserID      string
	Permissions []string
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Name() string
}

// TokenFromRequest extracts a bearer token from the "token" query parameter
// or the Authorization header. Browsers cannot set headers on the WebSocket
// handshake, so the query parameter comes first.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return h[7:]
	}
	return ""
}

// claimsMapper turns validated claims into an Identity.
type claimsMapper struct {
	permissionsClaim string
	defaults         []string
}

func (m claimsMapper) identity(claims jwt.MapClaims) (*Identity, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrUnauthorized
	}
	perms, ok := stringsClaim(claims[m.permissionsClaim])
	if !ok {
		perms = append([]string(nil), m.defaults...)
	}
	return &Identity{UserID: sub, Permissions: perms}, nil
}

// stringsClaim accepts a JSON array of strings or a space-separated string
// (OAuth "scope" style).
func stringsClaim(v any) ([]string, bool) {
	switch c := v.(type) {
	case []any:
		out := make([]string, 0, len(c))
		for _, item := range c {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out, true
	case []string:
		return append([]string(nil), c...), true
	case string:
		return strings.Fields(c), true
	default:
		return nil, false
	}
}
