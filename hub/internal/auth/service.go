package auth

import (
	"fmt"
	"slices"

	"golang.org/x/crypto/bcrypt"

	"github.com/amurg-ai/conduit/hub/internal/config"
)

// ServiceIdentity is a backend service allowed to publish broadcasts.
type ServiceIdentity struct {
	Name string
	// Groups limits publishing; empty allows every group.
	Groups []string
}

// Allows reports whether the service may publish to group.
func (s *ServiceIdentity) Allows(group string) bool {
	return len(s.Groups) == 0 || slices.Contains(s.Groups, group)
}

// ServiceTokens authenticates services by bcrypt-hashed bearer tokens.
type ServiceTokens struct {
	entries []config.ServiceTokenEntry
}

// NewServiceTokens creates a validator for the configured tokens.
func NewServiceTokens(entries []config.ServiceTokenEntry) *ServiceTokens {
	return &ServiceTokens{entries: append([]config.ServiceTokenEntry(nil), entries...)}
}

// Empty reports whether no service token is configured.
func (t *ServiceTokens) Empty() bool { return len(t.entries) == 0 }

// Authenticate returns the service whose hash matches token.
func (t *ServiceTokens) Authenticate(token string) (*ServiceIdentity, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	for _, e := range t.entries {
		if bcrypt.CompareHashAndPassword([]byte(e.TokenHash), []byte(token)) == nil {
			return &ServiceIdentity{Name: e.Name, Groups: append([]string(nil), e.Groups...)}, nil
		}
	}
	return nil, ErrUnauthorized
}

// HashToken returns the bcrypt hash to put in the service_tokens config.
func HashToken(token string) (string, error) {
	if len(token) < 16 {
		return "", fmt.Errorf("service token must be at least 16 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}
