package auth

import (
	"fmt"

	"github.com/amurg-ai/conduit/hub/internal/config"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(cfg config.AuthConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "jwt":
		return NewJWTProvider(JWTOptions{
			Secret:             cfg.JWTSecret,
			Issuer:             cfg.Issuer,
			Audience:           cfg.Audience,
			PermissionsClaim:   cfg.PermissionsClaim,
			DefaultPermissions: cfg.DefaultPermissions,
		})
	case "jwks":
		return NewJWKSProvider(JWKSOptions{
			URL:                cfg.JWKSURL,
			Issuer:             cfg.Issuer,
			Audience:           cfg.Audience,
			PermissionsClaim:   cfg.PermissionsClaim,
			DefaultPermissions: cfg.DefaultPermissions,
		})
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
