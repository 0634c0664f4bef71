package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWKSProvider validates asymmetric tokens against a remote JWK set.
type JWKSProvider struct {
	issuer   string
	audience string
	jwks     keyfunc.Keyfunc
	mapper   claimsMapper
	cancel   context.CancelFunc
}

// JWKSOptions configures a JWKSProvider.
type JWKSOptions struct {
	URL                string
	Issuer             string
	Audience           string
	PermissionsClaim   string
	DefaultPermissions []string
}

// NewJWKSProvider fetches the JWK set at opts.URL and keeps it refreshed in
// the background until Close.
func NewJWKSProvider(opts JWKSOptions) (*JWKSProvider, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("jwks url is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{opts.URL})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("fetch JWKS from %s: %w", opts.URL, err)
	}
	p := newJWKSProvider(jwks, opts)
	p.cancel = cancel
	return p, nil
}

func newJWKSProvider(jwks keyfunc.Keyfunc, opts JWKSOptions) *JWKSProvider {
	claim := opts.PermissionsClaim
	if claim == "" {
		claim = "permissions"
	}
	return &JWKSProvider{
		issuer:   opts.Issuer,
		audience: opts.Audience,
		jwks:     jwks,
		mapper:   claimsMapper{permissionsClaim: claim, defaults: opts.DefaultPermissions},
	}
}

// ValidateToken parses tokenStr and returns its Identity.
func (p *JWKSProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	if p.audience != "" {
		opts = append(opts, jwt.WithAudience(p.audience))
	}

	token, err := jwt.Parse(tokenStr, p.jwks.KeyfuncCtx(ctx), opts...)
	if err != nil {
		return nil, ErrUnauthorized
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}
	return p.mapper.identity(claims)
}

// Name returns the provider name.
func (p *JWKSProvider) Name() string { return "jwks" }

// Close stops the background JWKS refresh.
func (p *JWKSProvider) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}
