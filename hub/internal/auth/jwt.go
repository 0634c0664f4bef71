package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWTProvider validates HS256 tokens signed with a shared secret.
type JWTProvider struct {
	secret   []byte
	issuer   string
	audience string
	mapper   claimsMapper
}

// JWTOptions configures a JWTProvider.
type JWTOptions struct {
	Secret             string
	Issuer             string
	Audience           string
	PermissionsClaim   string
	DefaultPermissions []string
}

// NewJWTProvider creates a provider for HS256 tokens.
func NewJWTProvider(opts JWTOptions) (*JWTProvider, error) {
	if opts.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	claim := opts.PermissionsClaim
	if claim == "" {
		claim = "permissions"
	}
	return &JWTProvider{
		secret:   []byte(opts.Secret),
		issuer:   opts.Issuer,
		audience: opts.Audience,
		mapper:   claimsMapper{permissionsClaim: claim, defaults: opts.DefaultPermissions},
	}, nil
}

// ValidateToken parses tokenStr and returns its Identity.
func (p *JWTProvider) ValidateToken(_ context.Context, tokenStr string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	if p.audience != "" {
		opts = append(opts, jwt.WithAudience(p.audience))
	}

	token, err := jwt.Parse(tokenStr, func(*jwt.Token) (any, error) { return p.secret, nil }, opts...)
	if err != nil {
		return nil, ErrUnauthorized
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}
	return p.mapper.identity(claims)
}

// Issue signs a token for userID. It is used by the CLI and tests; production
// tokens come from the identity provider.
func (p *JWTProvider) Issue(userID string, permissions []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(now.Add(ttl)),
		"jti": uuid.New().String(),
	}
	if permissions != nil {
		claims[p.mapper.permissionsClaim] = permissions
	}
	if p.issuer != "" {
		claims["iss"] = p.issuer
	}
	if p.audience != "" {
		claims["aud"] = p.audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

// Name returns the provider name.
func (p *JWTProvider) Name() string { return "jwt" }
