package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims are the access token claims the billing service reads.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// SharedSecretProvider validates HS256 tokens signed with the identity provider's
// project secret.
type SharedSecretProvider struct {
	secret   []byte
	issuer   string
	audience string
}

// NewSharedSecretProvider creates a SharedSecretProvider. Empty issuer or audience
// disable that check.
func NewSharedSecretProvider(secret, issuer, audience string) *SharedSecretProvider {
	return &SharedSecretProvider{secret: []byte(secret), issuer: issuer, audience: audience}
}

func (p *SharedSecretProvider) parserOptions() []jwt.ParserOption {
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
	return opts
}

// ValidateToken parses and verifies tokenStr.
func (p *SharedSecretProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(*jwt.Token) (any, error) {
		return p.secret, nil
	}, p.parserOptions()...)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrUnauthorized
	}
	return &Identity{UserID: claims.Subject, Email: claims.Email}, nil
}

// Issue signs a token for userID. Used for local development and tests; production
// tokens come from the identity provider.
func (p *SharedSecretProvider) Issue(userID, email string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("auth: user id is required")
	}
	now := time.Now()
	claims := &Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    p.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	if p.audience != "" {
		claims.Audience = jwt.ClaimStrings{p.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

// Name returns the provider name.
func (p *SharedSecretProvider) Name() string { return "jwt" }

// Close is a no-op.
func (p *SharedSecretProvider) Close() error { return nil }
