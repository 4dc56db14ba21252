package auth

import (
	"fmt"

	"github.com/mcpluginbuilder/mcplugin/billing/internal/config"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(cfg config.AuthConfig) (Provider, error) {
	switch cfg.Provider {
	case "jwt", "":
		return NewSharedSecretProvider(cfg.JWTSecret, cfg.Issuer, cfg.Audience), nil
	case "jwks":
		return NewJWKSProvider(cfg.JWKSURL, cfg.Issuer, cfg.Audience)
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
