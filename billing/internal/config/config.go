// Package config handles billing service configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// HandoffKeySize is the decoded length of the handoff encryption key.
const HandoffKeySize = 32

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GenerateHandoffKey returns a base64 encoded random key for sealing handoff payloads.
func GenerateHandoffKey() (string, error) {
	b := make([]byte, HandoffKeySize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate handoff key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Config is the top-level billing service configuration.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Auth        AuthConfig        `json:"auth"`
	Storage     StorageConfig     `json:"storage"`
	Idempotency IdempotencyConfig `json:"idempotency,omitempty"`
	Webhook     WebhookConfig     `json:"webhook,omitempty"`
	Handoff     HandoffConfig     `json:"handoff"`
	Billing     BillingConfig     `json:"billing"`
	Sweeper     SweeperConfig     `json:"sweeper,omitempty"`
	Logging     LoggingConfig     `json:"logging,omitempty"`
	RateLimit   RateLimitConfig   `json:"rate_limit,omitempty"`
	Telemetry   TelemetryConfig   `json:"telemetry,omitempty"`
}

// ServerConfig defines the listener and the origins the service trusts.
type ServerConfig struct {
	Addr           string   `json:"addr" validate:"required"`
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	SiteURL        string   `json:"site_url" validate:"required,url"`               // public URL of this origin
	BuilderURL     string   `json:"builder_url,omitempty" validate:"omitempty,url"` // default post-checkout destination
	AllowedOrigins []string `json:"allowed_origins,omitempty"`                      // trusted cross-origin callers
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`                       // default 1MB
}

// AuthConfig defines how access tokens issued by the identity provider are verified.
type AuthConfig struct {
	Provider   string `json:"provider,omitempty" validate:"omitempty,oneof=jwt jwks"` // "jwt" (default) or "jwks"
	JWTSecret  string `json:"jwt_secret,omitempty"`                                   // HS256 shared secret
	JWKSURL    string `json:"jwks_url,omitempty" validate:"omitempty,url"`
	Issuer     string `json:"issuer,omitempty"`
	Audience   string `json:"audience,omitempty"`    // e.g. "authenticated"
	CookieName string `json:"cookie_name,omitempty"` // optional cookie carrying the access token
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver" validate:"omitempty,oneof=sqlite postgres"` // "sqlite" (default)
	DSN    string `json:"dsn"`                                               // e.g. "billing.db" or ":memory:"
}

// IdempotencyConfig selects where mutation locks live.
type IdempotencyConfig struct {
	Backend  string   `json:"backend,omitempty" validate:"omitempty,oneof=sql redis"` // "sql" (default) or "redis"
	RedisURL string   `json:"redis_url,omitempty"`
	LockTTL  Duration `json:"lock_ttl,omitempty"`
}

// WebhookConfig tunes the webhook event ledger.
type WebhookConfig struct {
	Tolerance  Duration `json:"tolerance,omitempty"`   // signature timestamp tolerance
	StaleAfter Duration `json:"stale_after,omitempty"` // pending rows older than this may be reclaimed
	Retention  Duration `json:"retention,omitempty"`   // processed rows older than this are purged
}

// HandoffConfig defines the session handoff settings.
type HandoffConfig struct {
	EncryptionKey string   `json:"encryption_key,omitempty"` // base64, 32 bytes
	TTL           Duration `json:"ttl,omitempty"`
}

// BillingConfig defines payment gateway settings.
type BillingConfig struct {
	StripeSecretKey     string              `json:"stripe_secret_key,omitempty"`
	StripeWebhookSecret string              `json:"stripe_webhook_secret,omitempty"`
	Prices              map[string][]string `json:"prices,omitempty"` // tier -> gateway price ids
}

// SweeperConfig defines the background purge cadence.
type SweeperConfig struct {
	Interval Duration `json:"interval,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	Format string `json:"format,omitempty" validate:"omitempty,oneof=json text"`
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// TelemetryConfig defines OTLP metric export. Export is off when the endpoint is empty.
type TelemetryConfig struct {
	OTLPEndpoint string   `json:"otlp_endpoint,omitempty"` // e.g. "localhost:4317"
	Insecure     bool     `json:"insecure,omitempty"`
	Interval     Duration `json:"interval,omitempty"`
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// envOverrides maps environment variables onto secret-bearing fields.
var envOverrides = []struct {
	name  string
	apply func(*Config, string)
}{
	{"STRIPE_SECRET_KEY", func(c *Config, v string) { c.Billing.StripeSecretKey = v }},
	{"STRIPE_WEBHOOK_SECRET", func(c *Config, v string) { c.Billing.StripeWebhookSecret = v }},
	{"HANDOFF_ENCRYPTION_KEY", func(c *Config, v string) { c.Handoff.EncryptionKey = v }},
	{"AUTH_JWT_SECRET", func(c *Config, v string) { c.Auth.JWTSecret = v }},
	{"DATABASE_URL", func(c *Config, v string) { c.Storage.DSN = v }},
	{"REDIS_URL", func(c *Config, v string) { c.Idempotency.RedisURL = v }},
}

// Load reads a config file, applies .env and environment overrides, and validates it.
// A .env file next to the config file (or in the working directory) is read if present;
// real environment variables win over .env entries.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv(readEnvFile(filepath.Join(filepath.Dir(path), ".env"), ".env"))
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func readEnvFile(candidates ...string) map[string]string {
	for _, f := range candidates {
		if env, err := godotenv.Read(f); err == nil {
			return env
		}
	}
	return nil
}

func (c *Config) applyEnv(fileEnv map[string]string) {
	for _, o := range envOverrides {
		if v := os.Getenv(o.name); v != "" {
			o.apply(c, v)
		} else if v := fileEnv[o.name]; v != "" {
			o.apply(c, v)
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%s: failed %q check", verrs[0].Namespace(), verrs[0].Tag())
		}
		return err
	}

	switch c.Auth.Provider {
	case "jwt":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required")
		}
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
		}
		if knownWeakSecrets[c.Auth.JWTSecret] {
			return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
		}
	case "jwks":
		if c.Auth.JWKSURL == "" {
			return fmt.Errorf("auth.jwks_url is required when provider is jwks")
		}
	}

	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for postgres")
	}
	if c.Idempotency.Backend == "redis" && c.Idempotency.RedisURL == "" {
		return fmt.Errorf("idempotency.redis_url is required when backend is redis")
	}

	if c.Billing.StripeSecretKey == "" {
		return fmt.Errorf("billing.stripe_secret_key is required")
	}
	if c.Billing.StripeWebhookSecret == "" {
		return fmt.Errorf("billing.stripe_webhook_secret is required")
	}
	for tier, ids := range c.Billing.Prices {
		if tier != "premium" && tier != "pro" {
			return fmt.Errorf("billing.prices: unknown paid tier %q", tier)
		}
		if len(ids) == 0 {
			return fmt.Errorf("billing.prices.%s: at least one price id is required", tier)
		}
	}

	if _, err := c.HandoffKey(); err != nil {
		return err
	}

	for _, o := range c.Server.AllowedOrigins {
		if err := checkOrigin(o); err != nil {
			return fmt.Errorf("server.allowed_origins: %w", err)
		}
	}
	return nil
}

// HandoffKey decodes the configured handoff encryption key.
func (c *Config) HandoffKey() ([]byte, error) {
	if c.Handoff.EncryptionKey == "" {
		return nil, fmt.Errorf("handoff.encryption_key is required")
	}
	key, err := base64.StdEncoding.DecodeString(c.Handoff.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("handoff.encryption_key: not valid base64: %w", err)
	}
	if len(key) != HandoffKeySize {
		return nil, fmt.Errorf("handoff.encryption_key: must decode to %d bytes, got %d", HandoffKeySize, len(key))
	}
	return key, nil
}

// checkOrigin accepts only a bare scheme://host[:port] origin. Wildcards are rejected.
func checkOrigin(origin string) error {
	if strings.Contains(origin, "*") {
		return fmt.Errorf("wildcard origin %q is not allowed", origin)
	}
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin %q must use http or https", origin)
	}
	if u.Host == "" || (u.Path != "" && u.Path != "/") || u.RawQuery != "" {
		return fmt.Errorf("origin %q must be scheme://host[:port]", origin)
	}
	return nil
}

// TrustedOrigins returns the allow-list used by CORS, the origin guard and return_to
// checks. The service's own origin and the builder origin are always included.
func (c *Config) TrustedOrigins() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(raw string) {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return
		}
		o := u.Scheme + "://" + u.Host
		if !seen[o] {
			seen[o] = true
			out = append(out, o)
		}
	}
	add(c.Server.SiteURL)
	add(c.Server.BuilderURL)
	for _, o := range c.Server.AllowedOrigins {
		add(o)
	}
	return out
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	c.Server.SiteURL = strings.TrimRight(c.Server.SiteURL, "/")
	if c.Server.BuilderURL == "" {
		c.Server.BuilderURL = c.Server.SiteURL
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Auth.Provider == "" {
		c.Auth.Provider = "jwt"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" && c.Storage.Driver == "sqlite" {
		c.Storage.DSN = "mcplugin-billing.db"
	}
	if c.Idempotency.Backend == "" {
		c.Idempotency.Backend = "sql"
	}
	if c.Idempotency.LockTTL.Duration == 0 {
		c.Idempotency.LockTTL.Duration = 5 * time.Minute
	}
	if c.Webhook.Tolerance.Duration == 0 {
		c.Webhook.Tolerance.Duration = 300 * time.Second
	}
	if c.Webhook.StaleAfter.Duration == 0 {
		c.Webhook.StaleAfter.Duration = 5 * time.Minute
	}
	if c.Webhook.Retention.Duration == 0 {
		c.Webhook.Retention.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Handoff.TTL.Duration == 0 {
		c.Handoff.TTL.Duration = 120 * time.Second
	}
	if c.Sweeper.Interval.Duration == 0 {
		c.Sweeper.Interval.Duration = time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
}
