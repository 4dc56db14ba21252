// Package handoff moves a signed-in session from the site to the builder app through a
// short-lived, single-use code.
//
// Only the SHA-256 of a code is stored. The session tokens are sealed with a server-held
// key that never touches the database, so the database alone cannot yield a session.
package handoff

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mcpluginbuilder/mcplugin/billing/internal/apperr"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/store"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/telemetry"
)

// DefaultTTL bounds how long an unexchanged code stays usable.
const DefaultTTL = 120 * time.Second

// codeBytes is the entropy of a code before encoding.
const codeBytes = 24

var (
	// ErrNotFoundOrExpired is returned for unknown, malformed and expired codes alike.
	ErrNotFoundOrExpired = apperr.Validation("handoff code is invalid or expired")
	// ErrAlreadyConsumed is returned when the code was exchanged before.
	ErrAlreadyConsumed = apperr.Conflict("handoff code already used")
)

// Tokens is the session carried through a handoff.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Grant is a freshly created code.
type Grant struct {
	Code      string
	TTL       time.Duration
	ExpiresAt time.Time
}

// Store persists handoff codes.
type Store interface {
	InsertHandoffCode(ctx context.Context, code *store.HandoffCode) error
	ConsumeHandoffCode(ctx context.Context, codeHash string, now time.Time) (*store.HandoffCode, error)
}

// Service creates and exchanges handoff codes.
type Service struct {
	store   Store
	sealer  *Sealer
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithMetrics records create and exchange outcomes.
func WithMetrics(m *telemetry.Metrics) Option { return func(s *Service) { s.metrics = m } }

// New creates a Service sealing payloads with key. A non-positive ttl uses DefaultTTL.
func New(st Store, key []byte, ttl time.Duration, opts ...Option) (*Service, error) {
	sealer, err := NewSealer(key)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Service{
		store:  st,
		sealer: sealer,
		ttl:    ttl,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// HashCode returns the stored lookup key for code.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func newCode() (string, error) {
	b := make([]byte, codeBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("handoff: generate code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// wellFormed rejects codes that could not have been issued, without a store round trip.
func wellFormed(code string) bool {
	b, err := base64.RawURLEncoding.DecodeString(code)
	return err == nil && len(b) == codeBytes
}

// Create seals tokens for userID and returns the code that redeems them.
func (s *Service) Create(ctx context.Context, tokens Tokens, userID string) (*Grant, error) {
	if userID == "" {
		return nil, apperr.Authentication("missing user")
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		return nil, apperr.Validation("access_token and refresh_token are required")
	}

	code, err := newCode()
	if err != nil {
		return nil, err
	}
	hash := HashCode(code)

	payload, err := json.Marshal(tokens)
	if err != nil {
		return nil, fmt.Errorf("handoff: encode payload: %w", err)
	}
	ciphertext, nonce, err := s.sealer.Seal(payload, []byte(hash))
	if err != nil {
		return nil, err
	}

	now := s.now()
	rec := &store.HandoffCode{
		CodeHash:   hash,
		UserID:     userID,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		ExpiresAt:  now.Add(s.ttl),
		CreatedAt:  now,
	}
	if err := s.store.InsertHandoffCode(ctx, rec); err != nil {
		s.metrics.HandoffOutcome(ctx, "create", "error")
		return nil, apperr.Transient("store handoff code", err)
	}

	s.metrics.HandoffOutcome(ctx, "create", "created")
	s.logger.Info("handoff code created", "user_id", userID, "expires_at", rec.ExpiresAt)
	return &Grant{Code: code, TTL: s.ttl, ExpiresAt: rec.ExpiresAt}, nil
}

// Exchange redeems code exactly once. The row is marked consumed before the payload is
// decrypted, so concurrent exchanges of one code yield a single success.
func (s *Service) Exchange(ctx context.Context, code string) (*Tokens, error) {
	if !wellFormed(code) {
		s.metrics.HandoffOutcome(ctx, "exchange", "not_found")
		return nil, ErrNotFoundOrExpired
	}
	hash := HashCode(code)

	rec, err := s.store.ConsumeHandoffCode(ctx, hash, s.now())
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrHandoffExpired):
		s.metrics.HandoffOutcome(ctx, "exchange", "not_found")
		return nil, ErrNotFoundOrExpired
	case errors.Is(err, store.ErrHandoffConsumed):
		s.metrics.HandoffOutcome(ctx, "exchange", "consumed")
		s.logger.Warn("handoff code reused", "code_hash", hash[:12])
		return nil, ErrAlreadyConsumed
	case err != nil:
		s.metrics.HandoffOutcome(ctx, "exchange", "error")
		return nil, apperr.Transient("consume handoff code", err)
	}

	payload, err := s.sealer.Open(rec.Ciphertext, rec.Nonce, []byte(hash))
	if err != nil {
		s.metrics.HandoffOutcome(ctx, "exchange", "error")
		s.logger.Error("handoff payload could not be opened", "user_id", rec.UserID, "error", err)
		return nil, apperr.Transient("open handoff payload", err)
	}
	var tokens Tokens
	if err := json.Unmarshal(payload, &tokens); err != nil {
		s.metrics.HandoffOutcome(ctx, "exchange", "error")
		return nil, apperr.Transient("decode handoff payload", err)
	}

	s.metrics.HandoffOutcome(ctx, "exchange", "exchanged")
	s.logger.Info("handoff code exchanged", "user_id", rec.UserID)
	return &tokens, nil
}
