// Package api provides the HTTP API and middleware for the billing service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/mcpluginbuilder/mcplugin/billing/internal/apperr"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/auth"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/config"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/gateway"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/handoff"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/idempotency"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/ledger"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/plans"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/store"
)

// webhookMaxBytes caps gateway webhook bodies.
const webhookMaxBytes = 1 << 20

// Deps are the components the API serves.
type Deps struct {
	Store   store.Store
	Auth    auth.Provider
	Gateway gateway.Gateway
	Ledger  *ledger.Ledger
	Guard   *idempotency.Guard
	Handoff *handoff.Service
	Catalog *plans.Catalog
}

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	authProvider auth.Provider
	gateway      gateway.Gateway
	ledger       *ledger.Ledger
	guard        *idempotency.Guard
	handoff      *handoff.Service
	catalog      *plans.Catalog
	validate     *validator.Validate
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	siteURL      string
	builderURL   string
	cookieName   string
	maxBodyBytes int64
	trusted      map[string]bool
	rl           *rateLimiter
	exchangeRL   *rateLimiter
}

// NewServer creates a new API server.
func NewServer(deps Deps, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        deps.Store,
		authProvider: deps.Auth,
		gateway:      deps.Gateway,
		ledger:       deps.Ledger,
		guard:        deps.Guard,
		handoff:      deps.Handoff,
		catalog:      deps.Catalog,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		siteURL:      cfg.Server.SiteURL,
		builderURL:   cfg.Server.BuilderURL,
		cookieName:   cfg.Auth.CookieName,
		maxBodyBytes: cfg.Server.MaxBodyBytes,
		trusted:      make(map[string]bool),
	}
	if srv.builderURL == "" {
		srv.builderURL = srv.siteURL
	}
	if srv.maxBodyBytes <= 0 {
		srv.maxBodyBytes = 1 << 20
	}
	for _, o := range cfg.TrustedOrigins() {
		srv.trusted[o] = true
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(chimw.RequestID)
	mux.Use(securityHeadersMiddleware)

	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Authenticated by signature, not by session.
	mux.Post("/api/webhooks/stripe", srv.handleStripeWebhook)

	srv.exchangeRL = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Route("/api/handoff/exchange", func(r chi.Router) {
		r.Use(srv.exchangeCORSMiddleware)
		r.Use(ipRateLimitMiddleware(srv.exchangeRL))
		r.Post("/", srv.handleHandoffExchange)
	})

	mux.With(srv.originGuardMiddleware, srv.optionalAuthMiddleware).
		Post("/api/handoff/create", srv.handleHandoffCreate)

	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/billing/subscription", srv.handleGetSubscription)

		r.Group(func(r chi.Router) {
			r.Use(srv.originGuardMiddleware)
			r.Post("/api/billing/checkout", srv.handleCheckout)
			r.Post("/api/billing/portal", srv.handlePortal)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	s.exchangeRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

// decodeBody reads a size-capped JSON body into v and validates it.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("invalid request body")
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return apperr.Validation("invalid field: " + verrs[0].Field())
		}
		return apperr.Validation("invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeRawJSON writes an already encoded body, such as a cached idempotent response.
func writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeAppError maps a classified error to its status code. Internal details are logged,
// never returned.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", chimw.GetReqID(r.Context()), "error", err)
	}
	writeError(w, status, apperr.PublicMessage(err))
}
