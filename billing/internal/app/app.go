// Package app is the composition root that ties the billing components together.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mcpluginbuilder/mcplugin/billing/internal/api"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/auth"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/config"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/gateway"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/handoff"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/idempotency"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/ledger"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/plans"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/store"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/sweeper"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/telemetry"
)

// shutdownTimeout bounds the graceful HTTP drain.
const shutdownTimeout = 30 * time.Second

// App is the billing service process.
type App struct {
	cfg       *config.Config
	store     store.Store
	auth      auth.Provider
	telemetry *telemetry.Provider
	closers   []io.Closer
	api       *api.Server
	sweeper   *sweeper.Sweeper
	logger    *slog.Logger
}

// OpenStore opens the configured storage backend.
func OpenStore(cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return store.NewPostgres(cfg.DSN)
	case "sqlite", "":
		return store.NewSQLite(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}

// New builds every component from configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger.With("component", "app")}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	tp, err := telemetry.Setup(ctx, telemetry.Config{
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
		Interval:     cfg.Telemetry.Interval.Duration,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.telemetry = tp
	metrics, err := telemetry.NewMetrics(nil)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	db, err := OpenStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	a.store = db

	authProvider, err := auth.NewProvider(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("init auth provider: %w", err)
	}
	a.auth = authProvider

	locks, err := a.lockStore(db)
	if err != nil {
		return nil, err
	}

	catalog, err := plans.NewCatalog(cfg.Billing.Prices)
	if err != nil {
		return nil, fmt.Errorf("init price catalog: %w", err)
	}
	if len(catalog.PriceIDs()) == 0 {
		logger.Warn("no paid prices configured, checkout will reject every price")
	}

	key, err := cfg.HandoffKey()
	if err != nil {
		return nil, err
	}
	handoffs, err := handoff.New(db, key, cfg.Handoff.TTL.Duration,
		handoff.WithLogger(logger.With("component", "handoff")), handoff.WithMetrics(metrics))
	if err != nil {
		return nil, fmt.Errorf("init handoff: %w", err)
	}

	gw := gateway.NewStripe(cfg.Billing.StripeSecretKey, cfg.Billing.StripeWebhookSecret, cfg.Webhook.Tolerance.Duration)
	led := ledger.New(db, gw, catalog,
		ledger.WithStaleAfter(cfg.Webhook.StaleAfter.Duration),
		ledger.WithLogger(logger.With("component", "ledger")),
		ledger.WithMetrics(metrics))
	guard := idempotency.New(locks, cfg.Idempotency.LockTTL.Duration,
		idempotency.WithLogger(logger.With("component", "idempotency")),
		idempotency.WithMetrics(metrics))

	a.api = api.NewServer(api.Deps{
		Store:   db,
		Auth:    authProvider,
		Gateway: gw,
		Ledger:  led,
		Guard:   guard,
		Handoff: handoffs,
		Catalog: catalog,
	}, cfg, logger)

	a.sweeper = sweeper.New(db,
		sweeper.WithInterval(cfg.Sweeper.Interval.Duration),
		sweeper.WithRetention(cfg.Webhook.Retention.Duration),
		sweeper.WithLogger(logger),
		sweeper.WithMetrics(metrics))

	if authProvider.Name() == "jwt" && len(cfg.Auth.JWTSecret) < 32 {
		logger.Warn("auth secret is shorter than 32 characters, use a stronger secret in production")
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		logger.Info("no extra origins allowed, handoff exchange only accepts the site and builder origins")
	}

	ok = true
	return a, nil
}

func (a *App) lockStore(db store.Store) (idempotency.LockStore, error) {
	if a.cfg.Idempotency.Backend != "redis" {
		return db, nil
	}
	client, err := idempotency.NewRedisClient(a.cfg.Idempotency.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("init redis: %w", err)
	}
	a.closers = append(a.closers, client)
	a.logger.Info("idempotency locks stored in redis")
	return idempotency.NewRedisLocks(client, "mcplugin:idem:"), nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

// Run serves HTTP and runs the sweeper until ctx is canceled or either fails.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	a.api.StartBackgroundTasks(gctx)

	g.Go(func() error {
		a.logger.Info("billing service listening", "addr", a.cfg.Server.Addr)
		var err error
		if a.cfg.Server.TLSCert != "" && a.cfg.Server.TLSKey != "" {
			err = srv.ListenAndServeTLS(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		} else {
			a.logger.Warn("TLS not configured, running without encryption (development only)")
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return a.sweeper.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}
		return nil
	})

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) close() {
	for _, c := range a.closers {
		_ = c.Close()
	}
	if a.auth != nil {
		_ = a.auth.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics flush failed", "error", err)
		}
	}
}
