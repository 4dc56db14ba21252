// Package sweeper purges expired idempotency locks, expired handoff codes and old
// processed webhook events on an explicit Start/Stop lifecycle.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mcpluginbuilder/mcplugin/billing/internal/telemetry"
)

// Defaults used when an option is not set.
const (
	DefaultInterval  = time.Minute
	DefaultRetention = 30 * 24 * time.Hour
)

// Store is the subset of the store the sweeper deletes from.
type Store interface {
	DeleteExpiredMutationLocks(ctx context.Context, now time.Time) (int64, error)
	DeleteExpiredHandoffCodes(ctx context.Context, before time.Time) (int64, error)
	DeleteProcessedWebhookEvents(ctx context.Context, before time.Time) (int64, error)
}

// Result counts the rows removed by one pass.
type Result struct {
	Locks    int64
	Handoffs int64
	Events   int64
}

// Sweeper runs periodic purges.
type Sweeper struct {
	store     Store
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
	metrics   *telemetry.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInterval sets the time between passes.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithRetention sets how long processed webhook events are kept.
func WithRetention(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Sweeper) { s.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Sweeper) { s.logger = l } }

// WithMetrics records purged row counts.
func WithMetrics(m *telemetry.Metrics) Option { return func(s *Sweeper) { s.metrics = m } }

// New creates a stopped Sweeper.
func New(st Store, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:     st,
		interval:  DefaultInterval,
		retention: DefaultRetention,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "sweeper")
	return s
}

// Start launches the sweep loop. It runs until ctx is done or Stop is called. Calling
// Start on a running Sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.logger.Info("sweeper started", "interval", s.interval, "retention", s.retention)
}

// Stop cancels the loop and waits for an in-progress pass to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("sweeper stopped")
}

// Run starts the loop and blocks until ctx is done, then stops it.
func (s *Sweeper) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("sweep failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single pass. Every table is attempted even if an earlier one fails.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	now := s.now()
	var res Result
	var errs []error

	n, err := s.store.DeleteExpiredMutationLocks(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	res.Locks = n
	s.metrics.SweeperDeleted(ctx, "mutation_locks", n)

	n, err = s.store.DeleteExpiredHandoffCodes(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	res.Handoffs = n
	s.metrics.SweeperDeleted(ctx, "handoff_codes", n)

	n, err = s.store.DeleteProcessedWebhookEvents(ctx, now.Add(-s.retention))
	if err != nil {
		errs = append(errs, err)
	}
	res.Events = n
	s.metrics.SweeperDeleted(ctx, "webhook_events", n)

	if res.Locks+res.Handoffs+res.Events > 0 {
		s.logger.Info("sweep complete", "locks", res.Locks, "handoff_codes", res.Handoffs, "webhook_events", res.Events)
	}
	return res, errors.Join(errs...)
}
