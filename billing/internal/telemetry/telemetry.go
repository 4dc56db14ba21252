// Package telemetry owns the OpenTelemetry meter provider and the billing counters.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const instrumentationName = "github.com/mcpluginbuilder/mcplugin/billing"

// Config controls metric export. An empty OTLPEndpoint keeps the global no-op provider.
type Config struct {
	OTLPEndpoint string
	Insecure     bool
	Interval     time.Duration
}

// Provider wraps the SDK meter provider so it can be flushed on shutdown.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
}

// Setup installs an OTLP/gRPC meter provider as the global provider when configured.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if cfg.OTLPEndpoint == "" {
		logger.Info("metrics export disabled")
		return &Provider{}, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(mp)
	logger.Info("metrics export enabled", "endpoint", cfg.OTLPEndpoint, "interval", interval)
	return &Provider{meterProvider: mp}, nil
}

// Shutdown flushes pending metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}

// Metrics holds the counters recorded by the billing components. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	webhookEvents  metric.Int64Counter
	idempotency    metric.Int64Counter
	handoffs       metric.Int64Counter
	sweeperDeleted metric.Int64Counter
}

// NewMetrics creates the billing instruments from mp. A nil mp uses the global provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	var (
		m   Metrics
		err error
	)
	m.webhookEvents, err = meter.Int64Counter("billing.webhook.events",
		metric.WithDescription("Webhook deliveries by outcome"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}
	m.idempotency, err = meter.Int64Counter("billing.idempotency.acquisitions",
		metric.WithDescription("Idempotency guard acquisitions by result"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}
	m.handoffs, err = meter.Int64Counter("billing.handoff.operations",
		metric.WithDescription("Handoff create and exchange operations by outcome"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}
	m.sweeperDeleted, err = meter.Int64Counter("billing.sweeper.deleted",
		metric.WithDescription("Rows purged by the sweeper"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// WebhookOutcome counts one processed delivery.
func (m *Metrics) WebhookOutcome(ctx context.Context, outcome, eventType string) {
	if m == nil {
		return
	}
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("event_type", eventType),
	))
}

// IdempotencyResult counts one guard acquisition.
func (m *Metrics) IdempotencyResult(ctx context.Context, scope, result string) {
	if m == nil {
		return
	}
	m.idempotency.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("result", result),
	))
}

// HandoffOutcome counts one handoff operation.
func (m *Metrics) HandoffOutcome(ctx context.Context, op, outcome string) {
	if m == nil {
		return
	}
	m.handoffs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

// SweeperDeleted counts rows removed from table.
func (m *Metrics) SweeperDeleted(ctx context.Context, table string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.sweeperDeleted.Add(ctx, n, metric.WithAttributes(attribute.String("table", table)))
}
