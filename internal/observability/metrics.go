package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/config"
)

type AppMetrics struct {
	repositoryOps         metric.Int64Counter
	accessTokenValidation metric.Int64Counter
	rateLimitDecisions    metric.Int64Counter
	rateLimitRetryAfter   metric.Float64Histogram
	sessionTransitions    metric.Int64Counter
	cacheEvents           metric.Int64Counter
	summaryRuns           metric.Int64Counter
	gatewayConnections    metric.Int64UpDownCounter
	gatewayEvents         metric.Int64Counter
	broadcastDeliveries   metric.Int64Counter
	relayEvents           metric.Int64Counter
	sweepRuns             metric.Int64Counter
	sweepSessions         metric.Int64Counter
}

var (
	metricsMu  sync.RWMutex
	appMetrics *AppMetrics
)

func InitMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	if !cfg.OTELMetricsEnabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		logger.Info("otel metrics disabled")
		return mp, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTELExporterOTLPEndpoint)}
	if cfg.OTELExporterOTLPInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.OTELMetricsExportInterval))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	m, err := newAppMetrics(mp.Meter(instrumentationName))
	if err != nil {
		return nil, err
	}
	metricsMu.Lock()
	appMetrics = m
	metricsMu.Unlock()

	logger.Info("otel metrics initialized", "endpoint", cfg.OTELExporterOTLPEndpoint)
	return mp, nil
}

func newAppMetrics(meter metric.Meter) (*AppMetrics, error) {
	var (
		m   AppMetrics
		err error
	)
	counters := []struct {
		name string
		dst  *metric.Int64Counter
	}{
		{"repository.operations", &m.repositoryOps},
		{"auth.access_token.validations", &m.accessTokenValidation},
		{"http.rate_limit.decisions", &m.rateLimitDecisions},
		{"session.transitions", &m.sessionTransitions},
		{"cache.events", &m.cacheEvents},
		{"conversation.summary.runs", &m.summaryRuns},
		{"gateway.events", &m.gatewayEvents},
		{"gateway.broadcast.deliveries", &m.broadcastDeliveries},
		{"gateway.relay.events", &m.relayEvents},
		{"sweeper.runs", &m.sweepRuns},
		{"sweeper.sessions", &m.sweepSessions},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name); err != nil {
			return nil, fmt.Errorf("create counter %s: %w", c.name, err)
		}
	}
	if m.rateLimitRetryAfter, err = meter.Float64Histogram("http.rate_limit.retry_after", metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.gatewayConnections, err = meter.Int64UpDownCounter("gateway.connections.active"); err != nil {
		return nil, err
	}
	return &m, nil
}

func current() *AppMetrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return appMetrics
}

func RecordRepositoryOperation(ctx context.Context, entity, operation, outcome string) {
	m := current()
	if m == nil {
		return
	}
	m.repositoryOps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

func RecordAccessTokenValidation(ctx context.Context, source, outcome string) {
	m := current()
	if m == nil {
		return
	}
	m.accessTokenValidation.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	))
}

func RecordRateLimitDecision(ctx context.Context, scope, outcome string) {
	m := current()
	if m == nil {
		return
	}
	m.rateLimitDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("outcome", outcome),
	))
}

func RecordRateLimitRetryAfter(ctx context.Context, scope string, seconds float64) {
	m := current()
	if m == nil {
		return
	}
	m.rateLimitRetryAfter.Record(ctx, seconds, metric.WithAttributes(attribute.String("scope", scope)))
}

// RecordSessionTransition counts lifecycle events: created, touched,
// deactivated, expired, evicted, deleted.
func RecordSessionTransition(ctx context.Context, event string) {
	m := current()
	if m == nil {
		return
	}
	m.sessionTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

func RecordCacheEvent(ctx context.Context, cache, event string) {
	m := current()
	if m == nil {
		return
	}
	m.cacheEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("event", event),
	))
}

func RecordSummaryRun(ctx context.Context, outcome string) {
	m := current()
	if m == nil {
		return
	}
	m.summaryRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func RecordGatewayConnection(ctx context.Context, delta int64) {
	m := current()
	if m == nil {
		return
	}
	m.gatewayConnections.Add(ctx, delta)
}

func RecordGatewayEvent(ctx context.Context, event, outcome string) {
	m := current()
	if m == nil {
		return
	}
	m.gatewayEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("outcome", outcome),
	))
}

func RecordBroadcastDelivery(ctx context.Context, outcome string, n int) {
	m := current()
	if m == nil || n <= 0 {
		return
	}
	m.broadcastDeliveries.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
}

func RecordRelayEvent(ctx context.Context, direction, outcome string) {
	m := current()
	if m == nil {
		return
	}
	m.relayEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("outcome", outcome),
	))
}

func RecordSweepRun(ctx context.Context, outcome string, expired, purged int64) {
	m := current()
	if m == nil {
		return
	}
	m.sweepRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if expired > 0 {
		m.sweepSessions.Add(ctx, expired, metric.WithAttributes(attribute.String("action", "expired")))
	}
	if purged > 0 {
		m.sweepSessions.Add(ctx, purged, metric.WithAttributes(attribute.String("action", "purged")))
	}
}
