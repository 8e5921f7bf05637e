package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sandeepkv93/keygate/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "keygate"

type AppMetrics struct {
	checkpointEvents     metric.Int64Counter
	sessionTokenEvents   metric.Int64Counter
	bypassAttempts       metric.Int64Counter
	keyIssuance          metric.Int64Counter
	webhookDeliveries    metric.Int64Counter
	providerVerification metric.Int64Counter
	repositoryOps        metric.Int64Counter
	rateLimitDecisions   metric.Int64Counter
	ownerTokenChecks     metric.Int64Counter
	cacheEvents          metric.Int64Counter
	cleanupRemoved       metric.Int64Counter
	webhookQueueDepth    metric.Int64UpDownCounter
}

var (
	metricsMu  sync.RWMutex
	appMetrics *AppMetrics
)

func newResource(ctx context.Context, cfg *config.Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.OTELServiceName),
			attribute.String("deployment.environment", cfg.OTELEnvironment),
		),
	)
}

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
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.OTELMetricsExportInterval))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	m, err := newAppMetrics(mp.Meter(meterName))
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
		dst  *metric.Int64Counter
		name string
	}{
		{&m.checkpointEvents, "checkpoint.events"},
		{&m.sessionTokenEvents, "session.token.events"},
		{&m.bypassAttempts, "bypass.attempts"},
		{&m.keyIssuance, "key.issuance"},
		{&m.webhookDeliveries, "webhook.deliveries"},
		{&m.providerVerification, "provider.verifications"},
		{&m.repositoryOps, "repository.operations"},
		{&m.rateLimitDecisions, "ratelimit.decisions"},
		{&m.ownerTokenChecks, "owner.token.validations"},
		{&m.cacheEvents, "cache.events"},
		{&m.cleanupRemoved, "cleanup.removed"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name)
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", c.name, err)
		}
	}
	m.webhookQueueDepth, err = meter.Int64UpDownCounter("webhook.queue.depth")
	if err != nil {
		return nil, fmt.Errorf("create webhook queue gauge: %w", err)
	}
	return &m, nil
}

func current() *AppMetrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return appMetrics
}

func RecordCheckpointEvent(ctx context.Context, event, outcome string) {
	if m := current(); m != nil {
		m.checkpointEvents.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event", event),
			attribute.String("outcome", outcome),
		))
	}
}

func RecordSessionTokenEvent(ctx context.Context, action, outcome string) {
	if m := current(); m != nil {
		m.sessionTokenEvents.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", action),
			attribute.String("outcome", outcome),
		))
	}
}

func RecordBypassAttempt(ctx context.Context, reason string) {
	if m := current(); m != nil {
		m.bypassAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func RecordKeyIssuance(ctx context.Context, outcome string) {
	if m := current(); m != nil {
		m.keyIssuance.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func RecordWebhookDelivery(ctx context.Context, event, outcome string) {
	if m := current(); m != nil {
		m.webhookDeliveries.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event", event),
			attribute.String("outcome", outcome),
		))
	}
}

func RecordWebhookQueueDepth(ctx context.Context, delta int64) {
	if m := current(); m != nil {
		m.webhookQueueDepth.Add(ctx, delta)
	}
}

func RecordProviderVerification(ctx context.Context, provider, outcome string) {
	if m := current(); m != nil {
		m.providerVerification.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("outcome", outcome),
		))
	}
}

func RecordRepositoryOperation(ctx context.Context, entity, operation, outcome string) {
	if m := current(); m != nil {
		m.repositoryOps.Add(ctx, 1, metric.WithAttributes(
			attribute.String("entity", entity),
			attribute.String("operation", operation),
			attribute.String("outcome", outcome),
		))
	}
}

func RecordRateLimitDecision(ctx context.Context, scope, outcome string) {
	if m := current(); m != nil {
		m.rateLimitDecisions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("scope", scope),
			attribute.String("outcome", outcome),
		))
	}
}

func RecordOwnerTokenValidation(ctx context.Context, outcome string) {
	if m := current(); m != nil {
		m.ownerTokenChecks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func RecordCacheEvent(ctx context.Context, cache, outcome string) {
	if m := current(); m != nil {
		m.cacheEvents.Add(ctx, 1, metric.WithAttributes(
			attribute.String("cache", cache),
			attribute.String("outcome", outcome),
		))
	}
}

func RecordCleanupRemoved(ctx context.Context, entity string, n int64) {
	if n <= 0 {
		return
	}
	if m := current(); m != nil {
		m.cleanupRemoved.Add(ctx, n, metric.WithAttributes(attribute.String("entity", entity)))
	}
}
