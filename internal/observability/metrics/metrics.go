package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	webhookEvents        metric.Int64Counter
	webhookFailures      metric.Int64Counter
	projectionOutcomes   metric.Int64Counter
	reconciliationRepair metric.Int64Counter
	providerThrottled    metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "billsync"
	}
	meter := provider.Meter(name)

	webhookEvents, err := meter.Int64Counter("billsync_webhook_events_total")
	if err != nil {
		return nil, err
	}
	webhookFailures, err := meter.Int64Counter("billsync_webhook_failures_total")
	if err != nil {
		return nil, err
	}
	projectionOutcomes, err := meter.Int64Counter("billsync_projection_outcomes_total")
	if err != nil {
		return nil, err
	}
	reconciliationRepair, err := meter.Int64Counter("billsync_reconciliation_repairs_total")
	if err != nil {
		return nil, err
	}
	providerThrottled, err := meter.Int64Counter("billsync_provider_throttled_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		webhookEvents:        webhookEvents,
		webhookFailures:      webhookFailures,
		projectionOutcomes:   projectionOutcomes,
		reconciliationRepair: reconciliationRepair,
		providerThrottled:    providerThrottled,
	}, nil
}

// RecordWebhookEvent increments ingested webhook counts by outcome.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, provider, eventType, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWebhookFailure increments webhook processing failures.
func (m *Metrics) RecordWebhookFailure(ctx context.Context, provider, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
	)
	m.webhookFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordProjection increments projection outcomes per aggregate.
func (m *Metrics) RecordProjection(ctx context.Context, aggregate, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("aggregate", strings.TrimSpace(aggregate)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.projectionOutcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReconciliationRepair increments repairs applied by a reconciliation scope.
func (m *Metrics) RecordReconciliationRepair(ctx context.Context, scope string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("scope", strings.TrimSpace(scope)))
	m.reconciliationRepair.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordProviderThrottled increments provider calls delayed or rejected by the local limiter.
func (m *Metrics) RecordProviderThrottled(ctx context.Context, provider, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("operation", strings.TrimSpace(operation)),
	)
	m.providerThrottled.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"provider":   {},
	"event_type": {},
	"status":     {},
	"aggregate":  {},
	"outcome":    {},
	"scope":      {},
	"operation":  {},
	"reason":     {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
