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

// Metrics exposes the business counters of the commission engine.
type Metrics struct {
	distributions metric.Int64Counter
	commissions   metric.Int64Counter
	omissions     metric.Int64Counter
	eventsQueued  metric.Int64Counter
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
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "fanout"
	}
	meter := provider.Meter(name)

	distributions, err := meter.Int64Counter("fanout_distributions_total",
		metric.WithDescription("Distribution batches by terminal or pending outcome."))
	if err != nil {
		return nil, err
	}
	commissions, err := meter.Int64Counter("fanout_commissions_credited_total",
		metric.WithDescription("Ledger credits written."))
	if err != nil {
		return nil, err
	}
	omissions, err := meter.Int64Counter("fanout_commissions_omitted_total",
		metric.WithDescription("Levels skipped without a credit."))
	if err != nil {
		return nil, err
	}
	eventsQueued, err := meter.Int64Counter("fanout_reward_events_queued_total",
		metric.WithDescription("Reward events accepted for asynchronous distribution."))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		distributions: distributions,
		commissions:   commissions,
		omissions:     omissions,
		eventsQueued:  eventsQueued,
	}, nil
}

func (m *Metrics) RecordDistribution(ctx context.Context, eventType, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.distributions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordCommission(ctx context.Context, currency string, level int) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("currency", strings.TrimSpace(currency)),
		attribute.Int("level", level),
	)
	m.commissions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordOmission(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.omissions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordEventQueued(ctx context.Context, source string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("source", strings.TrimSpace(source)))
	m.eventsQueued.Add(ctx, 1, metric.WithAttributes(attrs...))
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

// user ids and batch ids never become labels
var allowedLabelKeys = map[attribute.Key]struct{}{
	"event_type": {},
	"status":     {},
	"currency":   {},
	"level":      {},
	"reason":     {},
	"source":     {},
	"operation":  {},
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
