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
	creditSpends      metric.Int64Counter
	creditBypasses    metric.Int64Counter
	creditDenials     metric.Int64Counter
	balanceCacheReads metric.Int64Counter
	watchReconnects   metric.Int64Counter
	rateLimitDenied   metric.Int64Counter
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
		name = "lernova-credits"
	}
	meter := provider.Meter(name)

	creditSpends, err := meter.Int64Counter("credits_spends_total")
	if err != nil {
		return nil, err
	}
	creditBypasses, err := meter.Int64Counter("credits_bypasses_total")
	if err != nil {
		return nil, err
	}
	creditDenials, err := meter.Int64Counter("credits_denials_total")
	if err != nil {
		return nil, err
	}
	balanceCacheReads, err := meter.Int64Counter("credits_balance_cache_reads_total")
	if err != nil {
		return nil, err
	}
	watchReconnects, err := meter.Int64Counter("credits_watch_reconnects_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("credits_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		creditSpends:      creditSpends,
		creditBypasses:    creditBypasses,
		creditDenials:     creditDenials,
		balanceCacheReads: balanceCacheReads,
		watchReconnects:   watchReconnects,
		rateLimitDenied:   rateLimitDenied,
	}, nil
}

// RecordSpend increments committed spend counts.
func (m *Metrics) RecordSpend(ctx context.Context, txType, category string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tx_type", strings.TrimSpace(txType)),
		attribute.String("category", strings.TrimSpace(category)),
	)
	m.creditSpends.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBypass increments unlimited-role bypass counts.
func (m *Metrics) RecordBypass(ctx context.Context, role string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("role", strings.TrimSpace(role)))
	m.creditBypasses.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDenial increments rejected mutation counts.
func (m *Metrics) RecordDenial(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.creditDenials.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCacheRead increments balance cache read counts.
func (m *Metrics) RecordCacheRead(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.balanceCacheReads.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWatchReconnect increments balance watch reconnect counts.
func (m *Metrics) RecordWatchReconnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.watchReconnects.Add(ctx, 1)
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"tx_type":     {},
	"category":    {},
	"role":        {},
	"reason":      {},
	"outcome":     {},
	"endpoint":    {},
	"status_code": {},
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
