package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OTel metrics SDK.
type ProviderConfig struct {
	// ServiceName is reported in the resource attributes. Default: "kestrel".
	ServiceName string

	// ArenaCurrentMiB is polled by the arena-size gauge's observable
	// callback; nil disables that gauge's readings (it will simply report
	// nothing).
	ArenaCurrentMiB func() int64
}

// InitProvider sets up a MeterProvider backed by a Prometheus exporter
// (registered globally via otel.SetMeterProvider) and returns the runtime's
// Metrics instrument set plus a shutdown function to call from main's
// defer, mirroring the teacher's InitProvider shape.
func InitProvider(cfg ProviderConfig) (metrics *Metrics, shutdown func(context.Context) error, err error) {
	name := cfg.ServiceName
	if name == "" {
		name = "kestrel"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(name)),
	)
	if err != nil {
		return nil, nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, nil, err
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(promExp))
	otel.SetMeterProvider(mp)

	metrics, err = NewMetrics(mp, cfg.ArenaCurrentMiB)
	if err != nil {
		return nil, nil, err
	}

	return metrics, mp.Shutdown, nil
}
