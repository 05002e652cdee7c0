package observe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Exporter names accepted by NewMeterProvider.
const (
	ExporterNone       = "none"
	ExporterStdout     = "stdout"
	ExporterOTLP       = "otlp"
	ExporterPrometheus = "prometheus"
)

// NewMeterProvider creates a meter provider exporting to the named exporter.
// For prometheus the returned handler serves the scrape endpoint; it is nil
// for the push exporters. stdout output goes to w.
func NewMeterProvider(ctx context.Context, name string, w io.Writer) (*sdkmetric.MeterProvider, http.Handler, error) {
	reader, handler, err := newReader(ctx, name, w)
	if err != nil {
		return nil, nil, err
	}
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), handler, nil
}

func newReader(ctx context.Context, name string, w io.Writer) (sdkmetric.Reader, http.Handler, error) {
	switch name {
	case ExporterStdout:
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
		if err != nil {
			return nil, nil, fmt.Errorf("observe: stdout exporter: %w", err)
		}
		return sdkmetric.NewPeriodicReader(exp), nil, nil

	case ExporterOTLP:
		if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" && os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT") == "" {
			return nil, nil, fmt.Errorf("observe: OTLP endpoint not configured: set OTEL_EXPORTER_OTLP_ENDPOINT or OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
		}
		exp, err := otlpmetricgrpc.New(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("observe: OTLP exporter: %w", err)
		}
		return sdkmetric.NewPeriodicReader(exp), nil, nil

	case ExporterPrometheus:
		registry := prometheus.NewRegistry()
		exp, err := otelprom.New(otelprom.WithRegisterer(registry))
		if err != nil {
			return nil, nil, fmt.Errorf("observe: prometheus exporter: %w", err)
		}
		return exp, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil

	case ExporterNone, "":
		return sdkmetric.NewManualReader(), nil, nil

	default:
		return nil, nil, fmt.Errorf("observe: unknown metrics exporter %q", name)
	}
}
