// ABOUTME: Builds the metric readers and span exporters named in Config.Exporters
// ABOUTME: prometheus is a pull reader on a private registry, stdout pushes on MetricInterval, otlp ships spans only

package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
)

// sinks is everything New needs from the exporter list
type sinks struct {
	readers  []metric.Reader
	spans    []trace.SpanExporter
	registry *prometheus.Registry // nil unless prometheus is configured
}

// buildSinks creates one sink per configured exporter. Exporters
// created before a failure are shut down.
func buildSinks(cfg Config) (*sinks, error) {
	s := &sinks{}
	for _, name := range cfg.Exporters {
		if err := s.add(cfg, name); err != nil {
			s.shutdown()
			return nil, fmt.Errorf("failed to create %s exporter: %w", name, err)
		}
	}
	return s, nil
}

func (s *sinks) add(cfg Config, name string) error {
	switch name {
	case ExporterPrometheus:
		s.registry = prometheus.NewRegistry()
		reader, err := otelprom.New(otelprom.WithRegisterer(s.registry))
		if err != nil {
			return err
		}
		s.readers = append(s.readers, reader)

	case ExporterStdout:
		me, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.output()))
		if err != nil {
			return err
		}
		s.readers = append(s.readers, metric.NewPeriodicReader(me,
			metric.WithInterval(cfg.MetricInterval),
			metric.WithTimeout(cfg.ExportTimeout),
		))
		te, err := stdouttrace.New(stdouttrace.WithWriter(cfg.output()))
		if err != nil {
			return err
		}
		s.spans = append(s.spans, te)

	case ExporterOTLP:
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ExportTimeout)
		defer cancel()
		te, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithTimeout(cfg.ExportTimeout),
		)
		if err != nil {
			return err
		}
		s.spans = append(s.spans, te)

	default:
		return fmt.Errorf("unknown exporter")
	}
	return nil
}

func (s *sinks) shutdown() {
	ctx := context.Background()
	for _, r := range s.readers {
		_ = r.Shutdown(ctx)
	}
	for _, e := range s.spans {
		_ = e.Shutdown(ctx)
	}
}
