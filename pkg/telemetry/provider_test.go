// ABOUTME: Tests for telemetry provider creation and exporter wiring using real OpenTelemetry providers
// ABOUTME: Validates noop fallback, configuration errors, Prometheus scraping and stdout export on shutdown

package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func enabledConfig(exporters ...string) Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporters = exporters
	return cfg
}

func TestNewDisabledReturnsNoop(t *testing.T) {
	tel, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, ok := tel.(*NoopTelemetry); !ok {
		t.Errorf("Expected *NoopTelemetry, got %T", tel)
	}
	if _, ok := MetricsHandler(tel); ok {
		t.Error("Noop telemetry should not expose a metrics handler")
	}
}

func TestNewWithInvalidConfigs(t *testing.T) {
	invalid := []Config{
		{Enabled: true},
		{Enabled: true, ServiceName: "test"},
		{Enabled: true, ServiceName: "test", ServiceVersion: "1.0.0", SampleRate: -0.1},
		{Enabled: true, ServiceName: "test", ServiceVersion: "1.0.0", SampleRate: 1.1},
		{Enabled: true, ServiceName: "test", ServiceVersion: "1.0.0", SampleRate: 1.0},
	}

	for i, cfg := range invalid {
		t.Run(fmt.Sprintf("invalid_config_%d", i), func(t *testing.T) {
			tel, err := New(cfg)
			if err == nil {
				t.Error("Expected error for invalid config but got none")
			}
			if tel != nil {
				t.Error("Expected nil telemetry for invalid config but got instance")
			}
		})
	}
}

func TestPrometheusProviderServesMetrics(t *testing.T) {
	tel, err := New(enabledConfig("prometheus"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer tel.Shutdown(context.Background())

	if _, ok := tel.(*TelemetryProvider); !ok {
		t.Fatalf("Expected *TelemetryProvider, got %T", tel)
	}

	ctx := context.Background()
	tel.RecordCounter(ctx, "ctree.test.sets", 3, attribute.String(AttrComponent, ComponentStore))
	tel.RecordCounter(ctx, "ctree.test.sets", 2, attribute.String(AttrComponent, ComponentStore))
	tel.RecordHistogram(nil, "ctree.test.latency", 0.25)

	handler, ok := MetricsHandler(tel)
	if !ok {
		t.Fatal("Expected a metrics handler for the prometheus exporter")
	}

	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("Scrape failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "ctree_test_sets") {
		t.Errorf("Expected counter in scrape output, got:\n%s", body)
	}
	if !strings.Contains(string(body), "ctree_test_latency") {
		t.Errorf("Expected histogram in scrape output, got:\n%s", body)
	}
}

func TestStdoutProviderExportsOnShutdown(t *testing.T) {
	var buf bytes.Buffer
	cfg := enabledConfig("stdout")
	cfg.Output = &buf

	tel, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, span := tel.StartSpan(context.Background(), "ctree.test.span")
	tel.RecordCounter(ctx, "ctree.test.flushes", 1)
	span.End()

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "ctree.test.span") {
		t.Error("Expected span in stdout output")
	}
	if !strings.Contains(out, "ctree.test.flushes") {
		t.Error("Expected counter in stdout output")
	}
}

func TestProviderWithoutPrometheusHasNoHandler(t *testing.T) {
	cfg := enabledConfig("stdout")
	cfg.Output = io.Discard

	tel, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer tel.Shutdown(context.Background())

	if _, ok := MetricsHandler(tel); ok {
		t.Error("Expected no metrics handler without prometheus exporter")
	}
}
