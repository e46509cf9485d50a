package main

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/KevoDB/ctree/pkg/telemetry"
)

func TestMetricsServerServesScrapes(t *testing.T) {
	cfg := telemetry.DefaultConfig()
	cfg.Enabled = true
	cfg.ServiceName = "ctree-shell-test"
	tel, err := telemetry.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}
	defer tel.Shutdown(context.Background())

	tel.RecordCounter(context.Background(), "shell.test.commands", 3)

	handler, ok := telemetry.MetricsHandler(tel)
	if !ok {
		t.Fatal("Expected a metrics handler with the prometheus exporter")
	}

	server := NewMetricsServer("127.0.0.1:0", handler)
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- server.Serve() }()

	resp, err := http.Get("http://" + server.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("Failed to scrape: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "shell_test_commands") {
		t.Errorf("Expected the counter in the scrape, got:\n%s", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Serve returned %v after shutdown", err)
	}
}

func TestMetricsServerServeBeforeStart(t *testing.T) {
	server := NewMetricsServer("127.0.0.1:0", http.NotFoundHandler())
	if err := server.Serve(); err == nil {
		t.Error("Expected an error serving before Start")
	}
	if err := server.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown before Start: %v", err)
	}
}
