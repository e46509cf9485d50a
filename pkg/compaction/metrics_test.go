// ABOUTME: Compaction telemetry tests against the in-memory recorder and real rebuilds
// ABOUTME: Covers the metrics interface, the no-op implementation and metrics emitted by Compact

package compaction

import (
	"context"
	"testing"
	"time"

	"github.com/KevoDB/ctree/pkg/telemetry"
)

// TestCompactionMetricsInterface tests all methods of the CompactionMetrics interface
func TestCompactionMetricsInterface(t *testing.T) {
	rec := telemetry.NewRecorder()
	metrics := NewCompactionMetrics(rec)
	ctx := context.Background()

	metrics.RecordCompactionStart(ctx, 4096, 128)

	if values := rec.Adds("ctree.compaction.start.count"); len(values) != 1 {
		t.Errorf("Expected 1 compaction start record, got %d", len(values))
	}
	if values := rec.Adds("ctree.compaction.input.bytes"); len(values) != 1 || values[0] != 4096 {
		t.Errorf("Expected input bytes 4096, got %v", values)
	}
	if count := len(rec.Observations("ctree.compaction.input.holes")); count != 1 {
		t.Errorf("Expected 1 input holes record, got %d", count)
	}

	metrics.RecordCompactionComplete(ctx, 150*time.Millisecond, 4096, 1024, 12, true)

	if count := len(rec.Observations("ctree.compaction.execution.duration")); count != 1 {
		t.Errorf("Expected 1 execution duration record, got %d", count)
	}
	if values := rec.Adds("ctree.compaction.space.reclaimed.bytes"); len(values) != 1 || values[0] != 3072 {
		t.Errorf("Expected 3072 reclaimed bytes, got %v", values)
	}
	if count := len(rec.Observations("ctree.compaction.size.ratio")); count != 1 {
		t.Errorf("Expected 1 size ratio record, got %d", count)
	}

	// A failed rebuild reports duration and keys but no output
	metrics.RecordCompactionComplete(ctx, time.Millisecond, 4096, 0, 3, false)
	if values := rec.Adds("ctree.compaction.output.bytes"); len(values) != 1 {
		t.Errorf("Expected output bytes only for the successful run, got %v", values)
	}

	metrics.RecordSwap(ctx, time.Millisecond, true)
	if count := len(rec.Observations("ctree.compaction.swap.duration")); count != 1 {
		t.Errorf("Expected 1 swap duration record, got %d", count)
	}

	if err := metrics.Close(); err != nil {
		t.Errorf("Expected nil error from Close(), got %v", err)
	}
}

// TestNoopCompactionMetrics verifies that no-op implementation works correctly
func TestNoopCompactionMetrics(t *testing.T) {
	metrics := NewNoopCompactionMetrics()
	ctx := context.Background()

	metrics.RecordCompactionStart(ctx, 4096, 128)
	metrics.RecordCompactionComplete(ctx, 150*time.Millisecond, 4096, 1024, 12, true)
	metrics.RecordSwap(ctx, time.Millisecond, false)

	if err := metrics.Close(); err != nil {
		t.Errorf("Expected nil error from no-op Close(), got %v", err)
	}
}

// TestCompactEmitsMetrics runs a real compaction against the mock sink
func TestCompactEmitsMetrics(t *testing.T) {
	f := newFixture(t)
	f.load(t, map[string]string{"1": "aaaa", "2": "bbbb"})
	f.load(t, map[string]string{"1": "a"})

	rec := telemetry.NewRecorder()
	c := f.compactor(WithMetrics(NewCompactionMetrics(rec)))
	if _, err := c.Compact(context.Background(), f.path); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	if values := rec.Adds("ctree.compaction.keys.copied"); len(values) != 1 || values[0] != 2 {
		t.Errorf("Expected 2 copied keys, got %v", values)
	}
	if count := len(rec.Observations("ctree.compaction.swap.duration")); count != 1 {
		t.Errorf("Expected 1 swap record, got %d", count)
	}
}
