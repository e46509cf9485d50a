// ABOUTME: Store-level telemetry for point operations, bulk sessions, flushes and lock waits
// ABOUTME: Wraps the telemetry interface so the store never talks to OpenTelemetry directly

package store

import (
	"context"
	"time"

	"github.com/KevoDB/ctree/pkg/bulk"
	"github.com/KevoDB/ctree/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// StoreMetrics defines the telemetry recorded by a Store
type StoreMetrics interface {
	// RecordOperation records one Set, Get or Scan
	RecordOperation(ctx context.Context, op string, duration time.Duration, bytes int64, success bool)

	// RecordBulkSession records a finished outermost bulk session
	RecordBulkSession(ctx context.Context, duration time.Duration, sets int64, success bool)

	// RecordFlush records one arena flush
	RecordFlush(ctx context.Context, stats bulk.FlushStats)

	// RecordLockWait records the time spent waiting for a lock
	RecordLockWait(ctx context.Context, mode string, duration time.Duration, success bool)

	telemetry.ComponentMetrics
}

type storeMetrics struct {
	tel telemetry.Telemetry
}

// NewStoreMetrics creates a StoreMetrics backed by tel
func NewStoreMetrics(tel telemetry.Telemetry) StoreMetrics {
	return &storeMetrics{tel: tel}
}

// NewNoopStoreMetrics creates a StoreMetrics that records nothing
func NewNoopStoreMetrics() StoreMetrics {
	return &noopStoreMetrics{}
}

func (m *storeMetrics) RecordOperation(ctx context.Context, op string, duration time.Duration, bytes int64, success bool) {
	attrs := []attribute.KeyValue{
		telemetry.Component(telemetry.ComponentStore),
		attribute.String(telemetry.AttrOperationType, op),
		attribute.String(telemetry.AttrStatus, telemetry.Status(success)),
	}
	m.tel.RecordHistogram(ctx, "ctree.store.operation.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "ctree.store.operation.count", 1, attrs...)

	if success && bytes > 0 {
		m.tel.RecordCounter(ctx, "ctree.store.operation.bytes", bytes, attrs[:2]...)
	}
}

func (m *storeMetrics) RecordBulkSession(ctx context.Context, duration time.Duration, sets int64, success bool) {
	m.tel.RecordHistogram(ctx, "ctree.bulk.session.duration", duration.Seconds(),
		telemetry.Component(telemetry.ComponentBulk),
		attribute.String(telemetry.AttrStatus, telemetry.Status(success)),
	)
	m.tel.RecordCounter(ctx, "ctree.bulk.session.sets", sets,
		telemetry.Component(telemetry.ComponentBulk),
	)
}

func (m *storeMetrics) RecordFlush(ctx context.Context, stats bulk.FlushStats) {
	attrs := []attribute.KeyValue{
		telemetry.Component(telemetry.ComponentBulk),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeFlush),
	}
	m.tel.RecordHistogram(ctx, "ctree.bulk.flush.duration", stats.Duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "ctree.bulk.flush.arena.bytes", int64(stats.ArenaBytes), attrs...)
	m.tel.RecordCounter(ctx, "ctree.bulk.flush.patched.nodes", int64(stats.PatchedNodes), attrs...)
	m.tel.RecordCounter(ctx, "ctree.bulk.flush.patched.values", int64(stats.PatchedValues), attrs...)
	m.tel.RecordHistogram(ctx, "ctree.store.holes.bytes", float64(stats.Holes), attrs[:1]...)
}

func (m *storeMetrics) RecordLockWait(ctx context.Context, mode string, duration time.Duration, success bool) {
	m.tel.RecordHistogram(ctx, "ctree.lock.wait.duration", duration.Seconds(),
		telemetry.Component(telemetry.ComponentLock),
		attribute.String(telemetry.AttrLockMode, mode),
		attribute.String(telemetry.AttrStatus, telemetry.Status(success)),
	)
}

func (m *storeMetrics) Close() error {
	return nil
}

type noopStoreMetrics struct{}

func (n *noopStoreMetrics) RecordOperation(ctx context.Context, op string, duration time.Duration, bytes int64, success bool) {
}
func (n *noopStoreMetrics) RecordBulkSession(ctx context.Context, duration time.Duration, sets int64, success bool) {
}
func (n *noopStoreMetrics) RecordFlush(ctx context.Context, stats bulk.FlushStats) {}
func (n *noopStoreMetrics) RecordLockWait(ctx context.Context, mode string, duration time.Duration, success bool) {
}
func (n *noopStoreMetrics) Close() error { return nil }
