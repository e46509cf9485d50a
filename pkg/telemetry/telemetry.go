// ABOUTME: Telemetry interface the ctree packages record metrics and spans through
// ABOUTME: Includes the no-op implementation used when telemetry is disabled and shared attribute names

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry records metrics and spans. Store components only see this
// interface; OpenTelemetry stays behind it.
type Telemetry interface {
	// RecordHistogram adds value to the histogram called name
	RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue)

	// RecordCounter adds value to the counter called name
	RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue)

	// StartSpan starts a span that the caller must End
	StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)

	// Shutdown flushes pending exports and stops the providers
	Shutdown(ctx context.Context) error
}

// ComponentMetrics is embedded by the per-package metrics interfaces
type ComponentMetrics interface {
	Close() error
}

// NoopTelemetry discards everything
type NoopTelemetry struct{}

// NewNoop returns a Telemetry that records nothing
func NewNoop() Telemetry {
	return &NoopTelemetry{}
}

func (n *NoopTelemetry) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
}

func (n *NoopTelemetry) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
}

// StartSpan returns ctx unchanged along with the span already in it, if any
func (n *NoopTelemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx = orBackground(ctx)
	return ctx, trace.SpanFromContext(ctx)
}

func (n *NoopTelemetry) Shutdown(ctx context.Context) error {
	return nil
}

// Status maps an outcome to the AttrStatus value
func Status(success bool) string {
	if success {
		return StatusSuccess
	}
	return StatusError
}

// Component returns the AttrComponent attribute for name
func Component(name string) attribute.KeyValue {
	return attribute.String(AttrComponent, name)
}

// Attribute keys
const (
	AttrOperationType = "operation.type"
	AttrComponent     = "component"
	AttrStatus        = "status"
	AttrLockMode      = "lock.mode"
)

// Operation types
const (
	OpTypeSet     = "set"
	OpTypeGet     = "get"
	OpTypeScan    = "scan"
	OpTypeFlush   = "flush"
	OpTypeCompact = "compact"
)

// Status values
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Component names
const (
	ComponentStore      = "store"
	ComponentBulk       = "bulk"
	ComponentCompaction = "compaction"
	ComponentLock       = "lock"
	ComponentExport     = "export"
)
