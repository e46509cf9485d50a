// ABOUTME: This file defines telemetry metrics for compaction runs
// ABOUTME: covering rebuild duration, space reclaimed, keys copied and swap outcome

package compaction

import (
	"context"
	"time"

	"github.com/KevoDB/ctree/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// CompactionMetrics interface defines telemetry methods for compaction operations
type CompactionMetrics interface {
	// RecordCompactionStart records the start of a rebuild
	RecordCompactionStart(ctx context.Context, inputSize int64, holes int64)

	// RecordCompactionComplete records the end of a rebuild
	RecordCompactionComplete(ctx context.Context, duration time.Duration, inputSize int64, outputSize int64, keys int, success bool)

	// RecordSwap records the rename sequence installing the rebuilt file
	RecordSwap(ctx context.Context, duration time.Duration, success bool)

	telemetry.ComponentMetrics
}

// compactionMetrics implements CompactionMetrics using the telemetry package
type compactionMetrics struct {
	tel telemetry.Telemetry
}

// NewCompactionMetrics creates a new CompactionMetrics implementation
func NewCompactionMetrics(tel telemetry.Telemetry) CompactionMetrics {
	return &compactionMetrics{
		tel: tel,
	}
}

// NewNoopCompactionMetrics creates a no-op CompactionMetrics for testing/disabled scenarios
func NewNoopCompactionMetrics() CompactionMetrics {
	return &noopCompactionMetrics{}
}

// RecordCompactionStart records the start of a rebuild
func (m *compactionMetrics) RecordCompactionStart(ctx context.Context, inputSize int64, holes int64) {
	m.tel.RecordCounter(ctx, "ctree.compaction.start.count", 1,
		telemetry.Component(telemetry.ComponentCompaction),
	)

	m.tel.RecordCounter(ctx, "ctree.compaction.input.bytes", inputSize,
		telemetry.Component(telemetry.ComponentCompaction),
	)

	m.tel.RecordHistogram(ctx, "ctree.compaction.input.holes", float64(holes),
		telemetry.Component(telemetry.ComponentCompaction),
	)
}

// RecordCompactionComplete records the end of a rebuild
func (m *compactionMetrics) RecordCompactionComplete(ctx context.Context, duration time.Duration, inputSize int64, outputSize int64, keys int, success bool) {
	m.tel.RecordHistogram(ctx, "ctree.compaction.execution.duration", duration.Seconds(),
		telemetry.Component(telemetry.ComponentCompaction),
		attribute.String(telemetry.AttrStatus, telemetry.Status(success)),
	)

	m.tel.RecordCounter(ctx, "ctree.compaction.keys.copied", int64(keys),
		telemetry.Component(telemetry.ComponentCompaction),
		attribute.String(telemetry.AttrStatus, telemetry.Status(success)),
	)

	if !success {
		return
	}

	m.tel.RecordCounter(ctx, "ctree.compaction.output.bytes", outputSize,
		telemetry.Component(telemetry.ComponentCompaction),
	)

	spaceReclaimed := inputSize - outputSize
	if spaceReclaimed > 0 {
		m.tel.RecordCounter(ctx, "ctree.compaction.space.reclaimed.bytes", spaceReclaimed,
			telemetry.Component(telemetry.ComponentCompaction),
		)
	}

	if inputSize > 0 {
		m.tel.RecordHistogram(ctx, "ctree.compaction.size.ratio", float64(outputSize)/float64(inputSize),
			telemetry.Component(telemetry.ComponentCompaction),
		)
	}
}

// RecordSwap records the rename sequence installing the rebuilt file
func (m *compactionMetrics) RecordSwap(ctx context.Context, duration time.Duration, success bool) {
	m.tel.RecordHistogram(ctx, "ctree.compaction.swap.duration", duration.Seconds(),
		telemetry.Component(telemetry.ComponentCompaction),
		attribute.String(telemetry.AttrStatus, telemetry.Status(success)),
	)
}

// Close cleans up any resources used by the metrics
func (m *compactionMetrics) Close() error {
	return nil
}

// noopCompactionMetrics provides a no-op implementation
type noopCompactionMetrics struct{}

func (n *noopCompactionMetrics) RecordCompactionStart(ctx context.Context, inputSize int64, holes int64) {
}
func (n *noopCompactionMetrics) RecordCompactionComplete(ctx context.Context, duration time.Duration, inputSize int64, outputSize int64, keys int, success bool) {
}
func (n *noopCompactionMetrics) RecordSwap(ctx context.Context, duration time.Duration, success bool) {
}
func (n *noopCompactionMetrics) Close() error { return nil }
