// ABOUTME: In-memory Telemetry that keeps every recorded value for inspection in tests
// ABOUTME: Spans are not exported; only their names are kept

package telemetry

import (
	"context"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Recorder is a Telemetry that remembers what it was given
type Recorder struct {
	mu         sync.Mutex
	histograms map[string][]float64
	counters   map[string][]int64
	spans      []string
}

func NewRecorder() *Recorder {
	return &Recorder{
		histograms: make(map[string][]float64),
		counters:   make(map[string][]int64),
	}
}

func (r *Recorder) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	r.mu.Lock()
	r.histograms[name] = append(r.histograms[name], value)
	r.mu.Unlock()
}

func (r *Recorder) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	r.mu.Lock()
	r.counters[name] = append(r.counters[name], value)
	r.mu.Unlock()
}

// StartSpan records name and hands back the span already in ctx
func (r *Recorder) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	r.mu.Lock()
	r.spans = append(r.spans, name)
	r.mu.Unlock()
	ctx = orBackground(ctx)
	return ctx, trace.SpanFromContext(ctx)
}

func (r *Recorder) Shutdown(ctx context.Context) error {
	return nil
}

// Observations returns the values recorded on histogram name
func (r *Recorder) Observations(name string) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.histograms[name])
}

// Adds returns each value added to counter name
func (r *Recorder) Adds(name string) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.counters[name])
}

// Total sums the values added to counter name
func (r *Recorder) Total(name string) int64 {
	var sum int64
	for _, v := range r.Adds(name) {
		sum += v
	}
	return sum
}

func (r *Recorder) Spans() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.spans)
}
