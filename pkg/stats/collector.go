package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// OperationType names a store operation in the stats snapshot
type OperationType string

const (
	OpSet       OperationType = "set"
	OpGet       OperationType = "get"
	OpBulkStart OperationType = "bulk_start"
	OpBulkStop  OperationType = "bulk_stop"
	OpFlush     OperationType = "flush"
	OpCompact   OperationType = "compact"
	OpEnumerate OperationType = "enumerate"
	OpWalk      OperationType = "walk"
	OpLockRead  OperationType = "lock_read"
	OpLockWrite OperationType = "lock_write"
	OpExport    OperationType = "export"
	OpImport    OperationType = "import"
)

// opCounters is the per-operation state. Entries are created on first use
// and never removed.
type opCounters struct {
	ops      atomic.Uint64
	lastNano atomic.Int64

	samples atomic.Uint64
	sumNs   atomic.Uint64
	minNs   atomic.Uint64 // 0 until the first sample
	maxNs   atomic.Uint64
}

func (o *opCounters) observe(ns uint64) {
	o.samples.Add(1)
	o.sumNs.Add(ns)
	for cur := o.maxNs.Load(); ns > cur; cur = o.maxNs.Load() {
		if o.maxNs.CompareAndSwap(cur, ns) {
			break
		}
	}
	for cur := o.minNs.Load(); cur == 0 || ns < cur; cur = o.minNs.Load() {
		if o.minNs.CompareAndSwap(cur, ns) {
			break
		}
	}
}

func (o *opCounters) latency() map[string]interface{} {
	n := o.samples.Load()
	if n == 0 {
		return nil
	}
	out := map[string]interface{}{
		"count":  n,
		"avg_ns": o.sumNs.Load() / n,
	}
	if v := o.minNs.Load(); v != 0 {
		out["min_ns"] = v
	}
	if v := o.maxNs.Load(); v != 0 {
		out["max_ns"] = v
	}
	return out
}

// AtomicCollector is a lock-free Collector. The maps are sync.Maps so
// the hot path never takes a mutex once an entry exists.
type AtomicCollector struct {
	ops    sync.Map // OperationType -> *opCounters
	errors sync.Map // string -> *atomic.Uint64

	holes        atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64

	flushes      atomic.Uint64
	flushedBytes atomic.Uint64
	patched      atomic.Uint64

	compactions   atomic.Uint64
	keysCopied    atomic.Uint64
	reclaimed     atomic.Int64
	lastCompactNs atomic.Int64
}

func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{}
}

func (c *AtomicCollector) op(op OperationType) *opCounters {
	if v, ok := c.ops.Load(op); ok {
		return v.(*opCounters)
	}
	v, _ := c.ops.LoadOrStore(op, &opCounters{})
	return v.(*opCounters)
}

func (c *AtomicCollector) TrackOperation(op OperationType) {
	o := c.op(op)
	o.ops.Add(1)
	o.lastNano.Store(time.Now().UnixNano())
}

func (c *AtomicCollector) TrackOperationWithLatency(op OperationType, latencyNs uint64) {
	c.TrackOperation(op)
	c.op(op).observe(latencyNs)
}

func (c *AtomicCollector) TrackError(errorType string) {
	v, ok := c.errors.Load(errorType)
	if !ok {
		v, _ = c.errors.LoadOrStore(errorType, new(atomic.Uint64))
	}
	v.(*atomic.Uint64).Add(1)
}

func (c *AtomicCollector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.bytesWritten.Add(bytes)
		return
	}
	c.bytesRead.Add(bytes)
}

func (c *AtomicCollector) TrackHoles(holes uint64) {
	c.holes.Store(holes)
}

func (c *AtomicCollector) TrackFlush(arenaBytes uint64, patched uint64) {
	c.flushes.Add(1)
	c.flushedBytes.Add(arenaBytes)
	c.patched.Add(patched)
}

func (c *AtomicCollector) TrackCompaction(keys uint64, reclaimed int64, duration time.Duration) {
	c.compactions.Add(1)
	c.keysCopied.Add(keys)
	c.reclaimed.Add(reclaimed)
	c.lastCompactNs.Store(duration.Nanoseconds())
	c.holes.Store(0)
}

// GetStats builds a fresh snapshot. Counters are read one at a time, so
// values recorded concurrently may be only partly reflected.
func (c *AtomicCollector) GetStats() map[string]interface{} {
	out := map[string]interface{}{
		"holes_bytes":           c.holes.Load(),
		"total_bytes_read":      c.bytesRead.Load(),
		"total_bytes_written":   c.bytesWritten.Load(),
		"flush_count":           c.flushes.Load(),
		"flush_arena_bytes":     c.flushedBytes.Load(),
		"flush_patched_records": c.patched.Load(),
	}

	c.ops.Range(func(k, v any) bool {
		name, o := string(k.(OperationType)), v.(*opCounters)
		out[name+"_ops"] = o.ops.Load()
		out["last_"+name+"_time"] = o.lastNano.Load()
		if lat := o.latency(); lat != nil {
			out[name+"_latency"] = lat
		}
		return true
	})

	errs := make(map[string]uint64)
	c.errors.Range(func(k, v any) bool {
		errs[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	out["errors"] = errs

	reclaimed := c.reclaimed.Load()
	if reclaimed < 0 {
		reclaimed = 0
	}
	compaction := map[string]interface{}{
		"count":           c.compactions.Load(),
		"keys_copied":     c.keysCopied.Load(),
		"bytes_reclaimed": uint64(reclaimed),
	}
	if ns := c.lastCompactNs.Load(); ns > 0 {
		compaction["last_duration_ms"] = time.Duration(ns).Milliseconds()
	}
	out["compaction"] = compaction

	return out
}
