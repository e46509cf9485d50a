package stats

import "time"

// Collector receives the counters a store reports through Stats
type Collector interface {
	// GetStats returns a snapshot keyed the way the shell prints it
	GetStats() map[string]interface{}

	TrackOperation(op OperationType)
	TrackOperationWithLatency(op OperationType, latencyNs uint64)
	TrackError(errorType string)

	// TrackBytes counts key and value bytes moved by Set (write) or Get (read)
	TrackBytes(isWrite bool, bytes uint64)

	// TrackHoles stores the current value of the header hole counter
	TrackHoles(holes uint64)

	// TrackFlush counts one bulk session flush
	TrackFlush(arenaBytes uint64, patched uint64)

	// TrackCompaction counts one finished compaction and clears the holes gauge
	TrackCompaction(keys uint64, reclaimed int64, duration time.Duration)
}

var _ Collector = (*AtomicCollector)(nil)
