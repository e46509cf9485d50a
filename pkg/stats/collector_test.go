package stats

import (
	"sync"
	"testing"
	"time"
)

func TestOperationCountsAndTimestamps(t *testing.T) {
	c := NewAtomicCollector()
	before := time.Now().UnixNano()
	for _, op := range []OperationType{OpSet, OpSet, OpGet, OpBulkStop} {
		c.TrackOperation(op)
	}

	snap := c.GetStats()
	want := map[string]uint64{"set_ops": 2, "get_ops": 1, "bulk_stop_ops": 1}
	for key, n := range want {
		if got, _ := snap[key].(uint64); got != n {
			t.Errorf("%s = %v, want %d", key, snap[key], n)
		}
	}
	if ts, _ := snap["last_set_time"].(int64); ts < before {
		t.Errorf("last_set_time %d predates the test start %d", ts, before)
	}
	if _, ok := snap["compact_ops"]; ok {
		t.Error("untracked operations should not appear")
	}
}

func TestLatencySummary(t *testing.T) {
	c := NewAtomicCollector()
	for _, ns := range []uint64{300, 100, 200} {
		c.TrackOperationWithLatency(OpGet, ns)
	}

	lat, ok := c.GetStats()["get_latency"].(map[string]interface{})
	if !ok {
		t.Fatal("expected a get_latency map")
	}
	for key, want := range map[string]uint64{"count": 3, "avg_ns": 200, "min_ns": 100, "max_ns": 300} {
		if got, _ := lat[key].(uint64); got != want {
			t.Errorf("%s = %v, want %d", key, lat[key], want)
		}
	}
}

func TestConcurrentTracking(t *testing.T) {
	c := NewAtomicCollector()
	const workers, perWorker = 8, 600

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				switch i % 3 {
				case 0:
					c.TrackOperation(OpSet)
				case 1:
					c.TrackOperationWithLatency(OpEnumerate, uint64(i+1))
				default:
					c.TrackError("io_error")
				}
			}
		}()
	}
	wg.Wait()

	snap := c.GetStats()
	want := uint64(workers * perWorker / 3)
	if snap["set_ops"].(uint64) != want || snap["enumerate_ops"].(uint64) != want {
		t.Errorf("expected %d of each, got set=%v enumerate=%v", want, snap["set_ops"], snap["enumerate_ops"])
	}
	if errs := snap["errors"].(map[string]uint64); errs["io_error"] != want {
		t.Errorf("expected %d io errors, got %d", want, errs["io_error"])
	}
}

func TestErrorCounts(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackError("io_error")
	collector.TrackError("unknown_symbol")
	collector.TrackError("unknown_symbol")

	errs, ok := collector.GetStats()["errors"].(map[string]uint64)
	if !ok {
		t.Fatalf("Expected errors to be a map[string]uint64")
	}
	if errs["unknown_symbol"] != 2 || errs["io_error"] != 1 {
		t.Errorf("Unexpected error counts %v", errs)
	}
}

func TestNoLatencyWithoutSamples(t *testing.T) {
	collector := NewAtomicCollector()
	collector.TrackOperation(OpWalk)

	stats := collector.GetStats()
	if _, exists := stats["walk_latency"]; exists {
		t.Error("Did not expect walk_latency without samples")
	}
	if stats["walk_ops"].(uint64) != 1 {
		t.Errorf("Expected 1 walk, got %v", stats["walk_ops"])
	}
}

func TestByteCounters(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackBytes(true, 1000)
	collector.TrackBytes(false, 500)

	stats := collector.GetStats()

	if bytesWritten := stats["total_bytes_written"].(uint64); bytesWritten != 1000 {
		t.Errorf("Expected 1000 bytes written, got %v", bytesWritten)
	}

	if bytesRead := stats["total_bytes_read"].(uint64); bytesRead != 500 {
		t.Errorf("Expected 500 bytes read, got %v", bytesRead)
	}
}

func TestFlushAndHoles(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackFlush(4096, 3)
	collector.TrackFlush(1024, 1)
	collector.TrackHoles(9)

	stats := collector.GetStats()

	if count := stats["flush_count"].(uint64); count != 2 {
		t.Errorf("Expected 2 flushes, got %v", count)
	}
	if arena := stats["flush_arena_bytes"].(uint64); arena != 5120 {
		t.Errorf("Expected 5120 arena bytes, got %v", arena)
	}
	if patched := stats["flush_patched_records"].(uint64); patched != 4 {
		t.Errorf("Expected 4 patched records, got %v", patched)
	}
	if holes := stats["holes_bytes"].(uint64); holes != 9 {
		t.Errorf("Expected 9 hole bytes, got %v", holes)
	}
}

func TestCompactionResetsHoles(t *testing.T) {
	collector := NewAtomicCollector()
	collector.TrackHoles(128)

	collector.TrackCompaction(40, 128, 25*time.Millisecond)

	stats := collector.GetStats()
	compactionStats, ok := stats["compaction"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected compaction stats to be a map")
	}

	if count := compactionStats["count"].(uint64); count != 1 {
		t.Errorf("Expected 1 compaction, got %v", count)
	}
	if keys := compactionStats["keys_copied"].(uint64); keys != 40 {
		t.Errorf("Expected 40 keys copied, got %v", keys)
	}
	if reclaimed := compactionStats["bytes_reclaimed"].(uint64); reclaimed != 128 {
		t.Errorf("Expected 128 bytes reclaimed, got %v", reclaimed)
	}
	if ms := compactionStats["last_duration_ms"].(int64); ms != 25 {
		t.Errorf("Expected 25ms duration, got %v", ms)
	}
	if holes := stats["holes_bytes"].(uint64); holes != 0 {
		t.Errorf("Expected holes to reset after compaction, got %v", holes)
	}
}
