package main

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// heapSampler records the largest live heap seen while it runs
type heapSampler struct {
	peak atomic.Uint64
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func sampleHeap(every time.Duration) *heapSampler {
	h := &heapSampler{done: make(chan struct{})}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		var m runtime.MemStats
		for {
			runtime.ReadMemStats(&m)
			if m.Alloc > h.peak.Load() {
				h.peak.Store(m.Alloc)
			}
			select {
			case <-t.C:
			case <-h.done:
				return
			}
		}
	}()
	return h
}

// stop ends sampling and returns the peak. It may be called more than once.
func (h *heapSampler) stop() uint64 {
	h.once.Do(func() {
		close(h.done)
		h.wg.Wait()
	})
	return h.peak.Load()
}

// CompactionBenchmarkResult describes one churn-then-compact run
type CompactionBenchmarkResult struct {
	TotalKeys     int
	Rounds        int
	ChurnDuration time.Duration
	ChurnOps      int
	SizeBefore    int64
	HolesBefore   int64
	SizeAfter     int64
	Compaction    time.Duration
	PeakHeap      uint64
}

// RunCompactionBenchmark overwrites every key with values of alternating
// sizes, which leaves holes behind both when values grow and when they
// shrink, and then compacts the store
func RunCompactionBenchmark(opts benchOptions) (*CompactionBenchmarkResult, error) {
	s, err := openStore(opts, "compaction")
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer s.Close()

	heap := sampleHeap(100 * time.Millisecond)
	defer heap.stop()

	res := &CompactionBenchmarkResult{TotalKeys: opts.NumKeys}
	start := time.Now()
	for _, size := range []int{opts.ValueSize, max(1, opts.ValueSize/4), 2 * opts.ValueSize, max(1, opts.ValueSize/2)} {
		n, err := populate(s, opts, makeValue(size))
		res.ChurnOps += n
		if err != nil {
			return nil, fmt.Errorf("churn round %d: %w", res.Rounds+1, err)
		}
		res.Rounds++
	}
	res.ChurnDuration = time.Since(start)

	size, err := s.SizeInBytes()
	if err != nil {
		return nil, err
	}
	holes, err := s.HolesInBytes()
	if err != nil {
		return nil, err
	}
	res.SizeBefore, res.HolesBefore = int64(size), int64(holes)

	fmt.Printf("Compacting %d bytes with %d bytes of holes...\n", res.SizeBefore, res.HolesBefore)
	cres, err := s.Compact()
	res.PeakHeap = heap.stop()
	if err != nil {
		return nil, fmt.Errorf("compaction failed: %w", err)
	}
	res.SizeAfter = cres.SizeAfter
	res.Compaction = cres.Duration
	return res, nil
}

// Format renders the result as a text block
func (r *CompactionBenchmarkResult) Format() string {
	churnRate := 0.0
	if r.ChurnDuration > 0 {
		churnRate = float64(r.ChurnOps) / r.ChurnDuration.Seconds()
	}
	rebuildRate := 0.0
	if r.Compaction > 0 {
		rebuildRate = mb(r.SizeAfter) / r.Compaction.Seconds()
	}
	return strings.Join([]string{
		"",
		"Compaction Benchmark Results:",
		fmt.Sprintf("  Keys: %d over %d churn rounds", r.TotalKeys, r.Rounds),
		fmt.Sprintf("  Churn: %d sets in %s (%.0f ops/sec)", r.ChurnOps, r.ChurnDuration.Round(time.Millisecond), churnRate),
		fmt.Sprintf("  Before: %.2f MB, %.2f MB of it holes", mb(r.SizeBefore), mb(r.HolesBefore)),
		fmt.Sprintf("  After: %.2f MB", mb(r.SizeAfter)),
		fmt.Sprintf("  Compaction Duration: %s (%.2f MB/s rebuilt)", r.Compaction.Round(time.Microsecond), rebuildRate),
		fmt.Sprintf("  Peak Heap: %.2f MB", mb(int64(r.PeakHeap))),
	}, "\n")
}
