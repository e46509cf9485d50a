package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevoDB/ctree/pkg/lock"
	"github.com/KevoDB/ctree/pkg/store"
)

// keyspace maps integers to fixed-width keys over the store alphabet
type keyspace struct {
	symbols []rune
	width   int
}

// newKeyspace builds a keyspace wide enough for n distinct keys
func newKeyspace(alphabet string, n int) keyspace {
	ks := keyspace{symbols: []rune(alphabet), width: 1}
	base := len(ks.symbols)
	for capacity := base; capacity < n; capacity *= base {
		ks.width++
	}
	return ks
}

func (ks keyspace) key(n int) string {
	base := len(ks.symbols)
	buf := make([]rune, ks.width)
	for i := ks.width - 1; i >= 0; i-- {
		buf[i] = ks.symbols[n%base]
		n /= base
	}
	return string(buf)
}

// order returns the insertion order for n keys
func (o benchOptions) order(n int) []int {
	if o.Sequential {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order
	}
	return rand.New(rand.NewSource(time.Now().UnixNano())).Perm(n)
}

// keyspace covers twice the key count so reads can miss
func (o benchOptions) keyspace() keyspace {
	return newKeyspace(o.Alphabet, 2*o.NumKeys)
}

// populate writes NumKeys keys in bulk sessions of BatchSize sets
func populate(s *store.Store, opts benchOptions, value []byte) (int, error) {
	ks := opts.keyspace()
	batch := opts.BatchSize
	if batch <= 0 {
		batch = opts.NumKeys
	}

	var written int
	order := opts.order(opts.NumKeys)
	for len(order) > 0 {
		n := min(batch, len(order))
		if err := s.StartBulk(); err != nil {
			return written, err
		}
		for _, i := range order[:n] {
			if err := s.Set(ks.key(i), value); err != nil {
				s.StopBulk()
				return written, fmt.Errorf("write error (key #%d): %w", written, err)
			}
			written++
		}
		if err := s.StopBulk(); err != nil {
			return written, err
		}
		order = order[n:]
	}
	return written, nil
}

// runWriteBenchmark benchmarks bulk insertion
func runWriteBenchmark(s *store.Store, opts benchOptions) (BenchmarkResult, error) {
	fmt.Println("Running Write Benchmark...")
	result := newResult("Write", opts)

	start := time.Now()
	written, err := populate(s, opts, makeValue(opts.ValueSize))
	if err != nil {
		return result, err
	}
	result.finish(written, time.Since(start))

	size, err := s.SizeInBytes()
	if err != nil {
		return result, err
	}
	result.FileBytes = int64(size)
	return result, nil
}

// runReadBenchmark benchmarks random point lookups with about half misses
func runReadBenchmark(s *store.Store, opts benchOptions) (BenchmarkResult, error) {
	fmt.Println("Preparing data for Read Benchmark...")
	if _, err := populate(s, opts, makeValue(opts.ValueSize)); err != nil {
		return BenchmarkResult{BenchmarkType: "Read"}, err
	}

	fmt.Println("Running Read Benchmark...")
	result := newResult("Read", opts)
	ks := opts.keyspace()
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	var ops, hits int
	start := time.Now()
	deadline := start.Add(opts.Duration)
	for ops == 0 || time.Now().Before(deadline) {
		for i := 0; i < 1000; i++ {
			_, ok, err := s.Get(ks.key(r.Intn(2 * opts.NumKeys)))
			if err != nil {
				return result, fmt.Errorf("read error: %w", err)
			}
			if ok {
				hits++
			}
			ops++
		}
	}
	result.finish(ops, time.Since(start))
	result.HitRate = 100 * float64(hits) / float64(ops)
	return result, nil
}

// runScanBenchmark benchmarks full ordered walks
func runScanBenchmark(s *store.Store, opts benchOptions) (BenchmarkResult, error) {
	fmt.Println("Preparing data for Scan Benchmark...")
	if _, err := populate(s, opts, makeValue(opts.ValueSize)); err != nil {
		return BenchmarkResult{BenchmarkType: "Scan"}, err
	}

	fmt.Println("Running Scan Benchmark...")
	result := newResult("Scan", opts)

	var scans, entries int
	start := time.Now()
	deadline := start.Add(opts.Duration)
	for scans == 0 || time.Now().Before(deadline) {
		err := s.Walk(func(key string, value []byte) error {
			entries++
			return nil
		})
		if err != nil {
			return result, fmt.Errorf("scan error: %w", err)
		}
		scans++
	}
	elapsed := time.Since(start)
	result.finish(scans, elapsed)
	result.EntriesPerSec = float64(entries) / elapsed.Seconds()
	return result, nil
}

// runOverwriteBenchmark rewrites every key with values that alternately
// shrink and grow, which leaves holes behind
func runOverwriteBenchmark(s *store.Store, opts benchOptions) (BenchmarkResult, error) {
	fmt.Println("Preparing data for Overwrite Benchmark...")
	if _, err := populate(s, opts, makeValue(opts.ValueSize)); err != nil {
		return BenchmarkResult{BenchmarkType: "Overwrite"}, err
	}

	fmt.Println("Running Overwrite Benchmark...")
	result := newResult("Overwrite", opts)
	small := makeValue(max(1, opts.ValueSize/2))
	large := makeValue(opts.ValueSize * 2)

	var ops int
	start := time.Now()
	for round, value := range [][]byte{small, large} {
		n, err := populate(s, opts, value)
		ops += n
		if err != nil {
			return result, fmt.Errorf("overwrite round %d: %w", round, err)
		}
	}
	result.finish(ops, time.Since(start))

	holes, err := s.HolesInBytes()
	if err != nil {
		return result, err
	}
	size, err := s.SizeInBytes()
	if err != nil {
		return result, err
	}
	result.HoleBytes = int64(holes)
	result.FileBytes = int64(size)
	return result, nil
}

// runConcurrentReadBenchmark runs readers that each hold a shared lock
// around their lookups
func runConcurrentReadBenchmark(s *store.Store, opts benchOptions) (BenchmarkResult, error) {
	fmt.Println("Preparing data for Concurrent Read Benchmark...")
	if _, err := populate(s, opts, makeValue(opts.ValueSize)); err != nil {
		return BenchmarkResult{BenchmarkType: "ConcurrentRead"}, err
	}

	fmt.Printf("Running Concurrent Read Benchmark (%d readers)...\n", opts.Readers)
	result := newResult("ConcurrentRead", opts)
	ks := opts.keyspace()

	ctx, cancel := context.WithTimeout(context.Background(), opts.Duration)
	defer cancel()

	workers := max(1, opts.Readers)
	var ops, hits atomic.Int64
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	start := time.Now()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			owner := lock.NewOwner()
			for ctx.Err() == nil {
				h, err := s.LockRead(ctx, owner)
				if err != nil {
					if ctx.Err() == nil {
						errs <- err
					}
					return
				}
				for i := 0; i < 100; i++ {
					_, ok, err := s.Get(ks.key(r.Intn(2 * opts.NumKeys)))
					if err != nil {
						h.Release()
						errs <- err
						return
					}
					if ok {
						hits.Add(1)
					}
					ops.Add(1)
				}
				h.Release()
			}
		}(time.Now().UnixNano() + int64(w))
	}
	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return result, fmt.Errorf("concurrent read error: %w", err)
	}

	result.finish(int(ops.Load()), time.Since(start))
	if n := ops.Load(); n > 0 {
		result.HitRate = 100 * float64(hits.Load()) / float64(n)
	}
	return result, nil
}
