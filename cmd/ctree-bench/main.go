package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/KevoDB/ctree/pkg/common/log"
	"github.com/KevoDB/ctree/pkg/config"
	"github.com/KevoDB/ctree/pkg/store"
)

const (
	defaultValueSize = 100
	defaultKeyCount  = 100000
)

var (
	// Command line flags
	benchmarkType = flag.String("type", "all", "Type of benchmark to run (write, read, scan, overwrite, concurrent-read, compaction, tune, or all)")
	duration      = flag.Duration("duration", 10*time.Second, "Duration of timed benchmarks")
	numKeys       = flag.Int("keys", defaultKeyCount, "Number of keys to use")
	valueSize     = flag.Int("value-size", defaultValueSize, "Size of values in bytes")
	batchSize     = flag.Int("batch", 10000, "Sets per bulk session")
	readers       = flag.Int("readers", 4, "Concurrent readers for the concurrent-read benchmark")
	dataDir       = flag.String("data-dir", "./benchmark-data", "Directory to store benchmark data")
	alphabet      = flag.String("alphabet", config.DefaultAlphabet, "Key alphabet")
	addressing    = flag.String("addressing", "64", "Address width (32 or 64)")
	valueCodec    = flag.String("compression", "none", "Value compression (none, snappy, zstd, lz4)")
	sequential    = flag.Bool("sequential", false, "Insert keys in order instead of shuffled")
	cpuProfile    = flag.String("cpu-profile", "", "Write CPU profile to file")
	memProfile    = flag.String("mem-profile", "", "Write memory profile to file")
	resultsFile   = flag.String("results", "", "File to write results to (in addition to stdout)")
	csvFile       = flag.String("csv", "", "File to write results to as CSV")
	baselineFile  = flag.String("baseline", "", "CSV from an earlier run to compare throughput against")
)

// benchOptions describes one benchmark run
type benchOptions struct {
	Dir         string
	NumKeys     int
	ValueSize   int
	BatchSize   int
	Readers     int
	Duration    time.Duration
	Alphabet    string
	Addressing  string
	Compression string
	Sequential  bool

	// tune adjusts the store configuration before opening
	tune func(*config.Config)
}

func optionsFromFlags() benchOptions {
	return benchOptions{
		Dir:         *dataDir,
		NumKeys:     *numKeys,
		ValueSize:   *valueSize,
		BatchSize:   *batchSize,
		Readers:     *readers,
		Duration:    *duration,
		Alphabet:    *alphabet,
		Addressing:  *addressing,
		Compression: *valueCodec,
		Sequential:  *sequential,
	}
}

func main() {
	flag.Parse()

	// Set up CPU profiling if requested
	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not start CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer pprof.StopCPUProfile()
	}

	// Remove any existing benchmark data before starting
	if _, err := os.Stat(*dataDir); err == nil {
		fmt.Println("Cleaning previous benchmark data...")
		if err := os.RemoveAll(*dataDir); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to clean benchmark directory: %v\n", err)
		}
	}
	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create benchmark directory: %v\n", err)
		os.Exit(1)
	}

	opts := optionsFromFlags()

	var results []BenchmarkResult
	report := []string{
		fmt.Sprintf("Benchmark Report (%s)", time.Now().Format(time.RFC3339)),
		fmt.Sprintf("Keys: %d, Value Size: %d bytes, Alphabet: %d symbols, Addressing: %s, Compression: %s, Mode: %s",
			opts.NumKeys, opts.ValueSize, len([]rune(opts.Alphabet)), opts.Addressing, opts.Compression, opts.keyMode()),
	}
	record := func(r BenchmarkResult, err error) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s benchmark failed: %v\n", r.BenchmarkType, err)
			return
		}
		results = append(results, r)
		report = append(report, r.Format())
	}

	for _, typ := range strings.Split(*benchmarkType, ",") {
		switch strings.ToLower(strings.TrimSpace(typ)) {
		case "write":
			record(withStore(opts, "write", runWriteBenchmark))
		case "read":
			record(withStore(opts, "read", runReadBenchmark))
		case "scan":
			record(withStore(opts, "scan", runScanBenchmark))
		case "overwrite":
			record(withStore(opts, "overwrite", runOverwriteBenchmark))
		case "concurrent-read":
			record(withStore(opts, "concurrent", runConcurrentReadBenchmark))
		case "compaction":
			fmt.Println("Running compaction benchmark...")
			res, err := RunCompactionBenchmark(opts)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Compaction benchmark failed: %v\n", err)
				continue
			}
			report = append(report, res.Format())
		case "tune":
			fmt.Println("Running configuration tuning benchmarks...")
			if err := RunFullTuningBenchmark(opts); err != nil {
				fmt.Fprintf(os.Stderr, "Tuning failed: %v\n", err)
			}
		case "all":
			for _, run := range []struct {
				name string
				fn   func(*store.Store, benchOptions) (BenchmarkResult, error)
			}{
				{"write", runWriteBenchmark},
				{"read", runReadBenchmark},
				{"scan", runScanBenchmark},
				{"overwrite", runOverwriteBenchmark},
				{"concurrent", runConcurrentReadBenchmark},
			} {
				record(withStore(opts, run.name, run.fn))
			}
		default:
			fmt.Fprintf(os.Stderr, "Unknown benchmark type: %s\n", typ)
			os.Exit(1)
		}
	}

	for _, line := range report {
		fmt.Println(line)
	}
	if len(results) > 0 {
		fmt.Println()
		PrintResultTable(os.Stdout, results)
	}
	if *baselineFile != "" {
		baseline, err := LoadResultCSV(*baselineFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load baseline: %v\n", err)
		} else {
			fmt.Println()
			PrintComparison(os.Stdout, baseline, results)
		}
	}

	if *resultsFile != "" {
		if err := os.WriteFile(*resultsFile, []byte(strings.Join(report, "\n")), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write results to file: %v\n", err)
		}
	}
	if *csvFile != "" {
		if err := SaveResultCSV(results, *csvFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write CSV results: %v\n", err)
		}
	}

	// Write memory profile if requested
	if *memProfile != "" {
		f, err := os.Create(*memProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create memory profile: %v\n", err)
		} else {
			defer f.Close()
			runtime.GC()
			if err := pprof.WriteHeapProfile(f); err != nil {
				fmt.Fprintf(os.Stderr, "Could not write memory profile: %v\n", err)
			}
		}
	}
}

// keyMode returns a string describing the key generation mode
func (o benchOptions) keyMode() string {
	if o.Sequential {
		return "Sequential"
	}
	return "Random"
}

// openStore opens a fresh store named name under the benchmark directory
func openStore(opts benchOptions, name string) (*store.Store, error) {
	cfg := config.NewDefaultConfig(filepath.Join(opts.Dir, name+".ctree"))
	cfg.Alphabet = opts.Alphabet
	cfg.Addressing = opts.Addressing
	cfg.ValueCompression = opts.Compression
	cfg.LockPollInterval = time.Millisecond
	if opts.tune != nil {
		opts.tune(cfg)
	}
	logger := log.NewStandardLogger(
		log.WithLevel(log.LevelWarn),
		log.WithOutput(os.Stderr),
		log.WithInitialFields(map[string]interface{}{"bench": name}),
	)
	return store.Open(cfg, store.WithLogger(logger))
}

// withStore runs fn against a fresh store and closes it afterwards
func withStore(opts benchOptions, name string, fn func(*store.Store, benchOptions) (BenchmarkResult, error)) (BenchmarkResult, error) {
	s, err := openStore(opts, name)
	if err != nil {
		return BenchmarkResult{BenchmarkType: name}, err
	}
	defer s.Close()
	return fn(s, opts)
}

// makeValue returns a value of size bytes
func makeValue(size int) []byte {
	value := make([]byte, size)
	for i := range value {
		value[i] = byte(i % 256)
	}
	return value
}
