package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testOptions(t *testing.T) benchOptions {
	t.Helper()
	return benchOptions{
		Dir:         t.TempDir(),
		NumKeys:     300,
		ValueSize:   32,
		BatchSize:   100,
		Readers:     3,
		Duration:    20 * time.Millisecond,
		Alphabet:    "0123456789",
		Addressing:  "32",
		Compression: "none",
	}
}

func TestKeyspace(t *testing.T) {
	ks := newKeyspace("01", 5)
	if ks.width != 3 {
		t.Fatalf("expected width 3 for 5 keys over 2 symbols, got %d", ks.width)
	}
	want := []string{"000", "001", "010", "011", "100"}
	for i, w := range want {
		if got := ks.key(i); got != w {
			t.Errorf("key(%d) = %q, want %q", i, got, w)
		}
	}

	ks = newKeyspace("abc", 3)
	if ks.width != 1 || ks.key(2) != "c" {
		t.Errorf("expected single-symbol keys, got width %d key %q", ks.width, ks.key(2))
	}
}

func TestInsertionOrder(t *testing.T) {
	opts := benchOptions{Sequential: true}
	for i, v := range opts.order(10) {
		if i != v {
			t.Fatalf("sequential order broken at %d: %d", i, v)
		}
	}

	opts.Sequential = false
	seen := make(map[int]bool)
	for _, v := range opts.order(50) {
		seen[v] = true
	}
	if len(seen) != 50 {
		t.Errorf("expected a permutation of 50 keys, got %d distinct", len(seen))
	}
}

func TestWriteReadScan(t *testing.T) {
	opts := testOptions(t)

	write, err := withStore(opts, "write", runWriteBenchmark)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if write.Operations != opts.NumKeys || write.FileBytes == 0 {
		t.Errorf("unexpected write result %+v", write)
	}

	read, err := withStore(opts, "read", runReadBenchmark)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if read.Operations == 0 || read.HitRate <= 0 || read.HitRate >= 100 {
		t.Errorf("expected some hits and some misses, got %+v", read)
	}

	scan, err := withStore(opts, "scan", runScanBenchmark)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if scan.Operations == 0 || scan.EntriesPerSec == 0 {
		t.Errorf("unexpected scan result %+v", scan)
	}
}

func TestOverwriteLeavesHoles(t *testing.T) {
	opts := testOptions(t)
	res, err := withStore(opts, "overwrite", runOverwriteBenchmark)
	if err != nil {
		t.Fatal(err)
	}
	if res.Operations != 2*opts.NumKeys {
		t.Errorf("expected %d overwrites, got %d", 2*opts.NumKeys, res.Operations)
	}
	if res.HoleBytes == 0 || res.HoleBytes >= res.FileBytes {
		t.Errorf("expected holes within the file, got %d of %d", res.HoleBytes, res.FileBytes)
	}
}

func TestConcurrentReads(t *testing.T) {
	opts := testOptions(t)
	res, err := withStore(opts, "concurrent", runConcurrentReadBenchmark)
	if err != nil {
		t.Fatal(err)
	}
	if res.Operations == 0 {
		t.Error("expected the readers to complete lookups")
	}
}

func TestCompactionBenchmark(t *testing.T) {
	res, err := RunCompactionBenchmark(testOptions(t))
	if err != nil {
		t.Fatal(err)
	}
	if res.Rounds != 4 || res.HolesBefore == 0 {
		t.Errorf("expected churn to leave holes, got %+v", res)
	}
	if res.SizeAfter >= res.SizeBefore {
		t.Errorf("expected compaction to shrink the file: %d -> %d", res.SizeBefore, res.SizeAfter)
	}
	if !strings.Contains(res.Format(), "Compaction Duration") {
		t.Error("expected the formatted result to include the compaction duration")
	}
}

func TestConfigTuning(t *testing.T) {
	opts := testOptions(t)
	opts.NumKeys = 50
	options := tuningOptions()[2:3] // value compression

	results, err := RunConfigTuning(opts, options)
	if err != nil {
		t.Fatal(err)
	}
	runs := results.Results["ValueCompression"]
	if len(runs) != 4 {
		t.Fatalf("expected 4 compression runs, got %d", len(runs))
	}
	for _, r := range runs {
		if r.WriteResults.Operations != opts.NumKeys {
			t.Errorf("%v: expected %d writes, got %d", r.ConfigValue, opts.NumKeys, r.WriteResults.Operations)
		}
	}

	matches, err := filepath.Glob(filepath.Join(opts.Dir, "tuning-*", "recommendations.md"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one recommendations file, got %v (%v)", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "### ValueCompression") {
		t.Error("expected a section for the tuned knob")
	}
}

func TestResultCSVRoundTrip(t *testing.T) {
	opts := testOptions(t)
	r := newResult("Read", opts)
	r.finish(1000, 2*time.Second)
	r.HitRate = 50
	r.FileBytes = 4096

	path := filepath.Join(t.TempDir(), "out", "results.csv")
	if err := SaveResultCSV([]BenchmarkResult{r}, path); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadResultCSV(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 result, got %d", len(loaded))
	}
	got := loaded[0]
	if got.BenchmarkType != "Read" || got.Operations != 1000 || got.Throughput != 500 || got.FileBytes != 4096 || got.Compression != "none" {
		t.Errorf("unexpected loaded result %+v", got)
	}
}

func TestLoadResultCSVMatchesHeaderNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.csv")
	data := "Throughput,BenchmarkType,Unknown\n120.50,Write,x\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadResultCSV(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || loaded[0].BenchmarkType != "Write" || loaded[0].Throughput != 120.5 {
		t.Errorf("unexpected results %+v", loaded)
	}

	if err := os.WriteFile(path, []byte("Operations\nmany\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadResultCSV(path); err == nil || !strings.Contains(err.Error(), "Operations") {
		t.Errorf("expected a parse error naming the column, got %v", err)
	}
}

func TestPrintComparison(t *testing.T) {
	baseline := []BenchmarkResult{{BenchmarkType: "Write", Throughput: 100}}
	results := []BenchmarkResult{
		{BenchmarkType: "Write", Throughput: 150},
		{BenchmarkType: "Scan", Throughput: 10},
	}

	var buf bytes.Buffer
	PrintComparison(&buf, baseline, results)
	out := buf.String()
	if !strings.Contains(out, "+50.0%") {
		t.Errorf("expected a +50%% change, got:\n%s", out)
	}
	if !strings.Contains(out, "Scan") {
		t.Errorf("expected rows without a baseline to be listed, got:\n%s", out)
	}

	buf.Reset()
	PrintResultTable(&buf, results)
	if !strings.Contains(buf.String(), "150.00") {
		t.Errorf("expected throughput in the table, got:\n%s", buf.String())
	}
}
