package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

// BenchmarkResult is one row of the report
type BenchmarkResult struct {
	BenchmarkType string
	NumKeys       int
	ValueSize     int
	Mode          string
	Compression   string
	Operations    int
	Duration      float64 // seconds
	Throughput    float64 // ops/sec
	Latency       float64 // µs/op
	HitRate       float64 // percent, read benchmarks only
	EntriesPerSec float64 // scan benchmarks only
	FileBytes     int64
	HoleBytes     int64
	Timestamp     time.Time
}

func newResult(typ string, opts benchOptions) BenchmarkResult {
	return BenchmarkResult{
		BenchmarkType: typ,
		NumKeys:       opts.NumKeys,
		ValueSize:     opts.ValueSize,
		Mode:          opts.keyMode(),
		Compression:   opts.Compression,
		Timestamp:     time.Now(),
	}
}

// finish records ops operations completed in elapsed
func (r *BenchmarkResult) finish(ops int, elapsed time.Duration) {
	r.Operations = ops
	r.Duration = elapsed.Seconds()
	if r.Duration > 0 {
		r.Throughput = float64(ops) / r.Duration
	}
	if ops > 0 {
		r.Latency = float64(elapsed.Microseconds()) / float64(ops)
	}
}

func mb(n int64) float64 { return float64(n) / (1 << 20) }

// Format renders the result as an indented block for the text report
func (r BenchmarkResult) Format() string {
	lines := []string{
		fmt.Sprintf("%s Benchmark Results:", r.BenchmarkType),
		fmt.Sprintf("Key Mode: %s, compression %s", r.Mode, r.Compression),
		fmt.Sprintf("Operations: %d in %.2f seconds", r.Operations, r.Duration),
		fmt.Sprintf("Throughput: %.2f ops/sec, %.3f µs/op", r.Throughput, r.Latency),
	}
	if r.HitRate > 0 {
		lines = append(lines, fmt.Sprintf("Hit Rate: %.2f%%", r.HitRate))
	}
	if r.EntriesPerSec > 0 {
		lines = append(lines, fmt.Sprintf("Entries: %.2f entries/sec", r.EntriesPerSec))
	}
	if r.FileBytes > 0 {
		lines = append(lines, fmt.Sprintf("File Size: %.2f MB", mb(r.FileBytes)))
	}
	if r.HoleBytes > 0 {
		lines = append(lines, fmt.Sprintf("Holes: %.2f MB (%.1f%% of file)",
			mb(r.HoleBytes), 100*float64(r.HoleBytes)/float64(r.FileBytes)))
	}
	return "\n" + strings.Join(lines, "\n  ")
}

// csvColumn binds a CSV column to a result field in both directions
type csvColumn struct {
	name string
	get  func(*BenchmarkResult) string
	set  func(*BenchmarkResult, string) error
}

func intColumn(name string, field func(*BenchmarkResult) *int) csvColumn {
	return csvColumn{name,
		func(r *BenchmarkResult) string { return strconv.Itoa(*field(r)) },
		func(r *BenchmarkResult, s string) (err error) { *field(r), err = strconv.Atoi(s); return },
	}
}

func int64Column(name string, field func(*BenchmarkResult) *int64) csvColumn {
	return csvColumn{name,
		func(r *BenchmarkResult) string { return strconv.FormatInt(*field(r), 10) },
		func(r *BenchmarkResult, s string) (err error) { *field(r), err = strconv.ParseInt(s, 10, 64); return },
	}
}

func floatColumn(name string, prec int, field func(*BenchmarkResult) *float64) csvColumn {
	return csvColumn{name,
		func(r *BenchmarkResult) string { return strconv.FormatFloat(*field(r), 'f', prec, 64) },
		func(r *BenchmarkResult, s string) (err error) { *field(r), err = strconv.ParseFloat(s, 64); return },
	}
}

func stringColumn(name string, field func(*BenchmarkResult) *string) csvColumn {
	return csvColumn{name,
		func(r *BenchmarkResult) string { return *field(r) },
		func(r *BenchmarkResult, s string) error { *field(r) = s; return nil },
	}
}

var csvColumns = []csvColumn{
	{"Timestamp",
		func(r *BenchmarkResult) string { return r.Timestamp.Format(time.RFC3339) },
		func(r *BenchmarkResult, s string) (err error) { r.Timestamp, err = time.Parse(time.RFC3339, s); return }},
	stringColumn("BenchmarkType", func(r *BenchmarkResult) *string { return &r.BenchmarkType }),
	intColumn("NumKeys", func(r *BenchmarkResult) *int { return &r.NumKeys }),
	intColumn("ValueSize", func(r *BenchmarkResult) *int { return &r.ValueSize }),
	stringColumn("Mode", func(r *BenchmarkResult) *string { return &r.Mode }),
	stringColumn("Compression", func(r *BenchmarkResult) *string { return &r.Compression }),
	intColumn("Operations", func(r *BenchmarkResult) *int { return &r.Operations }),
	floatColumn("Duration", 2, func(r *BenchmarkResult) *float64 { return &r.Duration }),
	floatColumn("Throughput", 2, func(r *BenchmarkResult) *float64 { return &r.Throughput }),
	floatColumn("Latency", 3, func(r *BenchmarkResult) *float64 { return &r.Latency }),
	floatColumn("HitRate", 2, func(r *BenchmarkResult) *float64 { return &r.HitRate }),
	floatColumn("EntriesPerSec", 2, func(r *BenchmarkResult) *float64 { return &r.EntriesPerSec }),
	int64Column("FileBytes", func(r *BenchmarkResult) *int64 { return &r.FileBytes }),
	int64Column("HoleBytes", func(r *BenchmarkResult) *int64 { return &r.HoleBytes }),
}

// SaveResultCSV writes results with a header row, creating parent directories
func SaveResultCSV(results []BenchmarkResult, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	row := make([]string, len(csvColumns))
	for i, col := range csvColumns {
		row[i] = col.name
	}
	if err := w.Write(row); err != nil {
		return err
	}
	for i := range results {
		for j, col := range csvColumns {
			row[j] = col.get(&results[i])
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// LoadResultCSV reads a file written by SaveResultCSV. Columns are matched
// by header name so files from older versions still load.
func LoadResultCSV(filename string) ([]BenchmarkResult, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r := csv.NewReader(file)
	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	byName := make(map[string]csvColumn, len(csvColumns))
	for _, col := range csvColumns {
		byName[col.name] = col
	}

	var results []BenchmarkResult
	for line := 2; ; line++ {
		record, err := r.Read()
		if err == io.EOF {
			return results, nil
		}
		if err != nil {
			return nil, err
		}
		var res BenchmarkResult
		for i, name := range header {
			col, ok := byName[name]
			if !ok || i >= len(record) {
				continue
			}
			if err := col.set(&res, record[i]); err != nil {
				return nil, fmt.Errorf("%s line %d column %s: %w", filename, line, name, err)
			}
		}
		results = append(results, res)
	}
}

func formatLatency(us float64) string {
	if us > 1000 {
		return fmt.Sprintf("%.2fms", us/1000)
	}
	return fmt.Sprintf("%.2fµs", us)
}

// PrintResultTable writes an aligned summary of results to w
func PrintResultTable(w io.Writer, results []BenchmarkResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No results to display")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "Benchmark\tKeys\tValSize\tOps/sec\tLatency\tHit Rate\t")
	for _, r := range results {
		hit := "-"
		if r.HitRate > 0 {
			hit = fmt.Sprintf("%.2f%%", r.HitRate)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.2f\t%s\t%s\t\n",
			r.BenchmarkType, r.NumKeys, r.ValueSize, r.Throughput, formatLatency(r.Latency), hit)
	}
	tw.Flush()
}

// PrintComparison lines results up against a baseline by benchmark type
func PrintComparison(w io.Writer, baseline, results []BenchmarkResult) {
	prev := make(map[string]BenchmarkResult, len(baseline))
	for _, b := range baseline {
		prev[b.BenchmarkType] = b
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "Benchmark\tBaseline ops/sec\tOps/sec\tChange\t")
	for _, r := range results {
		b, ok := prev[r.BenchmarkType]
		if !ok || b.Throughput == 0 {
			fmt.Fprintf(tw, "%s\t-\t%.2f\t-\t\n", r.BenchmarkType, r.Throughput)
			continue
		}
		change := 100 * (r.Throughput - b.Throughput) / b.Throughput
		fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%+.1f%%\t\n", r.BenchmarkType, b.Throughput, r.Throughput, change)
	}
	tw.Flush()
}
