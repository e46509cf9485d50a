package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/KevoDB/ctree/pkg/config"
)

// knob is one configuration setting swept by the tuner
type knob struct {
	Name   string
	Values []interface{}
	// set applies v to the bench options and the store config of one run
	set func(o *benchOptions, c *config.Config, v interface{})
}

func tuningOptions() []knob {
	return []knob{
		{
			Name:   "ArenaCapacityMB",
			Values: []interface{}{1, 5, 20},
			set:    func(_ *benchOptions, c *config.Config, v interface{}) { c.ArenaCapacityMB = v.(int) },
		},
		{
			Name:   "CacheCeilingMB",
			Values: []interface{}{1, 5, 20},
			set:    func(_ *benchOptions, c *config.Config, v interface{}) { c.CacheCeilingMB = v.(int) },
		},
		{
			Name:   "ValueCompression",
			Values: []interface{}{"none", "snappy", "zstd", "lz4"},
			set: func(o *benchOptions, c *config.Config, v interface{}) {
				o.Compression = v.(string)
				c.ValueCompression = o.Compression
			},
		},
		{
			Name:   "Addressing",
			Values: []interface{}{"32", "64"},
			set: func(o *benchOptions, c *config.Config, v interface{}) {
				o.Addressing = v.(string)
				c.Addressing = o.Addressing
			},
		},
	}
}

// runSummary is the part of a BenchmarkResult kept in tuning reports
type runSummary struct {
	Operations int     `json:"operations"`
	Throughput float64 `json:"throughput"`
	Latency    float64 `json:"latency_us"`
	HitRate    float64 `json:"hit_rate,omitempty"`
}

func summarize(r BenchmarkResult) runSummary {
	return runSummary{
		Operations: r.Operations,
		Throughput: r.Throughput,
		Latency:    r.Latency,
		HitRate:    r.HitRate,
	}
}

// knobRun is one store built with a single knob value
type knobRun struct {
	ConfigValue  interface{}            `json:"value"`
	WriteResults runSummary             `json:"write"`
	ReadResults  runSummary             `json:"read"`
	ScanResults  runSummary             `json:"scan"`
	FileBytes    int64                  `json:"file_bytes"`
	StoreStats   map[string]interface{} `json:"store_stats"`
}

// tuningReport holds every run of a tuning sweep, keyed by knob name
type tuningReport struct {
	Started time.Time            `json:"started"`
	Setup   string               `json:"setup"`
	Knobs   []string             `json:"knobs"`
	Results map[string][]knobRun `json:"results"`
}

// RunConfigTuning sweeps every value of every knob over fresh stores and
// writes tuning_results.json and recommendations.md under a new
// tuning-<unix> directory of base.Dir
func RunConfigTuning(base benchOptions, knobs []knob) (*tuningReport, error) {
	dir := filepath.Join(base.Dir, fmt.Sprintf("tuning-%d", time.Now().Unix()))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}

	report := &tuningReport{
		Started: time.Now(),
		Setup: fmt.Sprintf("%d keys, %d-byte values, %s per timed run, %s order",
			base.NumKeys, base.ValueSize, base.Duration, base.keyMode()),
		Results: make(map[string][]knobRun, len(knobs)),
	}

	for _, k := range knobs {
		report.Knobs = append(report.Knobs, k.Name)
		runs := make([]knobRun, 0, len(k.Values))
		for _, v := range k.Values {
			fmt.Printf("  %s=%v\n", k.Name, v)
			run, err := tuneOnce(dir, base, k, v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "  %s=%v failed: %v\n", k.Name, v, err)
				continue
			}
			runs = append(runs, run)
		}
		report.Results[k.Name] = runs
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, err
	}
	jsonPath := filepath.Join(dir, "tuning_results.json")
	if err := os.WriteFile(jsonPath, data, 0644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", jsonPath, err)
	}
	mdPath := filepath.Join(dir, "recommendations.md")
	if err := os.WriteFile(mdPath, []byte(report.markdown()), 0644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", mdPath, err)
	}

	fmt.Printf("Tuning results in %s\n", dir)
	return report, nil
}

// tuneOnce runs write, read and scan against one fresh store. The read and
// scan workloads repopulate the same keys, so they also exercise overwrites.
func tuneOnce(dir string, base benchOptions, k knob, v interface{}) (knobRun, error) {
	opts := base
	opts.Dir = filepath.Join(dir, fmt.Sprintf("%s_%v", k.Name, v))
	k.set(&opts, &config.Config{}, v)
	opts.tune = func(c *config.Config) { k.set(&opts, c, v) }

	s, err := openStore(opts, "tuning")
	if err != nil {
		return knobRun{}, err
	}
	defer s.Close()

	write, err := runWriteBenchmark(s, opts)
	if err != nil {
		return knobRun{}, err
	}
	read, err := runReadBenchmark(s, opts)
	if err != nil {
		return knobRun{}, err
	}
	scan, err := runScanBenchmark(s, opts)
	if err != nil {
		return knobRun{}, err
	}

	return knobRun{
		ConfigValue:  v,
		WriteResults: summarize(write),
		ReadResults:  summarize(read),
		ScanResults:  summarize(scan),
		FileBytes:    write.FileBytes,
		StoreStats:   s.Stats(),
	}, nil
}

// winners returns the indexes of the fastest writer, the fastest reader
// and the smallest file
func winners(runs []knobRun) (write, read, size int) {
	for i, r := range runs {
		if r.WriteResults.Throughput > runs[write].WriteResults.Throughput {
			write = i
		}
		if r.ReadResults.Throughput > runs[read].ReadResults.Throughput {
			read = i
		}
		if r.FileBytes < runs[size].FileBytes {
			size = i
		}
	}
	return write, read, size
}

// markdown renders the report, knobs in sweep order
func (t *tuningReport) markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# ctree tuning, %s\n\n", t.Started.Format(time.RFC3339))
	fmt.Fprintf(&b, "Setup: %s\n\n", t.Setup)

	for _, name := range t.Knobs {
		runs := t.Results[name]
		if len(runs) == 0 {
			continue
		}
		w, r, s := winners(runs)
		fmt.Fprintf(&b, "### %s\n\n", name)
		fmt.Fprintf(&b, "Writes: **%v**. Reads: **%v**. Size: **%v**.\n\n",
			runs[w].ConfigValue, runs[r].ConfigValue, runs[s].ConfigValue)

		b.WriteString("| Value | Writes/s | Reads/s | Scans/s | File bytes |\n")
		b.WriteString("|---|---:|---:|---:|---:|\n")
		for _, run := range runs {
			fmt.Fprintf(&b, "| %v | %.0f | %.0f | %.2f | %d |\n", run.ConfigValue,
				run.WriteResults.Throughput, run.ReadResults.Throughput,
				run.ScanResults.Throughput, run.FileBytes)
		}
		b.WriteString("\n")
	}

	b.WriteString("Alphabet, Addressing and ValueCompression are fixed once a file exists. ")
	b.WriteString("Compact after heavy overwrite churn; the hole counter says how much it will reclaim.\n")
	return b.String()
}

// RunFullTuningBenchmark sweeps every knob and prints the winners
func RunFullTuningBenchmark(base benchOptions) error {
	base.Dir = filepath.Join(base.Dir, "tuning")
	base.Duration = min(base.Duration, 5*time.Second)

	report, err := RunConfigTuning(base, tuningOptions())
	if err != nil {
		return fmt.Errorf("tuning failed: %w", err)
	}

	for _, name := range report.Knobs {
		runs := report.Results[name]
		if len(runs) == 0 {
			continue
		}
		w, r, s := winners(runs)
		fmt.Printf("%-18s writes %-8v reads %-8v size %v\n", name,
			runs[w].ConfigValue, runs[r].ConfigValue, runs[s].ConfigValue)
	}
	return nil
}
