// ABOUTME: Telemetry settings for the ctree providers: which exporters run, sampling and batching
// ABOUTME: Defaults leave telemetry off; CTREE_TELEMETRY_* variables override individual fields

package telemetry

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Exporter names accepted in Config.Exporters
const (
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
)

var knownExporters = []string{ExporterPrometheus, ExporterOTLP, ExporterStdout}

// Config selects and tunes the OpenTelemetry pipeline built by New.
type Config struct {
	Enabled        bool   `json:"enabled"`
	ServiceName    string `json:"service_name"`
	ServiceVersion string `json:"service_version"`

	// Exporters lists the sinks to build. prometheus serves metrics on
	// scrape, otlp ships spans, stdout writes both to Output.
	Exporters    []string `json:"exporters"`
	OTLPEndpoint string   `json:"otlp_endpoint"`

	// SampleRate is the fraction of root spans kept, 0 to 1
	SampleRate float64 `json:"sample_rate"`

	ExportTimeout      time.Duration `json:"export_timeout"`
	BatchTimeout       time.Duration `json:"batch_timeout"`
	MetricInterval     time.Duration `json:"metric_interval"`
	MaxQueueSize       int           `json:"max_queue_size"`
	MaxExportBatchSize int           `json:"max_export_batch_size"`

	// Output receives stdout exporter data; nil means os.Stdout
	Output io.Writer `json:"-"`
}

// DefaultConfig returns a disabled configuration that, once enabled,
// serves prometheus metrics and samples every trace.
func DefaultConfig() Config {
	return Config{
		ServiceName:        "ctree",
		ServiceVersion:     "development",
		Exporters:          []string{ExporterPrometheus},
		OTLPEndpoint:       "localhost:4317",
		SampleRate:         1.0,
		ExportTimeout:      30 * time.Second,
		BatchTimeout:       5 * time.Second,
		MetricInterval:     time.Minute,
		MaxQueueSize:       2048,
		MaxExportBatchSize: 512,
	}
}

const envPrefix = "CTREE_TELEMETRY_"

// envBindings maps each variable suffix to a setter. A setter returns
// false when the value does not parse, leaving the field unchanged.
func (c *Config) envBindings() map[string]func(string) bool {
	str := func(dst *string) func(string) bool {
		return func(v string) bool { *dst = v; return true }
	}
	dur := func(dst *time.Duration) func(string) bool {
		return func(v string) bool {
			d, err := time.ParseDuration(v)
			if err == nil {
				*dst = d
			}
			return err == nil
		}
	}
	num := func(dst *int) func(string) bool {
		return func(v string) bool {
			n, err := strconv.Atoi(v)
			if err == nil {
				*dst = n
			}
			return err == nil
		}
	}

	return map[string]func(string) bool{
		"SERVICE_NAME":    str(&c.ServiceName),
		"SERVICE_VERSION": str(&c.ServiceVersion),
		"OTLP_ENDPOINT":   str(&c.OTLPEndpoint),
		"ENABLED": func(v string) bool {
			b, err := strconv.ParseBool(v)
			if err == nil {
				c.Enabled = b
			}
			return err == nil
		},
		"EXPORTERS": func(v string) bool {
			var names []string
			for _, name := range strings.Split(v, ",") {
				if name = strings.TrimSpace(name); name != "" {
					names = append(names, name)
				}
			}
			c.Exporters = names
			return true
		},
		"SAMPLE_RATE": func(v string) bool {
			f, err := strconv.ParseFloat(v, 64)
			if err == nil {
				c.SampleRate = f
			}
			return err == nil
		},
		"EXPORT_TIMEOUT":        dur(&c.ExportTimeout),
		"BATCH_TIMEOUT":         dur(&c.BatchTimeout),
		"METRIC_INTERVAL":       dur(&c.MetricInterval),
		"MAX_QUEUE_SIZE":        num(&c.MaxQueueSize),
		"MAX_EXPORT_BATCH_SIZE": num(&c.MaxExportBatchSize),
	}
}

// LoadFromEnv applies every CTREE_TELEMETRY_* variable that is set.
// Unparseable values are ignored.
func (c *Config) LoadFromEnv() {
	for suffix, set := range c.envBindings() {
		if v := os.Getenv(envPrefix + suffix); v != "" {
			set(v)
		}
	}
}

// Validate reports every invalid field, joined into one error
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.ServiceName != "", "service_name cannot be empty")
	check(c.ServiceVersion != "", "service_version cannot be empty")
	check(c.SampleRate >= 0 && c.SampleRate <= 1, "sample_rate must be between 0.0 and 1.0, got %f", c.SampleRate)
	check(c.ExportTimeout > 0, "export_timeout must be positive, got %s", c.ExportTimeout)
	check(c.BatchTimeout > 0, "batch_timeout must be positive, got %s", c.BatchTimeout)
	check(c.MetricInterval > 0, "metric_interval must be positive, got %s", c.MetricInterval)
	check(c.MaxQueueSize > 0, "max_queue_size must be positive, got %d", c.MaxQueueSize)
	check(c.MaxExportBatchSize > 0, "max_export_batch_size must be positive, got %d", c.MaxExportBatchSize)
	for _, name := range c.Exporters {
		check(slices.Contains(knownExporters, name),
			"invalid exporter: %s, valid options are: %s", name, strings.Join(knownExporters, ", "))
	}

	return errors.Join(errs...)
}

// HasExporter reports whether name is in Exporters
func (c *Config) HasExporter(name string) bool {
	return slices.Contains(c.Exporters, name)
}

func (c *Config) output() io.Writer {
	if c.Output == nil {
		return os.Stdout
	}
	return c.Output
}
