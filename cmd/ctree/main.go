package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"

	"github.com/KevoDB/ctree/pkg/common/log"
	"github.com/KevoDB/ctree/pkg/telemetry"
)

const version = "1.0.0"

// completer offers every shell command; .dump also completes its codec
func completer() *readline.PrefixCompleter {
	var items []readline.PrefixCompleterInterface
	for _, cmd := range []string{".help", ".open", ".close", ".exit", ".stats", ".size",
		".bulk", ".commit", ".compact", ".load", "SET", "GET", "KEYS", "SCAN"} {
		items = append(items, readline.PcItem(cmd))
	}
	codecs := []readline.PrefixCompleterInterface{
		readline.PcItem("none"), readline.PcItem("snappy"), readline.PcItem("zstd"), readline.PcItem("lz4"),
	}
	items = append(items, readline.PcItem(".dump", codecs...))
	return readline.NewPrefixCompleter(items...)
}

// Config is what the command line selects
type Config struct {
	DBPath      string
	ConfigFile  string
	Alphabet    string
	Addressing  string
	Compression string
	LogLevel    string
	MetricsAddr string
}

func main() {
	cfg := parseFlags()
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "ctree: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg Config) error {
	logger := log.NewStandardLogger(log.WithLevel(log.ParseLevel(cfg.LogLevel)))
	log.SetDefault(logger)

	tel, err := newTelemetry(cfg)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer withTimeout(tel.Shutdown)

	sh := newShell(cfg, logger, tel, os.Stdout, os.Stderr)
	defer sh.closeStore()
	if cfg.DBPath != "" {
		fmt.Printf("Opening store at %s\n", cfg.DBPath)
		if err := sh.open(cfg.DBPath); err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
	}

	if cfg.MetricsAddr != "" {
		server, err := serveMetrics(cfg.MetricsAddr, tel)
		if err != nil {
			return err
		}
		defer withTimeout(server.Shutdown)
		fmt.Printf("Metrics available at http://%s/metrics\n", server.Addr())
	}

	closeOnSignal(sh)
	return repl(sh)
}

// withTimeout runs a shutdown step with a five second deadline
func withTimeout(fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fn(ctx)
}

// serveMetrics exposes the prometheus exporter of tel on addr
func serveMetrics(addr string, tel telemetry.Telemetry) (*MetricsServer, error) {
	handler, ok := telemetry.MetricsHandler(tel)
	if !ok {
		return nil, errors.New("metrics endpoint requires the prometheus exporter")
	}
	server := NewMetricsServer(addr, handler)
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("starting metrics server: %w", err)
	}
	go func() {
		if err := server.Serve(); err != nil {
			fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
		}
	}()
	return server, nil
}

func parseFlags() Config {
	var cfg Config
	fs := flag.CommandLine
	fs.StringVar(&cfg.ConfigFile, "config", "", "JSON config file used when opening stores")
	fs.StringVar(&cfg.Alphabet, "alphabet", "", "Key alphabet for new stores")
	fs.StringVar(&cfg.Addressing, "addressing", "", "Address width for new stores (32 or 64)")
	fs.StringVar(&cfg.Compression, "compression", "", "Value compression for new stores (none, snappy, zstd, lz4)")
	fs.StringVar(&cfg.LogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.MetricsAddr, "metrics", "", "Serve Prometheus metrics on this address, e.g. localhost:9090")
	fs.Usage = func() {
		w := fs.Output()
		fmt.Fprintf(w, "ctree %s - an embedded radix tree key-value store\n\n", version)
		fmt.Fprintf(w, "Usage: ctree [options] [store_path]\n\n")
		fs.PrintDefaults()
		fmt.Fprintf(w, "\nCTREE_* and CTREE_TELEMETRY_* environment variables override file settings.\n")
		fmt.Fprintf(w, "Type .help inside the shell for its commands.\n")
	}
	flag.Parse()

	cfg.DBPath = flag.Arg(0)
	return cfg
}

// newTelemetry builds the telemetry provider from the environment. A
// metrics address turns on the prometheus exporter.
func newTelemetry(cfg Config) (telemetry.Telemetry, error) {
	tcfg := telemetry.DefaultConfig()
	tcfg.LoadFromEnv()
	if cfg.MetricsAddr != "" {
		tcfg.Enabled = true
		if !tcfg.HasExporter(telemetry.ExporterPrometheus) {
			tcfg.Exporters = append(tcfg.Exporters, telemetry.ExporterPrometheus)
		}
	}
	return telemetry.New(tcfg)
}

// closeOnSignal closes the open store and exits on SIGTERM
func closeOnSignal(sh *shell) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM)
	go func() {
		sig := <-ch
		fmt.Printf("\n%v received, closing store\n", sig)
		if err := sh.closeStore(); err != nil {
			fmt.Fprintf(os.Stderr, "closing store: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}()
}

// repl reads commands until .exit, EOF or an interrupt on an empty line
func repl(sh *shell) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          sh.prompt(),
		HistoryFile:     filepath.Join(os.TempDir(), ".ctree_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer(),
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	fmt.Printf("ctree version %s\nEnter .help for usage hints.\n", version)
	for {
		rl.SetPrompt(sh.prompt())
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if line == "" {
				return nil
			}
			continue
		case errors.Is(err, io.EOF):
			fmt.Println("Goodbye!")
			return nil
		case err != nil:
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", err)
			continue
		}

		if strings.TrimSpace(line) != "" && sh.execute(line) {
			return nil
		}
	}
}
