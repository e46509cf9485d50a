package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/KevoDB/ctree/pkg/common/log"
	"github.com/KevoDB/ctree/pkg/compression"
	"github.com/KevoDB/ctree/pkg/config"
	"github.com/KevoDB/ctree/pkg/store"
	"github.com/KevoDB/ctree/pkg/telemetry"
)

const helpText = `
ctree - an embedded radix tree key-value store.

Usage:
  ctree [options] [store_path]  - Start with an optional store path

Commands:
  .help                   - Show this help message
  .open PATH              - Open or create a store at PATH
  .close                  - Close the current store
  .exit                   - Exit the program
  .stats                  - Show store statistics
  .size                   - Show file size and bytes lost to holes

  .bulk                   - Start a bulk session
  .commit                 - Finish the bulk session and flush it to disk
  .compact                - Rebuild the file without holes

  .dump FILE [codec]      - Write a snapshot (codec: none, snappy, zstd, lz4)
  .load FILE              - Load a snapshot into the store

  SET key value           - Store a value (in a one-off session outside .bulk)
  GET key                 - Retrieve a value by key
  KEYS [prefix]           - List keys, optionally with a prefix
  SCAN [prefix]           - List keys and values, optionally with a prefix
`

// shell executes commands against one open store at a time
type shell struct {
	config Config
	logger log.Logger
	tel    telemetry.Telemetry
	out    io.Writer
	errOut io.Writer

	store *store.Store
	path  string
}

func newShell(config Config, logger log.Logger, tel telemetry.Telemetry, out, errOut io.Writer) *shell {
	return &shell{
		config: config,
		logger: logger,
		tel:    tel,
		out:    out,
		errOut: errOut,
	}
}

func (sh *shell) prompt() string {
	switch {
	case sh.store == nil:
		return "ctree> "
	case sh.store.InBulk():
		return fmt.Sprintf("ctree:%s[BULK]> ", sh.path)
	default:
		return fmt.Sprintf("ctree:%s> ", sh.path)
	}
}

// storeConfig builds the configuration for the store at path
func (sh *shell) storeConfig(path string) (*config.Config, error) {
	cfg := config.NewDefaultConfig(path)
	if sh.config.ConfigFile != "" {
		loaded, err := config.LoadConfigFile(sh.config.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.LoadFromEnv()
	cfg.Update(func(c *config.Config) {
		c.Path = path
		if sh.config.Alphabet != "" {
			c.Alphabet = sh.config.Alphabet
		}
		if sh.config.Addressing != "" {
			c.Addressing = sh.config.Addressing
		}
		if sh.config.Compression != "" {
			c.ValueCompression = sh.config.Compression
		}
	})
	return cfg, nil
}

func (sh *shell) open(path string) error {
	cfg, err := sh.storeConfig(path)
	if err != nil {
		return err
	}
	s, err := store.Open(cfg, store.WithLogger(sh.logger), store.WithTelemetry(sh.tel))
	if err != nil {
		return err
	}
	sh.store = s
	sh.path = path
	return nil
}

func (sh *shell) closeStore() error {
	if sh.store == nil {
		return nil
	}
	err := sh.store.Close()
	sh.store = nil
	sh.path = ""
	return err
}

func (sh *shell) printf(format string, args ...interface{}) {
	fmt.Fprintf(sh.out, format, args...)
}

func (sh *shell) fail(what string, err error) {
	fmt.Fprintf(sh.errOut, "Error %s: %s\n", what, err)
}

// execute runs one command line and reports whether the shell should exit
func (sh *shell) execute(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToUpper(parts[0])

	if strings.HasPrefix(cmd, ".") {
		cmd = strings.ToLower(cmd)
		switch cmd {
		case ".help":
			sh.printf("%s", helpText)
		case ".exit":
			if err := sh.closeStore(); err != nil {
				sh.fail("closing store", err)
			}
			sh.printf("Goodbye!\n")
			return true
		case ".open":
			sh.cmdOpen(parts)
		default:
			if sh.store == nil {
				sh.printf("No store open\n")
				return false
			}
			sh.dotCommand(cmd, parts)
		}
		return false
	}

	if sh.store == nil {
		sh.printf("Error: No store open\n")
		return false
	}

	switch cmd {
	case "SET":
		sh.cmdSet(parts)
	case "GET":
		sh.cmdGet(parts)
	case "KEYS":
		sh.cmdKeys(parts)
	case "SCAN":
		sh.cmdScan(parts)
	default:
		sh.printf("Unknown command: %s\n", cmd)
	}
	return false
}

func (sh *shell) dotCommand(cmd string, parts []string) {
	switch cmd {
	case ".close":
		path := sh.path
		if err := sh.closeStore(); err != nil {
			sh.fail("closing store", err)
			return
		}
		sh.printf("Store %s closed\n", path)

	case ".stats":
		sh.printStats(sh.store.Stats())

	case ".size":
		size, err := sh.store.SizeInBytes()
		if err != nil {
			sh.fail("reading size", err)
			return
		}
		holes, err := sh.store.HolesInBytes()
		if err != nil {
			sh.fail("reading holes", err)
			return
		}
		sh.printf("Size: %d bytes, holes: %d bytes\n", size, holes)

	case ".bulk":
		if sh.store.InBulk() {
			sh.printf("Error: Bulk session already in progress\n")
			return
		}
		if err := sh.store.StartBulk(); err != nil {
			sh.fail("starting bulk session", err)
			return
		}
		sh.printf("Bulk session started\n")

	case ".commit":
		start := time.Now()
		if err := sh.store.StopBulk(); err != nil {
			if errors.Is(err, store.ErrNotInBulkSession) {
				sh.printf("Error: No bulk session in progress\n")
				return
			}
			sh.fail("finishing bulk session", err)
			return
		}
		sh.printf("Bulk session committed (%.2f ms)\n", float64(time.Since(start).Microseconds())/1000.0)

	case ".compact":
		res, err := sh.store.Compact()
		if err != nil {
			sh.fail("compacting", err)
			return
		}
		sh.printf("Compacted %d keys, reclaimed %d bytes (%s)\n", res.Keys, res.Reclaimed(), res.Duration.Round(time.Microsecond))

	case ".dump":
		sh.cmdDump(parts)

	case ".load":
		sh.cmdLoad(parts)

	default:
		sh.printf("Unknown command: %s\n", cmd)
	}
}

func (sh *shell) cmdOpen(parts []string) {
	if len(parts) < 2 {
		sh.printf("Error: Missing path argument\n")
		return
	}
	if err := sh.closeStore(); err != nil {
		sh.fail("closing store", err)
	}
	if err := sh.open(parts[1]); err != nil {
		sh.fail("opening store", err)
		return
	}
	sh.printf("Store opened at %s\n", parts[1])
}

func (sh *shell) cmdSet(parts []string) {
	if len(parts) < 3 {
		sh.printf("Error: SET requires key and value arguments\n")
		return
	}
	key := parts[1]
	value := []byte(strings.Join(parts[2:], " "))

	if sh.store.InBulk() {
		if err := sh.store.Set(key, value); err != nil {
			sh.fail("setting value", err)
			return
		}
		sh.printf("Value stored in bulk session\n")
		return
	}

	if err := sh.store.StartBulk(); err != nil {
		sh.fail("starting bulk session", err)
		return
	}
	setErr := sh.store.Set(key, value)
	if err := sh.store.StopBulk(); err != nil && setErr == nil {
		setErr = err
	}
	if setErr != nil {
		sh.fail("setting value", setErr)
		return
	}
	sh.printf("Value stored\n")
}

func (sh *shell) cmdGet(parts []string) {
	if len(parts) < 2 {
		sh.printf("Error: GET requires a key argument\n")
		return
	}
	val, ok, err := sh.store.Get(parts[1])
	switch {
	case err != nil:
		sh.fail("getting value", err)
	case !ok:
		sh.printf("Key not found\n")
	default:
		sh.printf("%s\n", val)
	}
}

func (sh *shell) cmdKeys(parts []string) {
	keys, err := sh.store.EnumerateKeys()
	if err != nil {
		sh.fail("listing keys", err)
		return
	}
	prefix := ""
	if len(parts) > 1 {
		prefix = parts[1]
	}
	count := 0
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		sh.printf("%s\n", key)
		count++
	}
	sh.printf("%d keys found\n", count)
}

func (sh *shell) cmdScan(parts []string) {
	prefix := ""
	if len(parts) > 1 {
		prefix = parts[1]
	}
	count := 0
	err := sh.store.Walk(func(key string, value []byte) error {
		if strings.HasPrefix(key, prefix) {
			sh.printf("%s: %s\n", key, value)
			count++
		}
		return nil
	})
	if err != nil {
		sh.fail("scanning", err)
		return
	}
	sh.printf("%d entries found\n", count)
}

func (sh *shell) cmdDump(parts []string) {
	if len(parts) < 2 {
		sh.printf("Error: .dump requires a file argument\n")
		return
	}
	codec := compression.Zstd
	if len(parts) > 2 {
		c, err := compression.ParseCodec(parts[2])
		if err != nil {
			sh.fail("parsing codec", err)
			return
		}
		codec = c
	}

	f, err := os.Create(parts[1])
	if err != nil {
		sh.fail("creating snapshot", err)
		return
	}
	res, err := sh.store.Export(f, codec)
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		sh.fail("writing snapshot", err)
		return
	}
	sh.printf("Dumped %d records in %d frames (%d bytes, %s)\n", res.Records, res.Frames, res.StoredBytes, res.Codec)
}

func (sh *shell) cmdLoad(parts []string) {
	if len(parts) < 2 {
		sh.printf("Error: .load requires a file argument\n")
		return
	}
	f, err := os.Open(parts[1])
	if err != nil {
		sh.fail("opening snapshot", err)
		return
	}
	defer f.Close()

	res, err := sh.store.Import(f)
	if err != nil {
		sh.fail("loading snapshot", err)
		return
	}
	sh.printf("Loaded %d records\n", res.Records)
}

func (sh *shell) printStats(stats map[string]interface{}) {
	getUint64 := func(m map[string]interface{}, key string) uint64 {
		switch v := m[key].(type) {
		case uint64:
			return v
		case int64:
			return uint64(v)
		case int:
			return uint64(v)
		default:
			return 0
		}
	}

	sh.printf("📊 Operations:\n")
	sh.printf("  • Sets: %d\n", getUint64(stats, "set_ops"))
	sh.printf("  • Gets: %d\n", getUint64(stats, "get_ops"))
	sh.printf("  • Walks: %d\n", getUint64(stats, "walk_ops"))
	sh.printf("  • Key Enumerations: %d\n", getUint64(stats, "enumerate_ops"))
	sh.printf("  • Bulk Sessions: %d\n", getUint64(stats, "bulk_stop_ops"))

	if latency, ok := stats["set_latency"].(map[string]interface{}); ok {
		sh.printf("\n⚡ Latency (avg):\n")
		if avgNs, ok := latency["avg_ns"].(uint64); ok {
			sh.printf("  • Set: %.3f ms\n", float64(avgNs)/1000000.0)
		}
		if getLatency, ok := stats["get_latency"].(map[string]interface{}); ok {
			if avgNs, ok := getLatency["avg_ns"].(uint64); ok {
				sh.printf("  • Get: %.3f ms\n", float64(avgNs)/1000000.0)
			}
		}
	}

	sh.printf("\n💾 Storage:\n")
	sh.printf("  • Holes: %d bytes\n", getUint64(stats, "holes_bytes"))
	sh.printf("  • Flush Count: %d\n", getUint64(stats, "flush_count"))
	sh.printf("  • Bytes Flushed: %d\n", getUint64(stats, "flush_arena_bytes"))
	sh.printf("  • Records Patched: %d\n", getUint64(stats, "flush_patched_records"))

	if compactionMap, ok := stats["compaction"].(map[string]interface{}); ok && getUint64(compactionMap, "count") > 0 {
		sh.printf("\n🧹 Compaction:\n")
		sh.printf("  • Count: %d\n", getUint64(compactionMap, "count"))
		sh.printf("  • Keys Copied: %d\n", getUint64(compactionMap, "keys_copied"))
		sh.printf("  • Bytes Reclaimed: %d\n", getUint64(compactionMap, "bytes_reclaimed"))
		if ms, ok := compactionMap["last_duration_ms"].(int64); ok {
			sh.printf("  • Last Duration: %d ms\n", ms)
		}
	}

	if errorsMap, ok := stats["errors"].(map[string]uint64); ok && len(errorsMap) > 0 {
		types := make([]string, 0, len(errorsMap))
		for errType := range errorsMap {
			types = append(types, errType)
		}
		sort.Strings(types)

		sh.printf("\n⚠️ Errors:\n")
		for _, errType := range types {
			sh.printf("  • %s: %d\n", toTitle(strings.ReplaceAll(errType, "_", " ")), errorsMap[errType])
		}
	}
}

// toTitle converts the first character of each word to title case
func toTitle(s string) string {
	prev := ' '
	return strings.Map(
		func(r rune) rune {
			if unicode.IsSpace(prev) || unicode.IsPunct(prev) {
				prev = r
				return unicode.ToTitle(r)
			}
			prev = r
			return r
		},
		s)
}
