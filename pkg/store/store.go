// Package store is the public face of a ctree file. A Store owns one data
// file and its manifest, runs lookups against it, and accepts writes only
// inside a bulk session.
//
// Plain reads outside a bulk session may run concurrently. Everything else
// is serialized by the store. Coordination between independent callers
// sharing one file goes through LockRead and LockWrite.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/KevoDB/ctree/pkg/bulk"
	"github.com/KevoDB/ctree/pkg/common/log"
	"github.com/KevoDB/ctree/pkg/compaction"
	"github.com/KevoDB/ctree/pkg/compression"
	"github.com/KevoDB/ctree/pkg/config"
	"github.com/KevoDB/ctree/pkg/export"
	"github.com/KevoDB/ctree/pkg/format"
	"github.com/KevoDB/ctree/pkg/lock"
	"github.com/KevoDB/ctree/pkg/stats"
	"github.com/KevoDB/ctree/pkg/storage"
	"github.com/KevoDB/ctree/pkg/telemetry"
	"github.com/KevoDB/ctree/pkg/trie"
)

// Store is an open ctree file
type Store struct {
	cfg    *config.Config
	path   string
	tree   *trie.Tree
	codec  *format.NodeCodec
	values compression.Codec

	file      *storage.File
	source    *trie.FileSource
	compactor *compaction.Compactor

	locks   *lock.Registry
	logger  log.Logger
	tel     telemetry.Telemetry
	metrics StoreMetrics
	stats   stats.Collector
	fileOps []storage.Option

	mu        sync.RWMutex
	session   *bulk.Session
	depth     int
	bulkStart time.Time
	bulkSets  int64
	closed    bool
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(logger log.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithTelemetry enables metrics and spans through tel
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(s *Store) {
		s.tel = tel
	}
}

// WithLockRegistry shares a lock registry between stores. Without it
// every store gets a private registry.
func WithLockRegistry(r *lock.Registry) Option {
	return func(s *Store) {
		s.locks = r
	}
}

// WithStats sets the statistics collector
func WithStats(c stats.Collector) Option {
	return func(s *Store) {
		s.stats = c
	}
}

// WithFileOptions passes options to the underlying data file
func WithFileOptions(opts ...storage.Option) Option {
	return func(s *Store) {
		s.fileOps = append(s.fileOps, opts...)
	}
}

// Open opens or creates the file described by cfg
func Open(cfg *config.Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Store{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.tel == nil {
		s.tel = telemetry.NewNoop()
	}
	if s.stats == nil {
		s.stats = stats.NewAtomicCollector()
	}
	s.metrics = NewStoreMetrics(s.tel)

	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", cfg.Path, err)
	}
	s.path = path
	s.logger = log.Component(s.logger, "store").WithField("path", path)

	alphabet, err := format.NewAlphabet(cfg.Alphabet)
	if err != nil {
		return nil, err
	}
	mode, err := cfg.AddressingMode()
	if err != nil {
		return nil, err
	}
	if s.values, err = cfg.Codec(); err != nil {
		return nil, err
	}
	if s.codec, err = format.NewNodeCodec(alphabet.Size(), mode); err != nil {
		return nil, err
	}
	if s.tree, err = trie.New(alphabet, s.codec); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := s.checkManifest(); err != nil {
		return nil, err
	}

	if s.locks == nil {
		s.locks = lock.NewRegistry(
			lock.WithPollInterval(cfg.LockPollInterval),
			lock.WithReaderGrace(cfg.LockReaderGrace),
			lock.WithLogger(s.logger),
		)
	}

	retry := storage.DefaultRetryConfig()
	retry.MaxRetries = cfg.BulkStartRetries
	retry.InitialBackoff = cfg.BulkStartBackoff
	if retry.MaxBackoff < retry.InitialBackoff {
		retry.MaxBackoff = retry.InitialBackoff
	}
	fileOpts := append([]storage.Option{
		storage.WithRetryConfig(retry),
		storage.WithLogger(s.logger),
	}, s.fileOps...)
	s.file = storage.NewFile(path, fileOpts...)
	s.source = trie.NewFileSource(s.file, s.codec)

	s.compactor = compaction.NewCompactor(s.tree,
		compaction.WithLogger(s.logger),
		compaction.WithMetrics(compaction.NewCompactionMetrics(s.tel)),
		compaction.WithBulkOptions(s.bulkOptions()...),
	)

	holes, err := s.file.ReadHoles()
	if err != nil {
		s.file.Close()
		return nil, fmt.Errorf("failed to read hole counter: %w", err)
	}
	s.stats.TrackHoles(uint64(uint32(holes)))

	s.logger.WithFields(map[string]interface{}{
		"alphabet":    alphabet.String(),
		"addressing":  mode.String(),
		"compression": s.values.String(),
	}).Info("opened store")
	return s, nil
}

// checkManifest creates the data file when needed and makes sure its
// manifest agrees with the configuration
func (s *Store) checkManifest() error {
	m, err := config.LoadManifest(s.path)
	switch {
	case err == nil:
		if err := m.Check(s.cfg); err != nil {
			return err
		}
	case errors.Is(err, config.ErrManifestNotFound):
	default:
		return err
	}

	root, err := s.codec.Encode(s.codec.NewNode())
	if err != nil {
		return err
	}
	created, err := storage.EnsureFile(s.path, root)
	if err != nil {
		return err
	}
	if m != nil {
		return nil
	}

	if !created {
		s.logger.Warn("adopting existing file without manifest")
	}
	if m, err = config.NewManifest(s.cfg); err != nil {
		return err
	}
	if err := m.Save(s.path); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

func (s *Store) bulkOptions() []bulk.Option {
	return []bulk.Option{
		bulk.WithArenaCapacity(s.cfg.ArenaCapacityBytes()),
		bulk.WithCacheCeiling(s.cfg.CacheCeilingBytes()),
		bulk.WithLogger(s.logger),
	}
}

// Path returns the absolute path of the data file
func (s *Store) Path() string {
	return s.path
}

// Config returns the configuration the store was opened with
func (s *Store) Config() *config.Config {
	return s.cfg
}

// StartBulk enters write mode. Calls nest; only the outermost StopBulk
// ends the session.
func (s *Store) StartBulk() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if s.depth > 0 {
		s.depth++
		return nil
	}

	start := time.Now()
	opts := append(s.bulkOptions(), bulk.WithFlushObserver(s.observeFlush))
	sess, err := bulk.Begin(s.file, s.codec, opts...)
	s.stats.TrackOperationWithLatency(stats.OpBulkStart, uint64(time.Since(start).Nanoseconds()))
	if err != nil {
		s.stats.TrackError(errorType(err))
		return fmt.Errorf("failed to start bulk session: %w", err)
	}

	s.session = sess
	s.depth = 1
	s.bulkStart = start
	s.bulkSets = 0
	s.logger.Debug("bulk session started")
	return nil
}

// StopBulk leaves write mode. The outermost call flushes every pending
// write to disk.
func (s *Store) StopBulk() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if s.session == nil {
		return ErrNotInBulkSession
	}
	s.depth--
	if s.depth > 0 {
		return nil
	}
	return s.endBulkLocked()
}

func (s *Store) endBulkLocked() error {
	start := time.Now()
	err := s.session.Close()
	s.session = nil
	s.depth = 0

	s.stats.TrackOperationWithLatency(stats.OpBulkStop, uint64(time.Since(start).Nanoseconds()))
	s.metrics.RecordBulkSession(context.Background(), time.Since(s.bulkStart), s.bulkSets, err == nil)
	if err != nil {
		s.stats.TrackError(errorType(err))
		s.file.Release()
		return fmt.Errorf("failed to finish bulk session: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"sets":    s.bulkSets,
		"elapsed": time.Since(s.bulkStart),
	}).Debug("bulk session finished")
	return nil
}

func (s *Store) observeFlush(fs bulk.FlushStats) {
	s.stats.TrackOperationWithLatency(stats.OpFlush, uint64(fs.Duration.Nanoseconds()))
	s.stats.TrackFlush(uint64(fs.ArenaBytes), uint64(fs.PatchedNodes+fs.PatchedValues))
	s.stats.TrackHoles(uint64(uint32(fs.Holes)))
	s.metrics.RecordFlush(context.Background(), fs)
}

// Set stores value under key. It must be called inside a bulk session.
func (s *Store) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if s.session == nil {
		return ErrNotInBulkSession
	}

	start := time.Now()
	stored, err := compression.Compress(s.values, value)
	if err == nil {
		err = s.tree.Set(s.session, key, stored)
	}
	elapsed := time.Since(start)

	s.stats.TrackOperationWithLatency(stats.OpSet, uint64(elapsed.Nanoseconds()))
	s.metrics.RecordOperation(context.Background(), telemetry.OpTypeSet, elapsed, int64(len(stored)), err == nil)
	if err != nil {
		s.stats.TrackError(errorType(err))
		return err
	}
	s.stats.TrackBytes(true, uint64(len(key)+len(stored)))
	s.bulkSets++
	return nil
}

// Get returns the value stored under key. A missing key is (nil, false, nil).
func (s *Store) Get(key string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	start := time.Now()
	err := s.withSource(func(src trie.NodeSource) error {
		stored, ok, err := s.tree.Get(src, key)
		if err != nil || !ok {
			return err
		}
		if value, err = compression.Decompress(s.values, stored); err != nil {
			return fmt.Errorf("failed to decode value of %q: %w", key, err)
		}
		found = true
		return nil
	})
	if errors.Is(err, ErrStoreClosed) {
		return nil, false, err
	}
	elapsed := time.Since(start)

	s.stats.TrackOperationWithLatency(stats.OpGet, uint64(elapsed.Nanoseconds()))
	s.metrics.RecordOperation(context.Background(), telemetry.OpTypeGet, elapsed, int64(len(value)), err == nil)
	if err != nil {
		s.stats.TrackError(errorType(err))
		return nil, false, err
	}
	if found {
		s.stats.TrackBytes(false, uint64(len(key)+len(value)))
	}
	return value, found, nil
}

// withSource runs fn against the open bulk session, or against the file
// under a shared lock when there is none
func (s *Store) withSource(fn func(src trie.NodeSource) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	if s.session == nil {
		defer s.mu.RUnlock()
		return fn(s.source)
	}
	s.mu.RUnlock()

	// Session reads fill its caches, so they need exclusive access
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if s.session == nil {
		return fn(s.source)
	}
	return fn(s.session)
}

// EnumerateKeys lists every stored key in alphabet order
func (s *Store) EnumerateKeys() ([]string, error) {
	var keys []string
	start := time.Now()
	err := s.withSource(func(src trie.NodeSource) error {
		var err error
		keys, err = s.tree.Keys(src)
		return err
	})
	s.stats.TrackOperationWithLatency(stats.OpEnumerate, uint64(time.Since(start).Nanoseconds()))
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Walk calls fn for every key and value in alphabet order. fn must not
// call back into the store. Returning trie.ErrStopWalk ends the walk
// without error.
func (s *Store) Walk(fn func(key string, value []byte) error) error {
	start := time.Now()
	var n int64
	err := s.withSource(func(src trie.NodeSource) error {
		return s.tree.Scan(src, func(key string, stored []byte) error {
			value, err := compression.Decompress(s.values, stored)
			if err != nil {
				return fmt.Errorf("failed to decode value of %q: %w", key, err)
			}
			n++
			return fn(key, value)
		})
	})
	elapsed := time.Since(start)
	s.stats.TrackOperationWithLatency(stats.OpWalk, uint64(elapsed.Nanoseconds()))
	s.metrics.RecordOperation(context.Background(), telemetry.OpTypeScan, elapsed, n, err == nil)
	if err != nil && !errors.Is(err, ErrStoreClosed) {
		s.stats.TrackError(errorType(err))
	}
	return err
}

// Compact rebuilds the file without holes. It fails during a bulk session.
func (s *Store) Compact() (*compaction.Result, error) {
	return s.CompactContext(context.Background())
}

// CompactContext is Compact with cancellation of the rebuild phase
func (s *Store) CompactContext(ctx context.Context) (*compaction.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if s.session != nil {
		return nil, ErrBulkSessionActive
	}

	ctx, span := s.tel.StartSpan(ctx, "ctree.store.compact")
	defer span.End()

	// Handles on the old inode must not survive the swap
	if err := s.file.Release(); err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := s.compactor.Compact(ctx, s.path)
	elapsed := time.Since(start)
	s.stats.TrackOperationWithLatency(stats.OpCompact, uint64(elapsed.Nanoseconds()))
	s.metrics.RecordOperation(ctx, telemetry.OpTypeCompact, elapsed, 0, err == nil)
	if err != nil {
		s.stats.TrackError("compaction_error")
		s.logger.Error("compaction failed: %v", err)
		return nil, err
	}

	s.stats.TrackCompaction(uint64(res.Keys), res.Reclaimed(), res.Duration)
	s.logger.WithFields(map[string]interface{}{
		"keys":      res.Keys,
		"reclaimed": res.Reclaimed(),
	}).Info("compacted")
	return res, nil
}

// SizeInBytes returns the data file size. It fails during a bulk session.
func (s *Store) SizeInBytes() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	if s.session != nil {
		return 0, ErrBulkSessionActive
	}
	size, err := s.file.Size()
	if err != nil {
		return 0, err
	}
	return uint64(size), nil
}

// HolesInBytes returns the bytes lost to overwritten values. It fails
// during a bulk session.
func (s *Store) HolesInBytes() (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	if s.session != nil {
		return 0, ErrBulkSessionActive
	}
	holes, err := s.file.ReadHoles()
	if err != nil {
		return 0, err
	}
	return uint32(holes), nil
}

// InBulk reports whether a bulk session is open
func (s *Store) InBulk() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session != nil
}

// LockRead takes a shared lock on this store's file in the lock registry
func (s *Store) LockRead(ctx context.Context, owner lock.Owner) (*lock.Handle, error) {
	return s.acquire(ctx, owner, lock.Read)
}

// LockWrite takes an exclusive lock on this store's file in the lock registry
func (s *Store) LockWrite(ctx context.Context, owner lock.Owner) (*lock.Handle, error) {
	return s.acquire(ctx, owner, lock.Write)
}

func (s *Store) acquire(ctx context.Context, owner lock.Owner, mode lock.Mode) (*lock.Handle, error) {
	start := time.Now()
	var (
		h   *lock.Handle
		err error
		op  = stats.OpLockRead
	)
	if mode == lock.Write {
		h, err = s.locks.AcquireWrite(ctx, s.path, owner)
		op = stats.OpLockWrite
	} else {
		h, err = s.locks.AcquireRead(ctx, s.path, owner)
	}
	elapsed := time.Since(start)

	s.stats.TrackOperationWithLatency(op, uint64(elapsed.Nanoseconds()))
	s.metrics.RecordLockWait(ctx, mode.String(), elapsed, err == nil)
	if err != nil {
		s.stats.TrackError("lock_" + mode.String() + "_cancelled")
		return nil, err
	}
	return h, nil
}

// Export writes a snapshot of every key and value to w, compressing
// frames with codec
func (s *Store) Export(w io.Writer, codec compression.Codec) (*export.Stats, error) {
	ctx, span := s.tel.StartSpan(context.Background(), "ctree.store.export",
		telemetry.Component(telemetry.ComponentExport))
	defer span.End()

	start := time.Now()
	res, err := export.Dump(s, w, codec, export.WithLogger(s.logger))
	elapsed := time.Since(start)
	s.stats.TrackOperationWithLatency(stats.OpExport, uint64(elapsed.Nanoseconds()))
	if err != nil {
		s.stats.TrackError("export_error")
		return nil, err
	}
	s.metrics.RecordOperation(ctx, "export", elapsed, res.StoredBytes, true)
	return res, nil
}

// Import loads a snapshot from r in one bulk session. It nests inside a
// session the caller already holds.
func (s *Store) Import(r io.Reader) (*export.Stats, error) {
	ctx, span := s.tel.StartSpan(context.Background(), "ctree.store.import",
		telemetry.Component(telemetry.ComponentExport))
	defer span.End()

	start := time.Now()
	res, err := export.Load(r, s, export.WithLogger(s.logger))
	elapsed := time.Since(start)
	s.stats.TrackOperationWithLatency(stats.OpImport, uint64(elapsed.Nanoseconds()))
	if err != nil {
		s.stats.TrackError("import_error")
		return nil, err
	}
	s.metrics.RecordOperation(ctx, "import", elapsed, res.RawBytes, true)
	return res, nil
}

// Stats returns the store's statistics
func (s *Store) Stats() map[string]interface{} {
	return s.stats.GetStats()
}

// Close flushes an open bulk session and releases file handles. Calling
// it again is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.session != nil {
		errs = append(errs, s.endBulkLocked())
	}
	errs = append(errs, s.file.Close(), s.metrics.Close())
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.Info("closed store")
	return nil
}
