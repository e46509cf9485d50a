// Package bulk implements the write-combining buffer used while a store is
// in bulk mode. New nodes and values are collected in an in-memory arena
// and appended to the file in one write; records that already existed are
// patched in place at flush time.
package bulk

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/KevoDB/ctree/pkg/common/log"
	"github.com/KevoDB/ctree/pkg/format"
	"github.com/KevoDB/ctree/pkg/storage"
)

const (
	// DefaultArenaCapacity is the default arena size in bytes
	DefaultArenaCapacity = 5 * 1024 * 1024
	// DefaultCacheCeiling is the default limit on cached node and value bytes
	DefaultCacheCeiling = 5 * 1024 * 1024
)

var (
	// ErrSessionClosed is returned by operations on a finished session
	ErrSessionClosed = errors.New("bulk session closed")
	// ErrArenaMisplaced is returned when the arena did not land at the
	// expected end of file, which means the file changed underneath the
	// session
	ErrArenaMisplaced = errors.New("arena appended at unexpected offset")
)

// FlushStats describes one flush
type FlushStats struct {
	ArenaBytes    int
	PatchedNodes  int
	PatchedValues int
	Holes         int64
	Duration      time.Duration
}

// Session buffers node and value writes against one data file. It is not
// safe for concurrent use.
type Session struct {
	file     *storage.File
	codec    *format.NodeCodec
	logger   log.Logger
	observer func(FlushStats)

	capacity int
	ceiling  int

	// base is the file size at the last flush; arena byte i lives at
	// address base+i
	base  int64
	arena []byte
	holes int64

	appendedNew    map[format.Address]*format.Node
	dirtyExisting  map[format.Address]*format.Node
	unchangedCache map[format.Address]*format.Node
	dirtyValues    map[format.Address][]byte
	cachedBytes    int

	closed bool
}

// Option configures a Session
type Option func(*Session)

// WithArenaCapacity sets the arena size in bytes
func WithArenaCapacity(n int) Option {
	return func(s *Session) {
		s.capacity = n
	}
}

// WithCacheCeiling sets the cached bytes that force a flush
func WithCacheCeiling(n int) Option {
	return func(s *Session) {
		s.ceiling = n
	}
}

// WithFlushObserver registers fn to be called after every flush
func WithFlushObserver(fn func(FlushStats)) Option {
	return func(s *Session) {
		s.observer = fn
	}
}

// WithLogger sets the logger
func WithLogger(logger log.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// Begin opens the write handle of file and starts a session
func Begin(file *storage.File, codec *format.NodeCodec, opts ...Option) (*Session, error) {
	s := &Session{
		file:           file,
		codec:          codec,
		capacity:       DefaultArenaCapacity,
		ceiling:        DefaultCacheCeiling,
		appendedNew:    make(map[format.Address]*format.Node),
		dirtyExisting:  make(map[format.Address]*format.Node),
		unchangedCache: make(map[format.Address]*format.Node),
		dirtyValues:    make(map[format.Address][]byte),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.Component(nil, "bulk")
	}
	if s.capacity < codec.RecordLength() {
		s.capacity = codec.RecordLength()
	}
	s.arena = make([]byte, 0, s.capacity)

	if err := file.BeginWrite(); err != nil {
		return nil, err
	}
	if err := s.reset(); err != nil {
		file.EndWrite()
		return nil, err
	}
	return s, nil
}

// reset loads the baseline and hole counter from the file
func (s *Session) reset() error {
	size, err := s.file.Size()
	if err != nil {
		return err
	}
	s.base = size
	if size < format.HeaderSize {
		return fmt.Errorf("file %s is %d bytes, shorter than its header", s.file.Path(), size)
	}
	holes, err := s.file.ReadHoles()
	if err != nil {
		return fmt.Errorf("failed to read hole counter: %w", err)
	}
	s.holes = int64(uint32(holes))
	return nil
}

// Holes returns the current hole counter including unflushed changes
func (s *Session) Holes() int64 {
	return s.holes
}

// Pending returns the number of arena bytes not yet written
func (s *Session) Pending() int {
	return len(s.arena)
}

// Empty implements trie.NodeSource
func (s *Session) Empty() (bool, error) {
	if s.closed {
		return false, ErrSessionClosed
	}
	return s.base <= format.HeaderSize && len(s.arena) == 0, nil
}

// AppendNode implements trie.NodeWriter
func (s *Session) AppendNode(n *format.Node) (format.Address, error) {
	if s.closed {
		return 0, ErrSessionClosed
	}
	w := s.codec.RecordLength()
	if len(s.arena)+w > s.capacity {
		if err := s.Flush(true); err != nil {
			return 0, err
		}
	}

	addr := format.Address(s.base + int64(len(s.arena)))
	if err := s.codec.Addresses().Check(addr); err != nil {
		return 0, err
	}
	// Encoded again at flush time; this reserves the bytes
	s.arena = s.arena[:len(s.arena)+w]
	s.appendedNew[addr] = n.Clone()
	s.cachedBytes += w
	return addr, s.relieve()
}

// AppendValue implements trie.NodeWriter
func (s *Session) AppendValue(value []byte) (format.Address, error) {
	if s.closed {
		return 0, ErrSessionClosed
	}

	if len(value) > s.capacity {
		if err := s.Flush(true); err != nil {
			return 0, err
		}
		addr := format.Address(s.base)
		if err := s.codec.Addresses().Check(addr); err != nil {
			return 0, err
		}
		off, err := s.file.Append(value)
		if err != nil {
			return 0, err
		}
		if off != s.base {
			return 0, fmt.Errorf("%w: %d, expected %d", ErrArenaMisplaced, off, s.base)
		}
		s.base += int64(len(value))
		return addr, nil
	}

	if len(s.arena)+len(value) > s.capacity {
		if err := s.Flush(true); err != nil {
			return 0, err
		}
	}
	addr := format.Address(s.base + int64(len(s.arena)))
	if err := s.codec.Addresses().Check(addr); err != nil {
		return 0, err
	}
	s.arena = append(s.arena, value...)
	return addr, nil
}

// RewriteNode implements trie.NodeWriter
func (s *Session) RewriteNode(addr format.Address, n *format.Node) error {
	if s.closed {
		return ErrSessionClosed
	}
	w := s.codec.RecordLength()

	if _, ok := s.appendedNew[addr]; ok {
		s.appendedNew[addr] = n.Clone()
		return nil
	}
	if _, ok := s.unchangedCache[addr]; ok {
		delete(s.unchangedCache, addr)
		s.cachedBytes -= w
	}
	if _, ok := s.dirtyExisting[addr]; !ok {
		s.cachedBytes += w
	}
	s.dirtyExisting[addr] = n.Clone()
	return s.relieve()
}

// RewriteValue implements trie.NodeWriter
func (s *Session) RewriteValue(addr format.Address, value []byte) error {
	if s.closed {
		return ErrSessionClosed
	}

	if int64(addr) >= s.base {
		off := int64(addr) - s.base
		if off+int64(len(value)) > int64(len(s.arena)) {
			return fmt.Errorf("value at %d overruns the arena", addr)
		}
		copy(s.arena[off:], value)
		return nil
	}

	if old, ok := s.dirtyValues[addr]; ok {
		s.cachedBytes -= len(old)
	}
	s.dirtyValues[addr] = slices.Clone(value)
	s.cachedBytes += len(value)
	return s.relieve()
}

// AddHoles implements trie.NodeWriter
func (s *Session) AddHoles(n int64) {
	s.holes += n
}

// ReadNode implements trie.NodeSource
func (s *Session) ReadNode(addr format.Address) (*format.Node, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if n, ok := s.appendedNew[addr]; ok {
		return n.Clone(), nil
	}
	if n, ok := s.dirtyExisting[addr]; ok {
		return n.Clone(), nil
	}
	if n, ok := s.unchangedCache[addr]; ok {
		return n.Clone(), nil
	}

	buf := make([]byte, s.codec.RecordLength())
	if err := s.file.ReadAt(buf, int64(addr)); err != nil {
		return nil, err
	}
	n, err := s.codec.Decode(buf)
	if err != nil {
		return nil, err
	}
	s.unchangedCache[addr] = n
	s.cachedBytes += len(buf)
	out := n.Clone()
	return out, s.relieve()
}

// ReadValue implements trie.NodeSource
func (s *Session) ReadValue(addr format.Address, length uint32) ([]byte, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	out := make([]byte, length)
	if length == 0 {
		return out, nil
	}
	if v, ok := s.dirtyValues[addr]; ok && len(v) >= int(length) {
		copy(out, v)
		return out, nil
	}
	if int64(addr) >= s.base {
		off := int64(addr) - s.base
		end := off + int64(length)
		if end > int64(len(s.arena)) {
			return nil, fmt.Errorf("value at %d overruns the arena", addr)
		}
		copy(out, s.arena[off:end])
		return out, nil
	}
	if err := s.file.ReadAt(out, int64(addr)); err != nil {
		return nil, err
	}
	return out, nil
}

// relieve flushes when the caches have outgrown the ceiling
func (s *Session) relieve() error {
	if s.cachedBytes <= s.ceiling {
		return nil
	}
	s.logger.Debug("cache ceiling reached at %d bytes, flushing", s.cachedBytes)
	return s.Flush(true)
}

// Flush writes every pending change and syncs the file. With
// continueSession the write handle stays open and the session keeps
// accepting writes; otherwise the session ends.
func (s *Session) Flush(continueSession bool) error {
	if s.closed {
		return ErrSessionClosed
	}
	start := time.Now()
	stats := FlushStats{
		ArenaBytes:    len(s.arena),
		PatchedNodes:  len(s.dirtyExisting),
		PatchedValues: len(s.dirtyValues),
	}

	for addr, n := range s.appendedNew {
		off := int64(addr) - s.base
		if err := s.codec.EncodeTo(s.arena[off:], n); err != nil {
			return fmt.Errorf("failed to encode node %d: %w", addr, err)
		}
	}

	if len(s.arena) > 0 {
		off, err := s.file.Append(s.arena)
		if err != nil {
			return fmt.Errorf("failed to append arena: %w", err)
		}
		if off != s.base {
			return fmt.Errorf("%w: %d, expected %d", ErrArenaMisplaced, off, s.base)
		}
	}

	buf := make([]byte, s.codec.RecordLength())
	for _, addr := range sortedAddresses(s.dirtyExisting) {
		if err := s.codec.EncodeTo(buf, s.dirtyExisting[addr]); err != nil {
			return fmt.Errorf("failed to encode node %d: %w", addr, err)
		}
		if err := s.file.WriteAt(buf, int64(addr)); err != nil {
			return err
		}
	}
	for _, addr := range sortedAddresses(s.dirtyValues) {
		if err := s.file.WriteAt(s.dirtyValues[addr], int64(addr)); err != nil {
			return err
		}
	}

	if err := s.file.WriteHoles(int32(uint32(s.holes))); err != nil {
		return fmt.Errorf("failed to write hole counter: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync: %w", err)
	}

	s.base += int64(len(s.arena))
	s.arena = s.arena[:0]
	clear(s.appendedNew)
	clear(s.dirtyExisting)
	clear(s.unchangedCache)
	clear(s.dirtyValues)
	s.cachedBytes = 0

	stats.Holes = s.holes
	stats.Duration = time.Since(start)
	s.logger.WithFields(map[string]interface{}{
		"arena":   stats.ArenaBytes,
		"nodes":   stats.PatchedNodes,
		"values":  stats.PatchedValues,
		"elapsed": stats.Duration,
	}).Debug("flushed")
	if s.observer != nil {
		s.observer(stats)
	}

	if !continueSession {
		s.closed = true
		return s.file.EndWrite()
	}
	return nil
}

// Close flushes and ends the session. Calling it again is a no-op.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	return s.Flush(false)
}

func sortedAddresses[V any](m map[format.Address]V) []format.Address {
	addrs := make([]format.Address, 0, len(m))
	for addr := range m {
		addrs = append(addrs, addr)
	}
	slices.Sort(addrs)
	return addrs
}
