// Package storage owns the file handles of a ctree data file: a lazily
// opened read handle for lookups and a write handle for bulk sessions.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/KevoDB/ctree/pkg/common/log"
	"github.com/KevoDB/ctree/pkg/format"
)

var (
	// ErrWriteHandleUnavailable is returned when the write handle could not
	// be opened within the configured retries
	ErrWriteHandleUnavailable = errors.New("write handle unavailable")
	// ErrNoWriteHandle is returned by write operations outside a write session
	ErrNoWriteHandle = errors.New("no write handle open")
	// ErrFileClosed is returned after Close
	ErrFileClosed = errors.New("file is closed")
)

// OpenFunc opens a file; it matches os.OpenFile
type OpenFunc func(name string, flag int, perm os.FileMode) (*os.File, error)

// File provides positional access to one data file. Reads may run
// concurrently; the write handle belongs to a single bulk session.
type File struct {
	path   string
	retry  RetryConfig
	open   OpenFunc
	logger log.Logger

	mu     sync.Mutex
	reader *os.File
	writer *os.File
	closed bool
}

// Option configures a File
type Option func(*File)

// WithRetryConfig sets the retry policy for opening the write handle
func WithRetryConfig(cfg RetryConfig) Option {
	return func(f *File) {
		f.retry = cfg
	}
}

// WithOpenFunc replaces os.OpenFile, mainly for fault injection
func WithOpenFunc(open OpenFunc) Option {
	return func(f *File) {
		f.open = open
	}
}

// WithLogger sets the logger
func WithLogger(logger log.Logger) Option {
	return func(f *File) {
		f.logger = logger
	}
}

// NewFile returns a File for path without opening any handle
func NewFile(path string, opts ...Option) *File {
	f := &File{
		path:  path,
		retry: DefaultRetryConfig(),
		open:  os.OpenFile,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = log.Component(nil, "storage")
	}
	return f
}

// Path returns the file path
func (f *File) Path() string {
	return f.path
}

// EnsureFile creates the data file if it is missing or empty. root, when
// not nil, is written right after the header.
func EnsureFile(path string, root []byte) (bool, error) {
	info, err := os.Stat(path)
	if err == nil && info.Size() > 0 {
		return false, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return false, fmt.Errorf("failed to create %s: %w", path, err)
	}

	buf := format.EncodeHeader(0)
	buf = append(buf, root...)
	if _, err := file.Write(buf); err != nil {
		file.Close()
		return false, fmt.Errorf("failed to write header: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return false, fmt.Errorf("failed to sync %s: %w", path, err)
	}
	return true, file.Close()
}

// Size returns the current size of the file on disk
func (f *File) Size() (int64, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", f.path, err)
	}
	return info.Size(), nil
}

func (f *File) readHandle() (*os.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrFileClosed
	}
	if f.writer != nil {
		return f.writer, nil
	}
	if f.reader == nil {
		r, err := f.open(f.path, os.O_RDONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to open read handle: %w", err)
		}
		f.reader = r
	}
	return f.reader, nil
}

// ReadAt fills p from offset off. Reads past the end of the file fail
// with io.ErrUnexpectedEOF.
func (f *File) ReadAt(p []byte, off int64) error {
	h, err := f.readHandle()
	if err != nil {
		return err
	}
	n, err := h.ReadAt(p, off)
	if err == io.EOF && n == len(p) {
		err = nil
	}
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return fmt.Errorf("failed to read %d bytes at %d: %w", len(p), off, err)
	}
	return nil
}

// ReadHoles returns the hole counter from the header
func (f *File) ReadHoles() (int32, error) {
	buf := make([]byte, format.HeaderSize)
	if err := f.ReadAt(buf, 0); err != nil {
		return 0, err
	}
	return format.DecodeHeader(buf), nil
}

// BeginWrite opens the write handle, retrying transient failures
func (f *File) BeginWrite() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrFileClosed
	}
	if f.writer != nil {
		return nil
	}

	var handle *os.File
	attempts := 0
	err := RetryWithConfig(func() error {
		attempts++
		h, err := f.open(f.path, os.O_RDWR, 0644)
		if err != nil {
			return err
		}
		handle = h
		return nil
	}, f.retry, isTransientOpenError, func(attempt int, err error, backoff time.Duration) {
		f.logger.Warn("write handle busy, retry %d/%d in %s: %v", attempt, f.retry.MaxRetries, backoff, err)
	})
	if err != nil {
		if isTransientOpenError(err) {
			return fmt.Errorf("%w after %d attempts: %v", ErrWriteHandleUnavailable, attempts, err)
		}
		return fmt.Errorf("failed to open write handle: %w", err)
	}

	f.writer = handle
	return nil
}

func (f *File) writeHandle() (*os.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writer == nil {
		return nil, ErrNoWriteHandle
	}
	return f.writer, nil
}

// Append writes p at the current end of the file and returns its offset
func (f *File) Append(p []byte) (int64, error) {
	w, err := f.writeHandle()
	if err != nil {
		return 0, err
	}
	off, err := w.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("failed to seek to end: %w", err)
	}
	if _, err := w.Write(p); err != nil {
		return 0, fmt.Errorf("failed to append %d bytes at %d: %w", len(p), off, err)
	}
	return off, nil
}

// WriteAt rewrites p in place at offset off
func (f *File) WriteAt(p []byte, off int64) error {
	w, err := f.writeHandle()
	if err != nil {
		return err
	}
	if _, err := w.WriteAt(p, off); err != nil {
		return fmt.Errorf("failed to write %d bytes at %d: %w", len(p), off, err)
	}
	return nil
}

// WriteHoles persists the hole counter
func (f *File) WriteHoles(holes int32) error {
	return f.WriteAt(format.EncodeHeader(holes), 0)
}

// Sync flushes the write handle to stable storage
func (f *File) Sync() error {
	w, err := f.writeHandle()
	if err != nil {
		return err
	}
	return w.Sync()
}

// EndWrite syncs and releases the write handle
func (f *File) EndWrite() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writer == nil {
		return nil
	}
	w := f.writer
	f.writer = nil

	if err := w.Sync(); err != nil {
		w.Close()
		return fmt.Errorf("failed to sync write handle: %w", err)
	}
	return w.Close()
}

// Writing reports whether the write handle is open
func (f *File) Writing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writer != nil
}

// Release closes every handle but leaves the File usable; the read handle
// is reopened on the next read
func (f *File) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releaseLocked()
}

func (f *File) releaseLocked() error {
	var firstErr error
	if f.writer != nil {
		if err := f.writer.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := f.writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		f.writer = nil
	}
	if f.reader != nil {
		if err := f.reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		f.reader = nil
	}
	return firstErr
}

// Close releases every handle. It is idempotent.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	return f.releaseLocked()
}
