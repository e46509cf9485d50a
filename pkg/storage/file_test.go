package storage

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/KevoDB/ctree/pkg/common/log"
	"github.com/KevoDB/ctree/pkg/format"
)

func newTestFile(t *testing.T, opts ...Option) *File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.ctree")
	if _, err := EnsureFile(path, []byte("root")); err != nil {
		t.Fatalf("EnsureFile: %v", err)
	}
	opts = append([]Option{WithLogger(log.NewDiscardLogger())}, opts...)
	f := NewFile(path, opts...)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestEnsureFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.ctree")

	created, err := EnsureFile(path, []byte{1, 2, 3})
	if err != nil || !created {
		t.Fatalf("expected file to be created, got created=%v err=%v", created, err)
	}
	data, _ := os.ReadFile(path)
	if !bytes.Equal(data, []byte{0, 0, 0, 0, 1, 2, 3}) {
		t.Errorf("unexpected initial contents %v", data)
	}

	created, err = EnsureFile(path, []byte{9})
	if err != nil || created {
		t.Errorf("existing file must be left alone, got created=%v err=%v", created, err)
	}

	// An empty file is initialized like a missing one
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	created, err = EnsureFile(path, nil)
	if err != nil || !created {
		t.Errorf("expected empty file to be initialized, got created=%v err=%v", created, err)
	}
	if info, _ := os.Stat(path); info.Size() != format.HeaderSize {
		t.Errorf("expected header-only file, got %d bytes", info.Size())
	}
}

func TestReadWrite(t *testing.T) {
	f := newTestFile(t)

	buf := make([]byte, 4)
	if err := f.ReadAt(buf, format.HeaderSize); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "root" {
		t.Errorf("expected root, got %q", buf)
	}

	if err := f.WriteAt([]byte("x"), 0); !errors.Is(err, ErrNoWriteHandle) {
		t.Errorf("expected ErrNoWriteHandle, got %v", err)
	}

	if err := f.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	off, err := f.Append([]byte("tail"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if off != 8 {
		t.Errorf("expected append at 8, got %d", off)
	}
	if err := f.WriteAt([]byte("ROOT"), format.HeaderSize); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := f.WriteHoles(17); err != nil {
		t.Fatalf("WriteHoles: %v", err)
	}
	if err := f.EndWrite(); err != nil {
		t.Fatalf("EndWrite: %v", err)
	}

	holes, err := f.ReadHoles()
	if err != nil || holes != 17 {
		t.Errorf("expected 17 holes, got %d (%v)", holes, err)
	}
	buf = make([]byte, 8)
	if err := f.ReadAt(buf, format.HeaderSize); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "ROOTtail" {
		t.Errorf("expected ROOTtail, got %q", buf)
	}

	size, err := f.Size()
	if err != nil || size != 12 {
		t.Errorf("expected size 12, got %d (%v)", size, err)
	}

	if err := f.ReadAt(make([]byte, 8), 8); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected io.ErrUnexpectedEOF for a short read, got %v", err)
	}
}

func TestBeginWriteRetries(t *testing.T) {
	attempts := 0
	flaky := func(name string, flag int, perm os.FileMode) (*os.File, error) {
		if flag&os.O_RDWR != 0 {
			attempts++
			if attempts < 3 {
				return nil, &os.PathError{Op: "open", Path: name, Err: syscall.EBUSY}
			}
		}
		return os.OpenFile(name, flag, perm)
	}

	f := newTestFile(t,
		WithOpenFunc(flaky),
		WithRetryConfig(RetryConfig{MaxRetries: 5, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}),
	)

	if err := f.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if !f.Writing() {
		t.Error("expected write handle to be open")
	}
}

func TestBeginWriteGivesUp(t *testing.T) {
	attempts := 0
	busy := func(name string, flag int, perm os.FileMode) (*os.File, error) {
		attempts++
		return nil, &os.PathError{Op: "open", Path: name, Err: syscall.EAGAIN}
	}

	f := newTestFile(t,
		WithOpenFunc(busy),
		WithRetryConfig(RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond}),
	)

	err := f.BeginWrite()
	if !errors.Is(err, ErrWriteHandleUnavailable) {
		t.Fatalf("expected ErrWriteHandleUnavailable, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}

	// Permanent errors are not retried
	attempts = 0
	missing := NewFile(filepath.Join(t.TempDir(), "missing.ctree"),
		WithLogger(log.NewDiscardLogger()),
		WithRetryConfig(RetryConfig{MaxRetries: 5, InitialBackoff: time.Millisecond}))
	err = missing.BeginWrite()
	if err == nil || errors.Is(err, ErrWriteHandleUnavailable) {
		t.Errorf("expected a plain open error, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
}

func TestClose(t *testing.T) {
	f := newTestFile(t)
	if err := f.ReadAt(make([]byte, 4), 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if err := f.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := f.ReadAt(make([]byte, 4), 0); !errors.Is(err, ErrFileClosed) {
		t.Errorf("expected ErrFileClosed, got %v", err)
	}
	if err := f.BeginWrite(); !errors.Is(err, ErrFileClosed) {
		t.Errorf("expected ErrFileClosed from BeginWrite, got %v", err)
	}
}

func TestRelease(t *testing.T) {
	f := newTestFile(t)
	if _, err := f.ReadHoles(); err != nil {
		t.Fatalf("ReadHoles: %v", err)
	}
	if err := f.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// Handles reopen lazily
	if _, err := f.ReadHoles(); err != nil {
		t.Errorf("ReadHoles after Release: %v", err)
	}
}

func TestRetryWithConfig(t *testing.T) {
	transient := errors.New("transient")
	calls := 0
	var retries []int

	err := RetryWithConfig(func() error {
		calls++
		if calls < 4 {
			return transient
		}
		return nil
	}, RetryConfig{MaxRetries: 5, InitialBackoff: time.Microsecond, MaxBackoff: 10 * time.Microsecond},
		func(err error) bool { return errors.Is(err, transient) },
		func(attempt int, err error, backoff time.Duration) { retries = append(retries, attempt) })

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 4 || len(retries) != 3 {
		t.Errorf("expected 4 calls and 3 retries, got %d and %v", calls, retries)
	}

	permanent := errors.New("permanent")
	calls = 0
	err = RetryWithConfig(func() error {
		calls++
		return permanent
	}, DefaultRetryConfig(), func(err error) bool { return errors.Is(err, transient) }, nil)
	if !errors.Is(err, permanent) || calls != 1 {
		t.Errorf("expected one call with permanent error, got %d calls, %v", calls, err)
	}
}

func TestRetryDelayDoublesUpToCap(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond}
	bounds := []struct{ lo, hi time.Duration }{
		{100 * time.Millisecond, 110 * time.Millisecond},
		{200 * time.Millisecond, 220 * time.Millisecond},
		{300 * time.Millisecond, 330 * time.Millisecond},
		{300 * time.Millisecond, 330 * time.Millisecond},
	}
	for i, b := range bounds {
		if d := cfg.delay(i + 1); d < b.lo || d >= b.hi {
			t.Errorf("delay(%d) = %s, want [%s, %s)", i+1, d, b.lo, b.hi)
		}
	}

	calls := 0
	err := RetryWithConfig(func() error {
		calls++
		return errors.New("busy")
	}, RetryConfig{MaxRetries: 2, InitialBackoff: time.Microsecond}, func(error) bool { return true }, nil)
	if err == nil || calls != 3 {
		t.Errorf("expected 3 calls ending in an error, got %d, %v", calls, err)
	}
}
