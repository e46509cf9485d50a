package bulk

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/KevoDB/ctree/pkg/common/log"
	"github.com/KevoDB/ctree/pkg/format"
	"github.com/KevoDB/ctree/pkg/storage"
	"github.com/KevoDB/ctree/pkg/trie"
)

type fixture struct {
	path string
	file *storage.File
	tree *trie.Tree
}

func newFixture(t *testing.T, mode format.AddressingMode) *fixture {
	t.Helper()
	alphabet, err := format.NewAlphabet("0123456789")
	if err != nil {
		t.Fatalf("NewAlphabet: %v", err)
	}
	codec, err := format.NewNodeCodec(alphabet.Size(), mode)
	if err != nil {
		t.Fatalf("NewNodeCodec: %v", err)
	}
	tree, err := trie.New(alphabet, codec)
	if err != nil {
		t.Fatalf("trie.New: %v", err)
	}

	path := filepath.Join(t.TempDir(), "data.ctree")
	if _, err := storage.EnsureFile(path, nil); err != nil {
		t.Fatalf("EnsureFile: %v", err)
	}
	file := storage.NewFile(path, storage.WithLogger(log.NewDiscardLogger()))
	t.Cleanup(func() { file.Close() })

	return &fixture{path: path, file: file, tree: tree}
}

func (f *fixture) begin(t *testing.T, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithLogger(log.NewDiscardLogger())}, opts...)
	s, err := Begin(f.file, f.tree.Codec(), opts...)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return s
}

func (f *fixture) get(t *testing.T, src trie.NodeSource, key string) (string, bool) {
	t.Helper()
	v, found, err := f.tree.Get(src, key)
	if err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	return string(v), found
}

func (f *fixture) set(t *testing.T, s *Session, key, value string) {
	t.Helper()
	if err := f.tree.Set(s, key, []byte(value)); err != nil {
		t.Fatalf("Set(%q): %v", key, err)
	}
}

func (f *fixture) holes(t *testing.T) int32 {
	t.Helper()
	h, err := f.file.ReadHoles()
	if err != nil {
		t.Fatalf("ReadHoles: %v", err)
	}
	return h
}

func TestSessionRoundTrip(t *testing.T) {
	f := newFixture(t, format.Addressing64)

	s := f.begin(t)
	f.set(t, s, "1", "one")
	f.set(t, s, "10", "ten")
	f.set(t, s, "100", "hundred")

	// Visible inside the session before any flush
	if v, found := f.get(t, s, "10"); !found || v != "ten" {
		t.Errorf("in-session read: got %q found=%v", v, found)
	}
	if s.Pending() == 0 {
		t.Error("expected pending arena bytes before flush")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if f.file.Writing() {
		t.Error("write handle still open after Close")
	}

	src := trie.NewFileSource(f.file, f.tree.Codec())
	for k, expected := range map[string]string{"1": "one", "10": "ten", "100": "hundred"} {
		if v, found := f.get(t, src, k); !found || v != expected {
			t.Errorf("key %q: expected %q, got %q found=%v", k, expected, v, found)
		}
	}
	if _, found := f.get(t, src, "1000"); found {
		t.Error("expected miss for 1000")
	}
}

func TestSessionHolesAcrossSessions(t *testing.T) {
	f := newFixture(t, format.Addressing64)

	s := f.begin(t)
	f.set(t, s, "1", "12345678")
	f.set(t, s, "2", "12345678")
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s = f.begin(t)
	f.set(t, s, "1", "123456789")
	f.set(t, s, "2", "1234567")
	if s.Holes() != 9 {
		t.Errorf("expected 9 pending hole bytes, got %d", s.Holes())
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	src := trie.NewFileSource(f.file, f.tree.Codec())
	if v, _ := f.get(t, src, "1"); v != "123456789" {
		t.Errorf("key 1: got %q", v)
	}
	if v, _ := f.get(t, src, "2"); v != "1234567" {
		t.Errorf("key 2: got %q", v)
	}
	if h := f.holes(t); h != 9 {
		t.Errorf("expected 9 persisted hole bytes, got %d", h)
	}
}

func TestSessionShrinkOnDisk(t *testing.T) {
	f := newFixture(t, format.Addressing32)

	s := f.begin(t)
	f.set(t, s, "5", "0123456789")
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The value now lives on disk, so the rewrite goes through dirtyValues
	s = f.begin(t)
	f.set(t, s, "5", "0123456")
	if v, _ := f.get(t, s, "5"); v != "0123456" {
		t.Errorf("in-session read after shrink: got %q", v)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if v, _ := f.get(t, trie.NewFileSource(f.file, f.tree.Codec()), "5"); v != "0123456" {
		t.Errorf("expected shrunk value, got %q", v)
	}
	if h := f.holes(t); h != 3 {
		t.Errorf("expected 3 hole bytes, got %d", h)
	}
}

func TestBatchingEquivalence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	type op struct{ key, value string }
	var ops []op
	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("%d", rng.Intn(2000))
		value := bytes.Repeat([]byte{byte('a' + rng.Intn(26))}, 1+rng.Intn(300))
		ops = append(ops, op{key, string(value)})
	}

	run := func(opts ...Option) (*fixture, int) {
		f := newFixture(t, format.Addressing64)
		flushes := 0
		opts = append(opts, WithFlushObserver(func(FlushStats) { flushes++ }))
		s := f.begin(t, opts...)
		for _, o := range ops {
			f.set(t, s, o.key, o.value)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		return f, flushes
	}

	big, bigFlushes := run()
	small, smallFlushes := run(WithArenaCapacity(128), WithCacheCeiling(512))

	if bigFlushes != 1 {
		t.Errorf("expected a single flush with a large arena, got %d", bigFlushes)
	}
	if smallFlushes <= bigFlushes {
		t.Errorf("expected early flushes with a tiny arena, got %d", smallFlushes)
	}

	final := make(map[string]string)
	for _, o := range ops {
		final[o.key] = o.value
	}
	bigSrc := trie.NewFileSource(big.file, big.tree.Codec())
	smallSrc := trie.NewFileSource(small.file, small.tree.Codec())
	for k, expected := range final {
		a, _ := big.get(t, bigSrc, k)
		b, _ := small.get(t, smallSrc, k)
		if a != expected || b != expected {
			t.Fatalf("key %q: expected %d bytes, got %d and %d", k, len(expected), len(a), len(b))
		}
	}

	if big.holes(t) != small.holes(t) {
		t.Errorf("hole counters differ: %d vs %d", big.holes(t), small.holes(t))
	}

	bigData, _ := os.ReadFile(big.path)
	smallData, _ := os.ReadFile(small.path)
	if !bytes.Equal(bigData, smallData) {
		t.Errorf("file layouts differ: %d vs %d bytes", len(bigData), len(smallData))
	}
}

func TestValueLargerThanArena(t *testing.T) {
	f := newFixture(t, format.Addressing64)

	large := bytes.Repeat([]byte("x"), 1000)
	s := f.begin(t, WithArenaCapacity(200))
	f.set(t, s, "9", "small")
	if err := f.tree.Set(s, "99", large); err != nil {
		t.Fatalf("Set: %v", err)
	}
	f.set(t, s, "999", "after")

	if v, _ := f.get(t, s, "99"); v != string(large) {
		t.Errorf("in-session read of large value: got %d bytes", len(v))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	src := trie.NewFileSource(f.file, f.tree.Codec())
	for k, expected := range map[string]string{"9": "small", "99": string(large), "999": "after"} {
		if v, _ := f.get(t, src, k); v != expected {
			t.Errorf("key %q: expected %d bytes, got %d", k, len(expected), len(v))
		}
	}
}

func TestFlushContinue(t *testing.T) {
	f := newFixture(t, format.Addressing64)

	var stats []FlushStats
	s := f.begin(t, WithFlushObserver(func(fs FlushStats) { stats = append(stats, fs) }))
	f.set(t, s, "1", "first")
	if err := s.Flush(true); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !f.file.Writing() {
		t.Error("write handle released by a continuing flush")
	}

	// Root and child 1 exist on disk now and must be patched in place
	f.set(t, s, "2", "second")
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(stats) != 2 {
		t.Fatalf("expected 2 flushes, got %d", len(stats))
	}
	if stats[0].ArenaBytes == 0 || stats[0].PatchedNodes != 0 {
		t.Errorf("unexpected first flush: %+v", stats[0])
	}
	if stats[1].PatchedNodes != 1 {
		t.Errorf("expected the root to be patched in the second flush, got %+v", stats[1])
	}

	src := trie.NewFileSource(f.file, f.tree.Codec())
	if v, _ := f.get(t, src, "1"); v != "first" {
		t.Errorf("key 1: got %q", v)
	}
	if v, _ := f.get(t, src, "2"); v != "second" {
		t.Errorf("key 2: got %q", v)
	}
}

func TestSessionClosed(t *testing.T) {
	f := newFixture(t, format.Addressing64)
	s := f.begin(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if err := f.tree.Set(s, "1", []byte("x")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
	if err := s.Flush(true); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed from Flush, got %v", err)
	}
}
