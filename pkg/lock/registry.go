// Package lock provides an in-process reader/writer gate keyed by a data
// source name, normally a file path.
//
// Reentrancy is tracked per Owner, a token the caller creates once per
// logical operation and passes to every acquire. An owner that already
// holds a slot on a source joins immediately. Waiting is done by polling
// at a fixed interval.
//
// Once a writer is queued on a source, new readers of that source wait,
// so a steady stream of readers cannot starve a writer. A queued writer
// honors active readers only for the reader grace period; past it the
// writer proceeds regardless.
package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevoDB/ctree/pkg/common/log"
)

const (
	// DefaultPollInterval is the delay between acquisition attempts
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultReaderGrace is how long a queued writer waits for readers
	DefaultReaderGrace = 10 * time.Second
)

// Owner identifies the holder of a lock for reentrancy
type Owner uint64

var ownerSeq atomic.Uint64

// NewOwner returns a fresh, never reused Owner
func NewOwner() Owner {
	return Owner(ownerSeq.Add(1))
}

// Mode is the kind of slot a Handle holds
type Mode int

const (
	// Read is a shared slot
	Read Mode = iota
	// Write is an exclusive slot
	Write
)

// String returns the mode name
func (m Mode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

// slots counts what one owner holds on one source
type slots struct {
	readers int
	writers int
	queued  int
}

func (s *slots) idle() bool {
	return s.readers == 0 && s.writers == 0 && s.queued == 0
}

// State is an aggregate snapshot of one source
type State struct {
	Readers int
	Writers int
	Queued  int
}

// Registry tracks lock state for any number of sources
type Registry struct {
	pollInterval time.Duration
	readerGrace  time.Duration
	logger       log.Logger

	mu      sync.Mutex
	sources map[string]map[Owner]*slots
}

// Option configures a Registry
type Option func(*Registry)

// WithPollInterval sets the delay between acquisition attempts
func WithPollInterval(d time.Duration) Option {
	return func(r *Registry) {
		r.pollInterval = d
	}
}

// WithReaderGrace sets how long a queued writer defers to active readers
func WithReaderGrace(d time.Duration) Option {
	return func(r *Registry) {
		r.readerGrace = d
	}
}

// WithLogger sets the logger
func WithLogger(logger log.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry returns an empty Registry
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		pollInterval: DefaultPollInterval,
		readerGrace:  DefaultReaderGrace,
		sources:      make(map[string]map[Owner]*slots),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.pollInterval <= 0 {
		r.pollInterval = DefaultPollInterval
	}
	if r.logger == nil {
		r.logger = log.Component(nil, "lock")
	}
	return r
}

// slotsLocked returns the entry for (source, owner), creating it
func (r *Registry) slotsLocked(source string, owner Owner) *slots {
	owners, ok := r.sources[source]
	if !ok {
		owners = make(map[Owner]*slots)
		r.sources[source] = owners
	}
	s, ok := owners[owner]
	if !ok {
		s = &slots{}
		owners[owner] = s
	}
	return s
}

// othersLocked reports whether any owner but owner reads, writes or is
// queued to write on source
func (r *Registry) othersLocked(source string, owner Owner) (reading, writing, queued bool) {
	for o, s := range r.sources[source] {
		if o == owner {
			continue
		}
		reading = reading || s.readers > 0
		writing = writing || s.writers > 0
		queued = queued || s.queued > 0
	}
	return reading, writing, queued
}

// collectLocked drops idle entries
func (r *Registry) collectLocked(source string, owner Owner) {
	owners := r.sources[source]
	if s, ok := owners[owner]; ok && s.idle() {
		delete(owners, owner)
	}
	if len(owners) == 0 {
		delete(r.sources, source)
	}
}

// AcquireRead returns a shared slot on source. It blocks while another
// owner writes or is queued to write, until ctx is done.
func (r *Registry) AcquireRead(ctx context.Context, source string, owner Owner) (*Handle, error) {
	for {
		r.mu.Lock()
		s := r.slotsLocked(source, owner)
		if s.readers > 0 || s.writers > 0 {
			s.readers++
			r.mu.Unlock()
			return r.handle(source, owner, Read), nil
		}
		_, writing, queued := r.othersLocked(source, owner)
		if !writing && !queued {
			s.readers++
			r.mu.Unlock()
			return r.handle(source, owner, Read), nil
		}
		r.collectLocked(source, owner)
		r.mu.Unlock()

		if err := r.sleep(ctx); err != nil {
			return nil, err
		}
	}
}

// AcquireWrite returns an exclusive slot on source. It blocks while
// another owner writes, and while another owner reads for at most the
// reader grace period, until ctx is done.
func (r *Registry) AcquireWrite(ctx context.Context, source string, owner Owner) (*Handle, error) {
	r.mu.Lock()
	s := r.slotsLocked(source, owner)
	if s.writers > 0 {
		s.writers++
		r.mu.Unlock()
		return r.handle(source, owner, Write), nil
	}
	s.queued++
	r.mu.Unlock()

	start := time.Now()
	warned := false
	for {
		r.mu.Lock()
		reading, writing, _ := r.othersLocked(source, owner)
		graceOver := time.Since(start) >= r.readerGrace
		if !writing && (!reading || graceOver) {
			s.queued--
			s.writers++
			r.mu.Unlock()
			if reading && !warned {
				r.logger.Warn("writer on %s proceeding over readers held longer than %s", source, r.readerGrace)
			}
			return r.handle(source, owner, Write), nil
		}
		if reading && graceOver && !warned {
			warned = true
			r.logger.Warn("readers on %s exceeded the %s grace period", source, r.readerGrace)
		}
		r.mu.Unlock()

		if err := r.sleep(ctx); err != nil {
			r.mu.Lock()
			s.queued--
			r.collectLocked(source, owner)
			r.mu.Unlock()
			return nil, err
		}
	}
}

func (r *Registry) sleep(ctx context.Context) error {
	timer := time.NewTimer(r.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// State returns the aggregate counts for source
func (r *Registry) State(source string) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	var st State
	for _, s := range r.sources[source] {
		st.Readers += s.readers
		st.Writers += s.writers
		st.Queued += s.queued
	}
	return st
}

// Sources returns the number of sources with live state
func (r *Registry) Sources() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sources)
}

func (r *Registry) handle(source string, owner Owner, mode Mode) *Handle {
	return &Handle{registry: r, source: source, owner: owner, mode: mode}
}

func (r *Registry) release(source string, owner Owner, mode Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sources[source][owner]
	if !ok {
		return
	}
	switch mode {
	case Read:
		if s.readers > 0 {
			s.readers--
		}
	case Write:
		if s.writers > 0 {
			s.writers--
		}
	}
	r.collectLocked(source, owner)
}

// Handle is one acquired slot
type Handle struct {
	registry *Registry
	source   string
	owner    Owner
	mode     Mode
	released atomic.Bool
}

// Mode returns the kind of slot held
func (h *Handle) Mode() Mode {
	return h.mode
}

// Owner returns the owner the slot was acquired for
func (h *Handle) Owner() Owner {
	return h.owner
}

// Release gives the slot back. Only the first call has an effect.
func (h *Handle) Release() {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	h.registry.release(h.source, h.owner, h.mode)
}
