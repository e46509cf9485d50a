// Package compaction rebuilds a data file without holes and swaps the
// rebuilt copy in place of the original.
//
// The swap is three renames: the original moves to <path>.todelete, the
// rebuilt file moves to <path>, and the .todelete file is removed. If the
// process dies in between, the original survives under its .todelete name
// and further compactions refuse to run until it is dealt with.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/KevoDB/ctree/pkg/bulk"
	"github.com/KevoDB/ctree/pkg/common/log"
	"github.com/KevoDB/ctree/pkg/storage"
	"github.com/KevoDB/ctree/pkg/trie"
)

const (
	// CompactSuffix names the rebuilt file next to the original
	CompactSuffix = ".compact"
	// DeleteSuffix names the original while the rebuilt file is swapped in
	DeleteSuffix = ".todelete"
)

var (
	// ErrPendingRecovery is returned when a previous swap left the original
	// file behind under its .todelete name
	ErrPendingRecovery = errors.New("previous compaction left an unrecovered file")
)

// Result summarizes one compaction
type Result struct {
	Keys        int
	SizeBefore  int64
	SizeAfter   int64
	HolesBefore uint32
	Duration    time.Duration
}

// Reclaimed returns the number of bytes the compaction saved
func (r *Result) Reclaimed() int64 {
	return r.SizeBefore - r.SizeAfter
}

// Compactor rebuilds files for one tree layout
type Compactor struct {
	tree     *trie.Tree
	logger   log.Logger
	metrics  CompactionMetrics
	bulkOpts []bulk.Option
}

// Option configures a Compactor
type Option func(*Compactor)

// WithLogger sets the logger
func WithLogger(logger log.Logger) Option {
	return func(c *Compactor) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m CompactionMetrics) Option {
	return func(c *Compactor) {
		c.metrics = m
	}
}

// WithBulkOptions sets the options of the session writing the rebuilt file
func WithBulkOptions(opts ...bulk.Option) Option {
	return func(c *Compactor) {
		c.bulkOpts = opts
	}
}

// NewCompactor returns a Compactor for files laid out by tree
func NewCompactor(tree *trie.Tree, opts ...Option) *Compactor {
	c := &Compactor{tree: tree}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.Component(nil, "compaction")
	}
	if c.metrics == nil {
		c.metrics = NewNoopCompactionMetrics()
	}
	return c
}

// Compact rebuilds path and swaps the result in. No other handle on path
// may be open.
func (c *Compactor) Compact(ctx context.Context, path string) (*Result, error) {
	res, err := c.Rebuild(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := c.Swap(ctx, path); err != nil {
		return nil, err
	}
	return res, nil
}

// Rebuild writes every key and value of path into path.compact
func (c *Compactor) Rebuild(ctx context.Context, path string) (_ *Result, err error) {
	if _, err := os.Stat(path + DeleteSuffix); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrPendingRecovery, path+DeleteSuffix)
	}

	start := time.Now()
	target := path + CompactSuffix

	source := storage.NewFile(path, storage.WithLogger(c.logger))
	defer source.Close()

	res := &Result{}
	if res.SizeBefore, err = source.Size(); err != nil {
		return nil, err
	}
	holes, err := source.ReadHoles()
	if err != nil {
		return nil, fmt.Errorf("failed to read hole counter: %w", err)
	}
	res.HolesBefore = uint32(holes)
	c.metrics.RecordCompactionStart(ctx, res.SizeBefore, int64(res.HolesBefore))

	defer func() {
		c.metrics.RecordCompactionComplete(ctx, time.Since(start), res.SizeBefore, res.SizeAfter, res.Keys, err == nil)
		if err != nil {
			os.Remove(target)
		}
	}()

	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale %s: %w", target, err)
	}
	if _, err := storage.EnsureFile(target, nil); err != nil {
		return nil, err
	}

	out := storage.NewFile(target, storage.WithLogger(c.logger))
	defer out.Close()

	sess, err := bulk.Begin(out, c.tree.Codec(), c.bulkOpts...)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	err = c.tree.Scan(trie.NewFileSource(source, c.tree.Codec()), func(key string, value []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		res.Keys++
		return c.tree.Set(sess, key, value)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to copy %s: %w", path, err)
	}

	// An empty source still gets a root
	if empty, _ := sess.Empty(); empty {
		if _, err := sess.AppendNode(c.tree.Codec().NewNode()); err != nil {
			return nil, err
		}
	}
	if err := sess.Close(); err != nil {
		return nil, err
	}

	if res.SizeAfter, err = out.Size(); err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)

	c.logger.WithFields(map[string]interface{}{
		"keys":   res.Keys,
		"before": res.SizeBefore,
		"after":  res.SizeAfter,
		"holes":  res.HolesBefore,
	}).Info("rebuilt %s", path)
	return res, nil
}

// Swap replaces path with path.compact
func (c *Compactor) Swap(ctx context.Context, path string) (err error) {
	start := time.Now()
	defer func() {
		c.metrics.RecordSwap(ctx, time.Since(start), err == nil)
	}()

	doomed := path + DeleteSuffix
	if _, err := os.Stat(doomed); err == nil {
		return fmt.Errorf("%w: %s", ErrPendingRecovery, doomed)
	}

	if err := os.Rename(path, doomed); err != nil {
		return fmt.Errorf("failed to move original aside: %w", err)
	}
	if err := os.Rename(path+CompactSuffix, path); err != nil {
		if rerr := os.Rename(doomed, path); rerr != nil {
			c.logger.Error("failed to restore %s from %s: %v", path, doomed, rerr)
		}
		return fmt.Errorf("failed to install compacted file: %w", err)
	}
	if err := os.Remove(doomed); err != nil {
		return fmt.Errorf("failed to remove %s: %w", doomed, err)
	}
	return nil
}
