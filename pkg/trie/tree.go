// Package trie implements lookup, upsert and depth-first walks over a
// fixed-alphabet radix tree stored as fixed-size node records.
//
// Keys are lowercased and every character must belong to the alphabet.
// A value that grows is appended at a fresh address and its old bytes
// become holes; a value that shrinks or keeps its length is overwritten in
// place and the difference becomes holes. Holes are reclaimed only by
// compaction.
package trie

import (
	"errors"
	"fmt"
	"math"

	"github.com/KevoDB/ctree/pkg/format"
)

var (
	// ErrValueTooLarge is returned for values that do not fit the 32-bit
	// content length field
	ErrValueTooLarge = errors.New("value too large")
	// ErrMisplacedRoot is returned when a synthesized root does not land
	// at the fixed root address
	ErrMisplacedRoot = errors.New("root node not at root address")
)

// Tree runs traversals for one alphabet and node layout. It holds no
// file state and is safe for concurrent use.
type Tree struct {
	alphabet *format.Alphabet
	codec    *format.NodeCodec
}

// New returns a Tree over alphabet and codec
func New(alphabet *format.Alphabet, codec *format.NodeCodec) (*Tree, error) {
	if alphabet.Size() != codec.Fanout() {
		return nil, fmt.Errorf("alphabet has %d symbols, node codec expects %d", alphabet.Size(), codec.Fanout())
	}
	return &Tree{alphabet: alphabet, codec: codec}, nil
}

// Alphabet returns the key alphabet
func (t *Tree) Alphabet() *format.Alphabet {
	return t.alphabet
}

// Codec returns the node codec
func (t *Tree) Codec() *format.NodeCodec {
	return t.codec
}

// Get looks key up in src. A missing key is reported as found == false
// with a nil error.
func (t *Tree) Get(src NodeSource, key string) ([]byte, bool, error) {
	return t.traverse(src, nil, key, nil)
}

// Set stores value under key
func (t *Tree) Set(dst NodeWriter, key string, value []byte) error {
	if uint64(len(value)) > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(value))
	}
	_, _, err := t.traverse(dst, dst, key, value)
	return err
}

// traverse walks key from the root. With a nil writer it is a lookup that
// stops at the first missing child; otherwise it creates missing nodes and
// stores value at the terminal node.
func (t *Tree) traverse(src NodeSource, w NodeWriter, key string, value []byte) ([]byte, bool, error) {
	path, err := t.alphabet.Resolve(key)
	if err != nil {
		return nil, false, err
	}

	current, err := t.root(src, w)
	if err != nil || current == nil {
		return nil, false, err
	}
	addr := format.RootAddress

	for _, idx := range path {
		child := current.Children[idx]
		if child == format.NoAddress {
			if w == nil {
				return nil, false, nil
			}
			child, err = w.AppendNode(t.codec.NewNode())
			if err != nil {
				return nil, false, fmt.Errorf("failed to append node: %w", err)
			}
			current.Children[idx] = child
			if err := w.RewriteNode(addr, current); err != nil {
				return nil, false, fmt.Errorf("failed to link node %d: %w", addr, err)
			}
		}

		current, err = src.ReadNode(child)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read node %d: %w", child, err)
		}
		addr = child
	}

	if w == nil {
		if !current.HasContent() {
			return nil, false, nil
		}
		v, err := src.ReadValue(current.ContentAddress, current.ContentLength)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read value at %d: %w", current.ContentAddress, err)
		}
		return v, true, nil
	}

	if err := t.store(w, addr, current, value); err != nil {
		return nil, false, err
	}
	return nil, true, nil
}

func (t *Tree) root(src NodeSource, w NodeWriter) (*format.Node, error) {
	empty, err := src.Empty()
	if err != nil {
		return nil, err
	}
	if !empty {
		n, err := src.ReadNode(format.RootAddress)
		if err != nil {
			return nil, fmt.Errorf("failed to read root: %w", err)
		}
		return n, nil
	}
	if w == nil {
		return nil, nil
	}

	root := t.codec.NewNode()
	addr, err := w.AppendNode(root)
	if err != nil {
		return nil, fmt.Errorf("failed to append root: %w", err)
	}
	if addr != format.RootAddress {
		return nil, fmt.Errorf("%w: appended at %d", ErrMisplacedRoot, addr)
	}
	return root, nil
}

// store writes value at the terminal node n living at addr
func (t *Tree) store(w NodeWriter, addr format.Address, n *format.Node, value []byte) error {
	newLen := uint32(len(value))

	if !n.HasContent() || newLen > n.ContentLength {
		if n.HasContent() {
			w.AddHoles(int64(n.ContentLength))
		}
		valueAddr, err := w.AppendValue(value)
		if err != nil {
			return fmt.Errorf("failed to append value: %w", err)
		}
		n.ContentAddress = valueAddr
	} else {
		if err := w.RewriteValue(n.ContentAddress, value); err != nil {
			return fmt.Errorf("failed to rewrite value at %d: %w", n.ContentAddress, err)
		}
		w.AddHoles(int64(n.ContentLength - newLen))
	}
	n.ContentLength = newLen

	if err := w.RewriteNode(addr, n); err != nil {
		return fmt.Errorf("failed to rewrite node %d: %w", addr, err)
	}
	return nil
}
