package trie

import (
	"errors"
	"fmt"

	"github.com/KevoDB/ctree/pkg/format"
)

// ErrStopWalk can be returned by a walk callback to end the walk early
// without an error
var ErrStopWalk = errors.New("stop walk")

// WalkFunc is called for every node that holds a value
type WalkFunc func(key string, node *format.Node) error

// Walk visits src depth-first in alphabet order, parents before children,
// rebuilding each key from the symbols followed to reach it
func (t *Tree) Walk(src NodeSource, fn WalkFunc) error {
	empty, err := src.Empty()
	if err != nil {
		return err
	}
	if empty {
		return nil
	}

	key := make([]rune, 0, 16)
	err = t.walk(src, format.RootAddress, key, fn)
	if errors.Is(err, ErrStopWalk) {
		return nil
	}
	return err
}

func (t *Tree) walk(src NodeSource, addr format.Address, key []rune, fn WalkFunc) error {
	n, err := src.ReadNode(addr)
	if err != nil {
		return fmt.Errorf("failed to read node %d: %w", addr, err)
	}

	if n.HasContent() {
		if err := fn(string(key), n); err != nil {
			return err
		}
	}

	for i, child := range n.Children {
		if child == format.NoAddress {
			continue
		}
		if err := t.walk(src, child, append(key, t.alphabet.Symbol(i)), fn); err != nil {
			return err
		}
	}
	return nil
}

// Scan walks src and passes every key with its value to fn
func (t *Tree) Scan(src NodeSource, fn func(key string, value []byte) error) error {
	return t.Walk(src, func(key string, n *format.Node) error {
		v, err := src.ReadValue(n.ContentAddress, n.ContentLength)
		if err != nil {
			return fmt.Errorf("failed to read value of %q: %w", key, err)
		}
		return fn(key, v)
	})
}

// Keys returns every stored key in walk order
func (t *Tree) Keys(src NodeSource) ([]string, error) {
	var keys []string
	err := t.Walk(src, func(key string, _ *format.Node) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}
