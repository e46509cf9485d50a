package format

import (
	"fmt"
	"strings"
	"unicode"
)

// Alphabet maps the characters allowed in keys to dense child indices.
// Symbols are stored lowercased since keys are lowercased before lookup.
type Alphabet struct {
	symbols []rune
	index   map[rune]int
}

// NewAlphabet builds an alphabet from letters, keeping the first
// occurrence of each symbol
func NewAlphabet(letters string) (*Alphabet, error) {
	a := &Alphabet{index: make(map[rune]int)}
	for _, r := range letters {
		r = unicode.ToLower(r)
		if _, ok := a.index[r]; ok {
			continue
		}
		a.index[r] = len(a.symbols)
		a.symbols = append(a.symbols, r)
	}
	if len(a.symbols) == 0 {
		return nil, ErrEmptyAlphabet
	}
	return a, nil
}

// Size returns the number of symbols
func (a *Alphabet) Size() int {
	return len(a.symbols)
}

// IndexOf returns the child slot for r
func (a *Alphabet) IndexOf(r rune) (int, error) {
	i, ok := a.index[r]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSymbol, r)
	}
	return i, nil
}

// Symbol returns the character for child slot i
func (a *Alphabet) Symbol(i int) rune {
	return a.symbols[i]
}

// Resolve lowercases key and maps every character to its child slot.
// Nothing is returned unless the whole key is valid.
func (a *Alphabet) Resolve(key string) ([]int, error) {
	key = strings.ToLower(key)
	path := make([]int, 0, len(key))
	for _, r := range key {
		i, err := a.IndexOf(r)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		path = append(path, i)
	}
	return path, nil
}

// String returns the symbols in index order
func (a *Alphabet) String() string {
	return string(a.symbols)
}
