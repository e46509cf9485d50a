package format

import "errors"

var (
	// ErrAddressOverflow is returned when an address does not fit the file's address width
	ErrAddressOverflow = errors.New("address overflows address width")
	// ErrUnsupportedAddressing is returned for an unknown addressing mode
	ErrUnsupportedAddressing = errors.New("unsupported addressing mode")
	// ErrEmptyAlphabet is returned when an alphabet has no symbols
	ErrEmptyAlphabet = errors.New("alphabet is empty")
	// ErrUnknownSymbol is returned when a key contains a character outside the alphabet
	ErrUnknownSymbol = errors.New("symbol not in alphabet")
	// ErrShortRecord is returned when a buffer is too small to hold a node record
	ErrShortRecord = errors.New("node record too short")
)
