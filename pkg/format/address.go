// Package format defines the on-disk encoding of a ctree file: the
// addressing modes, the alphabet that maps key characters to child slots,
// the fixed-width node record and the file header.
package format

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Address is a byte offset into a ctree file. NoAddress marks an absent
// child or value.
type Address int64

// NoAddress is the sentinel stored in empty child and content slots
const NoAddress Address = 0

// AddressingMode selects the on-disk width of every address in a file.
// It is fixed when the file is created.
type AddressingMode int

const (
	// Addressing32 stores addresses as 4-byte signed integers
	Addressing32 AddressingMode = 32
	// Addressing64 stores addresses as 8-byte signed integers
	Addressing64 AddressingMode = 64
)

// ParseAddressingMode accepts "32", "64" and the x86/x64 aliases
func ParseAddressingMode(s string) (AddressingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "32", "x86", "32bit":
		return Addressing32, nil
	case "64", "x64", "64bit":
		return Addressing64, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedAddressing, s)
	}
}

// Width returns the number of bytes used to store one address
func (m AddressingMode) Width() int {
	switch m {
	case Addressing32:
		return 4
	case Addressing64:
		return 8
	default:
		return 0
	}
}

// Valid reports whether m is a supported mode
func (m AddressingMode) Valid() bool {
	return m.Width() != 0
}

// MaxAddress returns the largest address representable in this mode
func (m AddressingMode) MaxAddress() Address {
	if m == Addressing32 {
		return math.MaxInt32
	}
	return math.MaxInt64
}

// String returns the string form accepted by ParseAddressingMode
func (m AddressingMode) String() string {
	switch m {
	case Addressing32:
		return "32"
	case Addressing64:
		return "64"
	default:
		return fmt.Sprintf("AddressingMode(%d)", int(m))
	}
}

// AddressCodec converts addresses to and from their fixed-width,
// little-endian on-disk form.
type AddressCodec struct {
	mode AddressingMode
}

// NewAddressCodec returns a codec for the given mode
func NewAddressCodec(mode AddressingMode) (AddressCodec, error) {
	if !mode.Valid() {
		return AddressCodec{}, fmt.Errorf("%w: %d", ErrUnsupportedAddressing, int(mode))
	}
	return AddressCodec{mode: mode}, nil
}

// Mode returns the addressing mode of the codec
func (c AddressCodec) Mode() AddressingMode {
	return c.mode
}

// Width returns the encoded size of one address
func (c AddressCodec) Width() int {
	return c.mode.Width()
}

// Check returns ErrAddressOverflow if addr cannot be stored in this mode
func (c AddressCodec) Check(addr Address) error {
	if addr < 0 || addr > c.mode.MaxAddress() {
		return fmt.Errorf("%w: %d exceeds %d-bit range", ErrAddressOverflow, addr, int(c.mode))
	}
	return nil
}

// Put encodes addr into the first Width() bytes of dst
func (c AddressCodec) Put(dst []byte, addr Address) error {
	if err := c.Check(addr); err != nil {
		return err
	}
	if c.mode == Addressing32 {
		binary.LittleEndian.PutUint32(dst, uint32(int32(addr)))
		return nil
	}
	binary.LittleEndian.PutUint64(dst, uint64(addr))
	return nil
}

// Get decodes the address stored at the start of src
func (c AddressCodec) Get(src []byte) Address {
	if c.mode == Addressing32 {
		return Address(int32(binary.LittleEndian.Uint32(src)))
	}
	return Address(int64(binary.LittleEndian.Uint64(src)))
}
