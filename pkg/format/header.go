package format

import "encoding/binary"

const (
	// HeaderSize is the size of the file header holding the hole counter
	HeaderSize = 4
	// RootAddress is the fixed address of the root node
	RootAddress Address = HeaderSize
)

// EncodeHeader returns the header bytes for the given hole count
func EncodeHeader(holes int32) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf, uint32(holes))
	return buf
}

// DecodeHeader returns the hole count stored in a header
func DecodeHeader(buf []byte) int32 {
	return int32(binary.LittleEndian.Uint32(buf))
}
