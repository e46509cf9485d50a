package trie

import (
	"github.com/KevoDB/ctree/pkg/format"
	"github.com/KevoDB/ctree/pkg/storage"
)

// NodeSource is the read side of a tree: nodes and value blobs by address
type NodeSource interface {
	// ReadNode returns the node at addr. Callers may mutate the result.
	ReadNode(addr format.Address) (*format.Node, error)

	// ReadValue returns length bytes starting at addr
	ReadValue(addr format.Address, length uint32) ([]byte, error)

	// Empty reports whether the source holds no root node yet
	Empty() (bool, error)
}

// NodeWriter is a NodeSource that also accepts writes, normally a bulk
// session
type NodeWriter interface {
	NodeSource

	// AppendNode stores n at a fresh address and returns it
	AppendNode(n *format.Node) (format.Address, error)

	// AppendValue stores value at a fresh address and returns it
	AppendValue(value []byte) (format.Address, error)

	// RewriteNode replaces the whole record at addr
	RewriteNode(addr format.Address, n *format.Node) error

	// RewriteValue overwrites value bytes in place at addr
	RewriteValue(addr format.Address, value []byte) error

	// AddHoles accounts n more bytes of garbage
	AddHoles(n int64)
}

// FileSource reads nodes directly from a data file
type FileSource struct {
	file  *storage.File
	codec *format.NodeCodec
}

// NewFileSource returns a NodeSource over file
func NewFileSource(file *storage.File, codec *format.NodeCodec) *FileSource {
	return &FileSource{file: file, codec: codec}
}

// ReadNode implements NodeSource
func (s *FileSource) ReadNode(addr format.Address) (*format.Node, error) {
	buf := make([]byte, s.codec.RecordLength())
	if err := s.file.ReadAt(buf, int64(addr)); err != nil {
		return nil, err
	}
	return s.codec.Decode(buf)
}

// ReadValue implements NodeSource
func (s *FileSource) ReadValue(addr format.Address, length uint32) ([]byte, error) {
	buf := make([]byte, length)
	if length == 0 {
		return buf, nil
	}
	if err := s.file.ReadAt(buf, int64(addr)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Empty implements NodeSource
func (s *FileSource) Empty() (bool, error) {
	size, err := s.file.Size()
	if err != nil {
		return false, err
	}
	return size <= format.HeaderSize, nil
}
