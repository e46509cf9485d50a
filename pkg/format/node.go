package format

import (
	"encoding/binary"
	"fmt"
)

// ContentLengthSize is the encoded size of a node's content length field
const ContentLengthSize = 4

// Node is one trie record: a child address per alphabet symbol plus an
// optional pointer to the value stored at this node.
type Node struct {
	Children       []Address
	ContentAddress Address
	ContentLength  uint32
}

// HasContent reports whether a value is stored at this node
func (n *Node) HasContent() bool {
	return n.ContentAddress != NoAddress
}

// Clone returns a deep copy of n
func (n *Node) Clone() *Node {
	c := &Node{
		Children:       make([]Address, len(n.Children)),
		ContentAddress: n.ContentAddress,
		ContentLength:  n.ContentLength,
	}
	copy(c.Children, n.Children)
	return c
}

// NodeCodec encodes nodes for a fixed alphabet size and addressing mode.
//
// Record layout, all little-endian:
//
//	children[0..N-1]  N * width bytes
//	contentAddress    width bytes
//	contentLength     4 bytes
type NodeCodec struct {
	addr      AddressCodec
	fanout    int
	recordLen int
}

// NewNodeCodec returns a codec for nodes with fanout children
func NewNodeCodec(fanout int, mode AddressingMode) (*NodeCodec, error) {
	if fanout <= 0 {
		return nil, ErrEmptyAlphabet
	}
	addr, err := NewAddressCodec(mode)
	if err != nil {
		return nil, err
	}
	w := addr.Width()
	return &NodeCodec{
		addr:      addr,
		fanout:    fanout,
		recordLen: fanout*w + w + ContentLengthSize,
	}, nil
}

// RecordLength returns the encoded size of every node
func (c *NodeCodec) RecordLength() int {
	return c.recordLen
}

// Fanout returns the number of child slots per node
func (c *NodeCodec) Fanout() int {
	return c.fanout
}

// Addresses returns the address codec used for node fields
func (c *NodeCodec) Addresses() AddressCodec {
	return c.addr
}

// NewNode returns an empty node with all slots set to NoAddress
func (c *NodeCodec) NewNode() *Node {
	return &Node{Children: make([]Address, c.fanout)}
}

// Encode serializes n into a new buffer
func (c *NodeCodec) Encode(n *Node) ([]byte, error) {
	buf := make([]byte, c.recordLen)
	if err := c.EncodeTo(buf, n); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeTo serializes n into dst, which must be at least RecordLength bytes
func (c *NodeCodec) EncodeTo(dst []byte, n *Node) error {
	if len(dst) < c.recordLen {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrShortRecord, len(dst), c.recordLen)
	}
	if len(n.Children) != c.fanout {
		return fmt.Errorf("node has %d children, codec expects %d", len(n.Children), c.fanout)
	}

	w := c.addr.Width()
	for i, child := range n.Children {
		if err := c.addr.Put(dst[i*w:], child); err != nil {
			return err
		}
	}
	if err := c.addr.Put(dst[c.fanout*w:], n.ContentAddress); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(dst[(c.fanout+1)*w:], n.ContentLength)
	return nil
}

// Decode parses a node from the first RecordLength bytes of src
func (c *NodeCodec) Decode(src []byte) (*Node, error) {
	if len(src) < c.recordLen {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrShortRecord, len(src), c.recordLen)
	}

	w := c.addr.Width()
	n := &Node{Children: make([]Address, c.fanout)}
	for i := range n.Children {
		n.Children[i] = c.addr.Get(src[i*w:])
	}
	n.ContentAddress = c.addr.Get(src[c.fanout*w:])
	n.ContentLength = binary.LittleEndian.Uint32(src[(c.fanout+1)*w:])
	return n, nil
}
