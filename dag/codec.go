package dag

import (
	"errors"
	"fmt"

	"github.com/multiformats/go-varint"

	"github.com/opd-ai/tauchat/limits"
)

var (
	// ErrCorruptNode indicates malformed DAG bytes or a block that does not match its address
	ErrCorruptNode = errors.New("corrupt dag node")
	// ErrCycle indicates a link block was reached twice during one walk
	ErrCycle = fmt.Errorf("%w: cycle detected", ErrCorruptNode)
)

const (
	tagNode         byte = 0x01
	tagFragmentList byte = 0x02

	flagHorizontal byte = 0x01
	flagVertical   byte = 0x02
)

// Node is a chunk-link block with an optional horizontal and vertical pointer.
// A zero Hash means the pointer is absent.
type Node struct {
	Horizontal Hash
	Vertical   Hash
}

// FragmentList is an ordered list of fragment hashes.
type FragmentList []Hash

// Block is one addressed unit ready for the content store.
type Block struct {
	Hash Hash
	Data []byte
}

// NewBlock addresses data.
func NewBlock(data []byte) Block {
	return Block{Hash: Sum(data), Data: data}
}

// EncodeNode converts a node to its canonical bytes.
// Format: [tag(1)][flags(1)][horizontal(32)?][vertical(32)?]
func EncodeNode(n Node) ([]byte, error) {
	var flags byte
	size := 2
	if !n.Horizontal.IsZero() {
		flags |= flagHorizontal
		size += limits.HashSize
	}
	if !n.Vertical.IsZero() {
		flags |= flagVertical
		size += limits.HashSize
	}
	if flags == 0 {
		return nil, errors.New("node has no links")
	}

	data := make([]byte, 2, size)
	data[0] = tagNode
	data[1] = flags
	if flags&flagHorizontal != 0 {
		data = append(data, n.Horizontal[:]...)
	}
	if flags&flagVertical != 0 {
		data = append(data, n.Vertical[:]...)
	}
	return data, nil
}

// DecodeNode parses bytes produced by EncodeNode.
func DecodeNode(data []byte) (Node, error) {
	var n Node
	if len(data) < 2 {
		return n, fmt.Errorf("%w: node data too short: %d bytes", ErrCorruptNode, len(data))
	}
	if data[0] != tagNode {
		return n, fmt.Errorf("%w: unexpected tag 0x%02x", ErrCorruptNode, data[0])
	}

	flags := data[1]
	if flags == 0 || flags&^(flagHorizontal|flagVertical) != 0 {
		return n, fmt.Errorf("%w: invalid flags 0x%02x", ErrCorruptNode, flags)
	}

	expected := 2
	if flags&flagHorizontal != 0 {
		expected += limits.HashSize
	}
	if flags&flagVertical != 0 {
		expected += limits.HashSize
	}
	if len(data) != expected {
		return n, fmt.Errorf("%w: node length %d, expected %d", ErrCorruptNode, len(data), expected)
	}

	offset := 2
	if flags&flagHorizontal != 0 {
		copy(n.Horizontal[:], data[offset:offset+limits.HashSize])
		offset += limits.HashSize
	}
	if flags&flagVertical != 0 {
		copy(n.Vertical[:], data[offset:offset+limits.HashSize])
	}

	// a present pointer must not decode to the absent value
	if (flags&flagHorizontal != 0 && n.Horizontal.IsZero()) || (flags&flagVertical != 0 && n.Vertical.IsZero()) {
		return Node{}, fmt.Errorf("%w: zero hash in present link", ErrCorruptNode)
	}
	return n, nil
}

// EncodeFragmentList converts a list to its canonical bytes.
// Format: [tag(1)][uvarint count][count x hash(32)]
func EncodeFragmentList(list FragmentList) ([]byte, error) {
	if len(list) == 0 || len(list) > limits.FanOut {
		return nil, fmt.Errorf("fragment list size %d out of range 1..%d", len(list), limits.FanOut)
	}

	count := varint.ToUvarint(uint64(len(list)))
	data := make([]byte, 0, 1+len(count)+len(list)*limits.HashSize)
	data = append(data, tagFragmentList)
	data = append(data, count...)
	for _, h := range list {
		if h.IsZero() {
			return nil, errors.New("fragment list contains zero hash")
		}
		data = append(data, h[:]...)
	}
	return data, nil
}

// DecodeFragmentList parses bytes produced by EncodeFragmentList.
func DecodeFragmentList(data []byte) (FragmentList, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: fragment list too short: %d bytes", ErrCorruptNode, len(data))
	}
	if data[0] != tagFragmentList {
		return nil, fmt.Errorf("%w: unexpected tag 0x%02x", ErrCorruptNode, data[0])
	}

	count, n, err := varint.FromUvarint(data[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: bad fragment count: %v", ErrCorruptNode, err)
	}
	if count == 0 || count > limits.FanOut {
		return nil, fmt.Errorf("%w: fragment count %d out of range", ErrCorruptNode, count)
	}

	body := data[1+n:]
	if uint64(len(body)) != count*limits.HashSize {
		return nil, fmt.Errorf("%w: fragment list length %d, expected %d", ErrCorruptNode, len(body), count*limits.HashSize)
	}

	list := make(FragmentList, count)
	for i := range list {
		copy(list[i][:], body[i*limits.HashSize:(i+1)*limits.HashSize])
		if list[i].IsZero() {
			return nil, fmt.Errorf("%w: zero hash at index %d", ErrCorruptNode, i)
		}
	}
	return list, nil
}
