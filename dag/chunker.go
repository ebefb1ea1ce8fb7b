package dag

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/opd-ai/tauchat/limits"
)

// ErrEmptyPayload is returned when there is nothing to chunk.
var ErrEmptyPayload = errors.New("empty payload")

// Layout tells the reassembly walk what the horizontal links of a chain point at.
type Layout uint8

const (
	// LayoutLinear chains point directly at fragments (text payloads)
	LayoutLinear Layout = iota
	// LayoutFanOut chains point at FragmentLists (picture payloads)
	LayoutFanOut
)

// String returns a readable layout name.
func (l Layout) String() string {
	switch l {
	case LayoutLinear:
		return "linear"
	case LayoutFanOut:
		return "fan-out"
	default:
		return fmt.Sprintf("layout(%d)", uint8(l))
	}
}

// Result is the output of one chunking run.
type Result struct {
	Root      Hash
	Blocks    []Block
	Fragments int
	Lists     int
	Nodes     int
}

// Chunker splits sealed payloads into fragments and links them.
type Chunker struct {
	FragmentSize int
	FanOut       int
}

// NewChunker returns a chunker with the protocol defaults.
func NewChunker() *Chunker {
	return &Chunker{
		FragmentSize: limits.FragmentSize,
		FanOut:       limits.FanOut,
	}
}

func (c *Chunker) validate() error {
	if c.FragmentSize <= 0 || c.FragmentSize > limits.FragmentSize {
		return fmt.Errorf("fragment size %d out of range 1..%d", c.FragmentSize, limits.FragmentSize)
	}
	if c.FanOut <= 0 || c.FanOut > limits.FanOut {
		return fmt.Errorf("fan-out %d out of range 1..%d", c.FanOut, limits.FanOut)
	}
	return nil
}

// Chunk dispatches on layout.
func (c *Chunker) Chunk(layout Layout, sealed []byte) (*Result, error) {
	switch layout {
	case LayoutLinear:
		return c.ChunkText(sealed)
	case LayoutFanOut:
		return c.ChunkPicture(bytes.NewReader(sealed))
	default:
		return nil, fmt.Errorf("unknown layout %v", layout)
	}
}

// ChunkText splits the payload into fragments and links one Node per fragment.
func (c *Chunker) ChunkText(sealed []byte) (*Result, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	if len(sealed) == 0 {
		return nil, ErrEmptyPayload
	}

	res := &Result{}
	var heads []Hash
	for offset := 0; offset < len(sealed); offset += c.FragmentSize {
		end := offset + c.FragmentSize
		if end > len(sealed) {
			end = len(sealed)
		}
		frag := make([]byte, end-offset)
		copy(frag, sealed[offset:end])

		b := NewBlock(frag)
		res.Blocks = append(res.Blocks, b)
		res.Fragments++
		heads = append(heads, b.Hash)
	}

	root, err := c.link(res, heads)
	if err != nil {
		return nil, err
	}
	res.Root = root
	return res, nil
}

// ChunkPicture streams the payload in fragments, bundles every FanOut fragment hashes into a
// FragmentList and links one Node per list.
func (c *Chunker) ChunkPicture(r io.Reader) (*Result, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	res := &Result{}
	var lists []Hash
	pending := make(FragmentList, 0, c.FanOut)

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		data, err := EncodeFragmentList(pending)
		if err != nil {
			return err
		}
		b := NewBlock(data)
		res.Blocks = append(res.Blocks, b)
		res.Lists++
		lists = append(lists, b.Hash)
		pending = make(FragmentList, 0, c.FanOut)
		return nil
	}

	buf := make([]byte, c.FragmentSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			frag := make([]byte, n)
			copy(frag, buf[:n])
			b := NewBlock(frag)
			res.Blocks = append(res.Blocks, b)
			res.Fragments++
			pending = append(pending, b.Hash)

			if len(pending) == c.FanOut {
				if err := flush(); err != nil {
					return nil, err
				}
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
	}

	if err := flush(); err != nil {
		return nil, err
	}
	if res.Fragments == 0 {
		return nil, ErrEmptyPayload
	}

	root, err := c.link(res, lists)
	if err != nil {
		return nil, err
	}
	res.Root = root
	return res, nil
}

// link builds the node chain in reverse: the last entry gets a node without a vertical
// link, every earlier node points vertically at its successor. The first node is the root.
func (c *Chunker) link(res *Result, heads []Hash) (Hash, error) {
	var next Hash
	for i := len(heads) - 1; i >= 0; i-- {
		data, err := EncodeNode(Node{Horizontal: heads[i], Vertical: next})
		if err != nil {
			return ZeroHash, err
		}
		b := NewBlock(data)
		res.Blocks = append(res.Blocks, b)
		res.Nodes++
		next = b.Hash
	}
	return next, nil
}
