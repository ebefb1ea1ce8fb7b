package dag

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/tauchat/limits"
)

var errMissing = errors.New("missing block")

// mapGetter is an in-memory block source for tests.
type mapGetter struct {
	mu     sync.Mutex
	blocks map[Hash][]byte
	gets   int
}

func newMapGetter(blocks []Block) *mapGetter {
	g := &mapGetter{blocks: make(map[Hash][]byte)}
	for _, b := range blocks {
		g.blocks[b.Hash] = b.Data
	}
	return g
}

func (g *mapGetter) Get(_ context.Context, h Hash) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gets++
	data, ok := g.blocks[h]
	if !ok {
		return nil, errMissing
	}
	return data, nil
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// TestChunkTextScenario covers a 3,500 byte payload at a 1,000 byte fragment limit.
func TestChunkTextScenario(t *testing.T) {
	payload := randomBytes(t, 3500)

	res, err := NewChunker().ChunkText(payload)
	require.NoError(t, err)

	assert.Equal(t, 4, res.Fragments)
	assert.Equal(t, 4, res.Nodes)
	assert.Equal(t, 0, res.Lists)
	assert.Len(t, res.Blocks, 8)
	assert.False(t, res.Root.IsZero())

	// the root is the node holding the first fragment
	var rootData []byte
	for _, b := range res.Blocks {
		if b.Hash == res.Root {
			rootData = b.Data
		}
	}
	require.NotNil(t, rootData)
	root, err := DecodeNode(rootData)
	require.NoError(t, err)
	assert.Equal(t, Sum(payload[:1000]), root.Horizontal)
	assert.False(t, root.Vertical.IsZero())

	got, err := Reassemble(context.Background(), newMapGetter(res.Blocks), LayoutLinear, res.Root)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestChunkTextTerminalNodeHasNoVertical(t *testing.T) {
	res, err := NewChunker().ChunkText([]byte("one fragment"))
	require.NoError(t, err)
	require.Equal(t, 1, res.Nodes)

	g := newMapGetter(res.Blocks)
	data, err := g.Get(context.Background(), res.Root)
	require.NoError(t, err)
	node, err := DecodeNode(data)
	require.NoError(t, err)
	assert.True(t, node.Vertical.IsZero())
}

func TestChunkPictureFanOut(t *testing.T) {
	payload := randomBytes(t, 85*limits.FragmentSize-10)

	res, err := NewChunker().ChunkPicture(bytes.NewReader(payload))
	require.NoError(t, err)

	assert.Equal(t, 85, res.Fragments)
	assert.Equal(t, 3, res.Lists) // 40 + 40 + 5
	assert.Equal(t, 3, res.Nodes)

	got, err := Reassemble(context.Background(), newMapGetter(res.Blocks), LayoutFanOut, res.Root)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

// TestRoundTripAllSizes reassembles payloads across fragment sizes and fan-outs.
func TestRoundTripAllSizes(t *testing.T) {
	sizes := []int{1, 2, 7, 999, 1000, 1001, 4000, 41 * 13}
	fragSizes := []int{1, 13, 100, limits.FragmentSize}
	fanOuts := []int{1, 3, limits.FanOut}

	for _, size := range sizes {
		payload := randomBytes(t, size)
		for _, fs := range fragSizes {
			for _, fo := range fanOuts {
				c := &Chunker{FragmentSize: fs, FanOut: fo}

				text, err := c.Chunk(LayoutLinear, payload)
				require.NoError(t, err)
				got, err := Reassemble(context.Background(), newMapGetter(text.Blocks), LayoutLinear, text.Root)
				require.NoError(t, err)
				require.Equal(t, payload, got, "linear size=%d frag=%d", size, fs)

				pic, err := c.Chunk(LayoutFanOut, payload)
				require.NoError(t, err)
				got, err = Reassemble(context.Background(), newMapGetter(pic.Blocks), LayoutFanOut, pic.Root)
				require.NoError(t, err)
				require.Equal(t, payload, got, "fan-out size=%d frag=%d fan=%d", size, fs, fo)
			}
		}
	}
}

func TestChunkerRejectsBadInput(t *testing.T) {
	_, err := NewChunker().ChunkText(nil)
	assert.ErrorIs(t, err, ErrEmptyPayload)

	_, err = NewChunker().ChunkPicture(bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrEmptyPayload)

	_, err = (&Chunker{FragmentSize: limits.FragmentSize + 1, FanOut: 1}).ChunkText([]byte("x"))
	assert.Error(t, err)

	_, err = (&Chunker{FragmentSize: 10, FanOut: limits.FanOut + 1}).ChunkText([]byte("x"))
	assert.Error(t, err)
}

func TestReassembleMissingBlock(t *testing.T) {
	res, err := NewChunker().ChunkText(randomBytes(t, 2500))
	require.NoError(t, err)

	g := newMapGetter(res.Blocks)
	delete(g.blocks, res.Blocks[1].Hash) // second fragment

	_, err = Reassemble(context.Background(), g, LayoutLinear, res.Root)
	assert.ErrorIs(t, err, errMissing)
	assert.NotErrorIs(t, err, ErrCorruptNode)
}

func TestReassembleRejectsSubstitutedBlock(t *testing.T) {
	res, err := NewChunker().ChunkText(randomBytes(t, 1500))
	require.NoError(t, err)

	g := newMapGetter(res.Blocks)
	g.blocks[res.Blocks[0].Hash] = []byte("forged")

	_, err = Reassemble(context.Background(), g, LayoutLinear, res.Root)
	assert.ErrorIs(t, err, ErrCorruptNode)
}

func TestReassembleWrongLayout(t *testing.T) {
	res, err := NewChunker().ChunkText(randomBytes(t, 1500))
	require.NoError(t, err)

	// the horizontal links are raw fragments, not fragment lists
	_, err = Reassemble(context.Background(), newMapGetter(res.Blocks), LayoutFanOut, res.Root)
	assert.ErrorIs(t, err, ErrCorruptNode)
}

func TestReassembleDetectsCycle(t *testing.T) {
	self := Sum([]byte("node key"))
	frag := Sum([]byte("fragment key"))
	nodeData, err := EncodeNode(Node{Horizontal: frag, Vertical: self})
	require.NoError(t, err)

	g := &mapGetter{blocks: map[Hash][]byte{
		self: nodeData,
		frag: []byte("x"),
	}}

	w := newWalker(g)
	w.verify = false
	_, err = w.run(context.Background(), LayoutLinear, self)
	assert.ErrorIs(t, err, ErrCycle)
	assert.ErrorIs(t, err, ErrCorruptNode)
}

func TestReassembleTraversalBudget(t *testing.T) {
	res, err := (&Chunker{FragmentSize: 1, FanOut: 1}).ChunkText(randomBytes(t, 50))
	require.NoError(t, err)

	w := newWalker(newMapGetter(res.Blocks))
	w.budget = 20
	_, err = w.run(context.Background(), LayoutLinear, res.Root)
	assert.ErrorIs(t, err, ErrCorruptNode)
}

func TestReassembleHonoursContext(t *testing.T) {
	res, err := NewChunker().ChunkText(randomBytes(t, 10))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Reassemble(ctx, newMapGetter(res.Blocks), LayoutLinear, res.Root)
	assert.ErrorIs(t, err, context.Canceled)
}
