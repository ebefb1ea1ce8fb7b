package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeEncoding(t *testing.T) {
	h := Sum([]byte("h"))
	v := Sum([]byte("v"))

	tests := []struct {
		name string
		node Node
		size int
	}{
		{"both links", Node{Horizontal: h, Vertical: v}, 66},
		{"horizontal only", Node{Horizontal: h}, 34},
		{"vertical only", Node{Vertical: v}, 34},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeNode(tt.node)
			require.NoError(t, err)
			assert.Len(t, data, tt.size)

			decoded, err := DecodeNode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.node, decoded)
		})
	}

	_, err := EncodeNode(Node{})
	assert.Error(t, err, "a node without links is a fragment, not a node")
}

func TestDecodeNodeCorrupt(t *testing.T) {
	valid, err := EncodeNode(Node{Horizontal: Sum([]byte("a")), Vertical: Sum([]byte("b"))})
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":          {},
		"one byte":       {tagNode},
		"wrong tag":      append([]byte{tagFragmentList}, valid[1:]...),
		"no flags":       {tagNode, 0x00},
		"unknown flag":   append([]byte{tagNode, 0x07}, valid[2:]...),
		"truncated":      valid[:len(valid)-1],
		"trailing bytes": append(append([]byte(nil), valid...), 0x00),
		"zero link":      append([]byte{tagNode, flagHorizontal}, make([]byte, 32)...),
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeNode(data)
			assert.ErrorIs(t, err, ErrCorruptNode)
		})
	}
}

func TestFragmentListEncoding(t *testing.T) {
	list := FragmentList{Sum([]byte("1")), Sum([]byte("2")), Sum([]byte("3"))}

	data, err := EncodeFragmentList(list)
	require.NoError(t, err)
	assert.Len(t, data, 1+1+3*32)

	decoded, err := DecodeFragmentList(data)
	require.NoError(t, err)
	assert.Equal(t, list, decoded)

	_, err = EncodeFragmentList(nil)
	assert.Error(t, err)
	_, err = EncodeFragmentList(make(FragmentList, 41))
	assert.Error(t, err)
}

func TestDecodeFragmentListCorrupt(t *testing.T) {
	valid, err := EncodeFragmentList(FragmentList{Sum([]byte("1")), Sum([]byte("2"))})
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":          {},
		"wrong tag":      append([]byte{tagNode}, valid[1:]...),
		"zero count":     {tagFragmentList, 0x00},
		"count too big":  {tagFragmentList, 41},
		"non-minimal":    append([]byte{tagFragmentList, 0x82, 0x00}, valid[2:]...),
		"short body":     valid[:len(valid)-5],
		"trailing bytes": append(append([]byte(nil), valid...), 0x01),
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeFragmentList(data)
			assert.ErrorIs(t, err, ErrCorruptNode)
		})
	}
}

func TestNodeAddressIsHashOfEncoding(t *testing.T) {
	data, err := EncodeNode(Node{Horizontal: Sum([]byte("frag"))})
	require.NoError(t, err)
	b := NewBlock(data)
	assert.Equal(t, Sum(data), b.Hash)
	assert.NotEqual(t, Sum([]byte("frag")), b.Hash)
}

func TestHashStringRoundTrip(t *testing.T) {
	h := Sum([]byte("content"))
	parsed, err := ParseHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	assert.Equal(t, "<nil>", ZeroHash.String())
	_, err = ParseHash("0OIl")
	assert.Error(t, err)
	_, err = HashFromBytes([]byte{1, 2})
	assert.Error(t, err)
}

func TestHashText(t *testing.T) {
	h := Sum([]byte("content"))
	text, err := h.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, h.String(), string(text))

	var back Hash
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, h, back)

	text, err = ZeroHash.MarshalText()
	require.NoError(t, err)
	assert.Empty(t, text)
	require.NoError(t, back.UnmarshalText(nil))
	assert.True(t, back.IsZero())

	assert.Error(t, back.UnmarshalText([]byte("0OIl")))
}
