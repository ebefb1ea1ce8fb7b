package dag

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"lukechampine.com/blake3"

	"github.com/opd-ai/tauchat/limits"
)

// Hash is a content address: the BLAKE3-256 digest of a block's bytes.
type Hash [limits.HashSize]byte

// ZeroHash marks an absent link.
var ZeroHash Hash

// Sum returns the content address of data.
func Sum(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// IsZero reports whether h is the absent link.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// String renders the hash in base58, the form used in logs and on the command line.
func (h Hash) String() string {
	if h.IsZero() {
		return "<nil>"
	}
	return base58.Encode(h[:])
}

// Short returns the first 8 hex characters, for log fields.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

// Bytes returns a copy of the hash bytes.
func (h Hash) Bytes() []byte {
	b := make([]byte, len(h))
	copy(b, h[:])
	return b
}

// ParseHash parses the base58 form produced by String.
func ParseHash(s string) (Hash, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return ZeroHash, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	return HashFromBytes(raw)
}

// HashFromBytes converts a raw 32-byte slice into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != len(h) {
		return ZeroHash, errors.New("invalid hash length")
	}
	copy(h[:], b)
	return h, nil
}

// MarshalText encodes the hash in base58. The zero hash encodes as an empty string.
func (h Hash) MarshalText() ([]byte, error) {
	if h.IsZero() {
		return []byte{}, nil
	}
	return []byte(base58.Encode(h[:])), nil
}

// UnmarshalText is the inverse of MarshalText.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*h = ZeroHash
		return nil
	}
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
