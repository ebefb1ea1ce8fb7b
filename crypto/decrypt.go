package crypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrBadCiphertext is returned when a sealed payload cannot be authenticated.
// It is terminal for the payload: retrying with the same key cannot succeed.
var ErrBadCiphertext = errors.New("bad ciphertext")

// OpenConversation decrypts a payload produced by SealConversation.
func OpenConversation(key [32]byte, sealed []byte) ([]byte, error) {
	if len(sealed) < NonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: sealed payload too short (%d bytes)", ErrBadCiphertext, len(sealed))
	}

	var nonce [24]byte
	copy(nonce[:], sealed[:NonceSize])

	out, ok := secretbox.Open(nil, sealed[NonceSize:], &nonce, &key)
	if !ok {
		return nil, fmt.Errorf("%w: message authentication failed", ErrBadCiphertext)
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}
