package crypto

import (
	"crypto/rand"

	"golang.org/x/crypto/nacl/secretbox"
)

// NonceSize is the length of the nonce prefix of a sealed payload.
const NonceSize = 24

// Nonce is a 24-byte value used for encryption.
type Nonce [NonceSize]byte

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// SealConversation encrypts a whole payload with the conversation key.
// The result is nonce || secretbox(plaintext) and is safe to chunk and publish.
func SealConversation(key [32]byte, plaintext []byte) ([]byte, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+secretbox.Overhead)
	copy(out, nonce[:])
	return secretbox.Seal(out, plaintext, (*[24]byte)(&nonce), &key), nil
}
