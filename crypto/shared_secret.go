package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// conversationKeyInfo separates conversation keys from any other use of the same DH output.
var conversationKeyInfo = []byte("tauchat conversation key v1")

// DeriveSharedSecret computes the raw X25519 shared secret between two parties.
func DeriveSharedSecret(peerPublicKey, privateKey [32]byte) ([32]byte, error) {
	var result [32]byte

	shared, err := curve25519.X25519(privateKey[:], peerPublicKey[:])
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "DeriveSharedSecret",
			"peer_key_prefix": fmt.Sprintf("%x", peerPublicKey[:8]),
			"error":           err.Error(),
		}).Error("X25519 computation failed")
		return result, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	copy(result[:], shared)
	ZeroBytes(shared)
	return result, nil
}

// DeriveConversationKey derives the symmetric key for the conversation between the owner of
// localSeed and the owner of peerPublicKey. The function is deterministic and symmetric:
// both parties derive the identical key regardless of role.
func DeriveConversationKey(localSeed, peerPublicKey [32]byte) ([32]byte, error) {
	var key [32]byte

	shared, err := DeriveSharedSecret(peerPublicKey, localSeed)
	if err != nil {
		return key, err
	}
	defer ZeroBytes(shared[:])

	r := hkdf.New(sha256.New, shared[:], nil, conversationKeyInfo)
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return [32]byte{}, fmt.Errorf("failed to expand conversation key: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":        "DeriveConversationKey",
		"peer_key_prefix": fmt.Sprintf("%x", peerPublicKey[:8]),
	}).Debug("Conversation key derived")

	return key, nil
}
