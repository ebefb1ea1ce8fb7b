package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSecretKeyMatchesGenerated(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	rebuilt, err := FromSecretKey(kp.Private)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, rebuilt.Public)

	_, err = FromSecretKey([32]byte{})
	assert.Error(t, err)
}

func TestPublicKeyFromHex(t *testing.T) {
	kp, _ := GenerateKeyPair()

	parsed, err := PublicKeyFromHex(hex.EncodeToString(kp.Public[:]))
	require.NoError(t, err)
	assert.Equal(t, kp.Public, parsed)

	_, err = PublicKeyFromHex("abcd")
	assert.Error(t, err)
	_, err = PublicKeyFromHex(hex.EncodeToString(make([]byte, 32)))
	assert.Error(t, err)
}

func TestWipeKeyPair(t *testing.T) {
	kp, _ := GenerateKeyPair()
	require.NoError(t, WipeKeyPair(kp))
	assert.Equal(t, [32]byte{}, kp.Private)
	assert.Error(t, WipeKeyPair(nil))
}
