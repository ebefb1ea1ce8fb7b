// Package crypto implements the key exchange and payload cipher used by chat conversations.
//
// Every conversation between two peers uses one symmetric key. Both sides derive the same
// key from their own Curve25519 private key and the other side's public key, so no key
// material ever travels over the network:
//
//	key, err := crypto.DeriveConversationKey(self.Private, peerPublicKey)
//	if err != nil {
//	    return err
//	}
//	defer crypto.ZeroBytes(key[:])
//
//	sealed, err := crypto.SealConversation(key, plaintext)
//	...
//	plaintext, err := crypto.OpenConversation(key, sealed)
//	if errors.Is(err, crypto.ErrBadCiphertext) {
//	    // wrong key or tampered payload, never retried
//	}
//
// Sealing happens once over the whole logical payload before it is chunked into the DAG,
// and opening happens once over the reassembled payload. The sealed layout is
// nonce(24) || secretbox(plaintext), so sealing the same plaintext twice produces two
// different ciphertexts and therefore two different content roots.
//
// All functions are pure and hold no state. Temporary key material is wiped with
// [ZeroBytes] before returning.
package crypto
