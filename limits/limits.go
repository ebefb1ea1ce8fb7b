// Package limits provides centralized size limits for the chat DAG and envelopes.
// This ensures consistent validation across the chunker, the stores and the pipelines.
package limits

import (
	"errors"
	"fmt"
)

const (
	// FragmentSize is the maximum size of one content fragment (1000 bytes)
	FragmentSize = 1000

	// FanOut is the maximum number of fragment hashes bundled into one FragmentList
	FanOut = 40

	// HashSize is the size of a content address in bytes
	HashSize = 32

	// NonceSize is the size of the random nonce prepended to every sealed payload
	NonceSize = 24

	// EncryptionOverhead is the Poly1305 tag added by secretbox.Seal()
	EncryptionOverhead = 16 // golang.org/x/crypto/nacl/secretbox.Overhead

	// SealedOverhead is the total growth of a payload after sealing (nonce + tag)
	SealedOverhead = NonceSize + EncryptionOverhead

	// MaxTextPayload is the largest plaintext accepted for a TEXT message (64KB)
	MaxTextPayload = 64 * 1024

	// MaxPicturePayload is the largest plaintext accepted for a PICTURE message (16MB)
	MaxPicturePayload = 16 * 1024 * 1024

	// MaxPayloadSize is the largest sealed payload a reassembly may produce
	MaxPayloadSize = MaxPicturePayload + SealedOverhead

	// MaxFragments is the number of fragments needed for the largest payload
	MaxFragments = (MaxPayloadSize + FragmentSize - 1) / FragmentSize

	// MaxDagBlocks bounds how many DAG blocks one reassembly may visit.
	// Every fragment needs at most one link node or one list slot, plus the lists themselves.
	MaxDagBlocks = 2*MaxFragments + MaxFragments/FanOut + 1

	// MaxBlockSize is the largest encoded DAG block (a full FragmentList)
	MaxBlockSize = 1 + 10 + FanOut*HashSize

	// MaxEnvelopeSize is the largest encoded message envelope accepted from the network
	MaxEnvelopeSize = 1024

	// MaxChainWalk bounds how many envelopes one backward author-chain walk may load
	MaxChainWalk = 100000

	// MaxProcessingBuffer is the absolute maximum for any untrusted input (32MB)
	MaxProcessingBuffer = 32 * 1024 * 1024
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize checks a message against the given maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateTextPayload validates a TEXT plaintext against MaxTextPayload.
func ValidateTextPayload(payload []byte) error {
	if len(payload) == 0 {
		return ErrMessageEmpty
	}
	if len(payload) > MaxTextPayload {
		return fmt.Errorf("%w: text size %d exceeds limit %d", ErrMessageTooLarge, len(payload), MaxTextPayload)
	}
	return nil
}

// ValidatePicturePayload validates a PICTURE plaintext against MaxPicturePayload.
func ValidatePicturePayload(payload []byte) error {
	if len(payload) == 0 {
		return ErrMessageEmpty
	}
	if len(payload) > MaxPicturePayload {
		return fmt.Errorf("%w: picture size %d exceeds limit %d", ErrMessageTooLarge, len(payload), MaxPicturePayload)
	}
	return nil
}

// ValidateEnvelope validates an encoded envelope received from the network.
func ValidateEnvelope(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > MaxEnvelopeSize {
		return fmt.Errorf("%w: envelope size %d exceeds limit %d", ErrMessageTooLarge, len(data), MaxEnvelopeSize)
	}
	return nil
}

// ValidateProcessingBuffer validates data against the absolute maximum (MaxProcessingBuffer).
// This limit prevents memory exhaustion and should be used for all untrusted input.
func ValidateProcessingBuffer(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > MaxProcessingBuffer {
		return fmt.Errorf("%w: buffer size %d exceeds limit %d", ErrMessageTooLarge, len(data), MaxProcessingBuffer)
	}
	return nil
}
