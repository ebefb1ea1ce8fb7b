package messaging

import (
	"errors"
	"fmt"
	"time"

	"github.com/multiformats/go-varint"

	"github.com/opd-ai/tauchat/conversation"
	"github.com/opd-ai/tauchat/dag"
	"github.com/opd-ai/tauchat/limits"
)

// EnvelopeVersion is the only envelope version this package produces and accepts.
const EnvelopeVersion = 1

const (
	tagEnvelope byte = 0x03

	flagGroup    byte = 0x01
	flagPrevious byte = 0x02
	flagLastSeen byte = 0x04
	knownFlags        = flagGroup | flagPrevious | flagLastSeen
)

// ErrMalformedEnvelope indicates envelope bytes that do not decode.
var ErrMalformedEnvelope = fmt.Errorf("%w: malformed envelope", dag.ErrCorruptNode)

// Envelope is the immutable header published for every message. Its address is the hash of
// its encoding, and PreviousAuthorRoot links it to the author's previous envelope for the
// same peer.
type Envelope struct {
	Version   uint8
	Kind      conversation.Kind
	Timestamp time.Time
	Nonce     uint64
	// LogicalGroupHash identifies the chat thread. Zero means the default thread.
	LogicalGroupHash dag.Hash
	// ContentRoot is the root node of the encrypted content DAG.
	ContentRoot dag.Hash
	// PreviousAuthorRoot is the author's previous envelope to this peer, zero for the first.
	PreviousAuthorRoot dag.Hash
	// PeerLastSeenRoot is the newest envelope the author had received from the peer.
	PeerLastSeenRoot dag.Hash
}

// Encode converts the envelope to its canonical bytes.
// Format: [tag(1)][version(1)][kind(1)][flags(1)][uvarint unix ms][uvarint nonce]
// [content root(32)][group(32)?][previous(32)?][last seen(32)?]
func (e *Envelope) Encode() ([]byte, error) {
	if e.Version != EnvelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version %d", e.Version)
	}
	if !e.Kind.Valid() {
		return nil, fmt.Errorf("invalid envelope kind %d", e.Kind)
	}
	if e.ContentRoot.IsZero() {
		return nil, errors.New("envelope has no content root")
	}
	ms := e.Timestamp.UnixMilli()
	if ms < 0 {
		return nil, fmt.Errorf("envelope timestamp %s before epoch", e.Timestamp)
	}
	if e.Nonce > varint.MaxValueUvarint63 {
		return nil, fmt.Errorf("envelope nonce %d out of range", e.Nonce)
	}

	var flags byte
	optional := make([]dag.Hash, 0, 3)
	if !e.LogicalGroupHash.IsZero() {
		flags |= flagGroup
		optional = append(optional, e.LogicalGroupHash)
	}
	if !e.PreviousAuthorRoot.IsZero() {
		flags |= flagPrevious
		optional = append(optional, e.PreviousAuthorRoot)
	}
	if !e.PeerLastSeenRoot.IsZero() {
		flags |= flagLastSeen
		optional = append(optional, e.PeerLastSeenRoot)
	}

	data := make([]byte, 0, 4+2*varint.MaxLenUvarint63+(1+len(optional))*limits.HashSize)
	data = append(data, tagEnvelope, e.Version, byte(e.Kind), flags)
	data = append(data, varint.ToUvarint(uint64(ms))...)
	data = append(data, varint.ToUvarint(e.Nonce)...)
	data = append(data, e.ContentRoot[:]...)
	for _, h := range optional {
		data = append(data, h[:]...)
	}
	return data, nil
}

// Address returns the content address of the encoded envelope.
func (e *Envelope) Address() (dag.Hash, error) {
	data, err := e.Encode()
	if err != nil {
		return dag.ZeroHash, err
	}
	return dag.Sum(data), nil
}

// DecodeEnvelope parses bytes produced by Encode. Any deviation from the canonical form is
// rejected so that every envelope has exactly one address.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) > limits.MaxEnvelopeSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrMalformedEnvelope, len(data), limits.MaxEnvelopeSize)
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: too short: %d bytes", ErrMalformedEnvelope, len(data))
	}
	if data[0] != tagEnvelope {
		return nil, fmt.Errorf("%w: unexpected tag 0x%02x", ErrMalformedEnvelope, data[0])
	}
	if data[1] != EnvelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedEnvelope, data[1])
	}
	kind := conversation.Kind(data[2])
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformedEnvelope, data[2])
	}
	flags := data[3]
	if flags&^knownFlags != 0 {
		return nil, fmt.Errorf("%w: unknown flags 0x%02x", ErrMalformedEnvelope, flags)
	}

	rest := data[4:]
	ms, n, err := varint.FromUvarint(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp: %v", ErrMalformedEnvelope, err)
	}
	if ms > 1<<62 {
		return nil, fmt.Errorf("%w: timestamp out of range", ErrMalformedEnvelope)
	}
	rest = rest[n:]
	nonce, n, err := varint.FromUvarint(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: bad nonce: %v", ErrMalformedEnvelope, err)
	}
	rest = rest[n:]

	e := &Envelope{
		Version:   data[1],
		Kind:      kind,
		Timestamp: time.UnixMilli(int64(ms)).UTC(),
		Nonce:     nonce,
	}

	targets := []*dag.Hash{&e.ContentRoot}
	if flags&flagGroup != 0 {
		targets = append(targets, &e.LogicalGroupHash)
	}
	if flags&flagPrevious != 0 {
		targets = append(targets, &e.PreviousAuthorRoot)
	}
	if flags&flagLastSeen != 0 {
		targets = append(targets, &e.PeerLastSeenRoot)
	}
	if len(rest) != len(targets)*limits.HashSize {
		return nil, fmt.Errorf("%w: %d trailing bytes, expected %d", ErrMalformedEnvelope, len(rest), len(targets)*limits.HashSize)
	}
	for i, t := range targets {
		copy(t[:], rest[i*limits.HashSize:(i+1)*limits.HashSize])
		if t.IsZero() {
			return nil, fmt.Errorf("%w: zero hash in field %d", ErrMalformedEnvelope, i)
		}
	}
	return e, nil
}
