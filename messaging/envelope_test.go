package messaging

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/tauchat/conversation"
	"github.com/opd-ai/tauchat/dag"
	"github.com/opd-ai/tauchat/limits"
)

func sampleEnvelope() *Envelope {
	return &Envelope{
		Version:            EnvelopeVersion,
		Kind:               conversation.KindPicture,
		Timestamp:          time.Date(2026, 3, 4, 5, 6, 7, 8_000_000, time.UTC),
		Nonce:              42,
		LogicalGroupHash:   dag.Sum([]byte("thread")),
		ContentRoot:        dag.Sum([]byte("content")),
		PreviousAuthorRoot: dag.Sum([]byte("previous")),
		PeerLastSeenRoot:   dag.Sum([]byte("seen")),
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(e *Envelope)
	}{
		{"all fields", func(e *Envelope) {}},
		{"first in chain", func(e *Envelope) { e.PreviousAuthorRoot = dag.ZeroHash }},
		{"nothing seen", func(e *Envelope) { e.PeerLastSeenRoot = dag.ZeroHash }},
		{"default thread", func(e *Envelope) { e.LogicalGroupHash = dag.ZeroHash }},
		{"minimal", func(e *Envelope) {
			e.PreviousAuthorRoot = dag.ZeroHash
			e.PeerLastSeenRoot = dag.ZeroHash
			e.LogicalGroupHash = dag.ZeroHash
			e.Nonce = 0
			e.Kind = conversation.KindText
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := sampleEnvelope()
			tt.mutate(env)

			raw, err := env.Encode()
			require.NoError(t, err)
			assert.LessOrEqual(t, len(raw), limits.MaxEnvelopeSize)

			got, err := DecodeEnvelope(raw)
			require.NoError(t, err)
			assert.True(t, env.Timestamp.Truncate(time.Millisecond).Equal(got.Timestamp))
			got.Timestamp = env.Timestamp
			assert.Equal(t, env, got)

			addr, err := env.Address()
			require.NoError(t, err)
			assert.Equal(t, dag.Sum(raw), addr)
		})
	}
}

func TestEnvelopeEncodeRejectsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(e *Envelope)
	}{
		{"version", func(e *Envelope) { e.Version = 2 }},
		{"kind", func(e *Envelope) { e.Kind = 0 }},
		{"no content", func(e *Envelope) { e.ContentRoot = dag.ZeroHash }},
		{"before epoch", func(e *Envelope) { e.Timestamp = time.Unix(-10, 0) }},
		{"nonce range", func(e *Envelope) { e.Nonce = 1 << 63 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := sampleEnvelope()
			tt.mutate(env)
			_, err := env.Encode()
			assert.Error(t, err)
		})
	}
}

func TestDecodeEnvelopeRejectsMalformed(t *testing.T) {
	valid, err := sampleEnvelope().Encode()
	require.NoError(t, err)

	withByte := func(i int, b byte) []byte {
		cp := append([]byte(nil), valid...)
		cp[i] = b
		return cp
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", valid[:3]},
		{"tag", withByte(0, 0x01)},
		{"version", withByte(1, 9)},
		{"kind", withByte(2, 7)},
		{"flags", withByte(3, 0x80)},
		{"truncated", valid[:len(valid)-1]},
		{"trailing", append(append([]byte(nil), valid...), 0)},
		{"oversized", make([]byte, limits.MaxEnvelopeSize+1)},
		{"non-minimal varint", func() []byte {
			minimal, err := (&Envelope{
				Version:     EnvelopeVersion,
				Kind:        conversation.KindText,
				Timestamp:   time.UnixMilli(1),
				ContentRoot: dag.Sum([]byte("c")),
			}).Encode()
			require.NoError(t, err)
			// re-encode the timestamp 1 as two bytes
			out := append([]byte(nil), minimal[:4]...)
			out = append(out, 0x81, 0x00)
			return append(out, minimal[5:]...)
		}()},
		{"zero optional hash", func() []byte {
			e := sampleEnvelope()
			e.LogicalGroupHash = dag.ZeroHash
			e.PeerLastSeenRoot = dag.ZeroHash
			raw, err := e.Encode()
			require.NoError(t, err)
			raw[3] |= flagGroup
			return append(raw, make([]byte, limits.HashSize)...)
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEnvelope(tt.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedEnvelope))
			assert.True(t, errors.Is(err, dag.ErrCorruptNode))
		})
	}
}
