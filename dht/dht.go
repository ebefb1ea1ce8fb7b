// Package dht defines the boundary to the distributed hash table the messaging core publishes
// into, plus the implementations shipped with the module.
//
// The DHT offers two kinds of records:
//
//   - immutable records, addressed by the content hash of their bytes, holding DAG blocks and
//     envelopes;
//   - mutable records, addressed by (publisher key, salt), holding a single hash that the
//     publisher may overwrite. They carry the newest author root ("author/<peer>") and the
//     ConfirmationRoot ("confirm/<peer>").
//
// Only the owner of a key can advertise under it, so AdvertiseMutable writes under Self().
package dht

import (
	"context"
	"encoding/hex"
	"errors"

	"github.com/opd-ai/tauchat/dag"
)

var (
	// ErrNotFound indicates the DHT holds no record under the requested key
	ErrNotFound = errors.New("dht record not found")
	// ErrQueued indicates a write was accepted locally but has not reached the network yet.
	// It is not a failure: the client republishes queued writes on its own.
	ErrQueued = errors.New("dht write queued")
	// ErrUnavailable indicates the DHT could not be reached
	ErrUnavailable = errors.New("dht unavailable")
)

// PeerKey is the 32-byte public key identifying a DHT participant.
type PeerKey = [32]byte

// Client is the DHT engine consumed by the publish, confirmation and sync workers.
type Client interface {
	// Self returns the key mutable records are advertised under.
	Self() PeerKey
	// AdvertiseMutable publishes value under (Self(), salt), replacing the previous value.
	AdvertiseMutable(ctx context.Context, salt string, value dag.Hash) error
	// FetchMutable returns the value peer advertised under salt, or ErrNotFound.
	FetchMutable(ctx context.Context, peer PeerKey, salt string) (dag.Hash, error)
	// PutImmutable publishes data under its content address.
	PutImmutable(ctx context.Context, h dag.Hash, data []byte) error
	// GetImmutable returns the data stored under h, or ErrNotFound.
	GetImmutable(ctx context.Context, h dag.Hash) ([]byte, error)
}

const (
	authorSaltPrefix  = "author/"
	confirmSaltPrefix = "confirm/"
)

// SaltAuthor is the salt an author advertises its newest envelope for peer under.
func SaltAuthor(peer PeerKey) string {
	return authorSaltPrefix + hex.EncodeToString(peer[:])
}

// SaltConfirm is the salt a receiver advertises its ConfirmationRoot for peer under.
func SaltConfirm(peer PeerKey) string {
	return confirmSaltPrefix + hex.EncodeToString(peer[:])
}

// IsAccepted reports whether err from a DHT write means the write went through, either
// directly or by being queued.
func IsAccepted(err error) bool {
	return err == nil || errors.Is(err, ErrQueued)
}
