// Package store implements the content store: an immutable key/value store whose keys are
// the content addresses of their values.
//
// Writing the same block twice is a no-op, so workers share a store without locking.
// Three implementations are provided:
//
//   - MemoryStore: mutex-guarded map with a capacity limit, for tests and light clients.
//   - BadgerStore: persistent store on an embedded BadgerDB, sharing the database with the
//     conversation store under its own key prefix.
//   - Tiered: a local store backed by the DHT, filling the local store on remote hits.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/opd-ai/tauchat/dag"
)

var (
	// ErrNotFound indicates no block is stored under the requested address
	ErrNotFound = errors.New("block not found")
	// ErrHashMismatch indicates a block whose bytes do not hash to its key
	ErrHashMismatch = errors.New("block does not match its address")
	// ErrStorageFull indicates the store is at capacity
	ErrStorageFull = errors.New("storage full")
)

// ContentStore is the local+DHT backed block store consumed by the pipelines.
type ContentStore interface {
	// Put stores data under h. Storing identical data again is a no-op.
	Put(ctx context.Context, h dag.Hash, data []byte) error
	// Get returns the data stored under h, or ErrNotFound.
	Get(ctx context.Context, h dag.Hash) ([]byte, error)
}

// PutBlocks writes every block, stopping at the first failure.
func PutBlocks(ctx context.Context, s ContentStore, blocks []dag.Block) error {
	for _, b := range blocks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Put(ctx, b.Hash, b.Data); err != nil {
			return fmt.Errorf("failed to store block %s: %w", b.Hash.Short(), err)
		}
	}
	return nil
}

// checkAddress rejects data that is not addressed by h.
func checkAddress(h dag.Hash, data []byte) error {
	if dag.Sum(data) != h {
		return fmt.Errorf("%w: %s", ErrHashMismatch, h.Short())
	}
	return nil
}
