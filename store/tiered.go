package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tauchat/dag"
)

// Remote is the immutable half of a DHT client.
type Remote interface {
	GetImmutable(ctx context.Context, h dag.Hash) ([]byte, error)
}

// Tiered reads from a local store first and falls back to the DHT. Remote hits are
// verified against their address and written to the local store.
type Tiered struct {
	local  ContentStore
	remote Remote
}

// NewTiered creates a local-first store.
func NewTiered(local ContentStore, remote Remote) *Tiered {
	return &Tiered{local: local, remote: remote}
}

// Put writes to the local store only. Network publication is the pipeline's job.
func (t *Tiered) Put(ctx context.Context, h dag.Hash, data []byte) error {
	return t.local.Put(ctx, h, data)
}

// Get returns the block from the local store, or fetches it from the DHT.
func (t *Tiered) Get(ctx context.Context, h dag.Hash) ([]byte, error) {
	data, err := t.local.Get(ctx, h)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, ErrNotFound) || t.remote == nil {
		return nil, err
	}

	data, err = t.remote.GetImmutable(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("%w: remote lookup of %s: %w", ErrNotFound, h.Short(), err)
	}
	if err := checkAddress(h, data); err != nil {
		return nil, err
	}

	if err := t.local.Put(ctx, h, data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Tiered.Get",
			"hash":     h.Short(),
			"error":    err.Error(),
		}).Warn("Failed to cache remote block locally")
	}
	return data, nil
}
