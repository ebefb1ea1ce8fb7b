package dht

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/opd-ai/tauchat/dag"
)

// DefaultCacheSize is the number of immutable records a CachedClient keeps.
const DefaultCacheSize = 4096

// CachedClient keeps recently seen immutable records in an LRU cache in front of another
// client. Immutable records never change, so cached entries need no invalidation. Mutable
// operations pass straight through.
type CachedClient struct {
	Client
	cache *lru.Cache[dag.Hash, []byte]
}

// NewCachedClient wraps inner with a cache of size entries (DefaultCacheSize when size <= 0).
func NewCachedClient(inner Client, size int) (*CachedClient, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[dag.Hash, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create dht cache: %w", err)
	}
	return &CachedClient{Client: inner, cache: cache}, nil
}

// PutImmutable publishes through the inner client and caches data once accepted.
func (c *CachedClient) PutImmutable(ctx context.Context, h dag.Hash, data []byte) error {
	err := c.Client.PutImmutable(ctx, h, data)
	if IsAccepted(err) {
		c.cache.Add(h, clone(data))
	}
	return err
}

// GetImmutable serves from the cache, then the inner client. Only records that hash to h
// are cached.
func (c *CachedClient) GetImmutable(ctx context.Context, h dag.Hash) ([]byte, error) {
	if data, ok := c.cache.Get(h); ok {
		return clone(data), nil
	}
	data, err := c.Client.GetImmutable(ctx, h)
	if err != nil {
		return nil, err
	}
	if dag.Sum(data) == h {
		c.cache.Add(h, clone(data))
	}
	return data, nil
}

// Len returns the number of cached records.
func (c *CachedClient) Len() int {
	return c.cache.Len()
}

func clone(b []byte) []byte {
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}
