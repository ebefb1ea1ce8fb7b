package dht

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tauchat/dag"
)

// DefaultRedisPrefix namespaces every key written by a RedisClient.
const DefaultRedisPrefix = "tauchat"

// RedisOptions configures a RedisClient.
type RedisOptions struct {
	// Prefix namespaces keys. Defaults to DefaultRedisPrefix.
	Prefix string
	// ImmutableTTL expires immutable records. Zero keeps them forever.
	ImmutableTTL time.Duration
}

// RedisClient uses a shared Redis deployment as the DHT. Every participant talking to the
// same Redis sees the same records, which makes it a small-scale relay for peers that cannot
// reach each other directly.
type RedisClient struct {
	rdb  redis.UniversalClient
	self PeerKey
	opts RedisOptions
}

var _ Client = (*RedisClient)(nil)

// NewRedisClient wraps rdb. The caller owns rdb and closes it.
func NewRedisClient(rdb redis.UniversalClient, self PeerKey, opts RedisOptions) *RedisClient {
	if opts.Prefix == "" {
		opts.Prefix = DefaultRedisPrefix
	}
	return &RedisClient{rdb: rdb, self: self, opts: opts}
}

func (c *RedisClient) immutableKey(h dag.Hash) string {
	return fmt.Sprintf("%s:imm:%s", c.opts.Prefix, hex.EncodeToString(h[:]))
}

func (c *RedisClient) mutableKey(owner PeerKey, salt string) string {
	return fmt.Sprintf("%s:mut:%s:%s", c.opts.Prefix, hex.EncodeToString(owner[:]), salt)
}

// Self returns the client's key.
func (c *RedisClient) Self() PeerKey {
	return c.self
}

// AdvertiseMutable overwrites the record under (Self(), salt).
func (c *RedisClient) AdvertiseMutable(ctx context.Context, salt string, value dag.Hash) error {
	if err := c.rdb.Set(ctx, c.mutableKey(c.self, salt), value[:], 0).Err(); err != nil {
		return fmt.Errorf("%w: advertise %s: %w", ErrUnavailable, salt, err)
	}
	return nil
}

// FetchMutable returns the record peer advertised under salt.
func (c *RedisClient) FetchMutable(ctx context.Context, peer PeerKey, salt string) (dag.Hash, error) {
	raw, err := c.rdb.Get(ctx, c.mutableKey(peer, salt)).Bytes()
	if errors.Is(err, redis.Nil) {
		return dag.ZeroHash, ErrNotFound
	}
	if err != nil {
		return dag.ZeroHash, fmt.Errorf("%w: fetch %s: %w", ErrUnavailable, salt, err)
	}

	v, err := dag.HashFromBytes(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "RedisClient.FetchMutable",
			"salt":     salt,
			"length":   len(raw),
		}).Warn("Ignoring malformed mutable record")
		return dag.ZeroHash, ErrNotFound
	}
	return v, nil
}

// PutImmutable stores data under h unless a record already exists.
func (c *RedisClient) PutImmutable(ctx context.Context, h dag.Hash, data []byte) error {
	if err := c.rdb.SetNX(ctx, c.immutableKey(h), data, c.opts.ImmutableTTL).Err(); err != nil {
		return fmt.Errorf("%w: put %s: %w", ErrUnavailable, h.Short(), err)
	}
	return nil
}

// GetImmutable returns the record stored under h.
func (c *RedisClient) GetImmutable(ctx context.Context, h dag.Hash) ([]byte, error) {
	data, err := c.rdb.Get(ctx, c.immutableKey(h)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", ErrUnavailable, h.Short(), err)
	}
	return data, nil
}
