package dht

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tauchat/dag"
)

type mutableKey struct {
	owner PeerKey
	salt  string
}

// Network is an in-process DHT shared by any number of MemoryClients. It stands in for the
// real DHT in tests and single-process deployments.
type Network struct {
	mu        sync.RWMutex
	immutable map[dag.Hash][]byte
	mutable   map[mutableKey]dag.Hash
}

// NewNetwork creates an empty in-process DHT.
func NewNetwork() *Network {
	return &Network{
		immutable: make(map[dag.Hash][]byte),
		mutable:   make(map[mutableKey]dag.Hash),
	}
}

// Join returns a client bound to the network that advertises under self.
func (n *Network) Join(self PeerKey) *MemoryClient {
	logrus.WithFields(logrus.Fields{
		"function": "Network.Join",
		"peer":     fmt.Sprintf("%x", self[:4]),
	}).Debug("Peer joined in-process DHT")

	return &MemoryClient{
		network: n,
		self:    self,
		failing: make(map[Op]int),
		counts:  make(map[Op]int),
	}
}

// Len returns the number of immutable and mutable records held.
func (n *Network) Len() (immutable, mutable int) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.immutable), len(n.mutable)
}

func (n *Network) putImmutable(h dag.Hash, data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.immutable[h]; ok {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	n.immutable[h] = cp
}

func (n *Network) getImmutable(h dag.Hash) ([]byte, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	data, ok := n.immutable[h]
	if !ok {
		return nil, false
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, true
}

func (n *Network) setMutable(k mutableKey, v dag.Hash) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mutable[k] = v
}

func (n *Network) getMutable(k mutableKey) (dag.Hash, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.mutable[k]
	return v, ok
}

// Op names a client operation for fault injection and accounting.
type Op int

const (
	OpPutImmutable Op = iota
	OpGetImmutable
	OpAdvertise
	OpFetch
)

// String returns the operation name.
func (o Op) String() string {
	switch o {
	case OpPutImmutable:
		return "put_immutable"
	case OpGetImmutable:
		return "get_immutable"
	case OpAdvertise:
		return "advertise"
	case OpFetch:
		return "fetch"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

type pendingWrite struct {
	immutable bool
	hash      dag.Hash
	data      []byte
	salt      string
}

// MemoryClient is one participant of a Network. Faults can be injected per operation, and
// the client can be switched into a queueing mode where writes are held back until Flush.
type MemoryClient struct {
	network *Network
	self    PeerKey

	mu      sync.Mutex
	offline bool
	queue   bool
	pending []pendingWrite
	failing map[Op]int
	counts  map[Op]int
}

var _ Client = (*MemoryClient)(nil)

// Self returns the client's key.
func (c *MemoryClient) Self() PeerKey {
	return c.self
}

// SetOffline makes every operation fail with ErrUnavailable until cleared.
func (c *MemoryClient) SetOffline(offline bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offline = offline
}

// FailNext makes the next n calls of op fail with ErrUnavailable.
func (c *MemoryClient) FailNext(op Op, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing[op] = n
}

// SetQueueing holds writes back and answers them with ErrQueued. Leaving queueing mode
// flushes everything held.
func (c *MemoryClient) SetQueueing(queue bool) {
	c.mu.Lock()
	c.queue = queue
	c.mu.Unlock()
	if !queue {
		c.Flush()
	}
}

// Flush publishes every queued write to the network and returns how many there were.
func (c *MemoryClient) Flush() int {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, w := range pending {
		if w.immutable {
			c.network.putImmutable(w.hash, w.data)
		} else {
			c.network.setMutable(mutableKey{owner: c.self, salt: w.salt}, w.hash)
		}
	}

	if len(pending) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "MemoryClient.Flush",
			"writes":   len(pending),
		}).Debug("Flushed queued DHT writes")
	}
	return len(pending)
}

// Calls returns how many times op was invoked, failed calls included.
func (c *MemoryClient) Calls(op Op) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[op]
}

// begin records the call and applies injected faults. It reports whether the write must be
// queued instead of applied.
func (c *MemoryClient) begin(ctx context.Context, op Op) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.counts[op]++
	if c.offline {
		return false, fmt.Errorf("%w: %s while offline", ErrUnavailable, op)
	}
	if c.failing[op] > 0 {
		c.failing[op]--
		return false, fmt.Errorf("%w: injected %s failure", ErrUnavailable, op)
	}
	return c.queue, nil
}

func (c *MemoryClient) enqueue(w pendingWrite) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, w)
}

// AdvertiseMutable publishes value under (Self(), salt).
func (c *MemoryClient) AdvertiseMutable(ctx context.Context, salt string, value dag.Hash) error {
	queued, err := c.begin(ctx, OpAdvertise)
	if err != nil {
		return err
	}
	if queued {
		c.enqueue(pendingWrite{hash: value, salt: salt})
		return ErrQueued
	}
	c.network.setMutable(mutableKey{owner: c.self, salt: salt}, value)
	return nil
}

// FetchMutable returns the value peer advertised under salt.
func (c *MemoryClient) FetchMutable(ctx context.Context, peer PeerKey, salt string) (dag.Hash, error) {
	if _, err := c.begin(ctx, OpFetch); err != nil {
		return dag.ZeroHash, err
	}
	v, ok := c.network.getMutable(mutableKey{owner: peer, salt: salt})
	if !ok {
		return dag.ZeroHash, ErrNotFound
	}
	return v, nil
}

// PutImmutable publishes data under h.
func (c *MemoryClient) PutImmutable(ctx context.Context, h dag.Hash, data []byte) error {
	queued, err := c.begin(ctx, OpPutImmutable)
	if err != nil {
		return err
	}
	if queued {
		cp := make([]byte, len(data))
		copy(cp, data)
		c.enqueue(pendingWrite{immutable: true, hash: h, data: cp})
		return ErrQueued
	}
	c.network.putImmutable(h, data)
	return nil
}

// GetImmutable returns the data stored under h.
func (c *MemoryClient) GetImmutable(ctx context.Context, h dag.Hash) ([]byte, error) {
	if _, err := c.begin(ctx, OpGetImmutable); err != nil {
		return nil, err
	}
	data, ok := c.network.getImmutable(h)
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}
