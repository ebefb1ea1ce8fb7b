package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/tauchat/conversation"
	"github.com/opd-ai/tauchat/crypto"
	"github.com/opd-ai/tauchat/dag"
	"github.com/opd-ai/tauchat/dht"
	"github.com/opd-ai/tauchat/store"
)

// Deps are the collaborators shared by every worker.
type Deps struct {
	Keys          *crypto.KeyPair
	Content       store.ContentStore
	DHT           dht.Client
	Conversations conversation.Store
}

func (d Deps) validate() error {
	switch {
	case d.Keys == nil:
		return errors.New("key pair is required")
	case d.Content == nil:
		return errors.New("content store is required")
	case d.DHT == nil:
		return errors.New("dht client is required")
	case d.Conversations == nil:
		return errors.New("conversation store is required")
	}
	if d.DHT.Self() != d.Keys.Public {
		return errors.New("dht client key does not match the local key pair")
	}
	return nil
}

// core holds the state the workers share.
type core struct {
	Deps
	opts    *Options
	metrics *metrics
	// locks guards the author chain, confirmLocks the ConfirmationRoot advertisement
	locks        *peerLocks
	confirmLocks *peerLocks

	keyMu sync.Mutex
	keys  map[conversation.PeerKey]*[32]byte
}

func newCore(deps Deps, opts *Options) (*core, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return &core{
		Deps:         deps,
		opts:         opts,
		metrics:      m,
		locks:        newPeerLocks(),
		confirmLocks: newPeerLocks(),
		keys:         make(map[conversation.PeerKey]*[32]byte),
	}, nil
}

func (c *core) self() conversation.PeerKey {
	return c.Keys.Public
}

// conversationKey returns the symmetric key shared with peer, deriving it once.
func (c *core) conversationKey(peer conversation.PeerKey) ([32]byte, error) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if k, ok := c.keys[peer]; ok {
		return *k, nil
	}
	k, err := crypto.DeriveConversationKey(c.Keys.Private, peer)
	if err != nil {
		return [32]byte{}, err
	}
	c.keys[peer] = &k
	return k, nil
}

// wipeKeys clears every cached conversation key.
func (c *core) wipeKeys() {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	for peer, k := range c.keys {
		crypto.ZeroBytes(k[:])
		delete(c.keys, peer)
	}
}

// opContext bounds a single store or DHT call.
func (c *core) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.OperationTimeout)
}

// loadEnvelope fetches and decodes the envelope at h through the content store.
func (c *core) loadEnvelope(ctx context.Context, h dag.Hash) (*Envelope, []byte, error) {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	raw, err := c.Content.Get(opCtx, h)
	if err != nil {
		return nil, nil, err
	}
	if dag.Sum(raw) != h {
		return nil, nil, fmt.Errorf("%w: envelope %s", store.ErrHashMismatch, h.Short())
	}
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return nil, raw, err
	}
	return env, raw, nil
}

// peerLocks serialises author-chain updates per conversation.
type peerLocks struct {
	mu    sync.Mutex
	locks map[conversation.PeerKey]*sync.Mutex
}

func newPeerLocks() *peerLocks {
	return &peerLocks{locks: make(map[conversation.PeerKey]*sync.Mutex)}
}

// lock acquires the mutex of peer and returns its release function.
func (l *peerLocks) lock(peer conversation.PeerKey) func() {
	l.mu.Lock()
	m, ok := l.locks[peer]
	if !ok {
		m = &sync.Mutex{}
		l.locks[peer] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
