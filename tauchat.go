package tauchat

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/tauchat/conversation"
	"github.com/opd-ai/tauchat/crypto"
	"github.com/opd-ai/tauchat/dht"
	"github.com/opd-ai/tauchat/messaging"
	"github.com/opd-ai/tauchat/store"
)

// StorageType selects where blocks and conversations are kept.
type StorageType uint8

const (
	// StorageMemory keeps everything in process memory.
	StorageMemory StorageType = iota
	// StorageBadger persists to a badger database under DataDir.
	StorageBadger
)

func (t StorageType) String() string {
	switch t {
	case StorageMemory:
		return "memory"
	case StorageBadger:
		return "badger"
	default:
		return fmt.Sprintf("storage(%d)", uint8(t))
	}
}

// DHTType selects the DHT client implementation.
type DHTType uint8

const (
	// DHTMemory joins an in-process network.
	DHTMemory DHTType = iota
	// DHTRedis uses a redis server as the shared record store.
	DHTRedis
)

func (t DHTType) String() string {
	switch t {
	case DHTMemory:
		return "memory"
	case DHTRedis:
		return "redis"
	default:
		return fmt.Sprintf("dht(%d)", uint8(t))
	}
}

// Options contains configuration options for a chat node.
type Options struct {
	// SecretKey restores an existing identity. A zero key generates a new one.
	SecretKey [32]byte

	StorageType StorageType
	DataDir     string
	SyncWrites  bool

	DHTType DHTType
	// Network is the in-process network joined with DHTMemory. Nil creates a private one.
	Network      *dht.Network
	RedisAddr    string
	RedisPrefix  string
	ImmutableTTL time.Duration
	// BlockCacheSize is the LRU size for immutable DHT reads. Zero disables the cache.
	BlockCacheSize int

	// ConnectTimeout bounds the initial redis ping.
	ConnectTimeout time.Duration

	Messaging *messaging.Options
}

// NewOptions creates a new default options.
func NewOptions() *Options {
	return &Options{
		StorageType:    StorageMemory,
		DHTType:        DHTMemory,
		RedisAddr:      "127.0.0.1:6379",
		RedisPrefix:    "tauchat",
		BlockCacheSize: dht.DefaultCacheSize,
		ConnectTimeout: 5 * time.Second,
		Messaging:      messaging.DefaultOptions(),
	}
}

// Node is one chat participant: its identity, stores, DHT client and messaging manager.
type Node struct {
	options *Options
	keyPair *crypto.KeyPair
	manager *messaging.Manager

	content       store.ContentStore
	conversations conversation.Store
	client        dht.Client

	// closers run in reverse order on Close
	closers []func() error
}

// New creates a chat node from options. A nil options uses NewOptions.
func New(options *Options) (*Node, error) {
	if options == nil {
		options = NewOptions()
	}

	keyPair, err := loadKeyPair(options.SecretKey)
	if err != nil {
		return nil, err
	}

	n := &Node{options: options, keyPair: keyPair}
	if err := n.setup(); err != nil {
		n.closeAll()
		crypto.WipeKeyPair(keyPair)
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"self":     conversation.ShortPeer(keyPair.Public),
		"storage":  options.StorageType.String(),
		"dht":      options.DHTType.String(),
	}).Info("Chat node created")
	return n, nil
}

func loadKeyPair(secret [32]byte) (*crypto.KeyPair, error) {
	if secret == ([32]byte{}) {
		return crypto.GenerateKeyPair()
	}
	return crypto.FromSecretKey(secret)
}

func (n *Node) setup() error {
	local, err := n.setupStorage()
	if err != nil {
		return err
	}
	if err := n.setupDHT(); err != nil {
		return err
	}
	n.content = store.NewTiered(local, n.client)

	n.manager, err = messaging.NewManager(messaging.Deps{
		Keys:          n.keyPair,
		Content:       n.content,
		DHT:           n.client,
		Conversations: n.conversations,
	}, n.options.Messaging)
	if err != nil {
		return err
	}
	n.closers = append(n.closers, func() error {
		n.manager.Close()
		return nil
	})
	return nil
}

func (n *Node) setupStorage() (store.ContentStore, error) {
	switch n.options.StorageType {
	case StorageMemory:
		n.conversations = conversation.NewMemoryStore()
		return store.NewMemoryStore(0), nil
	case StorageBadger:
		db, err := store.OpenBadger(store.BadgerOptions{
			Path:       n.options.DataDir,
			SyncWrites: n.options.SyncWrites,
		})
		if err != nil {
			return nil, err
		}
		n.closers = append(n.closers, db.Close)
		return n.badgerStores(db)
	default:
		return nil, fmt.Errorf("unknown storage type %d", n.options.StorageType)
	}
}

// badgerStores puts blocks and conversations in the same database; their key spaces do
// not overlap.
func (n *Node) badgerStores(db *badger.DB) (store.ContentStore, error) {
	convs, err := conversation.NewBadgerStore(db)
	if err != nil {
		return nil, err
	}
	n.closers = append(n.closers, convs.Close)
	n.conversations = convs
	return store.NewBadgerStore(db), nil
}

func (n *Node) setupDHT() error {
	var client dht.Client
	switch n.options.DHTType {
	case DHTMemory:
		network := n.options.Network
		if network == nil {
			network = dht.NewNetwork()
		}
		client = network.Join(n.keyPair.Public)
	case DHTRedis:
		rdb := redis.NewClient(&redis.Options{Addr: n.options.RedisAddr})
		n.closers = append(n.closers, rdb.Close)

		ctx, cancel := context.WithTimeout(context.Background(), n.options.ConnectTimeout)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", n.options.RedisAddr, err)
		}
		client = dht.NewRedisClient(rdb, n.keyPair.Public, dht.RedisOptions{
			Prefix:       n.options.RedisPrefix,
			ImmutableTTL: n.options.ImmutableTTL,
		})
	default:
		return fmt.Errorf("unknown dht type %d", n.options.DHTType)
	}

	if n.options.BlockCacheSize > 0 {
		cached, err := dht.NewCachedClient(client, n.options.BlockCacheSize)
		if err != nil {
			return err
		}
		client = cached
	}
	n.client = client
	return nil
}

// Manager returns the messaging manager.
func (n *Node) Manager() *messaging.Manager {
	return n.manager
}

// SelfPublicKey returns the node's public key.
func (n *Node) SelfPublicKey() [32]byte {
	return n.keyPair.Public
}

// SelfPublicKeyHex returns the node's public key as hex, the form peers exchange.
func (n *Node) SelfPublicKeyHex() string {
	return hex.EncodeToString(n.keyPair.Public[:])
}

// SecretKey returns the private key for persisting the identity.
func (n *Node) SecretKey() [32]byte {
	return n.keyPair.Private
}

// Start launches the messaging workers.
func (n *Node) Start(ctx context.Context) {
	n.manager.Start(ctx)
}

// Close stops the workers, wipes key material and releases the stores.
func (n *Node) Close() error {
	err := n.closeAll()
	if wipeErr := crypto.WipeKeyPair(n.keyPair); wipeErr != nil {
		err = multierr.Append(err, wipeErr)
	}
	return err
}

func (n *Node) closeAll() error {
	var errs error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
	}
	n.closers = nil
	return errs
}
