package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tauchat/dag"
)

// blockPrefix isolates content blocks from other users of the same database.
var blockPrefix = []byte("b/")

// BadgerOptions configures OpenBadger.
type BadgerOptions struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps the database in memory only.
	InMemory bool
	// SyncWrites fsyncs every write.
	SyncWrites bool
}

// OpenBadger opens the embedded database shared by the content and conversation stores.
func OpenBadger(opts BadgerOptions) (*badger.DB, error) {
	var bo badger.Options
	if opts.InMemory {
		bo = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, errors.New("badger path is required")
		}
		bo = badger.DefaultOptions(opts.Path)
	}
	bo = bo.WithSyncWrites(opts.SyncWrites).
		WithLogger(logrus.WithField("component", "badger"))

	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", opts.Path, err)
	}
	return db, nil
}

// BadgerStore keeps blocks in a BadgerDB under the "b/" prefix.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore wraps an open database. The caller owns db and closes it.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func blockKey(h dag.Hash) []byte {
	key := make([]byte, 0, len(blockPrefix)+len(h))
	key = append(key, blockPrefix...)
	return append(key, h[:]...)
}

// Put stores data under h unless it is already present.
func (s *BadgerStore) Put(ctx context.Context, h dag.Hash, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkAddress(h, data); err != nil {
		return err
	}

	key := blockKey(h)
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
}

// Get returns the block stored under h.
func (s *BadgerStore) Get(ctx context.Context, h dag.Hash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(h))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
