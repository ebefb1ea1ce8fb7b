package conversation

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tauchat/dag"
)

var (
	messagePrefix      = []byte("m/")
	hashIndexPrefix    = []byte("h/")
	logPrefix          = []byte("l/")
	conversationPrefix = []byte("c/")
	logSequenceKey     = []byte("s/log")
)

// maxConflictRetries bounds retries of transactions that lost an optimistic conflict.
const maxConflictRetries = 32

// BadgerStore persists conversations in a BadgerDB. Values are JSON documents under
// single-letter key prefixes; the content store shares the database under its own prefix.
type BadgerStore struct {
	*Hub
	db  *badger.DB
	seq *badger.Sequence
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore opens the conversation store on db. The caller owns db; Close releases
// only what the store itself holds.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	seq, err := db.GetSequence(logSequenceKey, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to open log sequence: %w", err)
	}
	return &BadgerStore{Hub: NewHub(), db: db, seq: seq}, nil
}

// Close releases the log sequence lease.
func (s *BadgerStore) Close() error {
	return s.seq.Release()
}

func key(prefix []byte, parts ...[]byte) []byte {
	n := len(prefix)
	for _, p := range parts {
		n += len(p)
	}
	k := make([]byte, 0, n)
	k = append(k, prefix...)
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}

func messageKey(id uuid.UUID) []byte { return key(messagePrefix, id[:]) }
func hashKey(h dag.Hash) []byte      { return key(hashIndexPrefix, h[:]) }
func convKey(p PeerKey) []byte       { return key(conversationPrefix, p[:]) }

func logKey(h dag.Hash, seq uint64) []byte {
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], seq)
	return key(logPrefix, h[:], s[:])
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"function": "BadgerStore.update",
			"attempt":  attempt + 1,
		}).Debug("Retrying conflicting transaction")
	}
	return err
}

func getJSON(txn *badger.Txn, k []byte, v any) error {
	item, err := txn.Get(k)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(k, data)
}

func exists(txn *badger.Txn, k []byte) (bool, error) {
	_, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Insert stores a new message.
func (s *BadgerStore) Insert(ctx context.Context, msg *ChatMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	err := s.update(ctx, func(txn *badger.Txn) error {
		found, err := exists(txn, messageKey(msg.ID))
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("message %s already exists", msg.ID)
		}
		if !msg.Hash.IsZero() {
			if err := s.indexHash(txn, msg); err != nil {
				return err
			}
		}
		return setJSON(txn, messageKey(msg.ID), msg)
	})
	if err != nil {
		return err
	}
	s.Publish(Event{Message: msg, Change: changeOf(nil, msg, time.Now())})
	return nil
}

func (s *BadgerStore) indexHash(txn *badger.Txn, msg *ChatMessage) error {
	found, err := exists(txn, hashKey(msg.Hash))
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: %s", ErrDuplicateHash, msg.Hash.Short())
	}
	return txn.Set(hashKey(msg.Hash), msg.ID[:])
}

// Update replaces a stored message.
func (s *BadgerStore) Update(ctx context.Context, msg *ChatMessage) error {
	var change *StatusChange
	err := s.update(ctx, func(txn *badger.Txn) error {
		var stored ChatMessage
		if err := getJSON(txn, messageKey(msg.ID), &stored); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: message %s", ErrNotFound, msg.ID)
			}
			return err
		}
		if err := checkTransition(&stored, msg); err != nil {
			return err
		}
		if stored.Hash.IsZero() && !msg.Hash.IsZero() {
			if err := s.indexHash(txn, msg); err != nil {
				return err
			}
		}
		change = changeOf(&stored, msg, time.Now())
		return setJSON(txn, messageKey(msg.ID), msg)
	})
	if err != nil {
		return err
	}
	s.Publish(Event{Message: msg, Change: change})
	return nil
}

// Get returns the message with id.
func (s *BadgerStore) Get(ctx context.Context, id uuid.UUID) (*ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var m ChatMessage
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, messageKey(id), &m)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetByHash returns the message whose envelope address is h.
func (s *BadgerStore) GetByHash(ctx context.Context, h dag.Hash) (*ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var m ChatMessage
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(hashKey(h))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		id, err := uuid.FromBytes(raw)
		if err != nil {
			return fmt.Errorf("corrupt hash index for %s: %w", h.Short(), err)
		}
		return getJSON(txn, messageKey(id), &m)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: hash %s", ErrNotFound, h.Short())
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// scan decodes every value under prefix, calling fn for each.
func (s *BadgerStore) scan(ctx context.Context, prefix []byte, fn func(val []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) filter(ctx context.Context, keep func(*ChatMessage) bool) ([]*ChatMessage, error) {
	var out []*ChatMessage
	err := s.scan(ctx, messagePrefix, func(val []byte) error {
		var m ChatMessage
		if err := json.Unmarshal(val, &m); err != nil {
			return err
		}
		if keep(&m) {
			out = append(out, &m)
		}
		return nil
	})
	return out, err
}

// ListConversation returns every message exchanged with peer, oldest first.
func (s *BadgerStore) ListConversation(ctx context.Context, peer PeerKey) ([]*ChatMessage, error) {
	out, err := s.filter(ctx, func(m *ChatMessage) bool { return m.Peer == peer })
	if err != nil {
		return nil, err
	}
	sortMessages(out)
	return out, nil
}

// ListUnsent returns every unflagged UNSENT message by peer and nonce.
func (s *BadgerStore) ListUnsent(ctx context.Context) ([]*ChatMessage, error) {
	out, err := s.filter(ctx, isUnsent)
	if err != nil {
		return nil, err
	}
	sortUnsent(out)
	return out, nil
}

// PeersWithUnconfirmed returns every peer with a QUEUED or SENT message.
func (s *BadgerStore) PeersWithUnconfirmed(ctx context.Context) ([]PeerKey, error) {
	msgs, err := s.filter(ctx, isUnconfirmed)
	if err != nil {
		return nil, err
	}
	seen := make(map[PeerKey]bool)
	var peers []PeerKey
	for _, m := range msgs {
		if !seen[m.Peer] {
			seen[m.Peer] = true
			peers = append(peers, m.Peer)
		}
	}
	sortPeers(peers)
	return peers, nil
}

// AppendLog appends a delivery log row.
func (s *BadgerStore) AppendLog(ctx context.Context, entry LogEntry) error {
	seq, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate log sequence: %w", err)
	}
	// badger sequences start at zero
	entry.Seq = seq + 1
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, logKey(entry.Hash, entry.Seq), entry)
	})
}

// Logs returns the rows recorded for h in append order.
func (s *BadgerStore) Logs(ctx context.Context, h dag.Hash) ([]LogEntry, error) {
	var out []LogEntry
	err := s.scan(ctx, key(logPrefix, h[:]), func(val []byte) error {
		var e LogEntry
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// GetConversation returns the row for peer.
func (s *BadgerStore) GetConversation(ctx context.Context, peer PeerKey) (*Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var c Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, convKey(peer), &c)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, ShortPeer(peer))
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// PutConversation creates or replaces the row for c.Peer.
func (s *BadgerStore) PutConversation(ctx context.Context, c *Conversation) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, convKey(c.Peer), c)
	})
}

// Conversations returns every conversation row ordered by peer.
func (s *BadgerStore) Conversations(ctx context.Context) ([]*Conversation, error) {
	var out []*Conversation
	err := s.scan(ctx, conversationPrefix, func(val []byte) error {
		var c Conversation
		if err := json.Unmarshal(val, &c); err != nil {
			return err
		}
		out = append(out, &c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortConversations(out)
	return out, nil
}

// UpdateConversation atomically applies fn to the row for peer.
func (s *BadgerStore) UpdateConversation(ctx context.Context, peer PeerKey, fn func(c *Conversation) error) (*Conversation, error) {
	var out *Conversation
	err := s.update(ctx, func(txn *badger.Txn) error {
		c := &Conversation{Peer: peer, NextNonce: 1}
		if err := getJSON(txn, convKey(peer), c); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		c.Peer = peer
		out = c
		return setJSON(txn, convKey(peer), c)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AllocateNonce returns the next nonce for peer.
func (s *BadgerStore) AllocateNonce(ctx context.Context, peer PeerKey) (uint64, error) {
	var nonce uint64
	_, err := s.UpdateConversation(ctx, peer, func(c *Conversation) error {
		nonce = takeNonce(c)
		return nil
	})
	return nonce, err
}
