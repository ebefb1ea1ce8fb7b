package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/tauchat/dag"
)

// MemoryStore keeps conversations in memory.
type MemoryStore struct {
	*Hub

	mu       sync.RWMutex
	messages map[uuid.UUID]*ChatMessage
	byHash   map[dag.Hash]uuid.UUID
	logs     map[dag.Hash][]LogEntry
	logSeq   uint64
	convs    map[PeerKey]*Conversation
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Hub:      NewHub(),
		messages: make(map[uuid.UUID]*ChatMessage),
		byHash:   make(map[dag.Hash]uuid.UUID),
		logs:     make(map[dag.Hash][]LogEntry),
		convs:    make(map[PeerKey]*Conversation),
	}
}

// Insert stores a new message.
func (s *MemoryStore) Insert(ctx context.Context, msg *ChatMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}

	s.mu.Lock()
	if _, exists := s.messages[msg.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("message %s already exists", msg.ID)
	}
	if !msg.Hash.IsZero() {
		if _, exists := s.byHash[msg.Hash]; exists {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrDuplicateHash, msg.Hash.Short())
		}
		s.byHash[msg.Hash] = msg.ID
	}
	s.messages[msg.ID] = msg.Clone()
	s.mu.Unlock()

	s.Publish(Event{Message: msg, Change: changeOf(nil, msg, time.Now())})
	return nil
}

// Update replaces a stored message.
func (s *MemoryStore) Update(ctx context.Context, msg *ChatMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	stored, ok := s.messages[msg.ID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: message %s", ErrNotFound, msg.ID)
	}
	if err := checkTransition(stored, msg); err != nil {
		s.mu.Unlock()
		return err
	}
	if stored.Hash.IsZero() && !msg.Hash.IsZero() {
		if _, exists := s.byHash[msg.Hash]; exists {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrDuplicateHash, msg.Hash.Short())
		}
		s.byHash[msg.Hash] = msg.ID
	}
	change := changeOf(stored, msg, time.Now())
	s.messages[msg.ID] = msg.Clone()
	s.mu.Unlock()

	s.Publish(Event{Message: msg, Change: change})
	return nil
}

// Get returns the message with id.
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	return m.Clone(), nil
}

// GetByHash returns the message whose envelope address is h.
func (s *MemoryStore) GetByHash(ctx context.Context, h dag.Hash) (*ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[h]
	if !ok {
		return nil, fmt.Errorf("%w: hash %s", ErrNotFound, h.Short())
	}
	return s.messages[id].Clone(), nil
}

func (s *MemoryStore) filter(ctx context.Context, keep func(*ChatMessage) bool) ([]*ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ChatMessage
	for _, m := range s.messages {
		if keep(m) {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

// ListConversation returns every message exchanged with peer, oldest first.
func (s *MemoryStore) ListConversation(ctx context.Context, peer PeerKey) ([]*ChatMessage, error) {
	out, err := s.filter(ctx, func(m *ChatMessage) bool { return m.Peer == peer })
	if err != nil {
		return nil, err
	}
	sortMessages(out)
	return out, nil
}

// ListUnsent returns every unflagged UNSENT message by peer and nonce.
func (s *MemoryStore) ListUnsent(ctx context.Context) ([]*ChatMessage, error) {
	out, err := s.filter(ctx, isUnsent)
	if err != nil {
		return nil, err
	}
	sortUnsent(out)
	return out, nil
}

// PeersWithUnconfirmed returns every peer with a QUEUED or SENT message.
func (s *MemoryStore) PeersWithUnconfirmed(ctx context.Context) ([]PeerKey, error) {
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
func (s *MemoryStore) AppendLog(ctx context.Context, entry LogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logSeq++
	entry.Seq = s.logSeq
	s.logs[entry.Hash] = append(s.logs[entry.Hash], entry)
	return nil
}

// Logs returns the rows recorded for h.
func (s *MemoryStore) Logs(ctx context.Context, h dag.Hash) ([]LogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]LogEntry(nil), s.logs[h]...), nil
}

// GetConversation returns the row for peer.
func (s *MemoryStore) GetConversation(ctx context.Context, peer PeerKey) (*Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[peer]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, ShortPeer(peer))
	}
	return c.Clone(), nil
}

// PutConversation creates or replaces the row for c.Peer.
func (s *MemoryStore) PutConversation(ctx context.Context, c *Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[c.Peer] = c.Clone()
	return nil
}

// UpdateConversation atomically applies fn to the row for peer.
func (s *MemoryStore) UpdateConversation(ctx context.Context, peer PeerKey, fn func(c *Conversation) error) (*Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := &Conversation{Peer: peer, NextNonce: 1}
	if stored, ok := s.convs[peer]; ok {
		c = stored.Clone()
	}
	if err := fn(c); err != nil {
		return nil, err
	}
	c.Peer = peer
	s.convs[peer] = c
	return c.Clone(), nil
}

// Conversations returns every conversation row ordered by peer.
func (s *MemoryStore) Conversations(ctx context.Context) ([]*Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]*Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c.Clone())
	}
	s.mu.RUnlock()
	sortConversations(out)
	return out, nil
}

// AllocateNonce returns the next nonce for peer.
func (s *MemoryStore) AllocateNonce(ctx context.Context, peer PeerKey) (uint64, error) {
	var nonce uint64
	_, err := s.UpdateConversation(ctx, peer, func(c *Conversation) error {
		nonce = takeNonce(c)
		return nil
	})
	return nonce, err
}

// takeNonce returns c's next nonce and advances it. Nonces start at 1.
func takeNonce(c *Conversation) uint64 {
	if c.NextNonce == 0 {
		c.NextNonce = 1
	}
	n := c.NextNonce
	c.NextNonce++
	return n
}
