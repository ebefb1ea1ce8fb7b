package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/tauchat/dag"
)

var (
	// ErrNotFound indicates no message or conversation matches the lookup
	ErrNotFound = errors.New("not found")
	// ErrDuplicateHash indicates a message with the same envelope hash already exists
	ErrDuplicateHash = errors.New("message with this hash already exists")
	// ErrStatusRegression indicates an update that would move a message status backwards
	ErrStatusRegression = errors.New("status may not move backwards")
)

// Store is the conversation store consumed by the messaging workers.
type Store interface {
	// Insert stores a new message, assigning an ID when it has none.
	Insert(ctx context.Context, msg *ChatMessage) error
	// Update replaces a stored message. Status may only move forward.
	Update(ctx context.Context, msg *ChatMessage) error
	// Get returns the message with id.
	Get(ctx context.Context, id uuid.UUID) (*ChatMessage, error)
	// GetByHash returns the message whose envelope address is h.
	GetByHash(ctx context.Context, h dag.Hash) (*ChatMessage, error)
	// ListConversation returns every message exchanged with peer, oldest first.
	ListConversation(ctx context.Context, peer PeerKey) ([]*ChatMessage, error)
	// ListUnsent returns every unflagged UNSENT message, grouped by peer and ordered by nonce.
	ListUnsent(ctx context.Context) ([]*ChatMessage, error)
	// PeersWithUnconfirmed returns every peer with a QUEUED or SENT message.
	PeersWithUnconfirmed(ctx context.Context) ([]PeerKey, error)

	// AppendLog appends a delivery log row and assigns its sequence number.
	AppendLog(ctx context.Context, entry LogEntry) error
	// Logs returns the rows recorded for h in append order.
	Logs(ctx context.Context, h dag.Hash) ([]LogEntry, error)

	// GetConversation returns the row for peer.
	GetConversation(ctx context.Context, peer PeerKey) (*Conversation, error)
	// PutConversation creates or replaces the row for c.Peer.
	PutConversation(ctx context.Context, c *Conversation) error
	// UpdateConversation atomically applies fn to the row for peer, creating it when missing,
	// and returns the stored result. fn may run more than once and must not have side effects.
	UpdateConversation(ctx context.Context, peer PeerKey, fn func(c *Conversation) error) (*Conversation, error)
	// Conversations returns every conversation row.
	Conversations(ctx context.Context) ([]*Conversation, error)
	// AllocateNonce returns the next nonce for peer, creating the row if needed.
	AllocateNonce(ctx context.Context, peer PeerKey) (uint64, error)

	// Subscribe delivers changes to peer's messages until the subscription is closed.
	Subscribe(peer PeerKey) *Subscription
}

// GetOrCreateConversation returns the row for peer or a fresh unsaved one.
func GetOrCreateConversation(ctx context.Context, s Store, peer PeerKey) (*Conversation, error) {
	c, err := s.GetConversation(ctx, peer)
	if errors.Is(err, ErrNotFound) {
		return &Conversation{Peer: peer, NextNonce: 1}, nil
	}
	return c, err
}

// checkTransition validates an update of stored into next.
func checkTransition(stored, next *ChatMessage) error {
	if next.Status < stored.Status {
		return fmt.Errorf("%w: %s -> %s for message %s", ErrStatusRegression, stored.Status, next.Status, next.ID)
	}
	if !stored.Hash.IsZero() && stored.Hash != next.Hash {
		return fmt.Errorf("message %s hash may not change once published", next.ID)
	}
	return nil
}

// changeOf returns the status change between stored and next, or nil if none.
func changeOf(stored, next *ChatMessage, at time.Time) *StatusChange {
	if stored != nil && stored.Status == next.Status && stored.Failure == next.Failure {
		return nil
	}
	change := &StatusChange{
		MessageID: next.ID,
		Peer:      next.Peer,
		Hash:      next.Hash,
		New:       next.Status,
		Failure:   next.Failure,
		At:        at,
	}
	if stored != nil {
		change.Old = stored.Status
	}
	return change
}

func sortMessages(msgs []*ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool { return Less(msgs[i], msgs[j]) })
}

// sortUnsent orders by peer, then nonce.
func sortUnsent(msgs []*ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if a.Peer != b.Peer {
			return lessPeer(a.Peer, b.Peer)
		}
		return a.Nonce < b.Nonce
	})
}

func lessPeer(a, b PeerKey) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func sortPeers(peers []PeerKey) {
	sort.Slice(peers, func(i, j int) bool { return lessPeer(peers[i], peers[j]) })
}

func isUnsent(m *ChatMessage) bool {
	return m.Direction == DirectionSent && m.Status == StatusUnsent && !m.Failed()
}

func isUnconfirmed(m *ChatMessage) bool {
	return m.Direction == DirectionSent && m.Status.Awaiting()
}

func sortConversations(convs []*Conversation) {
	sort.Slice(convs, func(i, j int) bool { return lessPeer(convs[i].Peer, convs[j].Peer) })
}
