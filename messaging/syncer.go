package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/tauchat/conversation"
	"github.com/opd-ai/tauchat/dag"
	"github.com/opd-ai/tauchat/dht"
	"github.com/opd-ai/tauchat/limits"
)

// Syncer pulls envelopes each peer authored for us by walking their author chain back from
// the advertised author root to the newest envelope we already hold.
type Syncer struct {
	*core
	receiver *Receiver
	maxWalk  int
}

func newSyncer(c *core, r *Receiver) *Syncer {
	return &Syncer{core: c, receiver: r, maxWalk: limits.MaxChainWalk}
}

// RunPass syncs every known conversation and retries confirmation advertisements that
// failed earlier. Errors of individual peers are combined.
func (s *Syncer) RunPass(ctx context.Context) error {
	convs, err := s.Conversations.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}

	var errs error
	for _, conv := range convs {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		if err := s.receiver.retryConfirmation(ctx, conv.Peer); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("peer %s: confirmation: %w", conversation.ShortPeer(conv.Peer), err))
		}
		if _, err := s.SyncPeer(ctx, conv.Peer); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("peer %s: %w", conversation.ShortPeer(conv.Peer), err))
		}
	}
	return errs
}

// SyncPeer fetches and handles every envelope of peer we have not seen yet, oldest first.
// It returns how many envelopes were handled.
func (s *Syncer) SyncPeer(ctx context.Context, peer conversation.PeerKey) (int, error) {
	opCtx, cancel := s.opContext(ctx)
	root, err := s.DHT.FetchMutable(opCtx, peer, dht.SaltAuthor(s.self()))
	cancel()
	if errors.Is(err, dht.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to fetch author root: %w", err)
	}

	pending, err := s.collect(ctx, root)
	if err != nil {
		return 0, err
	}

	handled := 0
	for i := len(pending) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return handled, err
		}
		_, err := s.receiver.HandleEnvelope(ctx, peer, pending[i])
		if errors.Is(err, ErrDuplicateMessage) {
			continue
		}
		if err != nil {
			return handled, err
		}
		handled++
	}

	if handled > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Syncer.SyncPeer",
			"peer":     conversation.ShortPeer(peer),
			"root":     root.Short(),
			"handled":  handled,
		}).Info("Synced envelopes from peer")
	}
	return handled, nil
}

// collect returns the raw envelopes from root back to the first one already known, newest
// first. An envelope that does not decode ends the walk; the receiver flags it.
func (s *Syncer) collect(ctx context.Context, root dag.Hash) ([][]byte, error) {
	var pending [][]byte
	visited := make(map[dag.Hash]bool)

	for cur := root; !cur.IsZero(); {
		if len(visited) >= s.maxWalk {
			return nil, fmt.Errorf("author chain longer than %d envelopes", s.maxWalk)
		}
		if visited[cur] {
			return nil, fmt.Errorf("%w at envelope %s", dag.ErrCycle, cur.Short())
		}
		visited[cur] = true

		_, err := s.Conversations.GetByHash(ctx, cur)
		if err == nil {
			break
		}
		if !errors.Is(err, conversation.ErrNotFound) {
			return nil, err
		}

		env, raw, err := s.loadEnvelope(ctx, cur)
		if errors.Is(err, ErrMalformedEnvelope) {
			if len(raw) > 0 && len(raw) <= limits.MaxEnvelopeSize {
				pending = append(pending, raw)
			}
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load envelope %s: %w", cur.Short(), err)
		}
		pending = append(pending, raw)
		cur = env.PreviousAuthorRoot
	}
	return pending, nil
}
