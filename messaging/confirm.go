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

// Confirmer reconciles delivery state with each peer's ConfirmationRoot: every envelope
// reachable backwards from it through PreviousAuthorRoot has been received.
type Confirmer struct {
	*core
	maxWalk int
}

func newConfirmer(c *core) *Confirmer {
	return &Confirmer{core: c, maxWalk: limits.MaxChainWalk}
}

// RunPass confirms every peer with messages awaiting confirmation. A failing peer does not
// stop the others; their errors are combined.
func (c *Confirmer) RunPass(ctx context.Context) error {
	peers, err := c.Conversations.PeersWithUnconfirmed(ctx)
	if err != nil {
		return fmt.Errorf("failed to list unconfirmed peers: %w", err)
	}

	var errs error
	for _, peer := range peers {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		if _, err := c.ConfirmPeer(ctx, peer); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("peer %s: %w", conversation.ShortPeer(peer), err))
		}
	}
	return errs
}

// ConfirmPeer runs the confirmation walk for one peer and returns how many messages it
// marked RECEIVED. The walk first collects the unconfirmed part of the chain and marks it
// oldest first only after the whole part was read, so an interrupted walk leaves no gaps.
func (c *Confirmer) ConfirmPeer(ctx context.Context, peer conversation.PeerKey) (int, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "Confirmer.ConfirmPeer",
		"peer":     conversation.ShortPeer(peer),
	})

	opCtx, cancel := c.opContext(ctx)
	root, err := c.DHT.FetchMutable(opCtx, peer, dht.SaltConfirm(c.self()))
	cancel()
	if errors.Is(err, dht.ErrNotFound) {
		logger.Debug("Peer has not confirmed anything yet")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to fetch confirmation root: %w", err)
	}

	pending, err := c.collect(ctx, peer, root)
	if err != nil {
		return 0, err
	}

	marked := 0
	now := c.opts.Clock.Now()
	for i := len(pending) - 1; i >= 0; i-- {
		msg := pending[i]
		msg.Status = conversation.StatusReceived
		if err := c.Conversations.Update(ctx, msg); err != nil {
			if errors.Is(err, conversation.ErrStatusRegression) {
				continue
			}
			return marked, err
		}
		if err := c.Conversations.AppendLog(ctx, conversation.LogEntry{
			Hash:      msg.Hash,
			Status:    conversation.LogSyncConfirmed,
			Timestamp: now,
		}); err != nil {
			return marked, err
		}
		marked++
		c.metrics.confirmed.Inc()
	}

	if marked > 0 {
		logger.WithFields(logrus.Fields{
			"root":   root.Short(),
			"marked": marked,
		}).Info("Messages confirmed by peer")
	}
	return marked, nil
}

// collect walks backwards from root and returns our unconfirmed messages newest first. It
// stops at the start of the chain or at the first message already RECEIVED.
func (c *Confirmer) collect(ctx context.Context, peer conversation.PeerKey, root dag.Hash) ([]*conversation.ChatMessage, error) {
	var pending []*conversation.ChatMessage
	visited := make(map[dag.Hash]bool)

	for cur := root; !cur.IsZero(); {
		if len(visited) >= c.maxWalk {
			return nil, fmt.Errorf("author chain longer than %d envelopes", c.maxWalk)
		}
		if visited[cur] {
			return nil, fmt.Errorf("%w at envelope %s", dag.ErrCycle, cur.Short())
		}
		visited[cur] = true

		msg, err := c.Conversations.GetByHash(ctx, cur)
		switch {
		case err == nil:
			if msg.Peer != peer || msg.Direction != conversation.DirectionSent {
				return nil, fmt.Errorf("envelope %s does not belong to this conversation", cur.Short())
			}
			if msg.Status == conversation.StatusReceived {
				return pending, nil
			}
			pending = append(pending, msg)
		case errors.Is(err, conversation.ErrNotFound):
			// not in the local record, keep walking to reach older messages
		default:
			return nil, err
		}

		env, _, err := c.loadEnvelope(ctx, cur)
		if err != nil {
			return nil, fmt.Errorf("failed to load envelope %s: %w", cur.Short(), err)
		}
		cur = env.PreviousAuthorRoot
	}
	return pending, nil
}
