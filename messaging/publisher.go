package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tauchat/conversation"
	"github.com/opd-ai/tauchat/crypto"
	"github.com/opd-ai/tauchat/dag"
	"github.com/opd-ai/tauchat/dht"
	"github.com/opd-ai/tauchat/store"
)

// Publisher turns UNSENT messages into published envelopes and advances the author chain.
type Publisher struct {
	*core
	chunker *dag.Chunker

	// inflight holds envelopes whose publication started but has not finished, so a pass
	// interrupted between attempts resumes with the same address
	mu       sync.Mutex
	inflight map[uuid.UUID]*built
}

func newPublisher(c *core) *Publisher {
	return &Publisher{
		core:     c,
		chunker:  dag.NewChunker(),
		inflight: make(map[uuid.UUID]*built),
	}
}

// built is one encrypted, chunked envelope ready to publish.
type built struct {
	peer     conversation.PeerKey
	envelope *Envelope
	address  dag.Hash
	blocks   []dag.Block
}

// RunPass publishes every pending message, oldest first within each conversation. A message
// that keeps failing is retried after the backoff until it succeeds or exhausts its attempts;
// later messages of the same conversation wait for it.
func (p *Publisher) RunPass(ctx context.Context) error {
	msgs, err := p.Conversations.ListUnsent(ctx)
	if err != nil {
		return fmt.Errorf("failed to list unsent messages: %w", err)
	}

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.publish(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// publish runs one message to completion or exhaustion. Only cancellation and local store
// failures are returned.
func (p *Publisher) publish(ctx context.Context, msg *conversation.ChatMessage) error {
	unlock := p.locks.lock(msg.Peer)
	defer unlock()

	logger := logrus.WithFields(logrus.Fields{
		"function": "Publisher.publish",
		"peer":     conversation.ShortPeer(msg.Peer),
		"nonce":    msg.Nonce,
	})

	// reload under the lock: a concurrent pass may have handled it
	current, err := p.Conversations.Get(ctx, msg.ID)
	if err != nil {
		return err
	}
	if current.Status != conversation.StatusUnsent || current.Failed() {
		return nil
	}
	msg = current

	conv, err := conversation.GetOrCreateConversation(ctx, p.Conversations, msg.Peer)
	if err != nil {
		return err
	}

	b, resumed := p.resume(msg, conv)
	if !resumed {
		b, err = p.build(msg, conv)
		if err != nil {
			// the payload itself cannot be sealed or chunked, retrying will not help
			logger.WithError(err).Error("Failed to build envelope")
			msg.Failure = conversation.FailureSendExhausted
			p.metrics.exhausted.Inc()
			return p.Conversations.Update(ctx, msg)
		}
	}

	if !resumed {
		if err := p.Conversations.AppendLog(ctx, conversation.LogEntry{
			Hash:      b.address,
			Status:    conversation.LogSyncing,
			Timestamp: p.opts.Clock.Now(),
		}); err != nil {
			return err
		}
		p.remember(msg.ID, b)
	}

	// an envelope is pushed as a unit; cancellation takes effect between attempts
	pushCtx := context.WithoutCancel(ctx)
	for {
		queued, err := p.push(pushCtx, b)
		if err == nil {
			p.forget(msg.ID)
			return p.commit(ctx, msg, b, queued)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msg.Attempts++
		p.metrics.publishFailures.Inc()
		logger.WithFields(logrus.Fields{
			"attempt": msg.Attempts,
			"error":   err.Error(),
		}).Warn("Publication attempt failed")

		if p.opts.MaxPublishAttempts > 0 && msg.Attempts >= p.opts.MaxPublishAttempts {
			// a retried message is rebuilt: it joins the chain at a different place
			p.forget(msg.ID)
			msg.Failure = conversation.FailureSendExhausted
			p.metrics.exhausted.Inc()
			logger.WithField("attempts", msg.Attempts).Error("Giving up on message")
			return p.Conversations.Update(ctx, msg)
		}
		if err := p.Conversations.Update(ctx, msg); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.opts.Clock.After(p.opts.RetryBackoff):
		}
	}
}

// resume returns the envelope an earlier pass started publishing for msg, provided it still
// extends the conversation's author chain.
func (p *Publisher) resume(msg *conversation.ChatMessage, conv *conversation.Conversation) (*built, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.inflight[msg.ID]
	if !ok {
		return nil, false
	}
	if b.envelope.Nonce != msg.Nonce || b.envelope.PreviousAuthorRoot != conv.LastPublishedRoot {
		delete(p.inflight, msg.ID)
		return nil, false
	}
	return b, true
}

func (p *Publisher) remember(id uuid.UUID, b *built) {
	p.mu.Lock()
	p.inflight[id] = b
	p.mu.Unlock()
}

func (p *Publisher) forget(id uuid.UUID) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
}

// inflightAddress returns the address of the envelope in flight for id, if any.
func (p *Publisher) inflightAddress(id uuid.UUID) (dag.Hash, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.inflight[id]
	if !ok {
		return dag.Hash{}, false
	}
	return b.address, true
}

// build seals the content, chunks it and wraps the root in an envelope linked to the
// conversation's previous author root.
func (p *Publisher) build(msg *conversation.ChatMessage, conv *conversation.Conversation) (*built, error) {
	layout, err := msg.Kind.Layout()
	if err != nil {
		return nil, err
	}
	key, err := p.conversationKey(msg.Peer)
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.SealConversation(key, msg.Content)
	if err != nil {
		return nil, err
	}
	res, err := p.chunker.Chunk(layout, sealed)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		Version:            EnvelopeVersion,
		Kind:               msg.Kind,
		Timestamp:          msg.Timestamp,
		Nonce:              msg.Nonce,
		LogicalGroupHash:   msg.LogicalGroupHash,
		ContentRoot:        res.Root,
		PreviousAuthorRoot: conv.LastPublishedRoot,
		PeerLastSeenRoot:   conv.PeerLastSeenRoot,
	}
	raw, err := env.Encode()
	if err != nil {
		return nil, err
	}
	envBlock := dag.NewBlock(raw)

	return &built{
		peer:     msg.Peer,
		envelope: env,
		address:  envBlock.Hash,
		blocks:   append(res.Blocks, envBlock),
	}, nil
}

// push stores every block locally, publishes it to the DHT and advertises the envelope as
// the new author root. It reports whether any DHT write was only queued.
func (p *Publisher) push(ctx context.Context, b *built) (bool, error) {
	opCtx, cancel := p.opContext(ctx)
	err := store.PutBlocks(opCtx, p.Content, b.blocks)
	cancel()
	if err != nil {
		return false, err
	}

	queued := false
	for _, blk := range b.blocks {
		opCtx, cancel := p.opContext(ctx)
		err := p.DHT.PutImmutable(opCtx, blk.Hash, blk.Data)
		cancel()
		if !dht.IsAccepted(err) {
			return false, fmt.Errorf("failed to publish block %s: %w", blk.Hash.Short(), err)
		}
		queued = queued || errors.Is(err, dht.ErrQueued)
	}

	opCtx, cancel = p.opContext(ctx)
	defer cancel()
	err = p.DHT.AdvertiseMutable(opCtx, dht.SaltAuthor(b.peer), b.address)
	if !dht.IsAccepted(err) {
		return false, fmt.Errorf("failed to advertise author root: %w", err)
	}
	queued = queued || errors.Is(err, dht.ErrQueued)
	return queued, nil
}

// commit advances the conversation to the published envelope and marks the message. The
// conversation row is written first: after a crash in between the message is published
// again rather than lost from the chain.
func (p *Publisher) commit(ctx context.Context, msg *conversation.ChatMessage, b *built, queued bool) error {
	now := p.opts.Clock.Now()

	if _, err := p.Conversations.UpdateConversation(ctx, msg.Peer, func(c *conversation.Conversation) error {
		c.LastPublishedRoot = b.address
		c.LastCommunication = now
		return nil
	}); err != nil {
		return err
	}

	msg.Hash = b.address
	msg.Status = conversation.StatusSent
	if queued {
		msg.Status = conversation.StatusQueued
	}
	if err := p.Conversations.Update(ctx, msg); err != nil {
		return err
	}
	if err := p.Conversations.AppendLog(ctx, conversation.LogEntry{
		Hash:      b.address,
		Status:    conversation.LogSent,
		Timestamp: now,
	}); err != nil {
		return err
	}

	p.metrics.published.Inc()
	logrus.WithFields(logrus.Fields{
		"function": "Publisher.commit",
		"peer":     conversation.ShortPeer(msg.Peer),
		"nonce":    msg.Nonce,
		"envelope": b.address.Short(),
		"status":   msg.Status.String(),
		"blocks":   len(b.blocks),
	}).Info("Message published")
	return nil
}
