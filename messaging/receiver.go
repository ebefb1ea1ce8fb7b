package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tauchat/conversation"
	"github.com/opd-ai/tauchat/crypto"
	"github.com/opd-ai/tauchat/dag"
	"github.com/opd-ai/tauchat/dht"
	"github.com/opd-ai/tauchat/limits"
)

// ErrDuplicateMessage indicates an envelope that was already handled.
var ErrDuplicateMessage = errors.New("duplicate message")

// Receiver turns inbound envelopes into RECEIVED messages and advertises the confirmation
// root back to the author.
type Receiver struct {
	*core
}

func newReceiver(c *core) *Receiver {
	return &Receiver{core: c}
}

// HandleEnvelope processes one envelope the peer authored for us.
//
// It returns ErrDuplicateMessage when the envelope is already known. Content that fails
// verification or decryption is not an error: the message is stored with a failure flag and
// returned. Errors from the content store or the DHT are transient and the envelope may be
// handled again later.
func (r *Receiver) HandleEnvelope(ctx context.Context, peer conversation.PeerKey, raw []byte) (*conversation.ChatMessage, error) {
	if err := limits.ValidateEnvelope(raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	h := dag.Sum(raw)

	logger := logrus.WithFields(logrus.Fields{
		"function": "Receiver.HandleEnvelope",
		"peer":     conversation.ShortPeer(peer),
		"envelope": h.Short(),
	})

	if err := r.checkDuplicate(ctx, h); err != nil {
		return nil, err
	}

	env, err := DecodeEnvelope(raw)
	if err != nil {
		logger.WithError(err).Warn("Storing undecodable envelope as corrupt")
		msg := &conversation.ChatMessage{
			Hash:      h,
			Peer:      peer,
			Direction: conversation.DirectionReceived,
			Timestamp: r.opts.Clock.Now(),
			Status:    conversation.StatusReceived,
			Failure:   conversation.FailureCorrupt,
		}
		r.metrics.corrupt.Inc()
		return msg, r.insert(ctx, msg)
	}

	opCtx, cancel := r.opContext(ctx)
	err = r.Content.Put(opCtx, h, raw)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to store envelope: %w", err)
	}

	msg := &conversation.ChatMessage{
		Hash:             h,
		Peer:             peer,
		Direction:        conversation.DirectionReceived,
		Kind:             env.Kind,
		Timestamp:        env.Timestamp,
		Nonce:            env.Nonce,
		LogicalGroupHash: env.LogicalGroupHash,
		Status:           conversation.StatusReceived,
	}

	content, failure, err := r.open(ctx, peer, env)
	if err != nil {
		return nil, err
	}
	msg.Content = content
	msg.Failure = failure

	switch failure {
	case conversation.FailureNone:
		r.metrics.received.Inc()
	case conversation.FailureUndecryptable:
		r.metrics.undecryptable.Inc()
	case conversation.FailureCorrupt:
		r.metrics.corrupt.Inc()
	}

	if err := r.insert(ctx, msg); err != nil {
		return nil, err
	}

	// unreadable content is not confirmed; the author keeps seeing it as unconfirmed until a
	// newer envelope is confirmed
	if failure == conversation.FailureNone {
		if err := r.acknowledge(ctx, peer, h, env); err != nil {
			logger.WithError(err).Warn("Failed to advertise confirmation root, will retry on next sync")
		}
	}

	logger.WithFields(logrus.Fields{
		"nonce":   env.Nonce,
		"kind":    env.Kind.String(),
		"failure": failure.String(),
	}).Info("Envelope received")
	return msg, nil
}

func (r *Receiver) checkDuplicate(ctx context.Context, h dag.Hash) error {
	_, err := r.Conversations.GetByHash(ctx, h)
	if err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateMessage, h.Short())
	}
	if !errors.Is(err, conversation.ErrNotFound) {
		return err
	}
	return nil
}

// open reassembles and decrypts the content. Verification and authentication failures are
// reported as a failure flag; everything else is returned as an error.
func (r *Receiver) open(ctx context.Context, peer conversation.PeerKey, env *Envelope) ([]byte, conversation.Failure, error) {
	layout, err := env.Kind.Layout()
	if err != nil {
		return nil, conversation.FailureCorrupt, nil
	}

	sealed, err := dag.Reassemble(ctx, r.boundedGetter(), layout, env.ContentRoot)
	if errors.Is(err, dag.ErrCorruptNode) {
		return nil, conversation.FailureCorrupt, nil
	}
	if err != nil {
		return nil, conversation.FailureNone, fmt.Errorf("failed to fetch content %s: %w", env.ContentRoot.Short(), err)
	}

	key, err := r.conversationKey(peer)
	if err != nil {
		return nil, conversation.FailureUndecryptable, nil
	}
	plaintext, err := crypto.OpenConversation(key, sealed)
	if errors.Is(err, crypto.ErrBadCiphertext) {
		return nil, conversation.FailureUndecryptable, nil
	}
	if err != nil {
		return nil, conversation.FailureNone, err
	}

	var sizeErr error
	if env.Kind == conversation.KindText {
		sizeErr = limits.ValidateTextPayload(plaintext)
	} else {
		sizeErr = limits.ValidatePicturePayload(plaintext)
	}
	if sizeErr != nil {
		return nil, conversation.FailureCorrupt, nil
	}
	return plaintext, conversation.FailureNone, nil
}

// boundedGetter reads blocks through the content store, each read bounded by the
// operation timeout.
func (r *Receiver) boundedGetter() dag.Getter {
	return dag.GetterFunc(func(ctx context.Context, h dag.Hash) ([]byte, error) {
		opCtx, cancel := r.opContext(ctx)
		defer cancel()
		return r.Content.Get(opCtx, h)
	})
}

// insert persists msg and its RECEIVED log row and bumps the conversation's unread count.
func (r *Receiver) insert(ctx context.Context, msg *conversation.ChatMessage) error {
	if err := r.Conversations.Insert(ctx, msg); err != nil {
		if errors.Is(err, conversation.ErrDuplicateHash) {
			return fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.Hash.Short())
		}
		return err
	}
	if err := r.Conversations.AppendLog(ctx, conversation.LogEntry{
		Hash:      msg.Hash,
		Status:    conversation.LogReceived,
		Timestamp: r.opts.Clock.Now(),
	}); err != nil {
		return err
	}
	_, err := r.Conversations.UpdateConversation(ctx, msg.Peer, func(c *conversation.Conversation) error {
		c.Unread++
		c.LastCommunication = r.opts.Clock.Now()
		return nil
	})
	return err
}

// acknowledge records env as the newest envelope seen from peer and advertises it as the
// ConfirmationRoot when it is newer than what was confirmed before.
func (r *Receiver) acknowledge(ctx context.Context, peer conversation.PeerKey, h dag.Hash, env *Envelope) error {
	unlock := r.confirmLocks.lock(peer)
	defer unlock()

	conv, err := r.Conversations.UpdateConversation(ctx, peer, func(c *conversation.Conversation) error {
		if env.Nonce > c.PeerLastSeenNonce || c.PeerLastSeenRoot.IsZero() {
			c.PeerLastSeenRoot = h
			c.PeerLastSeenNonce = env.Nonce
		}
		return nil
	})
	if err != nil {
		return err
	}
	return r.advertiseConfirmation(ctx, conv)
}

// advertiseConfirmation publishes conv.PeerLastSeenRoot as the ConfirmationRoot unless an
// envelope at least as new is already advertised. The caller holds the confirm lock.
func (r *Receiver) advertiseConfirmation(ctx context.Context, conv *conversation.Conversation) error {
	if conv.PeerLastSeenRoot.IsZero() || conv.PeerLastSeenNonce <= conv.ConfirmedNonce {
		return nil
	}

	opCtx, cancel := r.opContext(ctx)
	err := r.DHT.AdvertiseMutable(opCtx, dht.SaltConfirm(conv.Peer), conv.PeerLastSeenRoot)
	cancel()
	if !dht.IsAccepted(err) {
		return err
	}

	nonce := conv.PeerLastSeenNonce
	_, err = r.Conversations.UpdateConversation(ctx, conv.Peer, func(c *conversation.Conversation) error {
		if nonce > c.ConfirmedNonce {
			c.ConfirmedNonce = nonce
		}
		return nil
	})
	return err
}

// retryConfirmation re-advertises a ConfirmationRoot whose earlier advertisement failed.
func (r *Receiver) retryConfirmation(ctx context.Context, peer conversation.PeerKey) error {
	unlock := r.confirmLocks.lock(peer)
	defer unlock()

	conv, err := r.Conversations.GetConversation(ctx, peer)
	if errors.Is(err, conversation.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return r.advertiseConfirmation(ctx, conv)
}
