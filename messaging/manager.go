package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/tauchat/conversation"
	"github.com/opd-ai/tauchat/dag"
	"github.com/opd-ai/tauchat/limits"
)

// Manager is the caller-facing API of the messaging core. It owns the publish,
// confirmation and sync workers and schedules them in the background once started.
type Manager struct {
	core      *core
	publisher *Publisher
	confirmer *Confirmer
	receiver  *Receiver
	syncer    *Syncer

	publishWorker *worker
	confirmWorker *worker
	syncWorker    *worker

	mutex   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager wires the workers over deps. A nil opts uses DefaultOptions.
func NewManager(deps Deps, opts *Options) (*Manager, error) {
	c, err := newCore(deps, opts)
	if err != nil {
		return nil, err
	}

	m := &Manager{core: c}
	m.publisher = newPublisher(c)
	m.confirmer = newConfirmer(c)
	m.receiver = newReceiver(c)
	m.syncer = newSyncer(c, m.receiver)

	m.publishWorker = newWorker("publish", c.opts.PublishInterval, m.publisher.RunPass)
	m.confirmWorker = newWorker("confirm", c.opts.ConfirmInterval, m.confirmer.RunPass)
	m.syncWorker = newWorker("sync", c.opts.SyncInterval, m.syncer.RunPass)
	return m, nil
}

// Self returns the local public key.
func (m *Manager) Self() conversation.PeerKey {
	return m.core.self()
}

// Start launches the background workers. Calling Start on a running manager is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.running {
		return
	}
	m.running = true

	ctx, m.cancel = context.WithCancel(ctx)
	for _, w := range []*worker{m.publishWorker, m.confirmWorker, m.syncWorker} {
		m.wg.Add(1)
		go func(w *worker) {
			defer m.wg.Done()
			w.run(ctx, m.core.opts.Clock)
		}(w)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Manager.Start",
		"self":     conversation.ShortPeer(m.Self()),
	}).Info("Messaging workers started")
}

// Stop cancels the workers and waits for their current pass to return.
func (m *Manager) Stop() {
	m.mutex.Lock()
	if !m.running {
		m.mutex.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mutex.Unlock()

	m.wg.Wait()
	logrus.WithField("function", "Manager.Stop").Info("Messaging workers stopped")
}

// Close stops the workers and wipes cached key material.
func (m *Manager) Close() {
	m.Stop()
	m.core.wipeKeys()
}

// SendMessage stores content for peer as UNSENT and wakes the publisher. Delivery happens
// asynchronously; the returned message reflects the local record.
func (m *Manager) SendMessage(ctx context.Context, peer conversation.PeerKey, kind conversation.Kind,
	content []byte) (*conversation.ChatMessage, error) {
	return m.SendToThread(ctx, peer, dag.ZeroHash, kind, content)
}

// SendToThread is SendMessage for a specific chat thread on the same key pair.
func (m *Manager) SendToThread(ctx context.Context, peer conversation.PeerKey, thread dag.Hash,
	kind conversation.Kind, content []byte) (*conversation.ChatMessage, error) {
	if peer == (conversation.PeerKey{}) {
		return nil, errors.New("peer key is required")
	}
	if err := validatePayload(kind, content); err != nil {
		return nil, err
	}

	nonce, err := m.core.Conversations.AllocateNonce(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate nonce: %w", err)
	}

	msg := &conversation.ChatMessage{
		Peer:             peer,
		Direction:        conversation.DirectionSent,
		Kind:             kind,
		Content:          append([]byte(nil), content...),
		Timestamp:        m.core.opts.Clock.Now().UTC(),
		Nonce:            nonce,
		LogicalGroupHash: thread,
		Status:           conversation.StatusUnsent,
	}
	if err := m.core.Conversations.Insert(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Manager.SendToThread",
		"peer":     conversation.ShortPeer(peer),
		"kind":     kind.String(),
		"nonce":    nonce,
		"size":     len(content),
	}).Debug("Message queued for publication")

	m.publishWorker.Trigger()
	return msg, nil
}

func validatePayload(kind conversation.Kind, content []byte) error {
	switch kind {
	case conversation.KindText:
		return limits.ValidateTextPayload(content)
	case conversation.KindPicture:
		return limits.ValidatePicturePayload(content)
	default:
		return fmt.Errorf("unknown message kind %d", kind)
	}
}

// RetryMessage clears the failure flag of a send-exhausted message so it is published
// again. The message joins the author chain after everything published since, so it takes
// a fresh nonce: receivers order a peer's envelopes by nonce.
func (m *Manager) RetryMessage(ctx context.Context, id uuid.UUID) error {
	msg, err := m.core.Conversations.Get(ctx, id)
	if err != nil {
		return err
	}
	if msg.Direction != conversation.DirectionSent || msg.Failure != conversation.FailureSendExhausted {
		return fmt.Errorf("message %s is not a failed outgoing message", msg.ID)
	}

	nonce, err := m.core.Conversations.AllocateNonce(ctx, msg.Peer)
	if err != nil {
		return fmt.Errorf("failed to allocate nonce: %w", err)
	}
	msg.Nonce = nonce
	msg.Failure = conversation.FailureNone
	msg.Attempts = 0
	if err := m.core.Conversations.Update(ctx, msg); err != nil {
		return err
	}
	m.publishWorker.Trigger()
	return nil
}

// AddContact creates the conversation with peer so the syncer starts polling it.
func (m *Manager) AddContact(ctx context.Context, peer conversation.PeerKey) error {
	_, err := m.core.Conversations.UpdateConversation(ctx, peer, func(*conversation.Conversation) error {
		return nil
	})
	if err == nil {
		m.syncWorker.Trigger()
	}
	return err
}

// MarkRead clears the unread count of the conversation with peer.
func (m *Manager) MarkRead(ctx context.Context, peer conversation.PeerKey) error {
	_, err := m.core.Conversations.UpdateConversation(ctx, peer, func(c *conversation.Conversation) error {
		c.Unread = 0
		return nil
	})
	return err
}

// Conversation returns the conversation row for peer.
func (m *Manager) Conversation(ctx context.Context, peer conversation.PeerKey) (*conversation.Conversation, error) {
	return m.core.Conversations.GetConversation(ctx, peer)
}

// HandleEnvelope feeds an envelope observed by an external gossip listener to the
// receiver. Duplicates return ErrDuplicateMessage.
func (m *Manager) HandleEnvelope(ctx context.Context, peer conversation.PeerKey, raw []byte) (*conversation.ChatMessage, error) {
	msg, err := m.receiver.HandleEnvelope(ctx, peer, raw)
	if err == nil {
		// the peer is active, its confirmation root has likely moved too
		m.confirmWorker.Trigger()
	}
	return msg, err
}

// RunOnce runs one publish, sync and confirmation pass in the calling goroutine. Each pass
// waits for a background pass of the same kind to finish first.
func (m *Manager) RunOnce(ctx context.Context) error {
	return multierr.Combine(
		m.publishWorker.runNow(ctx),
		m.syncWorker.runNow(ctx),
		m.confirmWorker.runNow(ctx),
	)
}

// ObserveConversation streams the conversation with peer: the current messages oldest
// first, then every message as it is created or changes. A message may appear again after
// the snapshot when it changed in between. The channel closes when ctx ends.
func (m *Manager) ObserveConversation(ctx context.Context, peer conversation.PeerKey) (<-chan *conversation.ChatMessage, error) {
	sub := m.core.Conversations.Subscribe(peer)
	snapshot, err := m.core.Conversations.ListConversation(ctx, peer)
	if err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan *conversation.ChatMessage)
	go func() {
		defer close(out)
		defer sub.Close()

		for _, msg := range snapshot {
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-sub.C():
				if !ok {
					return
				}
				select {
				case out <- e.Message:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// ObserveDeliveryStatus streams status changes of the messages we send to peer until ctx
// ends.
func (m *Manager) ObserveDeliveryStatus(ctx context.Context, peer conversation.PeerKey) <-chan conversation.StatusChange {
	sub := m.core.Conversations.Subscribe(peer)
	out := make(chan conversation.StatusChange)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-sub.C():
				if !ok {
					return
				}
				if e.Change == nil || e.Message.Direction != conversation.DirectionSent {
					continue
				}
				select {
				case out <- *e.Change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
