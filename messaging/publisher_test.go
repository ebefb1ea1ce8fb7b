package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/tauchat/conversation"
	"github.com/opd-ai/tauchat/dag"
	"github.com/opd-ai/tauchat/dht"
)

func TestPublishLinksAuthorChain(t *testing.T) {
	alice, bob, _ := newPair(t)
	ctx := context.Background()

	first := sendText(t, alice, bob, "first")
	second := sendText(t, alice, bob, "second")
	assert.Equal(t, uint64(1), first.Nonce)
	assert.Equal(t, uint64(2), second.Nonce)

	publish(t, alice)

	first, second = reload(t, alice, first), reload(t, alice, second)
	assert.Equal(t, conversation.StatusSent, first.Status)
	assert.Equal(t, conversation.StatusSent, second.Status)
	require.False(t, first.Hash.IsZero())

	firstEnv := envelopeAt(t, alice, first.Hash)
	secondEnv := envelopeAt(t, alice, second.Hash)
	assert.True(t, firstEnv.PreviousAuthorRoot.IsZero())

	firstAddr, err := firstEnv.Address()
	require.NoError(t, err)
	assert.Equal(t, firstAddr, secondEnv.PreviousAuthorRoot)
	assert.Equal(t, first.Hash, secondEnv.PreviousAuthorRoot)

	conv, err := alice.convs.GetConversation(ctx, bob.pub())
	require.NoError(t, err)
	assert.Equal(t, second.Hash, conv.LastPublishedRoot)

	root, err := bob.client.FetchMutable(ctx, alice.pub(), dht.SaltAuthor(bob.pub()))
	require.NoError(t, err)
	assert.Equal(t, second.Hash, root)

	assert.Equal(t, []conversation.LogStatus{conversation.LogSyncing, conversation.LogSent}, logStatuses(t, alice, first.Hash))
}

func TestPublishStoresWholeDag(t *testing.T) {
	alice, bob, _ := newPair(t)
	ctx := context.Background()

	payload := make([]byte, 3500)
	for i := range payload {
		payload[i] = byte(i)
	}
	msg, err := alice.mgr.SendMessage(ctx, bob.pub(), conversation.KindText, payload)
	require.NoError(t, err)
	publish(t, alice)

	msg = reload(t, alice, msg)
	env := envelopeAt(t, alice, msg.Hash)

	// every block is reachable through the DHT alone
	got, err := dag.Reassemble(ctx, dag.GetterFunc(bob.client.GetImmutable), dag.LayoutLinear, env.ContentRoot)
	require.NoError(t, err)
	assert.Greater(t, len(got), len(payload), "content is sealed")
}

func TestPublishRetriesSameEnvelope(t *testing.T) {
	alice, bob, _ := newPair(t)

	msg := sendText(t, alice, bob, "retry me")
	alice.client.FailNext(dht.OpAdvertise, 2)
	publish(t, alice)

	msg = reload(t, alice, msg)
	assert.Equal(t, conversation.StatusSent, msg.Status)
	assert.Equal(t, 2, msg.Attempts)
	assert.Equal(t, conversation.FailureNone, msg.Failure)
	assert.Equal(t, 3, alice.client.Calls(dht.OpAdvertise))

	// one build, one SYNCING row, even across retries
	assert.Equal(t, []conversation.LogStatus{conversation.LogSyncing, conversation.LogSent}, logStatuses(t, alice, msg.Hash))
}

func TestPublishExhaustionKeepsChainIntact(t *testing.T) {
	network := dht.NewNetwork()
	opts := testOptions()
	opts.MaxPublishAttempts = 3
	alice := newTestPeer(t, network, opts)
	bob := newTestPeer(t, network, opts)
	ctx := context.Background()

	stuck := sendText(t, alice, bob, "stuck")
	next := sendText(t, alice, bob, "next")

	alice.client.FailNext(dht.OpPutImmutable, 3)
	publish(t, alice)

	stuck = reload(t, alice, stuck)
	assert.Equal(t, conversation.StatusUnsent, stuck.Status)
	assert.Equal(t, conversation.FailureSendExhausted, stuck.Failure)
	assert.Equal(t, 3, stuck.Attempts)
	assert.True(t, stuck.Hash.IsZero())

	next = reload(t, alice, next)
	assert.Equal(t, conversation.StatusSent, next.Status)
	assert.True(t, envelopeAt(t, alice, next.Hash).PreviousAuthorRoot.IsZero(), "failed message never joined the chain")

	unsent, err := alice.convs.ListUnsent(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsent, "flagged messages are not retried automatically")

	require.NoError(t, alice.mgr.RetryMessage(ctx, stuck.ID))
	publish(t, alice)

	stuck = reload(t, alice, stuck)
	assert.Equal(t, conversation.StatusSent, stuck.Status)
	assert.Equal(t, next.Hash, envelopeAt(t, alice, stuck.Hash).PreviousAuthorRoot)

	assert.Error(t, alice.mgr.RetryMessage(ctx, stuck.ID), "only failed messages can be retried")
}

func TestPublishQueuedWrites(t *testing.T) {
	alice, bob, _ := newPair(t)
	ctx := context.Background()

	alice.client.SetQueueing(true)
	msg := sendText(t, alice, bob, "queued")
	publish(t, alice)

	msg = reload(t, alice, msg)
	assert.Equal(t, conversation.StatusQueued, msg.Status)

	peers, err := alice.convs.PeersWithUnconfirmed(ctx)
	require.NoError(t, err)
	assert.Equal(t, []conversation.PeerKey{bob.pub()}, peers)

	_, err = bob.client.FetchMutable(ctx, alice.pub(), dht.SaltAuthor(bob.pub()))
	assert.ErrorIs(t, err, dht.ErrNotFound)

	alice.client.SetQueueing(false)
	root, err := bob.client.FetchMutable(ctx, alice.pub(), dht.SaltAuthor(bob.pub()))
	require.NoError(t, err)
	assert.Equal(t, msg.Hash, root)
}

func TestPublishStopsOnCancel(t *testing.T) {
	alice, bob, _ := newPair(t)

	msg := sendText(t, alice, bob, "never")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, alice.mgr.publisher.RunPass(ctx), context.Canceled)

	msg = reload(t, alice, msg)
	assert.Equal(t, conversation.StatusUnsent, msg.Status)
	assert.Zero(t, msg.Attempts)
}

func TestPublishOrdersPerConversation(t *testing.T) {
	network := dht.NewNetwork()
	alice := newTestPeer(t, network, nil)
	bob := newTestPeer(t, network, nil)
	carol := newTestPeer(t, network, nil)

	var toBob, toCarol []*conversation.ChatMessage
	for i := 0; i < 4; i++ {
		toBob = append(toBob, sendText(t, alice, bob, "b"))
		toCarol = append(toCarol, sendText(t, alice, carol, "c"))
	}
	publish(t, alice)

	for _, chain := range [][]*conversation.ChatMessage{toBob, toCarol} {
		prev := dag.ZeroHash
		for _, m := range chain {
			m = reload(t, alice, m)
			assert.Equal(t, prev, envelopeAt(t, alice, m.Hash).PreviousAuthorRoot)
			prev = m.Hash
		}
	}
}

func TestPublishResumesAfterCancelledBackoff(t *testing.T) {
	network := dht.NewNetwork()
	opts := testOptions()
	opts.RetryBackoff = time.Hour
	alice := newTestPeer(t, network, opts)
	bob := newTestPeer(t, network, opts)

	msg := sendText(t, alice, bob, "interrupted")
	alice.client.FailNext(dht.OpAdvertise, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- alice.mgr.publisher.RunPass(ctx) }()

	require.Eventually(t, func() bool {
		return reload(t, alice, msg).Attempts == 1
	}, 5*time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	first, ok := alice.mgr.publisher.inflightAddress(msg.ID)
	require.True(t, ok)
	assert.Equal(t, []conversation.LogStatus{conversation.LogSyncing}, logStatuses(t, alice, first))

	publish(t, alice)

	msg = reload(t, alice, msg)
	assert.Equal(t, conversation.StatusSent, msg.Status)
	assert.Equal(t, first, msg.Hash, "the interrupted envelope is published, not a new one")
	assert.Equal(t, []conversation.LogStatus{conversation.LogSyncing, conversation.LogSent}, logStatuses(t, alice, msg.Hash))

	_, ok = alice.mgr.publisher.inflightAddress(msg.ID)
	assert.False(t, ok)
}
