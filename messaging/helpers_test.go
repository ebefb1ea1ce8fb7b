package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/tauchat/conversation"
	"github.com/opd-ai/tauchat/crypto"
	"github.com/opd-ai/tauchat/dag"
	"github.com/opd-ai/tauchat/dht"
	"github.com/opd-ai/tauchat/store"
)

// testPeer is one participant with its own stores on a shared in-process DHT.
type testPeer struct {
	keys   *crypto.KeyPair
	client *dht.MemoryClient
	local  *store.MemoryStore
	convs  *conversation.MemoryStore
	mgr    *Manager
}

func testOptions() *Options {
	opts := DefaultOptions()
	opts.RetryBackoff = time.Millisecond
	opts.OperationTimeout = 5 * time.Second
	return opts
}

func newTestPeer(t *testing.T, network *dht.Network, opts *Options) *testPeer {
	t.Helper()
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	p := &testPeer{
		keys:   keys,
		client: network.Join(keys.Public),
		local:  store.NewMemoryStore(0),
		convs:  conversation.NewMemoryStore(),
	}
	if opts == nil {
		opts = testOptions()
	}
	p.mgr, err = NewManager(Deps{
		Keys:          keys,
		Content:       store.NewTiered(p.local, p.client),
		DHT:           p.client,
		Conversations: p.convs,
	}, opts)
	require.NoError(t, err)
	t.Cleanup(p.mgr.Close)
	return p
}

func (p *testPeer) pub() conversation.PeerKey {
	return p.keys.Public
}

func newPair(t *testing.T) (*testPeer, *testPeer, *dht.Network) {
	t.Helper()
	network := dht.NewNetwork()
	return newTestPeer(t, network, nil), newTestPeer(t, network, nil), network
}

func sendText(t *testing.T, from, to *testPeer, text string) *conversation.ChatMessage {
	t.Helper()
	msg, err := from.mgr.SendMessage(context.Background(), to.pub(), conversation.KindText, []byte(text))
	require.NoError(t, err)
	return msg
}

func publish(t *testing.T, p *testPeer) {
	t.Helper()
	require.NoError(t, p.mgr.publisher.RunPass(context.Background()))
}

func reload(t *testing.T, p *testPeer, msg *conversation.ChatMessage) *conversation.ChatMessage {
	t.Helper()
	got, err := p.convs.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	return got
}

func envelopeAt(t *testing.T, p *testPeer, h dag.Hash) *Envelope {
	t.Helper()
	raw, err := p.local.Get(context.Background(), h)
	require.NoError(t, err)
	env, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	return env
}

func rawEnvelope(t *testing.T, p *testPeer, h dag.Hash) []byte {
	t.Helper()
	raw, err := p.local.Get(context.Background(), h)
	require.NoError(t, err)
	return raw
}

func logStatuses(t *testing.T, p *testPeer, h dag.Hash) []conversation.LogStatus {
	t.Helper()
	logs, err := p.convs.Logs(context.Background(), h)
	require.NoError(t, err)
	out := make([]conversation.LogStatus, len(logs))
	for i, l := range logs {
		out[i] = l.Status
	}
	return out
}

// publishForeign publishes an envelope for content sealed with key, as if authored by
// author, and returns the raw envelope.
func publishForeign(t *testing.T, author *testPeer, key [32]byte, content []byte, nonce uint64) []byte {
	t.Helper()
	ctx := context.Background()

	sealed, err := crypto.SealConversation(key, content)
	require.NoError(t, err)
	res, err := dag.NewChunker().ChunkText(sealed)
	require.NoError(t, err)
	for _, b := range res.Blocks {
		require.NoError(t, author.client.PutImmutable(ctx, b.Hash, b.Data))
	}

	env := &Envelope{
		Version:     EnvelopeVersion,
		Kind:        conversation.KindText,
		Timestamp:   time.Now(),
		Nonce:       nonce,
		ContentRoot: res.Root,
	}
	raw, err := env.Encode()
	require.NoError(t, err)
	return raw
}
