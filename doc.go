// Package tauchat wires a complete chat node: identity, block and conversation storage,
// a DHT client and the messaging workers.
//
// Messages are encrypted per conversation, chunked into a content-addressed DAG and
// published as immutable DHT records. Each author links its envelopes into a chain per
// recipient and advertises the newest one under a mutable record; the recipient
// advertises the newest envelope it received, which confirms every envelope before it.
//
// # Getting Started
//
//	options := tauchat.NewOptions()
//	options.StorageType = tauchat.StorageBadger
//	options.DataDir = "/var/lib/tauchat"
//
//	node, err := tauchat.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	node.Start(ctx)
//	msg, err := node.Manager().SendMessage(ctx, peer, conversation.KindText, []byte("hi"))
//
// # Storage
//
// [StorageMemory] keeps everything in memory. [StorageBadger] keeps blocks and
// conversations in one badger database under DataDir.
//
// # DHT
//
// [DHTMemory] joins an in-process network, which is how tests connect several nodes.
// [DHTRedis] treats a redis server as the shared record store. Immutable reads go through
// an LRU cache unless BlockCacheSize is zero.
//
// See the messaging package for the delivery model.
package tauchat
