// Package messaging implements the content-addressed delivery protocol between two peers.
//
// Every outgoing message is sealed with the conversation key, split into a verifiable DAG
// and wrapped in an Envelope that points at the previous envelope sent to the same peer.
// The envelopes of one author form a hash chain per conversation; its newest element is
// advertised in the DHT as the author root.
//
// Four workers move messages through their states:
//
//   - Publisher: UNSENT messages are built, stored, published and appended to the chain.
//   - Receiver: inbound envelopes are reassembled, decrypted and stored, and the newest one
//     is advertised back to the author as the ConfirmationRoot.
//   - Syncer: pulls envelopes by walking a peer's author chain back to what we already hold.
//   - Confirmer: walks our own chain back from the peer's ConfirmationRoot and marks every
//     message on the way RECEIVED.
//
// Manager wires the workers, runs them on tickers and exposes the caller API:
//
//	mgr, err := messaging.NewManager(messaging.Deps{
//	    Keys:          keys,
//	    Content:       content,
//	    DHT:           client,
//	    Conversations: convs,
//	}, nil)
//	if err != nil {
//	    return err
//	}
//	mgr.Start(ctx)
//	defer mgr.Close()
//	msg, err := mgr.SendMessage(ctx, peer, conversation.KindText, []byte("hello"))
package messaging
