// Package conversation holds the local record of every chat: messages, the append-only
// delivery log, and one row per conversation partner carrying the author-chain state.
//
// The Store interface is the boundary the messaging workers consume. MemoryStore serves
// tests and light clients; BadgerStore persists to the embedded database shared with the
// content store. Both fan out changes to subscribers through a Hub so callers can observe
// a conversation or its delivery status live.
//
// Status only moves forward: UNSENT, QUEUED, SENT, RECEIVED. Stores reject updates that
// would move a message backwards with ErrStatusRegression.
package conversation
