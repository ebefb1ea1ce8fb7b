package conversation

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/tauchat/dag"
)

// PeerKey is the public key of a conversation partner.
type PeerKey = [32]byte

// ShortPeer renders the first bytes of a peer key for log fields.
func ShortPeer(p PeerKey) string {
	return hex.EncodeToString(p[:4])
}

// Kind is the payload type of a chat message.
type Kind uint8

const (
	// KindText is a UTF-8 text message.
	KindText Kind = iota + 1
	// KindPicture is an encoded image.
	KindPicture
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindText:
		return "TEXT"
	case KindPicture:
		return "PICTURE"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindText || k == KindPicture
}

// Layout returns the DAG layout the kind is chunked with.
func (k Kind) Layout() (dag.Layout, error) {
	switch k {
	case KindText:
		return dag.LayoutLinear, nil
	case KindPicture:
		return dag.LayoutFanOut, nil
	default:
		return 0, fmt.Errorf("unknown message kind %d", uint8(k))
	}
}

// Direction tells whether we authored a message or received it.
type Direction uint8

const (
	// DirectionSent marks messages we authored.
	DirectionSent Direction = iota + 1
	// DirectionReceived marks messages authored by the peer.
	DirectionReceived
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionSent:
		return "SENT"
	case DirectionReceived:
		return "RECEIVED"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

// Status is the delivery state of a message.
type Status uint8

const (
	// StatusUnsent means the message has not been published yet.
	StatusUnsent Status = iota
	// StatusQueued means the DHT accepted the publication locally but has not propagated it.
	StatusQueued
	// StatusSent means the message is published and its author root advertised.
	StatusSent
	// StatusReceived means the peer confirmed the message, or we received it.
	StatusReceived
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusUnsent:
		return "UNSENT"
	case StatusQueued:
		return "QUEUED"
	case StatusSent:
		return "SENT"
	case StatusReceived:
		return "RECEIVED"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Awaiting reports whether a sent message still waits for the peer's confirmation.
func (s Status) Awaiting() bool {
	return s == StatusQueued || s == StatusSent
}

// Failure flags a message that reached a visible failed state.
type Failure uint8

const (
	// FailureNone is the normal case.
	FailureNone Failure = iota
	// FailureSendExhausted means publication gave up after the configured attempts.
	FailureSendExhausted
	// FailureUndecryptable means a received payload failed authentication.
	FailureUndecryptable
	// FailureCorrupt means a received DAG failed verification.
	FailureCorrupt
)

// String returns the failure name.
func (f Failure) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureSendExhausted:
		return "send-exhausted"
	case FailureUndecryptable:
		return "undecryptable"
	case FailureCorrupt:
		return "corrupt"
	default:
		return fmt.Sprintf("Failure(%d)", uint8(f))
	}
}

// ChatMessage is one message of a conversation.
type ChatMessage struct {
	ID uuid.UUID `json:"id"`
	// Hash is the address of the message envelope, zero until published.
	Hash      dag.Hash  `json:"hash"`
	Peer      PeerKey   `json:"peer"`
	Direction Direction `json:"direction"`
	Kind      Kind      `json:"kind"`
	Content   []byte    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	// Nonce orders messages of one author within a conversation.
	Nonce            uint64   `json:"nonce"`
	LogicalGroupHash dag.Hash `json:"logical_group_hash"`
	Status           Status   `json:"status"`
	Failure          Failure  `json:"failure"`
	Attempts         int      `json:"attempts"`
}

// Clone returns a deep copy of m.
func (m *ChatMessage) Clone() *ChatMessage {
	cp := *m
	if m.Content != nil {
		cp.Content = append([]byte(nil), m.Content...)
	}
	return &cp
}

// Failed reports whether the message carries a failure flag.
func (m *ChatMessage) Failed() bool {
	return m.Failure != FailureNone
}

// Less orders messages by timestamp, then nonce, then direction.
func Less(a, b *ChatMessage) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.Nonce != b.Nonce {
		return a.Nonce < b.Nonce
	}
	return a.Direction < b.Direction
}

// LogStatus is the status recorded by a delivery log row.
type LogStatus uint8

const (
	LogSyncing LogStatus = iota + 1
	LogSent
	LogReceived
	LogSyncConfirmed
)

// String returns the log status name.
func (s LogStatus) String() string {
	switch s {
	case LogSyncing:
		return "SYNCING"
	case LogSent:
		return "SENT"
	case LogReceived:
		return "RECEIVED"
	case LogSyncConfirmed:
		return "SYNC_CONFIRMED"
	default:
		return fmt.Sprintf("LogStatus(%d)", uint8(s))
	}
}

// LogEntry is one append-only delivery log row.
type LogEntry struct {
	Hash      dag.Hash  `json:"hash"`
	Status    LogStatus `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	// Seq is assigned by the store and orders rows of the same hash.
	Seq uint64 `json:"seq"`
}

// Conversation is the per-peer author-chain and bookkeeping state.
type Conversation struct {
	Peer PeerKey `json:"peer"`
	// LastPublishedRoot is the address of our newest published envelope for this peer.
	LastPublishedRoot dag.Hash `json:"last_published_root"`
	// PeerLastSeenRoot is the address of the newest envelope received from the peer.
	PeerLastSeenRoot dag.Hash `json:"peer_last_seen_root"`
	// PeerLastSeenNonce is the nonce of the envelope at PeerLastSeenRoot.
	PeerLastSeenNonce uint64 `json:"peer_last_seen_nonce"`
	// ConfirmedNonce is the nonce of the envelope currently advertised as ConfirmationRoot.
	ConfirmedNonce uint64 `json:"confirmed_nonce"`
	// NextNonce is the nonce the next message we author gets.
	NextNonce         uint64    `json:"next_nonce"`
	Unread            int       `json:"unread"`
	LastCommunication time.Time `json:"last_communication"`
}

// Clone returns a copy of c.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	return &cp
}

// StatusChange reports a delivery state transition of one message.
type StatusChange struct {
	MessageID uuid.UUID
	Peer      PeerKey
	Hash      dag.Hash
	Old       Status
	New       Status
	Failure   Failure
	At        time.Time
}
