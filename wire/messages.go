// Package wire defines the JSON message envelopes exchanged over both
// namespace channels (router/peer) and persistent session channels, per
// spec.md §6. Messages travel as "opaque JSON-shaped payloads" over the
// Signaling Adapter's reliable byte-message channels, so each Message is a
// tagged JSON object keyed by Kind.
package wire

import "encoding/json"

// Kind identifies the shape of a Message's payload.
type Kind string

const (
	// Handshake (contact request flow).
	KindRequest  Kind = "request"
	KindAccepted Kind = "accepted"
	KindConfirm  Kind = "confirm"
	KindRejected Kind = "rejected"

	// Session.
	KindHello Kind = "hello"

	// Text.
	KindMessage      Kind = "message"
	KindMessageAck   Kind = "message-ack"
	KindMessageEdit  Kind = "message-edit"
	KindMessageDel   Kind = "message-delete"
	KindNameUpdate   Kind = "name-update"

	// File transfer sketch (wire shape only — chunking/storage are out of
	// scope per spec.md §1).
	KindFileStart Kind = "file-start"
	KindFileChunk Kind = "file-chunk"
	KindFileEnd   Kind = "file-end"
	KindFileAck   Kind = "file-ack"

	// Namespace.
	KindCheckin         Kind = "checkin"
	KindRegistry        Kind = "registry"
	KindPing            Kind = "ping"
	KindPong            Kind = "pong"
	KindMigrate         Kind = "migrate"
	KindReverseWelcome  Kind = "reverse-welcome"

	// Rendezvous.
	KindRvzExchange Kind = "rvz-exchange"
)

// Envelope is the common shape every decoded message carries: the Kind tag
// plus the raw JSON so the caller can unmarshal into the concrete payload
// type once it knows which one applies.
type Envelope struct {
	Kind Kind            `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// Decode reads the Kind tag from a raw frame and returns an Envelope whose
// Raw field still holds the full frame, ready for a second unmarshal into
// the concrete payload type.
func Decode(frame []byte) (Envelope, error) {
	var tagged struct {
		Kind Kind `json:"type"`
	}
	if err := json.Unmarshal(frame, &tagged); err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: tagged.Kind, Raw: append(json.RawMessage(nil), frame...)}, nil
}

// Request is the contact handshake request.
type Request struct {
	Type         Kind   `json:"type"`
	FriendlyName string `json:"friendlyName"`
	PublicKey    string `json:"publicKey"`
	PersistentID string `json:"persistentID"`
	TS           int64  `json:"ts"`
	Signature    string `json:"signature"`
}

// Accepted confirms a Request was accepted.
type Accepted struct {
	Type         Kind   `json:"type"`
	PersistentID string `json:"persistentID"`
	DiscoveryUUID string `json:"discoveryUUID"`
}

// Confirm finalizes the handshake after Accepted.
type Confirm struct {
	Type          Kind   `json:"type"`
	PersistentID  string `json:"persistentID"`
	FriendlyName  string `json:"friendlyName"`
	DiscoveryUUID string `json:"discoveryUUID"`
	PublicKey     string `json:"publicKey"`
}

// Rejected signals the request was declined.
type Rejected struct {
	Type Kind `json:"type"`
}

// Hello is exchanged on opening a persistent session channel.
type Hello struct {
	Type         Kind   `json:"type"`
	FriendlyName string `json:"friendlyName"`
	PublicKey    string `json:"publicKey"`
	TS           int64  `json:"ts"`
	Signature    string `json:"signature"`
}

// Message carries chat content, either in plaintext (Content) or E2E
// encrypted (IV/CT/Sig with E2E=true).
type Message struct {
	Type    Kind   `json:"type"`
	ID      string `json:"id"`
	TS      int64  `json:"ts"`
	E2E     bool   `json:"e2e,omitempty"`
	IV      string `json:"iv,omitempty"`
	CT      string `json:"ct,omitempty"`
	Sig     string `json:"sig,omitempty"`
	Content string `json:"content,omitempty"`
}

// MessageAck acknowledges receipt of a Message by ID.
type MessageAck struct {
	Type Kind   `json:"type"`
	ID   string `json:"id"`
}

// MessageEdit carries an edited message body under the same envelope
// rules as Message.
type MessageEdit struct {
	Type    Kind   `json:"type"`
	ID      string `json:"id"`
	TS      int64  `json:"ts"`
	E2E     bool   `json:"e2e,omitempty"`
	IV      string `json:"iv,omitempty"`
	CT      string `json:"ct,omitempty"`
	Sig     string `json:"sig,omitempty"`
	Content string `json:"content,omitempty"`
}

// MessageDelete marks a message deleted (tombstone) by ID.
type MessageDelete struct {
	Type Kind   `json:"type"`
	ID   string `json:"id"`
}

// NameUpdate broadcasts a new friendly name over every open channel.
type NameUpdate struct {
	Type Kind   `json:"type"`
	Name string `json:"name"`
}

// FileStart, FileChunk, FileEnd, FileAck are the wire shape of the file
// transfer sketch in spec.md §6. Chunking, storage, and resumption are
// out of scope; these types exist so a collaborator component can be
// wired to the same channel without a second framing format.
type FileStart struct {
	Type  Kind   `json:"type"`
	TID   string `json:"tid"`
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	Total int    `json:"total"`
}

type FileChunk struct {
	Type  Kind   `json:"type"`
	TID   string `json:"tid"`
	Index int    `json:"index"`
	Chunk string `json:"chunk"` // base64
}

type FileEnd struct {
	Type Kind   `json:"type"`
	TID  string `json:"tid"`
}

type FileAck struct {
	Type Kind   `json:"type"`
	TID  string `json:"tid"`
}

// RegistryPeer is one entry in a Registry broadcast.
type RegistryPeer struct {
	DiscoveryID  string `json:"discoveryID"`
	FriendlyName string `json:"friendlyName"`
	PublicKey    string `json:"publicKey,omitempty"`
}

// Checkin is sent by a joining peer to its router.
type Checkin struct {
	Type         Kind   `json:"type"`
	DiscoveryID  string `json:"discoveryID"`
	FriendlyName string `json:"friendlyName"`
	PublicKey    string `json:"publicKey"`
}

// Registry is the router's full peer-list broadcast.
type Registry struct {
	Type  Kind           `json:"type"`
	Peers []RegistryPeer `json:"peers"`
}

// Ping/Pong are the router keepalive exchange.
type Ping struct {
	Type Kind `json:"type"`
}

type Pong struct {
	Type Kind `json:"type"`
}

// Migrate instructs a peer to rejoin at a different level.
type Migrate struct {
	Type  Kind `json:"type"`
	Level int  `json:"level"`
}

// ReverseWelcome is sent by a router that successfully probed a peer's
// peer-slot claim, inviting the peer to reuse the connection as its
// router channel.
type ReverseWelcome struct {
	Type Kind `json:"type"`
}

// RvzExchange is the signed persistent-ID refresh exchanged inside a
// rendezvous namespace.
type RvzExchange struct {
	Type         Kind   `json:"type"`
	PersistentID string `json:"persistentID"`
	FriendlyName string `json:"friendlyName"`
	PublicKey    string `json:"publicKey"`
	TS           int64  `json:"ts"`
	Signature    string `json:"signature"`
}
