// Package signaling abstracts the third-party rendezvous/transport service
// described in spec.md §4.1: claiming a globally unique endpoint string,
// connecting to a named endpoint over a reliable byte-message channel,
// accepting inbound channels, and a network-reachability status stream.
package signaling

import (
	"context"
	"errors"
)

// ErrAlreadyTaken is the claim-conflict signal of spec.md §7: it's a
// protocol signal, not an error condition, and callers branch on it
// (elect vs. join, regenerate persistent ID on self-conflict).
var ErrAlreadyTaken = errors.New("signaling: endpoint already taken")

// ErrUnreachable is returned by Connect when the named endpoint cannot be
// reached at all (nothing is listening, or the service itself is down).
var ErrUnreachable = errors.New("signaling: endpoint unreachable")

// Status is a network/service reachability event.
type Status int

const (
	StatusOpen Status = iota
	StatusReconnecting
	StatusClosed
	StatusIDTaken
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	case StatusIDTaken:
		return "id-taken"
	default:
		return "unknown"
	}
}

// ChannelEventKind tags one event on a Channel's event stream.
type ChannelEventKind int

const (
	ChannelOpen ChannelEventKind = iota
	ChannelData
	ChannelClose
	ChannelError
)

// ChannelEvent is one event delivered on a Channel's Events() stream.
type ChannelEvent struct {
	Kind ChannelEventKind
	Data []byte // valid when Kind == ChannelData
	Err  error  // valid when Kind == ChannelError
}

// Channel is a reliable, ordered, bidirectional byte-message channel to
// one named endpoint. Ordering is only guaranteed within one Channel, per
// spec.md §5.
type Channel interface {
	// Send transmits one opaque JSON-shaped message payload.
	Send(payload []byte) error
	// Events returns the channel's event stream. A ChannelClose or
	// ChannelError event is terminal: no further events follow it, but
	// implementations are not required to close the Go channel itself.
	Events() <-chan ChannelEvent
	// Close tears down the channel.
	Close() error
}

// Session represents a held claim on an endpoint string — the result of a
// successful Claim. It can accept inbound channels and be released.
type Session interface {
	// Accept returns the stream of inbound channels connecting to this
	// claimed endpoint.
	Accept() <-chan Channel
	// Release gives up the claim, freeing the endpoint string for
	// another claimant.
	Release() error
	// Endpoint returns the claimed endpoint string.
	Endpoint() string
}

// Adapter is the capability set spec.md §4.1 requires of the third-party
// signaling/transport service.
type Adapter interface {
	// Claim attempts to claim a globally unique endpoint string. Returns
	// ErrAlreadyTaken if another session already holds it.
	Claim(ctx context.Context, endpoint string) (Session, error)
	// Connect opens a channel to a named endpoint. Returns ErrUnreachable
	// if the endpoint cannot be reached.
	Connect(ctx context.Context, endpoint string) (Channel, error)
	// Status returns the adapter-wide reachability status stream: network
	// interface changes, visibility changes, and service connectivity.
	Status() <-chan Status
	// Reconnect explicitly requests the adapter re-establish its
	// connection to the signaling service without requiring a new claim
	// string, per spec.md §4.1's "disconnected-then-reconnected" path.
	Reconnect()
}
