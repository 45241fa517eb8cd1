// Package transport delivers negotiation messages between peers. Delivery
// is fire-and-forget and at-most-once; a transport that learns an addressee
// is unknown reports it back to the sender as an undeliverable notice.
package transport

import (
	"context"

	"github.com/jllopis/contractnet/pkg/core"
)

// Sender hands a message to the transport. A returned error means the
// message was not taken; a nil error promises nothing about delivery.
type Sender interface {
	Send(ctx context.Context, msg core.Message) error
}

// Transport sends messages and exposes the inbound stream of a peer.
type Transport interface {
	Sender
	// Subscribe returns an unbounded stream of messages addressed to selfID,
	// ordered per sender. The channel closes when ctx ends or the transport
	// shuts down.
	Subscribe(ctx context.Context, selfID string) (<-chan core.Message, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg core.Message) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, msg core.Message) error { return f(ctx, msg) }

// AddressBook maps peer ids to network addresses for remote transports.
type AddressBook interface {
	Lookup(ctx context.Context, peerID string) (string, error)
}

// StaticAddressBook is a fixed peer id to address map.
type StaticAddressBook map[string]string

// Lookup implements AddressBook.
func (b StaticAddressBook) Lookup(_ context.Context, peerID string) (string, error) {
	addr, ok := b[peerID]
	if !ok || addr == "" {
		return "", ErrUnknownPeer
	}
	return addr, nil
}
