// Package transport carries daemon messages between cluster nodes.
//
// A Transport delivers opaque payloads to every peer or to one peer by
// name and reports membership and quorum changes as events. Payloads larger
// than a link allows are split and reassembled by a Fragmenter.
package transport

import (
	"context"
	"fmt"

	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
)

// Peer identifies a cluster node.
type Peer struct {
	ID   uint32
	Name string
}

func (p Peer) String() string {
	return fmt.Sprintf("%s(%d)", p.Name, p.ID)
}

// EventType is the kind of a transport event.
type EventType int

const (
	EventPeerUp EventType = iota + 1
	EventPeerDown
	EventMessage
	EventQuorum
)

func (t EventType) String() string {
	switch t {
	case EventPeerUp:
		return "peer-up"
	case EventPeerDown:
		return "peer-down"
	case EventMessage:
		return "message"
	case EventQuorum:
		return "quorum"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is something the transport observed. Peer is set for every type
// but EventQuorum; Payload only for EventMessage.
type Event struct {
	Type    EventType
	Peer    Peer
	Payload []byte
	Quorum  bool
}

// Transport is a cluster messaging link.
type Transport interface {
	// Local returns the identity of this node.
	Local() Peer

	// Broadcast sends payload to every connected peer. The local node does
	// not receive its own broadcasts.
	Broadcast(ctx context.Context, payload []byte) error

	// Unicast sends payload to the named peer.
	Unicast(ctx context.Context, to string, payload []byte) error

	// Events streams membership changes and received messages. The channel
	// is closed by Close.
	Events() <-chan Event

	Close() error
}

var (
	// ErrClosed is returned when sending on a closed transport.
	ErrClosed = &ierrors.Error{Code: ierrors.EUnavailable, Msg: "transport closed"}

	// ErrOverflow is returned when an outbound queue is full. The message is
	// dropped; the receiver recovers through a resync.
	ErrOverflow = &ierrors.Error{Code: ierrors.EUnavailable, Msg: "transport queue full"}
)

// ErrUnknownPeer is returned by Unicast for a peer that is not connected.
func ErrUnknownPeer(name string) error {
	return &ierrors.Error{Code: ierrors.EUnavailable, Msg: "peer " + name + " is not connected"}
}
