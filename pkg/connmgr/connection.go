package connmgr

import (
	"context"
	"time"

	"github.com/phoreproject/go-connectivity-core/pkg/nodeid"
)

// Connection is the opaque handle the out-of-scope Connection Manager
// hands the connectivity core for a live transport connection. Ownership
// is shared: a Connection may outlive any single pool slot it occupies.
type Connection interface {
	PeerNodeId() nodeid.NodeId
	Close() error
}

// DisconnectReason qualifies why a connection is going away, passed through
// from the Connection Manager's PeerConnectWillClose event.
type DisconnectReason int

const (
	DisconnectReasonUnknown DisconnectReason = iota
	DisconnectReasonRequested
	DisconnectReasonTransportError
	DisconnectReasonIdle
)

// ConnectionDirection records which side initiated a connection.
type ConnectionDirection int

const (
	DirectionUnknown ConnectionDirection = iota
	DirectionInbound
	DirectionOutbound
)

// Event is the taxonomy of notifications the Connection Manager emits; the
// manager actor reacts to PeerConnected/PeerDisconnected/
// PeerConnectWillClose and ignores everything else (spec.md §4.5).
type Event struct {
	Kind       EventKind
	Connection Connection      // set for EventPeerConnected
	NodeId     nodeid.NodeId   // set for EventPeerDisconnected, EventPeerConnectWillClose
	Reason     DisconnectReason // set for EventPeerConnectWillClose
	Direction  ConnectionDirection
}

// EventKind discriminates Event.Kind.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventPeerConnected
	EventPeerDisconnected
	EventPeerConnectWillClose
)

// ConnectionManager is the out-of-scope collaborator that dials, accepts,
// and drops transport connections, and publishes connection lifecycle
// events. The connectivity core only consumes this contract surface
// (spec.md §6).
type ConnectionManager interface {
	Dial(ctx context.Context, id nodeid.NodeId, timeout time.Duration) (Connection, error)
	Disconnect(ctx context.Context, id nodeid.NodeId, reason DisconnectReason) error
	Subscribe() (events <-chan Event, cancel func())
}
