package peerstore

import (
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/phoreproject/go-connectivity-core/pkg/nodeid"
)

// Id is a stable, process-local handle for a stored peer record, returned
// by AddPeer and otherwise opaque to callers.
type Id uint64

// IterationDecision tells ForEach whether to keep iterating, mirroring the
// original source's IterationResult::{Continue,Stop}.
type IterationDecision int

const (
	// Continue proceeds to the next peer.
	Continue IterationDecision = iota
	// Stop halts iteration after the current peer.
	Stop
)

// Update carries the optional fields of a partial UpdatePeer call. Only
// non-nil fields are applied; all others are left untouched.
// SupportedProtocols is the exception: UpdatePeer does not apply it, so a
// peer's supported protocols are left unchanged by an update.
type Update struct {
	NodeId             *nodeid.NodeId
	Addresses          []ma.Multiaddr
	Flags              *Flags
	BannedUntil        *time.Time
	IsOffline          *bool
	Features           *Features
	ConnectionStats    *ConnectionStats
	SupportedProtocols []string
}

// Store is the peer directory's storage contract: a concurrent,
// query-capable collection of Peer records keyed by public key, with a
// NodeId secondary index. Implementations provide many-reader/
// single-writer semantics: queries observe a consistent snapshot taken at
// the moment they begin, and no mutation is ever partially applied.
type Store interface {
	AddPeer(peer *Peer) (Id, error)
	UpdatePeer(publicKey []byte, update Update) error
	DeletePeer(id nodeid.NodeId) error

	FindByNodeId(id nodeid.NodeId) (*Peer, error)
	FindByPublicKey(publicKey []byte) (*Peer, error)
	Exists(publicKey []byte) bool
	ExistsNodeId(id nodeid.NodeId) bool

	All() ([]*Peer, error)
	FloodPeers() ([]*Peer, error)

	DirectIdentityNodeId(id nodeid.NodeId) (*Peer, error)
	DirectIdentityPublicKey(publicKey []byte) (*Peer, error)

	PerformQuery(q Query) ([]*Peer, error)
	ClosestPeers(target nodeid.NodeId, n int, excludedPublicKeys [][]byte, features *Features) ([]*Peer, error)
	RandomPeers(n int, excludedNodeIds []nodeid.NodeId) ([]*Peer, error)

	InNetworkRegion(id, regionNodeId nodeid.NodeId, n int) (bool, error)
	CalcRegionThreshold(regionNodeId nodeid.NodeId, n int, features Features) (nodeid.Distance, error)
	GetRegionStats(regionNodeId nodeid.NodeId, n int, features Features) (RegionStats, error)

	BanFor(publicKey []byte, duration time.Duration) error
	Unban(publicKey []byte) error
	SetOffline(publicKey []byte, offline bool) error

	AddNetAddress(id nodeid.NodeId, addr ma.Multiaddr) error
	SetLastConnectSuccess(id nodeid.NodeId) error
	SetLastConnectFailure(id nodeid.NodeId) error
	AddOrUpdateOnlinePeer(publicKey []byte, id nodeid.NodeId, addrs []ma.Multiaddr, features Features) (*Peer, error)

	ForEach(f func(*Peer) IterationDecision) error
	UpdateEach(f func(*Peer) (*Peer, bool)) (int, error)

	GetPeerFeatures(id nodeid.NodeId) (Features, error)

	// Close releases any resources held by the backend (file handles,
	// open transactions). Memory backends treat this as a no-op.
	Close() error
}
