package peerstore

import (
	"time"

	"github.com/libp2p/go-libp2p-core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/phoreproject/go-connectivity-core/pkg/nodeid"
)

// Flags is a bit set of peer-level attributes.
type Flags uint32

const (
	// FlagBanned is set while a peer's ban deadline is in the future. It
	// is derived state: the authoritative field is Peer.BannedUntil, but
	// the flag is kept in sync so that a stored record is self-describing
	// without needing a wall-clock comparison to interpret.
	FlagBanned Flags = 1 << iota
)

// Features is a bit set describing the roles a peer advertises.
type Features uint32

const (
	// CommunicationNode marks a peer that relays and forwards traffic for
	// others — the role eligible for neighbour/random pool membership.
	CommunicationNode Features = 1 << iota
	// CommunicationClient marks a peer that only originates its own
	// traffic and does not relay for others.
	CommunicationClient
)

// Contains reports whether f has every bit set in required.
func (f Features) Contains(required Features) bool {
	return f&required == required
}

// NetAddress pairs a transport address with simple liveness stats, mirroring
// the per-address bookkeeping the pack's examples keep alongside multiaddrs.
type NetAddress struct {
	Addr            ma.Multiaddr
	LastSeen        time.Time
	LastAttempt     time.Time
	RejectedCount   uint32
	ConnectionCount uint32
}

// ConnectionStats tracks dial outcomes for a peer, consulted by peer
// selection's cooldown logic (spec.md §4.4).
type ConnectionStats struct {
	FailedAttempts uint32
	LastSuccess    time.Time
	LastFailure    time.Time
}

// SetSuccess records a successful contact, resetting the failure streak.
func (s *ConnectionStats) SetSuccess(now time.Time) {
	s.FailedAttempts = 0
	s.LastSuccess = now
}

// SetFailure records a failed contact attempt.
func (s *ConnectionStats) SetFailure(now time.Time) {
	s.FailedAttempts++
	s.LastFailure = now
}

// TimeSinceLastFailure returns the elapsed time since the last recorded
// failure, and false if there has never been one.
func (s ConnectionStats) TimeSinceLastFailure(now time.Time) (time.Duration, bool) {
	if s.LastFailure.IsZero() {
		return 0, false
	}
	return now.Sub(s.LastFailure), true
}

// Peer is the authoritative record for a known peer in the overlay network.
type Peer struct {
	PublicKey          []byte
	NodeId             nodeid.NodeId
	Addresses          []NetAddress
	Flags              Flags
	BannedUntil        time.Time
	IsOffline          bool
	Features           Features
	ConnectionStats    ConnectionStats
	SupportedProtocols []protocol.ID
}

// IsBanned reports whether the peer is currently under a ban, consulting
// BannedUntil rather than the (derived, best-effort) Flags bit, so it is
// always correct regardless of when the record was last written.
func (p *Peer) IsBanned(now time.Time) bool {
	return !p.BannedUntil.IsZero() && p.BannedUntil.After(now)
}

// Clone returns a deep-enough copy of p safe to hand back across the
// Store's reader boundary without risking a caller mutating directory
// state through aliased slices.
func (p *Peer) Clone() *Peer {
	if p == nil {
		return nil
	}
	cp := *p
	cp.PublicKey = append([]byte(nil), p.PublicKey...)
	cp.Addresses = append([]NetAddress(nil), p.Addresses...)
	cp.SupportedProtocols = append([]protocol.ID(nil), p.SupportedProtocols...)
	return &cp
}

// HasAddress reports whether addr is already present, compared with
// Multiaddr.Equal.
func (p *Peer) HasAddress(addr ma.Multiaddr) bool {
	for _, a := range p.Addresses {
		if a.Addr.Equal(addr) {
			return true
		}
	}
	return false
}

// MergeFeatures ORs in additional feature bits, used by
// add_or_update_online_peer to accumulate roles over time.
func (p *Peer) MergeFeatures(features Features) {
	p.Features |= features
}

// MergeAddresses appends any addresses not already present.
func (p *Peer) MergeAddresses(addrs []ma.Multiaddr, now time.Time) {
	for _, addr := range addrs {
		if p.HasAddress(addr) {
			continue
		}
		p.Addresses = append(p.Addresses, NetAddress{Addr: addr, LastSeen: now})
	}
}
