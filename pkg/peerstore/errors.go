package peerstore

import "errors"

// Sentinel errors surfaced by Store implementations. Callers should use
// errors.Is against these values rather than comparing strings.
var (
	// ErrPeerNotFound is returned by exact-lookup and mutation operations
	// when no peer matches the given key.
	ErrPeerNotFound = errors.New("peerstore: peer not found")
)
