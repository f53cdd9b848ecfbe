package connmgr

import "errors"

// Sentinel errors surfaced by the connectivity manager and requester, per
// spec.md §7's error taxonomy. DialFailed/DialTimeout never reach these
// surfaces: they are internal to refresh and only ever update directory
// stats.
var (
	// ErrPoolNotFoundByType is returned by GetPool when no pool of the
	// requested type is active.
	ErrPoolNotFoundByType = errors.New("connmgr: no pool of that type")

	// ErrPoolNotFoundByID is returned when a refresh is started for a pool
	// id that does not resolve to an active pool. Results of a refresh task
	// whose pool was released mid-refresh are discarded without an error.
	ErrPoolNotFoundByID = errors.New("connmgr: no pool with that id")

	// ErrActorDisconnected is returned by a Requester method when the
	// send to the manager's request channel failed because the actor is
	// gone.
	ErrActorDisconnected = errors.New("connmgr: connectivity manager is not running")

	// ErrActorResponseCancelled is returned when a reply channel was
	// dropped before a response arrived, which only happens if the actor
	// panics or is torn down mid-request.
	ErrActorResponseCancelled = errors.New("connmgr: connectivity manager dropped the reply channel")
)
