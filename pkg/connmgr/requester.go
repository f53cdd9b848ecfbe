package connmgr

import "github.com/phoreproject/go-connectivity-core/pkg/nodeid"

// SelectionKind discriminates ConnectivitySelection.
type SelectionKind int

const (
	// SelectionPropagation samples members from the neighbour and random
	// pools for gossip-style propagation.
	SelectionPropagation SelectionKind = iota
	// SelectionSingle asks for the one connection to a specific peer, if
	// any managed pool or the ad-hoc or client buffers hold it.
	SelectionSingle
)

// ConnectivitySelection is the request payload for SelectConnections,
// constructed with Propagation or Single.
type ConnectivitySelection struct {
	kind         SelectionKind
	numNeighbour int
	numRandom    int
	nodeId       nodeid.NodeId
}

// Propagation requests up to numNeighbour members of the Neighbours pool
// and up to numRandom members of the Random pool, deduplicated. Each count
// is raised to Config.PropagationRandomSampleSize when it is below that
// floor.
func Propagation(numNeighbour, numRandom int) ConnectivitySelection {
	return ConnectivitySelection{kind: SelectionPropagation, numNeighbour: numNeighbour, numRandom: numRandom}
}

// Single requests the one connection to id, if any pool or the ad-hoc or
// client buffers hold it.
func Single(id nodeid.NodeId) ConnectivitySelection {
	return ConnectivitySelection{kind: SelectionSingle, nodeId: id}
}

type addPoolRequest struct {
	poolType PeerPoolType
	reply    chan error
}

type releasePoolRequest struct {
	poolType PeerPoolType
}

type getPoolRequest struct {
	poolType PeerPoolType
	reply    chan getPoolReply
}

type getPoolReply struct {
	snapshot PoolSnapshot
	err      error
}

type selectConnectionsRequest struct {
	selection ConnectivitySelection
	reply     chan []Connection
}

type banPeerRequest struct {
	nodeId nodeid.NodeId
}

// ConnectivityRequester is a cheap, copyable handle onto a running
// Manager's request channel (spec.md §4.6). The zero value is not usable;
// obtain one from Manager.Requester.
type ConnectivityRequester struct {
	requests chan<- interface{}
	done     <-chan struct{}
}

func (r ConnectivityRequester) send(msg interface{}) error {
	select {
	case r.requests <- msg:
		return nil
	case <-r.done:
		return ErrActorDisconnected
	}
}

// AddPool creates a pool of poolType if one does not already exist and
// triggers its initial refresh; idempotent if the pool already exists.
func (r ConnectivityRequester) AddPool(poolType PeerPoolType) error {
	reply := make(chan error, 1)
	if err := r.send(addPoolRequest{poolType: poolType, reply: reply}); err != nil {
		return err
	}
	select {
	case err, ok := <-reply:
		if !ok {
			return ErrActorResponseCancelled
		}
		return err
	case <-r.done:
		return ErrActorResponseCancelled
	}
}

// ReleasePool removes the pool of poolType. Fire-and-forget: the only
// failure mode is the actor being gone.
func (r ConnectivityRequester) ReleasePool(poolType PeerPoolType) error {
	return r.send(releasePoolRequest{poolType: poolType})
}

// GetPool returns a snapshot of the pool of poolType, or
// ErrPoolNotFoundByType if none is active.
func (r ConnectivityRequester) GetPool(poolType PeerPoolType) (PoolSnapshot, error) {
	reply := make(chan getPoolReply, 1)
	if err := r.send(getPoolRequest{poolType: poolType, reply: reply}); err != nil {
		return PoolSnapshot{}, err
	}
	select {
	case res, ok := <-reply:
		if !ok {
			return PoolSnapshot{}, ErrActorResponseCancelled
		}
		return res.snapshot, res.err
	case <-r.done:
		return PoolSnapshot{}, ErrActorResponseCancelled
	}
}

// SelectConnections serves sel from the manager's currently active pools
// without touching the directory.
func (r ConnectivityRequester) SelectConnections(sel ConnectivitySelection) ([]Connection, error) {
	reply := make(chan []Connection, 1)
	if err := r.send(selectConnectionsRequest{selection: sel, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case conns, ok := <-reply:
		if !ok {
			return nil, ErrActorResponseCancelled
		}
		return conns, nil
	case <-r.done:
		return nil, ErrActorResponseCancelled
	}
}

// BanPeer requests that id be banned in the directory, disconnected, and
// dropped from every pool. Fire-and-forget.
func (r ConnectivityRequester) BanPeer(id nodeid.NodeId) error {
	return r.send(banPeerRequest{nodeId: id})
}
