package connmgr

import (
	"fmt"
	"time"

	"github.com/phoreproject/go-connectivity-core/pkg/nodeid"
	"go.uber.org/atomic"
)

// PoolId is a process-wide, monotonically increasing pool identifier. Two
// pools in the same process never share an id, even when AddPool is called
// concurrently from different goroutines, and a disposed-and-recreated
// pool never collides with a stale id held by an in-flight refresh task.
type PoolId uint64

var poolIDCounter atomic.Uint64

func nextPoolID() PoolId {
	return PoolId(poolIDCounter.Inc())
}

// PeerPoolType identifies a pool's role.
type PeerPoolType int

const (
	// Neighbours holds peers close by XOR distance to the local node,
	// used for structured propagation.
	Neighbours PeerPoolType = iota
	// Random holds a uniformly sampled set of peers, disjoint from
	// Neighbours, used to reduce eclipse risk.
	Random
)

func (t PeerPoolType) String() string {
	switch t {
	case Neighbours:
		return "neighbours"
	case Random:
		return "random"
	default:
		return "unknown"
	}
}

// PoolStatus summarises how well a pool's actual membership matches its
// desired size, set at the end of each refresh.
type PoolStatus int

const (
	StatusUninitialised PoolStatus = iota
	StatusOk
	StatusPartial
	StatusFailed
)

func (s PoolStatus) String() string {
	switch s {
	case StatusUninitialised:
		return "uninitialised"
	case StatusOk:
		return "ok"
	case StatusPartial:
		return "partial"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PoolParams are the per-type tuning knobs resolved from Config by
// paramsForType.
type PoolParams struct {
	NumDesired    int
	StaleInterval time.Duration
	// MinRequired is nil when a pool has no empty-fatal floor (e.g.
	// Neighbours); set to a non-nil 0 for Random, which tolerates being
	// empty without ever being considered Failed.
	MinRequired *int
}

// PeerPool is an in-memory view of the connections a node wants for a given
// role. Pools are owned solely by the connectivity manager actor; nothing
// outside of it mutates a PeerPool directly.
type PeerPool struct {
	id                PoolId
	poolType          PeerPoolType
	params            PoolParams
	status            PoolStatus
	connections       []Connection
	lastRefreshed     *time.Time
	refreshInProgress bool
}

// NewPeerPool constructs an empty, uninitialised pool of the given type.
func NewPeerPool(poolType PeerPoolType, params PoolParams) *PeerPool {
	return &PeerPool{
		id:       nextPoolID(),
		poolType: poolType,
		params:   params,
		status:   StatusUninitialised,
	}
}

// Id returns the pool's process-unique identifier.
func (p *PeerPool) Id() PoolId { return p.id }

// Type returns the pool's role.
func (p *PeerPool) Type() PeerPoolType { return p.poolType }

// Params returns the pool's sizing and refresh configuration.
func (p *PeerPool) Params() PoolParams { return p.params }

// Status returns the pool's last-computed health.
func (p *PeerPool) Status() PoolStatus { return p.status }

// Connections returns the pool's current connections, ordered as stored.
// Callers must not mutate the returned slice.
func (p *PeerPool) Connections() []Connection {
	return p.connections
}

// PoolSnapshot is a point-in-time, externally safe view of a pool,
// returned by GetPool across the actor boundary.
type PoolSnapshot struct {
	Id            PoolId
	Type          PeerPoolType
	Status        PoolStatus
	Connections   []Connection
	LastRefreshed *time.Time
}

// Snapshot copies the pool's externally visible state.
func (p *PeerPool) Snapshot() PoolSnapshot {
	conns := make([]Connection, len(p.connections))
	copy(conns, p.connections)
	return PoolSnapshot{
		Id:            p.id,
		Type:          p.poolType,
		Status:        p.status,
		Connections:   conns,
		LastRefreshed: p.lastRefreshed,
	}
}

// IsStale reports whether the pool needs a refresh: either it has never
// been refreshed, or its last refresh is older than its stale interval.
func (p *PeerPool) IsStale() bool {
	if p.lastRefreshed == nil {
		return true
	}
	return time.Since(*p.lastRefreshed) > p.params.StaleInterval
}

// GetNodeIds returns the node ids of the pool's current connections,
// ordered as stored and free of duplicates (an invariant the pool
// maintains internally, see setConnections).
func (p *PeerPool) GetNodeIds() []nodeid.NodeId {
	ids := make([]nodeid.NodeId, len(p.connections))
	for i, c := range p.connections {
		ids[i] = c.PeerNodeId()
	}
	return ids
}

// Contains reports whether id is among the pool's current connections.
func (p *PeerPool) Contains(id nodeid.NodeId) bool {
	for _, c := range p.connections {
		if c.PeerNodeId() == id {
			return true
		}
	}
	return false
}

// setConnections replaces the pool's connection list, deduplicating by
// node id (the first connection for an id is kept) and dropping any
// self-connection, to uphold
// the invariants of spec.md §3.
func (p *PeerPool) setConnections(selfID nodeid.NodeId, conns []Connection) {
	seen := make(map[nodeid.NodeId]struct{}, len(conns))
	deduped := make([]Connection, 0, len(conns))
	for _, c := range conns {
		id := c.PeerNodeId()
		if id == selfID {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		deduped = append(deduped, c)
	}
	p.connections = deduped
}

// SetConnectionsForTest exposes setConnections to tests outside the
// package; production code only ever reaches it through refresh.
func (p *PeerPool) SetConnectionsForTest(selfID nodeid.NodeId, conns []Connection) {
	p.setConnections(selfID, conns)
}

// removeByNodeId drops any connection to id from the pool, reporting
// whether one was present.
func (p *PeerPool) removeByNodeId(id nodeid.NodeId) bool {
	for i, c := range p.connections {
		if c.PeerNodeId() == id {
			p.connections = append(p.connections[:i], p.connections[i+1:]...)
			p.recomputeStatus()
			return true
		}
	}
	return false
}

// addConnection appends a connection if it is not already present and is
// not a self-connection.
func (p *PeerPool) addConnection(selfID nodeid.NodeId, c Connection) bool {
	id := c.PeerNodeId()
	if id == selfID || p.Contains(id) {
		return false
	}
	p.connections = append(p.connections, c)
	p.recomputeStatus()
	return true
}

// recomputeStatus sets Status from the pool's current size against its
// desired and minimum-required thresholds (spec.md §4.5 step 8).
func (p *PeerPool) recomputeStatus() {
	switch {
	case len(p.connections) >= p.params.NumDesired:
		p.status = StatusOk
	case p.params.MinRequired != nil && len(p.connections) >= *p.params.MinRequired:
		p.status = StatusPartial
	default:
		p.status = StatusFailed
	}
}

func (p *PeerPool) String() string {
	refreshed := "never"
	if p.lastRefreshed != nil {
		refreshed = p.lastRefreshed.Format(time.RFC3339)
	}
	return fmt.Sprintf("PeerPool{id: %d, type: %s, connections: %d, status: %s, lastRefreshed: %s}",
		p.id, p.poolType, len(p.connections), p.status, refreshed)
}
