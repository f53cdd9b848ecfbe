package connmgr

// PeerPools is the manager actor's collection of active pools. It is owned
// solely by the actor — no external synchronization is needed because only
// the single-threaded actor ever touches it (spec.md §5).
type PeerPools struct {
	pools []*PeerPool
}

// NewPeerPools returns an empty collection.
func NewPeerPools() *PeerPools {
	return &PeerPools{}
}

// Push appends pool. The caller guarantees uniqueness by type; Push itself
// does not check.
func (p *PeerPools) Push(pool *PeerPool) {
	p.pools = append(p.pools, pool)
}

// GetMut returns the pool with the given id, or nil if none matches.
func (p *PeerPools) GetMut(id PoolId) *PeerPool {
	for _, pool := range p.pools {
		if pool.id == id {
			return pool
		}
	}
	return nil
}

// GetByType returns the pool of the given type, or nil if none is active.
func (p *PeerPools) GetByType(poolType PeerPoolType) *PeerPool {
	for _, pool := range p.pools {
		if pool.poolType == poolType {
			return pool
		}
	}
	return nil
}

// Remove drops the pool of the given type, reporting whether one was
// present. The connections it held are not closed: they may continue to
// live, and will be reaped or reassigned by ordinary connection-manager
// churn (spec.md §4.5, ReleasePool).
func (p *PeerPools) Remove(poolType PeerPoolType) bool {
	for i, pool := range p.pools {
		if pool.poolType == poolType {
			p.pools = append(p.pools[:i], p.pools[i+1:]...)
			return true
		}
	}
	return false
}

// Iter returns a read-only snapshot slice of the active pools.
func (p *PeerPools) Iter() []*PeerPool {
	out := make([]*PeerPool, len(p.pools))
	copy(out, p.pools)
	return out
}
