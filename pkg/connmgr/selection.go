package connmgr

import (
	"time"

	"github.com/phoreproject/go-connectivity-core/pkg/nodeid"
	"github.com/phoreproject/go-connectivity-core/pkg/peerstore"
)

// selectNeighbours picks up to n candidates for the Neighbours pool: online,
// unbanned CommunicationNode peers not already excluded, ordered by XOR
// distance to selfNodeId (spec.md §4.4). Peers with more than
// BroadcastCooldownMaxAttempts failed attempts are skipped until
// BroadcastCooldownPeriod has passed since their last failure, matching the
// broadcast-cooldown rule of spec.md §4.4.
func selectNeighbours(store peerstore.Store, selfNodeId nodeid.NodeId, n int, cfg Config, excluded map[nodeid.NodeId]struct{}) ([]*peerstore.Peer, error) {
	now := time.Now()
	query := peerstore.NewQuery().
		SelectWhere(func(p *peerstore.Peer) bool {
			if p.IsOffline || p.IsBanned(now) {
				return false
			}
			if !p.Features.Contains(peerstore.CommunicationNode) {
				return false
			}
			if _, skip := excluded[p.NodeId]; skip {
				return false
			}
			return eligibleAfterCooldown(p, cfg, now)
		}).
		SortByDistanceFrom(selfNodeId).
		Limit(n)

	return store.PerformQuery(query)
}

// selectRandom picks up to n candidates for the Random pool, uniformly
// sampled and disjoint from whatever is already excluded (typically the
// current Neighbours membership), per spec.md §4.4.
func selectRandom(store peerstore.Store, n int, excluded map[nodeid.NodeId]struct{}) ([]*peerstore.Peer, error) {
	excludedIds := make([]nodeid.NodeId, 0, len(excluded))
	for id := range excluded {
		excludedIds = append(excludedIds, id)
	}
	return store.RandomPeers(n, excludedIds)
}

// eligibleAfterCooldown reports whether p may be dialed again: either it
// has not exceeded the configured number of consecutive failed attempts,
// or enough time has passed since its last failure to retry it anyway.
func eligibleAfterCooldown(p *peerstore.Peer, cfg Config, now time.Time) bool {
	stats := p.ConnectionStats
	if stats.FailedAttempts <= uint32(cfg.BroadcastCooldownMaxAttempts) {
		return true
	}
	elapsed, hasFailure := stats.TimeSinceLastFailure(now)
	return !hasFailure || elapsed >= cfg.BroadcastCooldownPeriod
}

// excludedFromPool builds the node-id exclusion set for a pool's current
// members, used to keep Random disjoint from Neighbours.
func excludedFromPool(pool *PeerPool) map[nodeid.NodeId]struct{} {
	ids := pool.GetNodeIds()
	set := make(map[nodeid.NodeId]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
