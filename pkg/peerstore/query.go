package peerstore

import (
	"sort"

	"github.com/phoreproject/go-connectivity-core/pkg/nodeid"
)

// SortBy selects how PerformQuery orders its filtered result before
// applying the limit.
type SortBy int

const (
	// SortNone preserves the store's natural iteration order.
	SortNone SortBy = iota
	// SortDistanceFrom orders ascending by XOR distance from a reference
	// node id, supplied via Query.SortByDistanceFrom.
	SortDistanceFrom
)

// Predicate is a side-effect-free filter over a Peer. Implementations that
// want observability counters should close over a *int and increment it;
// the store does not persist or otherwise interpret those side effects.
type Predicate func(*Peer) bool

// Query describes a filter + sort + limit operation against a Store,
// evaluated in that order: filter, then sort, then limit.
type Query struct {
	predicate    Predicate
	sortBy       SortBy
	distanceFrom nodeid.NodeId
	limit        int
	hasLimit     bool
}

// NewQuery returns an empty query matching every peer, unsorted, unlimited.
func NewQuery() Query {
	return Query{}
}

// SelectWhere sets the filter predicate. Only peers for which pred returns
// true are retained.
func (q Query) SelectWhere(pred Predicate) Query {
	q.predicate = pred
	return q
}

// SortByDistanceFrom orders results ascending by distance from id.
func (q Query) SortByDistanceFrom(id nodeid.NodeId) Query {
	q.sortBy = SortDistanceFrom
	q.distanceFrom = id
	return q
}

// Limit caps the number of results returned.
func (q Query) Limit(n int) Query {
	q.limit = n
	q.hasLimit = true
	return q
}

// apply runs the query against an already-snapshotted slice of peers,
// implementing the filter -> sort -> limit pipeline shared by every Store
// backend.
func (q Query) apply(peers []*Peer) []*Peer {
	filtered := peers
	if q.predicate != nil {
		filtered = make([]*Peer, 0, len(peers))
		for _, p := range peers {
			if q.predicate(p) {
				filtered = append(filtered, p)
			}
		}
	}

	switch q.sortBy {
	case SortDistanceFrom:
		sort.SliceStable(filtered, func(i, j int) bool {
			di := q.distanceFrom.Distance(filtered[i].NodeId)
			dj := q.distanceFrom.Distance(filtered[j].NodeId)
			return di.Less(dj)
		})
	}

	if q.hasLimit && len(filtered) > q.limit {
		filtered = filtered[:q.limit]
	}
	return filtered
}
