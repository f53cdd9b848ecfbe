package peerstore

import "github.com/phoreproject/go-connectivity-core/pkg/nodeid"

// RegionStats summarises the neighbourhood of regionNodeId, as returned by
// Store.GetRegionStats.
type RegionStats struct {
	// ThresholdDistance is the distance of the n-th closest matching peer;
	// peers strictly beyond it are out of region.
	ThresholdDistance nodeid.Distance
	// InRegionCount is the number of matching peers at or within
	// ThresholdDistance.
	InRegionCount int
	// TotalConsidered is the number of non-banned peers that matched
	// Features before the distance cut was applied.
	TotalConsidered int
}
