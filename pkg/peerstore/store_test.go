package peerstore_test

import (
	"fmt"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/phoreproject/go-connectivity-core/pkg/nodeid"
	"github.com/phoreproject/go-connectivity-core/pkg/peerstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeCtor func(t *testing.T) peerstore.Store

func backends() map[string]storeCtor {
	return map[string]storeCtor{
		"memory": func(t *testing.T) peerstore.Store {
			return peerstore.NewMemory()
		},
		"badger-inmem": func(t *testing.T) peerstore.Store {
			s, err := peerstore.OpenBadger("")
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func testPeer(t *testing.T, seed int, banned bool, features peerstore.Features) *peerstore.Peer {
	t.Helper()
	pk := []byte(fmt.Sprintf("public-key-%d", seed))
	p := &peerstore.Peer{
		PublicKey: pk,
		NodeId:    nodeid.Derive(pk),
		Features:  features,
	}
	addr, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", 10000+seed))
	require.NoError(t, err)
	p.Addresses = []peerstore.NetAddress{{Addr: addr}}
	if banned {
		p.BannedUntil = time.Now().Add(time.Hour)
	}
	return p
}

func TestStoreBackends(t *testing.T) {
	for name, ctor := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Run("AddAndFind", func(t *testing.T) { testAddAndFind(t, ctor) })
			t.Run("DirectIdentityHidesBanned", func(t *testing.T) { testDirectIdentityHidesBanned(t, ctor) })
			t.Run("ClosestPeers", func(t *testing.T) { testClosestPeers(t, ctor) })
			t.Run("ClosestPeersExclusion", func(t *testing.T) { testClosestPeersExclusion(t, ctor) })
			t.Run("ClosestPeersBoundary", func(t *testing.T) { testClosestPeersBoundary(t, ctor) })
			t.Run("RandomPeersDisjointRuns", func(t *testing.T) { testRandomPeersDisjointRuns(t, ctor) })
			t.Run("RandomPeersExcludesBannedAndClients", func(t *testing.T) { testRandomExcludesBannedAndClients(t, ctor) })
			t.Run("RegionThreshold", func(t *testing.T) { testRegionThreshold(t, ctor) })
			t.Run("AddOrUpdateOnlinePeerClearsFailureState", func(t *testing.T) { testAddOrUpdateOnlinePeer(t, ctor) })
			t.Run("BanThenUnbanRestoresSelectability", func(t *testing.T) { testBanUnban(t, ctor) })
		})
	}
}

func testAddAndFind(t *testing.T, ctor storeCtor) {
	s := ctor(t)
	p := testPeer(t, 1, false, peerstore.CommunicationNode)
	_, err := s.AddPeer(p)
	require.NoError(t, err)

	found, err := s.FindByNodeId(p.NodeId)
	require.NoError(t, err)
	assert.Equal(t, p.NodeId, found.NodeId)

	found, err = s.FindByPublicKey(p.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, p.NodeId, found.NodeId)

	assert.True(t, s.Exists(p.PublicKey))
	assert.True(t, s.ExistsNodeId(p.NodeId))

	_, err = s.FindByNodeId(nodeid.Derive([]byte("never-added")))
	assert.ErrorIs(t, err, peerstore.ErrPeerNotFound)
}

func testDirectIdentityHidesBanned(t *testing.T, ctor storeCtor) {
	s := ctor(t)
	p := testPeer(t, 2, true, peerstore.CommunicationNode)
	_, err := s.AddPeer(p)
	require.NoError(t, err)

	got, err := s.DirectIdentityNodeId(p.NodeId)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.DirectIdentityPublicKey(p.PublicKey)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.DirectIdentityNodeId(nodeid.Derive([]byte("unknown")))
	require.NoError(t, err)
	assert.Nil(t, got)
}

// seedTwentyPeers mirrors the original Tari test fixture: 20 COMMUNICATION_NODE
// peers with the first and last banned.
func seedTwentyPeers(t *testing.T, s peerstore.Store) []*peerstore.Peer {
	t.Helper()
	peers := make([]*peerstore.Peer, 0, 20)
	for i := 0; i < 20; i++ {
		banned := i == 0 || i == 19
		p := testPeer(t, i, banned, peerstore.CommunicationNode)
		_, err := s.AddPeer(p)
		require.NoError(t, err)
		peers = append(peers, p)
	}
	return peers
}

func testClosestPeers(t *testing.T, ctor storeCtor) {
	s := ctor(t)
	seedTwentyPeers(t, s)
	target := nodeid.Derive([]byte("unmanaged-peer"))

	selected, err := s.ClosestPeers(target, 3, nil, nil)
	require.NoError(t, err)
	require.Len(t, selected, 3)

	all, err := s.FloodPeers()
	require.NoError(t, err)

	selectedIDs := map[nodeid.NodeId]struct{}{}
	var maxSelectedDist nodeid.Distance
	for i, sp := range selected {
		d := target.Distance(sp.NodeId)
		if i == 0 || d.Compare(maxSelectedDist) > 0 {
			maxSelectedDist = d
		}
		selectedIDs[sp.NodeId] = struct{}{}
	}

	for _, p := range all {
		if _, ok := selectedIDs[p.NodeId]; ok {
			continue
		}
		assert.True(t, target.Distance(p.NodeId).Compare(maxSelectedDist) >= 0)
	}
}

func testClosestPeersExclusion(t *testing.T, ctor storeCtor) {
	s := ctor(t)
	seedTwentyPeers(t, s)
	target := nodeid.Derive([]byte("unmanaged-peer"))

	first, err := s.ClosestPeers(target, 3, nil, nil)
	require.NoError(t, err)
	require.Len(t, first, 3)

	excluded := [][]byte{first[0].PublicKey}
	second, err := s.ClosestPeers(target, 3, excluded, nil)
	require.NoError(t, err)
	require.Len(t, second, 3)

	for _, p := range second {
		assert.NotEqual(t, first[0].PublicKey, p.PublicKey)
	}
}

func testClosestPeersBoundary(t *testing.T, ctor storeCtor) {
	s := ctor(t)
	seedTwentyPeers(t, s)
	target := nodeid.Derive([]byte("target"))

	none, err := s.ClosestPeers(target, 0, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, none)

	many, err := s.ClosestPeers(target, 1000, nil, nil)
	require.NoError(t, err)
	assert.Len(t, many, 18) // 20 seeded, 2 banned
}

func testRandomPeersDisjointRuns(t *testing.T, ctor storeCtor) {
	s := ctor(t)
	seedTwentyPeers(t, s)

	a, err := s.RandomPeers(10, nil)
	require.NoError(t, err)
	b, err := s.RandomPeers(10, nil)
	require.NoError(t, err)

	require.Len(t, a, 10)
	require.Len(t, b, 10)

	identical := true
	for i := range a {
		if a[i].NodeId != b[i].NodeId {
			identical = false
			break
		}
	}
	assert.False(t, identical, "two random_peers calls returned the same order with high probability of difference")
}

func testRandomExcludesBannedAndClients(t *testing.T, ctor storeCtor) {
	s := ctor(t)
	seedTwentyPeers(t, s)
	client := testPeer(t, 100, false, peerstore.CommunicationClient)
	_, err := s.AddPeer(client)
	require.NoError(t, err)

	banned := testPeer(t, 0, true, peerstore.CommunicationNode)
	result, err := s.RandomPeers(50, []nodeid.NodeId{banned.NodeId})
	require.NoError(t, err)

	for _, p := range result {
		assert.NotEqual(t, client.NodeId, p.NodeId)
		assert.False(t, p.IsBanned(time.Now()), "random_peers must not return banned peers")
		assert.True(t, p.Features.Contains(peerstore.CommunicationNode))
	}
}

func testRegionThreshold(t *testing.T, ctor storeCtor) {
	s := ctor(t)
	region := nodeid.Derive([]byte("region"))

	var nodes, clients []*peerstore.Peer
	for i := 0; i < 10; i++ {
		p := testPeer(t, i, false, peerstore.CommunicationNode)
		_, err := s.AddPeer(p)
		require.NoError(t, err)
		nodes = append(nodes, p)
	}
	for i := 10; i < 20; i++ {
		p := testPeer(t, i, false, peerstore.CommunicationClient)
		_, err := s.AddPeer(p)
		require.NoError(t, err)
		clients = append(clients, p)
	}

	threshold, err := s.CalcRegionThreshold(region, 5, peerstore.CommunicationNode)
	require.NoError(t, err)

	within, beyond := splitByThreshold(region, nodes, threshold)
	assert.Len(t, within, 5)
	assert.Len(t, beyond, 5)

	_, beyondClients := splitByThreshold(region, clients, threshold)
	_ = beyondClients // clients are a disjoint feature set, not asserted here
}

func splitByThreshold(region nodeid.NodeId, peers []*peerstore.Peer, threshold nodeid.Distance) (within, beyond []*peerstore.Peer) {
	for _, p := range peers {
		if region.Distance(p.NodeId).Compare(threshold) <= 0 {
			within = append(within, p)
		} else {
			beyond = append(beyond, p)
		}
	}
	return within, beyond
}

func testAddOrUpdateOnlinePeer(t *testing.T, ctor storeCtor) {
	s := ctor(t)
	p := testPeer(t, 5, false, peerstore.CommunicationNode)
	p.IsOffline = true
	p.ConnectionStats.FailedAttempts = 3
	_, err := s.AddPeer(p)
	require.NoError(t, err)

	updated, err := s.AddOrUpdateOnlinePeer(p.PublicKey, p.NodeId, nil, p.Features)
	require.NoError(t, err)
	assert.False(t, updated.IsOffline)
	assert.Zero(t, updated.ConnectionStats.FailedAttempts)
}

func testBanUnban(t *testing.T, ctor storeCtor) {
	s := ctor(t)
	p := testPeer(t, 6, false, peerstore.CommunicationNode)
	_, err := s.AddPeer(p)
	require.NoError(t, err)

	require.NoError(t, s.BanFor(p.PublicKey, time.Hour))
	found, err := s.FindByNodeId(p.NodeId)
	require.NoError(t, err)
	assert.True(t, found.IsBanned(time.Now()))

	flood, err := s.FloodPeers()
	require.NoError(t, err)
	for _, fp := range flood {
		assert.NotEqual(t, p.NodeId, fp.NodeId)
	}

	require.NoError(t, s.Unban(p.PublicKey))
	found, err = s.FindByNodeId(p.NodeId)
	require.NoError(t, err)
	assert.False(t, found.IsBanned(time.Now()))

	closest, err := s.ClosestPeers(p.NodeId, 100, nil, nil)
	require.NoError(t, err)
	var reselected bool
	for _, cp := range closest {
		if cp.NodeId == p.NodeId {
			reselected = true
		}
	}
	assert.True(t, reselected)
}
