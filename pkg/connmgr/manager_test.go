package connmgr_test

import (
	"context"
	"testing"
	"time"

	"github.com/phoreproject/go-connectivity-core/pkg/connmgr"
	"github.com/phoreproject/go-connectivity-core/pkg/connmgr/connmgrtest"
	"github.com/phoreproject/go-connectivity-core/pkg/nodeid"
	"github.com/phoreproject/go-connectivity-core/pkg/peerstore"
	"github.com/stretchr/testify/require"
)

func seedOnlinePeer(t *testing.T, store peerstore.Store, seed byte, features peerstore.Features) *peerstore.Peer {
	t.Helper()
	pk := make([]byte, 32)
	for i := range pk {
		pk[i] = seed
	}
	id := nodeid.Derive(pk)
	p, err := store.AddOrUpdateOnlinePeer(pk, id, nil, features)
	require.NoError(t, err)
	return p
}

func startManager(t *testing.T, store peerstore.Store, cm connmgr.ConnectionManager, cfg connmgr.Config) connmgr.ConnectivityRequester {
	t.Helper()
	self := nodeid.Derive([]byte("self"))
	mgr := connmgr.New(self, store, cm, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go mgr.Run(ctx)

	return mgr.Requester()
}

func TestAddPoolIsIdempotent(t *testing.T) {
	store := peerstore.NewMemory()
	cm := connmgrtest.NewFakeConnectionManager()
	requester := startManager(t, store, cm, connmgr.DefaultConfig())

	require.NoError(t, requester.AddPool(connmgr.Neighbours))
	require.NoError(t, requester.AddPool(connmgr.Neighbours))

	snap, err := requester.GetPool(connmgr.Neighbours)
	require.NoError(t, err)
	require.Equal(t, connmgr.Neighbours, snap.Type)
}

func TestGetPoolUnknownTypeReturnsNotFound(t *testing.T) {
	store := peerstore.NewMemory()
	cm := connmgrtest.NewFakeConnectionManager()
	requester := startManager(t, store, cm, connmgr.DefaultConfig())

	_, err := requester.GetPool(connmgr.Random)
	require.ErrorIs(t, err, connmgr.ErrPoolNotFoundByType)
}

func TestReleasePoolThenGetPoolNotFound(t *testing.T) {
	store := peerstore.NewMemory()
	cm := connmgrtest.NewFakeConnectionManager()
	requester := startManager(t, store, cm, connmgr.DefaultConfig())

	require.NoError(t, requester.AddPool(connmgr.Random))
	require.NoError(t, requester.ReleasePool(connmgr.Random))

	_, err := requester.GetPool(connmgr.Random)
	require.ErrorIs(t, err, connmgr.ErrPoolNotFoundByType)
}

func TestRefreshDialsAndPopulatesPool(t *testing.T) {
	store := peerstore.NewMemory()
	cm := connmgrtest.NewFakeConnectionManager()

	p1 := seedOnlinePeer(t, store, 1, peerstore.CommunicationNode)
	p2 := seedOnlinePeer(t, store, 2, peerstore.CommunicationNode)
	cm.SeedDialSuccess(p1.NodeId, connmgrtest.NewFakeConnection(p1.NodeId))
	cm.SeedDialSuccess(p2.NodeId, connmgrtest.NewFakeConnection(p2.NodeId))

	cfg := connmgr.DefaultConfig()
	cfg.DesiredNeighbouringPoolSize = 2
	requester := startManager(t, store, cm, cfg)

	require.NoError(t, requester.AddPool(connmgr.Neighbours))

	require.Eventually(t, func() bool {
		snap, err := requester.GetPool(connmgr.Neighbours)
		return err == nil && len(snap.Connections) == 2
	}, 2*time.Second, 10*time.Millisecond)

	calls := cm.DialCalls()
	require.Len(t, calls, 2)
}

func TestBanPeerDisconnectsAndRemovesFromPool(t *testing.T) {
	store := peerstore.NewMemory()
	cm := connmgrtest.NewFakeConnectionManager()

	p1 := seedOnlinePeer(t, store, 1, peerstore.CommunicationNode)
	cm.SeedDialSuccess(p1.NodeId, connmgrtest.NewFakeConnection(p1.NodeId))

	cfg := connmgr.DefaultConfig()
	cfg.DesiredNeighbouringPoolSize = 1
	requester := startManager(t, store, cm, cfg)
	require.NoError(t, requester.AddPool(connmgr.Neighbours))

	require.Eventually(t, func() bool {
		snap, err := requester.GetPool(connmgr.Neighbours)
		return err == nil && len(snap.Connections) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, requester.BanPeer(p1.NodeId))

	require.Eventually(t, func() bool {
		snap, err := requester.GetPool(connmgr.Neighbours)
		return err == nil && len(snap.Connections) == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.Len(t, cm.DisconnectCalls(), 1)

	peer, err := store.FindByNodeId(p1.NodeId)
	require.NoError(t, err)
	require.True(t, peer.IsBanned(time.Now()))
}

func TestHandlePeerConnectedStopsAtNumDesired(t *testing.T) {
	store := peerstore.NewMemory()
	cm := connmgrtest.NewFakeConnectionManager()

	cfg := connmgr.DefaultConfig()
	cfg.DesiredNeighbouringPoolSize = 1
	requester := startManager(t, store, cm, cfg)
	require.NoError(t, requester.AddPool(connmgr.Neighbours))

	require.Eventually(t, func() bool {
		snap, err := requester.GetPool(connmgr.Neighbours)
		return err == nil && snap.Status != connmgr.StatusUninitialised
	}, 2*time.Second, 10*time.Millisecond, "initial empty refresh must complete before organic events are delivered")

	first := seedOnlinePeer(t, store, 1, peerstore.CommunicationNode)
	second := seedOnlinePeer(t, store, 2, peerstore.CommunicationNode)

	cm.Emit(connmgr.Event{Kind: connmgr.EventPeerConnected, Connection: connmgrtest.NewFakeConnection(first.NodeId)})

	require.Eventually(t, func() bool {
		snap, err := requester.GetPool(connmgr.Neighbours)
		return err == nil && len(snap.Connections) == 1 && snap.Status == connmgr.StatusOk
	}, 2*time.Second, 10*time.Millisecond, "pool must reach StatusOk after it fills to NumDesired")

	cm.Emit(connmgr.Event{Kind: connmgr.EventPeerConnected, Connection: connmgrtest.NewFakeConnection(second.NodeId)})

	require.Eventually(t, func() bool {
		conns, err := requester.SelectConnections(connmgr.Single(second.NodeId))
		return err == nil && len(conns) == 1
	}, 2*time.Second, 10*time.Millisecond, "the second organic connection must still be reachable, just not via the full pool")

	snap, err := requester.GetPool(connmgr.Neighbours)
	require.NoError(t, err)
	require.Len(t, snap.Connections, 1, "a pool at StatusOk must not accept further organic connections past NumDesired")
	require.Equal(t, first.NodeId, snap.Connections[0].PeerNodeId())
}

func TestSelectConnectionsSingle(t *testing.T) {
	store := peerstore.NewMemory()
	cm := connmgrtest.NewFakeConnectionManager()

	p1 := seedOnlinePeer(t, store, 1, peerstore.CommunicationNode)
	cm.SeedDialSuccess(p1.NodeId, connmgrtest.NewFakeConnection(p1.NodeId))

	cfg := connmgr.DefaultConfig()
	cfg.DesiredNeighbouringPoolSize = 1
	requester := startManager(t, store, cm, cfg)
	require.NoError(t, requester.AddPool(connmgr.Neighbours))

	require.Eventually(t, func() bool {
		conns, err := requester.SelectConnections(connmgr.Single(p1.NodeId))
		return err == nil && len(conns) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
