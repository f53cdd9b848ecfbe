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

func TestRequesterReturnsActorDisconnectedAfterShutdown(t *testing.T) {
	store := peerstore.NewMemory()
	cm := connmgrtest.NewFakeConnectionManager()
	self := nodeid.Derive([]byte("self"))
	mgr := connmgr.New(self, store, cm, connmgr.DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(stopped)
	}()

	requester := mgr.Requester()
	require.NoError(t, requester.AddPool(connmgr.Random))

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop after context cancellation")
	}

	err := requester.AddPool(connmgr.Neighbours)
	require.ErrorIs(t, err, connmgr.ErrActorDisconnected)

	err = requester.ReleasePool(connmgr.Neighbours)
	require.ErrorIs(t, err, connmgr.ErrActorDisconnected)
}

func TestRequesterFIFOOrdering(t *testing.T) {
	store := peerstore.NewMemory()
	cm := connmgrtest.NewFakeConnectionManager()
	self := nodeid.Derive([]byte("self"))
	mgr := connmgr.New(self, store, cm, connmgr.DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go mgr.Run(ctx)

	requester := mgr.Requester()
	require.NoError(t, requester.AddPool(connmgr.Neighbours))
	require.NoError(t, requester.ReleasePool(connmgr.Neighbours))

	_, err := requester.GetPool(connmgr.Neighbours)
	require.ErrorIs(t, err, connmgr.ErrPoolNotFoundByType,
		"a single requester's AddPool then ReleasePool then GetPool must be observed in that order")
}
