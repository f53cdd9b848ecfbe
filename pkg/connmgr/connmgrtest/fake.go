// Package connmgrtest provides test doubles for the connectivity manager's
// out-of-scope collaborator, the Connection Manager, modelled on the
// fixture style of the peerstore backend tests.
package connmgrtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/phoreproject/go-connectivity-core/pkg/connmgr"
	"github.com/phoreproject/go-connectivity-core/pkg/nodeid"
)

// FakeConnection is a no-op Connection identified by a fixed node id.
type FakeConnection struct {
	id     nodeid.NodeId
	mu     sync.Mutex
	closed bool
}

// NewFakeConnection returns a connection reporting id as its peer.
func NewFakeConnection(id nodeid.NodeId) *FakeConnection {
	return &FakeConnection{id: id}
}

func (c *FakeConnection) PeerNodeId() nodeid.NodeId { return c.id }

func (c *FakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (c *FakeConnection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// DialCall records a single Dial invocation observed by FakeConnectionManager.
type DialCall struct {
	NodeId  nodeid.NodeId
	Timeout time.Duration
}

// DisconnectCall records a single Disconnect invocation.
type DisconnectCall struct {
	NodeId nodeid.NodeId
	Reason connmgr.DisconnectReason
}

// FakeConnectionManager is a scriptable connmgr.ConnectionManager double.
// Dial outcomes are pre-seeded per node id; anything not seeded fails with
// ErrNoSuchPeer. Events are delivered to subscribers with Emit.
type FakeConnectionManager struct {
	mu          sync.Mutex
	dialResults map[nodeid.NodeId]dialResult
	dialCalls   []DialCall
	disconnects []DisconnectCall
	subs        []chan connmgr.Event
}

type dialResult struct {
	conn connmgr.Connection
	err  error
}

// ErrNoSuchPeer is returned by Dial for a node id with no seeded outcome.
var ErrNoSuchPeer = fmt.Errorf("connmgrtest: no dial outcome seeded for peer")

// NewFakeConnectionManager returns an empty double.
func NewFakeConnectionManager() *FakeConnectionManager {
	return &FakeConnectionManager{dialResults: make(map[nodeid.NodeId]dialResult)}
}

// SeedDialSuccess arranges for Dial(id) to return conn, nil.
func (f *FakeConnectionManager) SeedDialSuccess(id nodeid.NodeId, conn connmgr.Connection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialResults[id] = dialResult{conn: conn}
}

// SeedDialFailure arranges for Dial(id) to return err.
func (f *FakeConnectionManager) SeedDialFailure(id nodeid.NodeId, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialResults[id] = dialResult{err: err}
}

func (f *FakeConnectionManager) Dial(ctx context.Context, id nodeid.NodeId, timeout time.Duration) (connmgr.Connection, error) {
	f.mu.Lock()
	f.dialCalls = append(f.dialCalls, DialCall{NodeId: id, Timeout: timeout})
	res, ok := f.dialResults[id]
	f.mu.Unlock()
	if !ok {
		return nil, ErrNoSuchPeer
	}
	return res.conn, res.err
}

func (f *FakeConnectionManager) Disconnect(ctx context.Context, id nodeid.NodeId, reason connmgr.DisconnectReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, DisconnectCall{NodeId: id, Reason: reason})
	return nil
}

func (f *FakeConnectionManager) Subscribe() (<-chan connmgr.Event, func()) {
	ch := make(chan connmgr.Event, 16)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, s := range f.subs {
			if s == ch {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// Emit delivers ev to every active subscriber.
func (f *FakeConnectionManager) Emit(ev connmgr.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		s <- ev
	}
}

// DialCalls returns a snapshot of observed Dial invocations.
func (f *FakeConnectionManager) DialCalls() []DialCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]DialCall, len(f.dialCalls))
	copy(out, f.dialCalls)
	return out
}

// DisconnectCalls returns a snapshot of observed Disconnect invocations.
func (f *FakeConnectionManager) DisconnectCalls() []DisconnectCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]DisconnectCall, len(f.disconnects))
	copy(out, f.disconnects)
	return out
}
