package connmgr

import (
	"context"
	"math/rand"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"
	"github.com/phoreproject/go-connectivity-core/pkg/nodeid"
	"github.com/phoreproject/go-connectivity-core/pkg/peerstore"
	"golang.org/x/sync/errgroup"
)

var log = logging.Logger("connmgr")

// defaultBanDuration is applied by BanPeer; the spec leaves the ban
// duration itself as a caller-level concern it does not parameterise, so
// this is a fixed default rather than a Config field.
const defaultBanDuration = 24 * time.Hour

// refreshCompletedMsg is the internal message a background refresh task
// sends back through the request channel on completion, per spec.md §9's
// "relation, never ownership" design: the task never mutates the pool
// directly, it reports results and the actor applies them if the pool
// still exists.
type refreshCompletedMsg struct {
	poolId       PoolId
	dialed       []Connection
	failedDials  []nodeid.NodeId
	disconnected []nodeid.NodeId
}

// Manager is the connectivity manager actor (spec.md §4.5): a
// single-threaded reactor owning the active pools, the ad-hoc pool of
// unmanaged connections, and the client-role inbound pool.
type Manager struct {
	selfNodeId nodeid.NodeId
	directory  peerstore.Store
	connMgr    ConnectionManager
	cfg        Config

	pools          *PeerPools
	adHocPool      []Connection
	clientNodePool []Connection

	requests chan interface{}
	done     chan struct{}
}

// New constructs a Manager. Call Run to start its loop and Requester to
// obtain a handle other goroutines can use to talk to it.
func New(selfNodeId nodeid.NodeId, directory peerstore.Store, connMgr ConnectionManager, cfg Config) *Manager {
	return &Manager{
		selfNodeId: selfNodeId,
		directory:  directory,
		connMgr:    connMgr,
		cfg:        cfg,
		pools:      NewPeerPools(),
		requests:   make(chan interface{}),
		done:       make(chan struct{}),
	}
}

// Requester returns a handle for sending requests to the manager.
func (m *Manager) Requester() ConnectivityRequester {
	return ConnectivityRequester{requests: m.requests, done: m.done}
}

// Run executes the actor's main loop until ctx is cancelled or both the
// request channel and the event subscription are closed. It blocks the
// calling goroutine; callers typically run it in its own goroutine.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)

	events, cancel := m.connMgr.Subscribe()
	defer cancel()

	requests := m.requests
	eventStream := events
	for {
		if requests == nil && eventStream == nil {
			log.Warn("request channel and event subscription both closed, stopping")
			return
		}

		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return
		case req, ok := <-requests:
			if !ok {
				requests = nil
				continue
			}
			m.handleRequest(ctx, req)
		case ev, ok := <-eventStream:
			if !ok {
				eventStream = nil
				continue
			}
			m.handleEvent(ctx, ev)
		}
	}
}

func (m *Manager) handleRequest(ctx context.Context, req interface{}) {
	switch r := req.(type) {
	case addPoolRequest:
		m.handleAddPool(ctx, r)
	case releasePoolRequest:
		m.pools.Remove(r.poolType)
	case getPoolRequest:
		m.handleGetPool(r)
	case selectConnectionsRequest:
		r.reply <- m.selectConnections(r.selection)
		close(r.reply)
	case banPeerRequest:
		m.handleBanPeer(ctx, r.nodeId)
	case refreshCompletedMsg:
		m.applyRefreshCompleted(r)
	default:
		log.Warnf("unrecognised request type %T", req)
	}
}

func (m *Manager) handleAddPool(ctx context.Context, r addPoolRequest) {
	if pool := m.pools.GetByType(r.poolType); pool != nil {
		r.reply <- nil
		close(r.reply)
		return
	}
	pool := NewPeerPool(r.poolType, paramsForType(r.poolType, m.cfg))
	m.pools.Push(pool)
	err := m.refreshIfStale(ctx, pool.Id())
	r.reply <- err
	close(r.reply)
}

func (m *Manager) handleGetPool(r getPoolRequest) {
	pool := m.pools.GetByType(r.poolType)
	if pool == nil {
		r.reply <- getPoolReply{err: ErrPoolNotFoundByType}
		close(r.reply)
		return
	}
	r.reply <- getPoolReply{snapshot: pool.Snapshot()}
	close(r.reply)
}

func (m *Manager) handleBanPeer(ctx context.Context, id nodeid.NodeId) {
	peer, err := m.directory.FindByNodeId(id)
	if err != nil {
		log.Warnf("ban requested for unknown peer %s: %v", id, err)
		return
	}
	if err := m.directory.BanFor(peer.PublicKey, defaultBanDuration); err != nil {
		log.Warnf("banning %s: %v", id, err)
	}
	if err := m.connMgr.Disconnect(ctx, id, DisconnectReasonRequested); err != nil {
		log.Warnf("disconnecting banned peer %s: %v", id, err)
	}
	for _, pool := range m.pools.Iter() {
		pool.removeByNodeId(id)
	}
	m.adHocPool = dropNodeId(m.adHocPool, id)
	m.clientNodePool = dropNodeId(m.clientNodePool, id)
}

// paramsForType resolves a pool type's sizing and refresh configuration
// per the table in spec.md §4.5.
func paramsForType(poolType PeerPoolType, cfg Config) PoolParams {
	switch poolType {
	case Neighbours:
		return PoolParams{
			NumDesired:    cfg.DesiredNeighbouringPoolSize,
			StaleInterval: cfg.NeighbouringPoolRefreshInterval,
		}
	case Random:
		minRequired := 0
		return PoolParams{
			NumDesired:    cfg.DesiredRandomPoolSize,
			StaleInterval: cfg.RandomPoolRefreshInterval,
			MinRequired:   &minRequired,
		}
	default:
		return PoolParams{}
	}
}

// refreshIfStale refreshes poolId only if it is currently stale; used by
// AddPool and as a no-op guard for anything that doesn't need to force a
// refresh outright.
func (m *Manager) refreshIfStale(ctx context.Context, poolId PoolId) error {
	pool := m.pools.GetMut(poolId)
	if pool == nil {
		return ErrPoolNotFoundByID
	}
	if !pool.IsStale() {
		return nil
	}
	return m.startRefresh(ctx, pool)
}

// forceRefresh refreshes poolId regardless of staleness, used when a pool
// drops below its min_required floor (spec.md §4.5 event handling).
func (m *Manager) forceRefresh(ctx context.Context, poolId PoolId) error {
	pool := m.pools.GetMut(poolId)
	if pool == nil {
		return ErrPoolNotFoundByID
	}
	return m.startRefresh(ctx, pool)
}

// startRefresh implements the refresh algorithm of spec.md §4.5 steps 3-6:
// compute the desired membership, partition into keep/disconnect/dial,
// and hand the dial/disconnect work to a detached background task that
// reports back via refreshCompletedMsg.
func (m *Manager) startRefresh(ctx context.Context, pool *PeerPool) error {
	if pool.refreshInProgress {
		return nil
	}

	newPeers, err := m.computeNewPeers(pool)
	if err != nil {
		log.Warnf("selecting candidates for pool %s (%d): %v", pool.Type(), pool.Id(), err)
		return nil
	}

	newIds := make(map[nodeid.NodeId]struct{}, len(newPeers))
	for _, p := range newPeers {
		newIds[p.NodeId] = struct{}{}
	}

	current := pool.Connections()
	currentIds := make(map[nodeid.NodeId]struct{}, len(current))
	var keep, toDisconnect []Connection
	for _, c := range current {
		id := c.PeerNodeId()
		currentIds[id] = struct{}{}
		if _, ok := newIds[id]; ok {
			keep = append(keep, c)
		} else {
			toDisconnect = append(toDisconnect, c)
		}
	}

	var toDial []*peerstore.Peer
	for _, p := range newPeers {
		if _, ok := currentIds[p.NodeId]; !ok {
			toDial = append(toDial, p)
		}
	}

	pool.refreshInProgress = true
	pool.setConnections(m.selfNodeId, keep)

	go m.runRefresh(ctx, pool.Id(), toDial, toDisconnect)
	return nil
}

// computeNewPeers runs the §4.4 selection strategy matching pool's type.
// Random is kept disjoint from the current Neighbours membership; the
// Neighbours strategy itself is given no exclusion beyond bans and
// cooldown, since a peer already in the pool is still eligible to stay.
func (m *Manager) computeNewPeers(pool *PeerPool) ([]*peerstore.Peer, error) {
	switch pool.poolType {
	case Neighbours:
		return selectNeighbours(m.directory, m.selfNodeId, pool.params.NumDesired, m.cfg, nil)
	case Random:
		excluded := map[nodeid.NodeId]struct{}{}
		if neighbours := m.pools.GetByType(Neighbours); neighbours != nil {
			excluded = excludedFromPool(neighbours)
		}
		return selectRandom(m.directory, pool.params.NumDesired, excluded)
	default:
		return nil, nil
	}
}

// runRefresh dials every candidate in toDial and disconnects every
// connection in toDisconnect concurrently, then reports the outcome back
// to the actor loop. It never returns an error to its caller: dial and
// disconnect failures are recorded, not propagated (spec.md §7).
func (m *Manager) runRefresh(ctx context.Context, poolId PoolId, toDial []*peerstore.Peer, toDisconnect []Connection) {
	var mu sync.Mutex
	var dialed []Connection
	var failedDials []nodeid.NodeId
	var disconnected []nodeid.NodeId

	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range toDial {
		peer := peer
		g.Go(func() error {
			dialCtx, cancel := context.WithTimeout(gctx, m.cfg.DialTimeout)
			defer cancel()
			conn, err := m.connMgr.Dial(dialCtx, peer.NodeId, m.cfg.DialTimeout)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warnf("dial %s failed: %v", peer.NodeId, err)
				failedDials = append(failedDials, peer.NodeId)
				return nil
			}
			dialed = append(dialed, conn)
			return nil
		})
	}
	for _, c := range toDisconnect {
		c := c
		g.Go(func() error {
			if err := m.connMgr.Disconnect(gctx, c.PeerNodeId(), DisconnectReasonRequested); err != nil {
				log.Warnf("disconnect %s failed: %v", c.PeerNodeId(), err)
			}
			mu.Lock()
			disconnected = append(disconnected, c.PeerNodeId())
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	select {
	case m.requests <- refreshCompletedMsg{poolId: poolId, dialed: dialed, failedDials: failedDials, disconnected: disconnected}:
	case <-m.done:
	}
}

// applyRefreshCompleted is the only place a background refresh task's
// results touch pool state, and it runs on the actor goroutine. If the
// pool was released mid-refresh its effects are discarded and any dialed
// connections are closed (spec.md §5, cancellation policy).
func (m *Manager) applyRefreshCompleted(r refreshCompletedMsg) {
	pool := m.pools.GetMut(r.poolId)
	if pool == nil {
		for _, c := range r.dialed {
			_ = c.Close()
		}
		return
	}

	for _, c := range r.dialed {
		pool.addConnection(m.selfNodeId, c)
	}
	for _, id := range r.failedDials {
		if err := m.directory.SetLastConnectFailure(id); err != nil {
			log.Warnf("recording dial failure for %s: %v", id, err)
		}
	}
	for _, id := range r.disconnected {
		pool.removeByNodeId(id)
	}

	now := time.Now()
	pool.lastRefreshed = &now
	pool.refreshInProgress = false
	pool.recomputeStatus()
}

// selectConnections serves a SelectConnections request from the pools as
// they currently stand, without touching the directory (spec.md §4.5).
func (m *Manager) selectConnections(sel ConnectivitySelection) []Connection {
	switch sel.kind {
	case SelectionSingle:
		return m.findSingle(sel.nodeId)
	case SelectionPropagation:
		neighbours := m.sampleFromPool(Neighbours, sel.numNeighbour)
		random := m.sampleFromPool(Random, sel.numRandom)
		return dedupeByNodeId(neighbours, random)
	default:
		return nil
	}
}

func (m *Manager) findSingle(id nodeid.NodeId) []Connection {
	for _, pool := range m.pools.Iter() {
		for _, c := range pool.Connections() {
			if c.PeerNodeId() == id {
				return []Connection{c}
			}
		}
	}
	for _, c := range m.adHocPool {
		if c.PeerNodeId() == id {
			return []Connection{c}
		}
	}
	for _, c := range m.clientNodePool {
		if c.PeerNodeId() == id {
			return []Connection{c}
		}
	}
	return nil
}

// sampleFromPool returns a random sample of max(want,
// PropagationRandomSampleSize) connections from the named pool, or the
// whole pool if it holds fewer than that.
func (m *Manager) sampleFromPool(poolType PeerPoolType, want int) []Connection {
	pool := m.pools.GetByType(poolType)
	if pool == nil {
		return nil
	}
	conns := pool.Connections()
	n := want
	if n < m.cfg.PropagationRandomSampleSize {
		n = m.cfg.PropagationRandomSampleSize
	}
	if n > len(conns) {
		n = len(conns)
	}
	shuffled := make([]Connection, len(conns))
	copy(shuffled, conns)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:n]
}

func dedupeByNodeId(lists ...[]Connection) []Connection {
	seen := make(map[nodeid.NodeId]struct{})
	out := make([]Connection, 0)
	for _, list := range lists {
		for _, c := range list {
			id := c.PeerNodeId()
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

func dropNodeId(conns []Connection, id nodeid.NodeId) []Connection {
	out := conns[:0]
	for _, c := range conns {
		if c.PeerNodeId() != id {
			out = append(out, c)
		}
	}
	return out
}

func (m *Manager) handleEvent(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventPeerConnected:
		m.handlePeerConnected(ev.Connection)
	case EventPeerDisconnected:
		m.handlePeerGone(ctx, ev.NodeId, true)
	case EventPeerConnectWillClose:
		m.handlePeerGone(ctx, ev.NodeId, ev.Reason == DisconnectReasonTransportError)
	default:
	}
}

// handlePeerConnected routes a newly connected peer to whichever managed
// pool needs it, falling back to the client or ad-hoc buffers (spec.md
// §4.5 and the Open Question of §9 resolved in DESIGN.md).
func (m *Manager) handlePeerConnected(conn Connection) {
	if conn == nil {
		return
	}
	id := conn.PeerNodeId()
	features, err := m.directory.GetPeerFeatures(id)
	if err != nil {
		log.Debugf("connected peer %s not in directory, routing to ad-hoc pool: %v", id, err)
		m.adHocPool = append(m.adHocPool, conn)
		return
	}
	if !features.Contains(peerstore.CommunicationNode) {
		m.clientNodePool = append(m.clientNodePool, conn)
		return
	}
	for _, poolType := range [...]PeerPoolType{Neighbours, Random} {
		pool := m.pools.GetByType(poolType)
		if pool == nil || pool.Contains(id) {
			continue
		}
		if pool.Status() != StatusOk {
			pool.addConnection(m.selfNodeId, conn)
			return
		}
	}
	m.adHocPool = append(m.adHocPool, conn)
}

// handlePeerGone removes id from every pool and buffer it appears in,
// records the disconnection as a failure when unexpected, and forces a
// refresh of any pool that dropped below its min_required floor.
func (m *Manager) handlePeerGone(ctx context.Context, id nodeid.NodeId, unexpected bool) {
	var affected []*PeerPool
	for _, pool := range m.pools.Iter() {
		if pool.removeByNodeId(id) {
			affected = append(affected, pool)
		}
	}
	m.adHocPool = dropNodeId(m.adHocPool, id)
	m.clientNodePool = dropNodeId(m.clientNodePool, id)

	if unexpected {
		if err := m.directory.SetLastConnectFailure(id); err != nil {
			log.Debugf("recording unexpected disconnect for %s: %v", id, err)
		}
	}

	for _, pool := range affected {
		if pool.params.MinRequired == nil || len(pool.Connections()) >= *pool.params.MinRequired {
			continue
		}
		if err := m.forceRefresh(ctx, pool.Id()); err != nil {
			log.Warnf("triggering refresh for pool %s (%d): %v", pool.Type(), pool.Id(), err)
		}
	}
}
