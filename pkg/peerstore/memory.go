package peerstore

import (
	"encoding/hex"
	"math/rand"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/phoreproject/go-connectivity-core/pkg/nodeid"
	"go.uber.org/atomic"
)

var log = logging.Logger("connmgr/peerstore")

// memoryStore is a Store backed by a plain map, guarded by a single
// reader-writer lock: many concurrent readers, one writer at a time,
// exactly the discipline spec.md §4.2 calls for. It is the default
// backend for tests and for nodes that don't need the directory to
// survive a restart.
type memoryStore struct {
	mu      sync.RWMutex
	byPK    map[string]*Peer // keyed by hex(public key)
	byNode  map[nodeid.NodeId]string
	nextID  atomic.Uint64
	idByPK  map[string]Id
	clock   func() time.Time
}

// NewMemory returns an empty in-memory Store.
func NewMemory() Store {
	return &memoryStore{
		byPK:   make(map[string]*Peer),
		byNode: make(map[nodeid.NodeId]string),
		idByPK: make(map[string]Id),
		clock:  time.Now,
	}
}

func pkKey(publicKey []byte) string {
	return hex.EncodeToString(publicKey)
}

func (s *memoryStore) AddPeer(peer *Peer) (Id, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addPeerLocked(peer)
}

func (s *memoryStore) addPeerLocked(peer *Peer) (Id, error) {
	key := pkKey(peer.PublicKey)
	stored := peer.Clone()

	id, ok := s.idByPK[key]
	if !ok {
		id = Id(s.nextID.Inc())
		s.idByPK[key] = id
	}

	if existing, ok := s.byPK[key]; ok && existing.NodeId != stored.NodeId {
		delete(s.byNode, existing.NodeId)
	}

	s.byPK[key] = stored
	s.byNode[stored.NodeId] = key
	return id, nil
}

func (s *memoryStore) UpdatePeer(publicKey []byte, update Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pkKey(publicKey)
	peer, ok := s.byPK[key]
	if !ok {
		return ErrPeerNotFound
	}
	peer = peer.Clone()

	if update.NodeId != nil {
		delete(s.byNode, peer.NodeId)
		peer.NodeId = *update.NodeId
	}
	if update.Addresses != nil {
		peer.MergeAddresses(update.Addresses, s.clock())
	}
	if update.Flags != nil {
		peer.Flags = *update.Flags
	}
	if update.BannedUntil != nil {
		peer.BannedUntil = *update.BannedUntil
	}
	if update.IsOffline != nil {
		peer.IsOffline = *update.IsOffline
	}
	if update.Features != nil {
		peer.Features = *update.Features
	}
	if update.ConnectionStats != nil {
		peer.ConnectionStats = *update.ConnectionStats
	}

	s.byPK[key] = peer
	s.byNode[peer.NodeId] = key
	return nil
}

func (s *memoryStore) DeletePeer(id nodeid.NodeId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.byNode[id]
	if !ok {
		return ErrPeerNotFound
	}
	delete(s.byNode, id)
	delete(s.byPK, key)
	delete(s.idByPK, key)
	return nil
}

func (s *memoryStore) FindByNodeId(id nodeid.NodeId) (*Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.byNode[id]
	if !ok {
		return nil, ErrPeerNotFound
	}
	return s.byPK[key].Clone(), nil
}

func (s *memoryStore) FindByPublicKey(publicKey []byte) (*Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peer, ok := s.byPK[pkKey(publicKey)]
	if !ok {
		return nil, ErrPeerNotFound
	}
	return peer.Clone(), nil
}

func (s *memoryStore) Exists(publicKey []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byPK[pkKey(publicKey)]
	return ok
}

func (s *memoryStore) ExistsNodeId(id nodeid.NodeId) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byNode[id]
	return ok
}

func (s *memoryStore) allLocked() []*Peer {
	out := make([]*Peer, 0, len(s.byPK))
	for _, p := range s.byPK {
		out = append(out, p)
	}
	return out
}

func (s *memoryStore) All() ([]*Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := s.allLocked()
	out := make([]*Peer, len(peers))
	for i, p := range peers {
		out[i] = p.Clone()
	}
	return out, nil
}

func (s *memoryStore) FloodPeers() ([]*Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock()
	var out []*Peer
	for _, p := range s.allLocked() {
		if p.IsBanned(now) {
			continue
		}
		out = append(out, p.Clone())
	}
	return out, nil
}

func (s *memoryStore) DirectIdentityNodeId(id nodeid.NodeId) (*Peer, error) {
	peer, err := s.FindByNodeId(id)
	return directIdentity(peer, err, s.clock())
}

func (s *memoryStore) DirectIdentityPublicKey(publicKey []byte) (*Peer, error) {
	peer, err := s.FindByPublicKey(publicKey)
	return directIdentity(peer, err, s.clock())
}

// directIdentity implements the direct_identity_* contract shared by every
// backend: PeerNotFound and a currently-banned peer both become (nil, nil);
// any other error propagates.
func directIdentity(peer *Peer, err error, now time.Time) (*Peer, error) {
	switch {
	case err == ErrPeerNotFound:
		return nil, nil
	case err != nil:
		return nil, err
	case peer.IsBanned(now):
		return nil, nil
	default:
		return peer, nil
	}
}

func (s *memoryStore) PerformQuery(q Query) ([]*Peer, error) {
	s.mu.RLock()
	peers := s.allLocked()
	s.mu.RUnlock()

	result := q.apply(peers)
	out := make([]*Peer, len(result))
	for i, p := range result {
		out[i] = p.Clone()
	}
	return out, nil
}

func (s *memoryStore) ClosestPeers(target nodeid.NodeId, n int, excludedPublicKeys [][]byte, features *Features) ([]*Peer, error) {
	if n == 0 {
		return nil, nil
	}
	excluded := make(map[string]struct{}, len(excludedPublicKeys))
	for _, pk := range excludedPublicKeys {
		excluded[pkKey(pk)] = struct{}{}
	}

	now := s.clock()
	q := NewQuery().SelectWhere(func(p *Peer) bool {
		if p.IsBanned(now) {
			return false
		}
		if features != nil && !p.Features.Contains(*features) {
			return false
		}
		if _, skip := excluded[pkKey(p.PublicKey)]; skip {
			return false
		}
		return true
	}).SortByDistanceFrom(target).Limit(n)

	return s.PerformQuery(q)
}

func (s *memoryStore) RandomPeers(n int, excludedNodeIds []nodeid.NodeId) ([]*Peer, error) {
	if n <= 0 {
		return nil, nil
	}
	excluded := make(map[nodeid.NodeId]struct{}, len(excludedNodeIds))
	for _, id := range excludedNodeIds {
		excluded[id] = struct{}{}
	}

	now := s.clock()
	s.mu.RLock()
	candidates := make([]*Peer, 0, len(s.byPK))
	for _, p := range s.allLocked() {
		if p.IsBanned(now) {
			continue
		}
		if !p.Features.Contains(CommunicationNode) {
			continue
		}
		if _, skip := excluded[p.NodeId]; skip {
			continue
		}
		candidates = append(candidates, p)
	}
	s.mu.RUnlock()

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}

	out := make([]*Peer, len(candidates))
	for i, p := range candidates {
		out[i] = p.Clone()
	}
	return out, nil
}

func (s *memoryStore) InNetworkRegion(id, regionNodeId nodeid.NodeId, n int) (bool, error) {
	threshold, err := s.CalcRegionThreshold(regionNodeId, n, 0)
	if err != nil {
		return false, err
	}
	return id.Distance(regionNodeId).Compare(threshold) <= 0, nil
}

func (s *memoryStore) CalcRegionThreshold(regionNodeId nodeid.NodeId, n int, features Features) (nodeid.Distance, error) {
	stats, err := s.GetRegionStats(regionNodeId, n, features)
	if err != nil {
		return nodeid.Distance{}, err
	}
	return stats.ThresholdDistance, nil
}

func (s *memoryStore) GetRegionStats(regionNodeId nodeid.NodeId, n int, features Features) (RegionStats, error) {
	now := s.clock()
	s.mu.RLock()
	var matching []*Peer
	for _, p := range s.allLocked() {
		if p.IsBanned(now) {
			continue
		}
		if features != 0 && !p.Features.Contains(features) {
			continue
		}
		matching = append(matching, p)
	}
	s.mu.RUnlock()

	q := NewQuery().SortByDistanceFrom(regionNodeId)
	ordered := q.apply(matching)

	stats := RegionStats{TotalConsidered: len(ordered)}
	if len(ordered) == 0 {
		return stats, nil
	}

	cut := n
	if cut > len(ordered) {
		cut = len(ordered)
	}
	if cut == 0 {
		cut = 1
	}
	stats.ThresholdDistance = regionNodeId.Distance(ordered[cut-1].NodeId)
	stats.InRegionCount = cut
	return stats, nil
}

func (s *memoryStore) BanFor(publicKey []byte, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pkKey(publicKey)
	peer, ok := s.byPK[key]
	if !ok {
		return ErrPeerNotFound
	}
	peer = peer.Clone()
	peer.BannedUntil = s.clock().Add(duration)
	peer.Flags |= FlagBanned
	s.byPK[key] = peer
	log.Debugf("banned peer %s for %s", peer.NodeId, duration)
	return nil
}

func (s *memoryStore) Unban(publicKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pkKey(publicKey)
	peer, ok := s.byPK[key]
	if !ok {
		return ErrPeerNotFound
	}
	peer = peer.Clone()
	peer.BannedUntil = time.Time{}
	peer.Flags &^= FlagBanned
	s.byPK[key] = peer
	return nil
}

func (s *memoryStore) SetOffline(publicKey []byte, offline bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pkKey(publicKey)
	peer, ok := s.byPK[key]
	if !ok {
		return ErrPeerNotFound
	}
	peer = peer.Clone()
	peer.IsOffline = offline
	s.byPK[key] = peer
	return nil
}

func (s *memoryStore) AddNetAddress(id nodeid.NodeId, addr ma.Multiaddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.byNode[id]
	if !ok {
		return ErrPeerNotFound
	}
	peer := s.byPK[key].Clone()
	if peer.HasAddress(addr) {
		return nil
	}
	peer.Addresses = append(peer.Addresses, NetAddress{Addr: addr, LastSeen: s.clock()})
	s.byPK[key] = peer
	return nil
}

func (s *memoryStore) SetLastConnectSuccess(id nodeid.NodeId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.byNode[id]
	if !ok {
		return ErrPeerNotFound
	}
	peer := s.byPK[key].Clone()
	peer.ConnectionStats.SetSuccess(s.clock())
	peer.IsOffline = false
	s.byPK[key] = peer
	return nil
}

func (s *memoryStore) SetLastConnectFailure(id nodeid.NodeId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.byNode[id]
	if !ok {
		return ErrPeerNotFound
	}
	peer := s.byPK[key].Clone()
	peer.ConnectionStats.SetFailure(s.clock())
	s.byPK[key] = peer
	return nil
}

func (s *memoryStore) AddOrUpdateOnlinePeer(publicKey []byte, id nodeid.NodeId, addrs []ma.Multiaddr, features Features) (*Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pkKey(publicKey)
	now := s.clock()

	peer, ok := s.byPK[key]
	if !ok {
		peer = &Peer{
			PublicKey: append([]byte(nil), publicKey...),
			NodeId:    id,
			Features:  features,
		}
		peer.ConnectionStats.SetSuccess(now)
		peer.MergeAddresses(addrs, now)
		if _, err := s.addPeerLocked(peer); err != nil {
			return nil, err
		}
		return s.byPK[key].Clone(), nil
	}

	peer = peer.Clone()
	peer.ConnectionStats.SetSuccess(now)
	peer.IsOffline = false
	peer.NodeId = id
	peer.MergeFeatures(features)
	peer.MergeAddresses(addrs, now)

	if _, err := s.addPeerLocked(peer); err != nil {
		return nil, err
	}
	return s.byPK[key].Clone(), nil
}

func (s *memoryStore) ForEach(f func(*Peer) IterationDecision) error {
	s.mu.RLock()
	peers := s.allLocked()
	s.mu.RUnlock()

	for _, p := range peers {
		if f(p.Clone()) == Stop {
			break
		}
	}
	return nil
}

func (s *memoryStore) UpdateEach(f func(*Peer) (*Peer, bool)) (int, error) {
	s.mu.RLock()
	peers := s.allLocked()
	s.mu.RUnlock()

	var toUpdate []*Peer
	for _, p := range peers {
		if replacement, ok := f(p.Clone()); ok {
			toUpdate = append(toUpdate, replacement)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range toUpdate {
		if _, err := s.addPeerLocked(p); err != nil {
			return 0, err
		}
	}
	return len(toUpdate), nil
}

func (s *memoryStore) GetPeerFeatures(id nodeid.NodeId) (Features, error) {
	peer, err := s.FindByNodeId(id)
	if err != nil {
		return 0, err
	}
	return peer.Features, nil
}

func (s *memoryStore) Close() error {
	return nil
}
