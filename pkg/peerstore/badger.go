package peerstore

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math/rand"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/libp2p/go-libp2p-core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/phoreproject/go-connectivity-core/pkg/nodeid"
	"go.uber.org/atomic"
)

const (
	pkPrefix   = "p/"
	nodePrefix = "n/"
)

// badgerRecord is the on-disk shadow of Peer: multiaddrs don't gob-encode
// directly (ma.Multiaddr is an interface over an unexported byte slice), so
// addresses are round-tripped through their string form.
type badgerRecord struct {
	PublicKey          []byte
	NodeId             nodeid.NodeId
	Addresses          []badgerAddress
	Flags              Flags
	BannedUntil        time.Time
	IsOffline          bool
	Features           Features
	ConnectionStats    ConnectionStats
	SupportedProtocols []string
}

type badgerAddress struct {
	Addr            string
	LastSeen        time.Time
	LastAttempt     time.Time
	RejectedCount   uint32
	ConnectionCount uint32
}

func toBadgerRecord(p *Peer) badgerRecord {
	addrs := make([]badgerAddress, len(p.Addresses))
	for i, a := range p.Addresses {
		addrs[i] = badgerAddress{
			Addr:            a.Addr.String(),
			LastSeen:        a.LastSeen,
			LastAttempt:     a.LastAttempt,
			RejectedCount:   a.RejectedCount,
			ConnectionCount: a.ConnectionCount,
		}
	}
	protos := make([]string, len(p.SupportedProtocols))
	for i, pr := range p.SupportedProtocols {
		protos[i] = string(pr)
	}
	return badgerRecord{
		PublicKey:          p.PublicKey,
		NodeId:             p.NodeId,
		Addresses:          addrs,
		Flags:              p.Flags,
		BannedUntil:        p.BannedUntil,
		IsOffline:          p.IsOffline,
		Features:           p.Features,
		ConnectionStats:    p.ConnectionStats,
		SupportedProtocols: protos,
	}
}

func fromBadgerRecord(r badgerRecord) (*Peer, error) {
	addrs := make([]NetAddress, 0, len(r.Addresses))
	for _, a := range r.Addresses {
		parsed, err := ma.NewMultiaddr(a.Addr)
		if err != nil {
			return nil, fmt.Errorf("peerstore: decode stored address %q: %w", a.Addr, err)
		}
		addrs = append(addrs, NetAddress{
			Addr:            parsed,
			LastSeen:        a.LastSeen,
			LastAttempt:     a.LastAttempt,
			RejectedCount:   a.RejectedCount,
			ConnectionCount: a.ConnectionCount,
		})
	}
	protos := make([]protocol.ID, len(r.SupportedProtocols))
	for i, p := range r.SupportedProtocols {
		protos[i] = protocol.ID(p)
	}
	return &Peer{
		PublicKey:          r.PublicKey,
		NodeId:             r.NodeId,
		Addresses:          addrs,
		Flags:              r.Flags,
		BannedUntil:        r.BannedUntil,
		IsOffline:          r.IsOffline,
		Features:           r.Features,
		ConnectionStats:    r.ConnectionStats,
		SupportedProtocols: protos,
	}, nil
}

func encodePeer(p *Peer) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(toBadgerRecord(p)); err != nil {
		return nil, fmt.Errorf("peerstore: encode peer: %w", err)
	}
	return buf.Bytes(), nil
}

func decodePeer(raw []byte) (*Peer, error) {
	var rec badgerRecord
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("peerstore: decode peer: %w", err)
	}
	return fromBadgerRecord(rec)
}

// badgerStore is the production Store backend: Peer records persisted in an
// embedded badger database, keyed by public key with a node-id secondary
// index, matching spec.md §6's "opaque key-value store" contract. Readers
// use badger's own MVCC snapshots; each write runs in a single badger
// update transaction, so a record and its secondary index entry are
// written together or not at all.
type badgerStore struct {
	db     *badger.DB
	nextID atomic.Uint64
	clock  func() time.Time
}

// OpenBadger opens (creating if absent) a badger-backed Store rooted at
// dir. Pass an empty dir for badger's own in-memory mode, useful for tests
// that want the production code path without touching disk.
func OpenBadger(dir string) (Store, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("peerstore: open badger: %w", err)
	}
	return &badgerStore{db: db, clock: time.Now}, nil
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}

func nodeIndexKey(id nodeid.NodeId) []byte {
	return append([]byte(nodePrefix), id.Bytes()...)
}

func pkStoreKey(publicKey []byte) []byte {
	return append([]byte(pkPrefix), publicKey...)
}

func (s *badgerStore) getLocked(txn *badger.Txn, publicKey []byte) (*Peer, error) {
	item, err := txn.Get(pkStoreKey(publicKey))
	if err == badger.ErrKeyNotFound {
		return nil, ErrPeerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("peerstore: get: %w", err)
	}
	var peer *Peer
	err = item.Value(func(val []byte) error {
		decoded, decodeErr := decodePeer(val)
		if decodeErr != nil {
			return decodeErr
		}
		peer = decoded
		return nil
	})
	return peer, err
}

func (s *badgerStore) putLocked(txn *badger.Txn, peer *Peer) error {
	raw, err := encodePeer(peer)
	if err != nil {
		return err
	}
	if err := txn.Set(pkStoreKey(peer.PublicKey), raw); err != nil {
		return fmt.Errorf("peerstore: set: %w", err)
	}
	if err := txn.Set(nodeIndexKey(peer.NodeId), peer.PublicKey); err != nil {
		return fmt.Errorf("peerstore: set index: %w", err)
	}
	return nil
}

func (s *badgerStore) AddPeer(peer *Peer) (Id, error) {
	stored := peer.Clone()
	err := s.db.Update(func(txn *badger.Txn) error {
		if existing, err := s.getLocked(txn, stored.PublicKey); err == nil && existing.NodeId != stored.NodeId {
			if delErr := txn.Delete(nodeIndexKey(existing.NodeId)); delErr != nil {
				return delErr
			}
		}
		return s.putLocked(txn, stored)
	})
	if err != nil {
		return 0, err
	}
	return Id(s.nextID.Inc()), nil
}

func (s *badgerStore) UpdatePeer(publicKey []byte, update Update) error {
	return s.db.Update(func(txn *badger.Txn) error {
		peer, err := s.getLocked(txn, publicKey)
		if err != nil {
			return err
		}
		if update.NodeId != nil {
			if err := txn.Delete(nodeIndexKey(peer.NodeId)); err != nil {
				return err
			}
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
		return s.putLocked(txn, peer)
	})
}

func (s *badgerStore) DeletePeer(id nodeid.NodeId) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeIndexKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrPeerNotFound
		}
		if err != nil {
			return err
		}
		var pk []byte
		if err := item.Value(func(val []byte) error {
			pk = append([]byte(nil), val...)
			return nil
		}); err != nil {
			return err
		}
		if err := txn.Delete(nodeIndexKey(id)); err != nil {
			return err
		}
		return txn.Delete(pkStoreKey(pk))
	})
}

func (s *badgerStore) FindByNodeId(id nodeid.NodeId) (*Peer, error) {
	var peer *Peer
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeIndexKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrPeerNotFound
		}
		if err != nil {
			return err
		}
		var pk []byte
		if err := item.Value(func(val []byte) error {
			pk = append([]byte(nil), val...)
			return nil
		}); err != nil {
			return err
		}
		peer, err = s.getLocked(txn, pk)
		return err
	})
	return peer, err
}

func (s *badgerStore) FindByPublicKey(publicKey []byte) (*Peer, error) {
	var peer *Peer
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		peer, err = s.getLocked(txn, publicKey)
		return err
	})
	return peer, err
}

func (s *badgerStore) Exists(publicKey []byte) bool {
	_, err := s.FindByPublicKey(publicKey)
	return err == nil
}

func (s *badgerStore) ExistsNodeId(id nodeid.NodeId) bool {
	_, err := s.FindByNodeId(id)
	return err == nil
}

func (s *badgerStore) allPeers() ([]*Peer, error) {
	var peers []*Peer
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(pkPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if err := item.Value(func(val []byte) error {
				peer, err := decodePeer(val)
				if err != nil {
					return err
				}
				peers = append(peers, peer)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return peers, err
}

func (s *badgerStore) All() ([]*Peer, error) {
	return s.allPeers()
}

func (s *badgerStore) FloodPeers() ([]*Peer, error) {
	peers, err := s.allPeers()
	if err != nil {
		return nil, err
	}
	now := s.clock()
	var out []*Peer
	for _, p := range peers {
		if !p.IsBanned(now) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *badgerStore) DirectIdentityNodeId(id nodeid.NodeId) (*Peer, error) {
	peer, err := s.FindByNodeId(id)
	return directIdentity(peer, err, s.clock())
}

func (s *badgerStore) DirectIdentityPublicKey(publicKey []byte) (*Peer, error) {
	peer, err := s.FindByPublicKey(publicKey)
	return directIdentity(peer, err, s.clock())
}

func (s *badgerStore) PerformQuery(q Query) ([]*Peer, error) {
	peers, err := s.allPeers()
	if err != nil {
		return nil, err
	}
	return q.apply(peers), nil
}

func (s *badgerStore) ClosestPeers(target nodeid.NodeId, n int, excludedPublicKeys [][]byte, features *Features) ([]*Peer, error) {
	if n == 0 {
		return nil, nil
	}
	excluded := make(map[string]struct{}, len(excludedPublicKeys))
	for _, pk := range excludedPublicKeys {
		excluded[string(pk)] = struct{}{}
	}
	now := s.clock()
	q := NewQuery().SelectWhere(func(p *Peer) bool {
		if p.IsBanned(now) {
			return false
		}
		if features != nil && !p.Features.Contains(*features) {
			return false
		}
		if _, skip := excluded[string(p.PublicKey)]; skip {
			return false
		}
		return true
	}).SortByDistanceFrom(target).Limit(n)
	return s.PerformQuery(q)
}

func (s *badgerStore) RandomPeers(n int, excludedNodeIds []nodeid.NodeId) ([]*Peer, error) {
	if n <= 0 {
		return nil, nil
	}
	excluded := make(map[nodeid.NodeId]struct{}, len(excludedNodeIds))
	for _, id := range excludedNodeIds {
		excluded[id] = struct{}{}
	}
	peers, err := s.allPeers()
	if err != nil {
		return nil, err
	}
	now := s.clock()
	candidates := peers[:0]
	for _, p := range peers {
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
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates, nil
}

func (s *badgerStore) InNetworkRegion(id, regionNodeId nodeid.NodeId, n int) (bool, error) {
	threshold, err := s.CalcRegionThreshold(regionNodeId, n, 0)
	if err != nil {
		return false, err
	}
	return id.Distance(regionNodeId).Compare(threshold) <= 0, nil
}

func (s *badgerStore) CalcRegionThreshold(regionNodeId nodeid.NodeId, n int, features Features) (nodeid.Distance, error) {
	stats, err := s.GetRegionStats(regionNodeId, n, features)
	if err != nil {
		return nodeid.Distance{}, err
	}
	return stats.ThresholdDistance, nil
}

func (s *badgerStore) GetRegionStats(regionNodeId nodeid.NodeId, n int, features Features) (RegionStats, error) {
	peers, err := s.allPeers()
	if err != nil {
		return RegionStats{}, err
	}
	now := s.clock()
	var matching []*Peer
	for _, p := range peers {
		if p.IsBanned(now) {
			continue
		}
		if features != 0 && !p.Features.Contains(features) {
			continue
		}
		matching = append(matching, p)
	}

	ordered := NewQuery().SortByDistanceFrom(regionNodeId).apply(matching)
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

func (s *badgerStore) BanFor(publicKey []byte, duration time.Duration) error {
	peer, err := s.FindByPublicKey(publicKey)
	if err != nil {
		return err
	}
	until := s.clock().Add(duration)
	flags := peer.Flags | FlagBanned
	return s.UpdatePeer(publicKey, Update{BannedUntil: &until, Flags: &flags})
}

func (s *badgerStore) Unban(publicKey []byte) error {
	peer, err := s.FindByPublicKey(publicKey)
	if err != nil {
		return err
	}
	zero := time.Time{}
	flags := peer.Flags &^ FlagBanned
	return s.UpdatePeer(publicKey, Update{BannedUntil: &zero, Flags: &flags})
}

func (s *badgerStore) SetOffline(publicKey []byte, offline bool) error {
	return s.UpdatePeer(publicKey, Update{IsOffline: &offline})
}

func (s *badgerStore) AddNetAddress(id nodeid.NodeId, addr ma.Multiaddr) error {
	peer, err := s.FindByNodeId(id)
	if err != nil {
		return err
	}
	if peer.HasAddress(addr) {
		return nil
	}
	return s.UpdatePeer(peer.PublicKey, Update{Addresses: []ma.Multiaddr{addr}})
}

func (s *badgerStore) SetLastConnectSuccess(id nodeid.NodeId) error {
	peer, err := s.FindByNodeId(id)
	if err != nil {
		return err
	}
	stats := peer.ConnectionStats
	stats.SetSuccess(s.clock())
	offline := false
	return s.UpdatePeer(peer.PublicKey, Update{ConnectionStats: &stats, IsOffline: &offline})
}

func (s *badgerStore) SetLastConnectFailure(id nodeid.NodeId) error {
	peer, err := s.FindByNodeId(id)
	if err != nil {
		return err
	}
	stats := peer.ConnectionStats
	stats.SetFailure(s.clock())
	return s.UpdatePeer(peer.PublicKey, Update{ConnectionStats: &stats})
}

func (s *badgerStore) AddOrUpdateOnlinePeer(publicKey []byte, id nodeid.NodeId, addrs []ma.Multiaddr, features Features) (*Peer, error) {
	now := s.clock()
	peer, err := s.FindByPublicKey(publicKey)
	if err == ErrPeerNotFound {
		fresh := &Peer{
			PublicKey: append([]byte(nil), publicKey...),
			NodeId:    id,
			Features:  features,
		}
		fresh.ConnectionStats.SetSuccess(now)
		fresh.MergeAddresses(addrs, now)
		if _, addErr := s.AddPeer(fresh); addErr != nil {
			return nil, addErr
		}
		return s.FindByPublicKey(publicKey)
	}
	if err != nil {
		return nil, err
	}

	peer.ConnectionStats.SetSuccess(now)
	peer.MergeFeatures(features)
	peer.MergeAddresses(addrs, now)
	offline := false
	if updErr := s.UpdatePeer(publicKey, Update{
		NodeId:          &id,
		Addresses:       addrs,
		Features:        &peer.Features,
		IsOffline:       &offline,
		ConnectionStats: &peer.ConnectionStats,
	}); updErr != nil {
		return nil, updErr
	}
	return s.FindByPublicKey(publicKey)
}

func (s *badgerStore) ForEach(f func(*Peer) IterationDecision) error {
	peers, err := s.allPeers()
	if err != nil {
		return err
	}
	for _, p := range peers {
		if f(p) == Stop {
			break
		}
	}
	return nil
}

func (s *badgerStore) UpdateEach(f func(*Peer) (*Peer, bool)) (int, error) {
	peers, err := s.allPeers()
	if err != nil {
		return 0, err
	}
	var toUpdate []*Peer
	for _, p := range peers {
		if replacement, ok := f(p); ok {
			toUpdate = append(toUpdate, replacement)
		}
	}
	for _, p := range toUpdate {
		if _, err := s.AddPeer(p); err != nil {
			return 0, err
		}
	}
	return len(toUpdate), nil
}

func (s *badgerStore) GetPeerFeatures(id nodeid.NodeId) (Features, error) {
	peer, err := s.FindByNodeId(id)
	if err != nil {
		return 0, err
	}
	return peer.Features, nil
}
