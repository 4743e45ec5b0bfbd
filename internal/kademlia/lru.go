package kademlia

import (
	"container/list"
	"sync"

	"github.com/hollowline/portal/internal/enr"
)

// KnownContentCapacity is the per-peer bound on remembered (peer, key)
// OFFER suppression entries (§4.E).
const KnownContentCapacity = 1000

// KnownContentCache records which content-ids have already been OFFERed
// to which peers, so the gossip path never sends the same key twice
// (P3), evicting the least-recently-used entry per peer once a peer's
// cache fills up.
type KnownContentCache struct {
	mu       sync.Mutex
	capacity int
	perPeer  map[enr.NodeID]*peerCache
}

type peerCache struct {
	order *list.List
	index map[string]*list.Element
}

// NewKnownContentCache constructs a cache with the given per-peer
// capacity (0 defaults to KnownContentCapacity).
func NewKnownContentCache(capacity int) *KnownContentCache {
	if capacity <= 0 {
		capacity = KnownContentCapacity
	}
	return &KnownContentCache{
		capacity: capacity,
		perPeer:  make(map[enr.NodeID]*peerCache),
	}
}

// Known reports whether contentID has already been recorded as OFFERed
// to peer.
func (c *KnownContentCache) Known(peer enr.NodeID, contentID [32]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.perPeer[peer]
	if !ok {
		return false
	}
	_, ok = pc.index[string(contentID[:])]
	return ok
}

// Record marks contentID as OFFERed to peer, evicting the peer's least
// recently recorded entry if the cache is at capacity.
func (c *KnownContentCache) Record(peer enr.NodeID, contentID [32]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pc, ok := c.perPeer[peer]
	if !ok {
		pc = &peerCache{order: list.New(), index: make(map[string]*list.Element)}
		c.perPeer[peer] = pc
	}

	key := string(contentID[:])
	if el, ok := pc.index[key]; ok {
		pc.order.MoveToFront(el)
		return
	}

	el := pc.order.PushFront(key)
	pc.index[key] = el

	if pc.order.Len() > c.capacity {
		oldest := pc.order.Back()
		if oldest != nil {
			pc.order.Remove(oldest)
			delete(pc.index, oldest.Value.(string))
		}
	}
}

// Forget drops all recorded entries for peer, used when a peer is
// evicted from the routing table entirely.
func (c *KnownContentCache) Forget(peer enr.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.perPeer, peer)
}
