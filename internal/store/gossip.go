package store

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/hollowline/portal/internal/enr"
)

// GossipFanout is the number of nearest peers a freshly-admitted piece of
// content is OFFERed to (§4.I, mirroring the reference client's "flood
// to k nearest" propagation).
const GossipFanout = 5

// GossipTarget resolves the peers a content-id should be gossiped to.
// The network base (G) implements this over its routing table so this
// package never depends on internal/kademlia directly.
type GossipTarget interface {
	NearestPeers(contentID [32]byte, n int) []enr.NodeID
}

// OfferSender sends an OFFER for keys to peer. The network base (G)
// implements this by framing and dispatching the message over its
// datagram transport; it is also where per-peer OFFER rate limiting
// lives (§DOMAIN STACK), so a fast gossip fan-out here can't burst a
// slow peer.
type OfferSender interface {
	SendOffer(ctx context.Context, peer enr.NodeID, keys []ContentKey) error
}

// Gossiper fans a newly-admitted content key out to its GossipFanout
// nearest peers concurrently.
type Gossiper struct {
	target GossipTarget
	sender OfferSender
}

// NewGossiper constructs a Gossiper over the given peer resolver and
// sender.
func NewGossiper(target GossipTarget, sender OfferSender) *Gossiper {
	return &Gossiper{target: target, sender: sender}
}

// Offer gossips key to its GossipFanout nearest peers concurrently,
// returning the first error encountered (if any); a slow peer only
// delays its own goroutine, not the others.
func (g *Gossiper) Offer(ctx context.Context, key ContentKey) error {
	id := key.ContentID()
	peers := g.target.NearestPeers(id, GossipFanout)

	eg, ctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		peer := peer
		eg.Go(func() error {
			return g.sender.SendOffer(ctx, peer, []ContentKey{key})
		})
	}
	return eg.Wait()
}
