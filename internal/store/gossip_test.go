package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hollowline/portal/internal/enr"
)

type fakeGossipTarget struct {
	peers []enr.NodeID
}

func (f *fakeGossipTarget) NearestPeers(contentID [32]byte, n int) []enr.NodeID {
	if n > len(f.peers) {
		n = len(f.peers)
	}
	return append([]enr.NodeID(nil), f.peers[:n]...)
}

type recordingOfferSender struct {
	mu      sync.Mutex
	sentTo  []enr.NodeID
	failFor map[enr.NodeID]error
}

func (s *recordingOfferSender) SendOffer(ctx context.Context, peer enr.NodeID, keys []ContentKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentTo = append(s.sentTo, peer)
	if err, ok := s.failFor[peer]; ok {
		return err
	}
	return nil
}

func gossipPeer(b byte) enr.NodeID {
	var id enr.NodeID
	id[31] = b
	return id
}

// TestGossiperOffersToEveryNearestPeer covers the fan-out itself: every
// peer NearestPeers returns (up to GossipFanout) gets an OFFER.
func TestGossiperOffersToEveryNearestPeer(t *testing.T) {
	peers := []enr.NodeID{gossipPeer(1), gossipPeer(2), gossipPeer(3)}
	target := &fakeGossipTarget{peers: peers}
	sender := &recordingOfferSender{}
	g := NewGossiper(target, sender)

	key := make(ContentKey, 2)
	key[0] = byte(ContentTypeBlockBody)
	key[1] = 0x01

	if err := g.Offer(context.Background(), key); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sentTo) != len(peers) {
		t.Fatalf("sentTo = %v, want one OFFER per peer in %v", sender.sentTo, peers)
	}
	seen := make(map[enr.NodeID]bool)
	for _, p := range sender.sentTo {
		seen[p] = true
	}
	for _, p := range peers {
		if !seen[p] {
			t.Fatalf("peer %v never received an OFFER", p)
		}
	}
}

// TestGossiperCapsFanoutAtGossipFanout ensures a larger candidate set is
// still only offered to GossipFanout peers, matching the reference
// client's bounded flood.
func TestGossiperCapsFanoutAtGossipFanout(t *testing.T) {
	var peers []enr.NodeID
	for i := 0; i < GossipFanout+5; i++ {
		peers = append(peers, gossipPeer(byte(i+1)))
	}
	target := &fakeGossipTarget{peers: peers}
	sender := &recordingOfferSender{}
	g := NewGossiper(target, sender)

	key := make(ContentKey, 2)
	key[0] = byte(ContentTypeBlockBody)
	key[1] = 0x02

	if err := g.Offer(context.Background(), key); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if len(sender.sentTo) != GossipFanout {
		t.Fatalf("sentTo has %d entries, want exactly GossipFanout=%d", len(sender.sentTo), GossipFanout)
	}
}

// TestGossiperPropagatesAPeerFailure ensures one peer's SendOffer error
// surfaces from Offer rather than being silently swallowed, while every
// other peer in the fan-out still gets its OFFER.
func TestGossiperPropagatesAPeerFailure(t *testing.T) {
	failing := gossipPeer(9)
	peers := []enr.NodeID{gossipPeer(1), failing}
	target := &fakeGossipTarget{peers: peers}
	wantErr := errors.New("peer unreachable")
	sender := &recordingOfferSender{failFor: map[enr.NodeID]error{failing: wantErr}}
	g := NewGossiper(target, sender)

	key := make(ContentKey, 2)
	key[0] = byte(ContentTypeBlockBody)
	key[1] = 0x03

	err := g.Offer(context.Background(), key)
	if err == nil {
		t.Fatal("expected the failing peer's error to surface from Offer")
	}
	if len(sender.sentTo) != len(peers) {
		t.Fatalf("sentTo = %v, want both peers attempted despite one failing", sender.sentTo)
	}
}
