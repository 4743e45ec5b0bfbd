package overlay

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hollowline/portal/internal/clock"
	"github.com/hollowline/portal/internal/enr"
	"github.com/hollowline/portal/internal/kademlia"
	"github.com/hollowline/portal/internal/portalerr"
	"github.com/hollowline/portal/internal/store"
	"github.com/hollowline/portal/internal/utp"
)

// fakeContentStore is a minimal in-memory store.ContentStore, letting
// these tests drive Network's dispatch logic without pulling in the
// proof-verification machinery internal/store itself already covers.
type fakeContentStore struct {
	mu     sync.Mutex
	data   map[[32]byte][]byte
	radius enr.Distance
}

func newFakeContentStore() *fakeContentStore {
	return &fakeContentStore{data: make(map[[32]byte][]byte), radius: enr.MaxRadius}
}

func (s *fakeContentStore) Has(id [32]byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[id]
	return ok
}

func (s *fakeContentStore) Get(id [32]byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[id]
	if !ok {
		return nil, portalerr.ErrNotFound
	}
	return v, nil
}

func (s *fakeContentStore) Put(key store.ContentKey, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key.ContentID()] = append([]byte(nil), content...)
	return nil
}

func (s *fakeContentStore) Radius() enr.Distance { return s.radius }

func (s *fakeContentStore) Size() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, v := range s.data {
		n += int64(len(v))
	}
	return n, nil
}

// fakeDatagram is a synchronous, in-process transport.Datagram: a
// SendTalkRequest call invokes the remote's registered handler directly
// in the caller's goroutine, sharing a registry across every node built
// over the same net.
type fakeNet struct {
	mu    sync.Mutex
	nodes map[enr.NodeID]*fakeDatagram
}

func newFakeNet() *fakeNet { return &fakeNet{nodes: make(map[enr.NodeID]*fakeDatagram)} }

type fakeDatagram struct {
	net      *fakeNet
	self     enr.Record
	mu       sync.Mutex
	handlers map[string]func(src enr.NodeID, requestID []byte, payload []byte) []byte
}

func (n *fakeNet) newDatagram(self enr.Record) *fakeDatagram {
	d := &fakeDatagram{net: n, self: self, handlers: make(map[string]func(enr.NodeID, []byte, []byte) []byte)}
	n.mu.Lock()
	n.nodes[self.ID] = d
	n.mu.Unlock()
	return d
}

func (d *fakeDatagram) LocalNode() enr.Record { return d.self }

func (d *fakeDatagram) OnTalkRequest(protocolID []byte, handler func(src enr.NodeID, requestID []byte, payload []byte) []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[string(protocolID)] = handler
}

func (d *fakeDatagram) SendTalkRequest(ctx context.Context, remote enr.NodeID, protocolID []byte, payload []byte) ([]byte, error) {
	d.net.mu.Lock()
	target, ok := d.net.nodes[remote]
	d.net.mu.Unlock()
	if !ok {
		return nil, errors.New("fakeDatagram: unknown peer")
	}
	target.mu.Lock()
	handler, ok := target.handlers[string(protocolID)]
	target.mu.Unlock()
	if !ok {
		return nil, errors.New("fakeDatagram: no handler registered for protocol")
	}
	return handler(d.self.ID, nil, payload), nil
}

func (d *fakeDatagram) SendTalkResponse(remote enr.NodeID, requestID []byte, payload []byte) error {
	return nil
}

func newTestNetwork(self enr.NodeID, datagram *fakeDatagram) *Network {
	return NewNetwork(Config{
		ProtocolID: ProtocolIDHistory,
		Label:      "history",
		Self:       enr.Record{ID: self},
		Clock:      clock.NewManual(),
		Table:      kademlia.NewTable(self),
		Known:      kademlia.NewKnownContentCache(0),
		Content:    newFakeContentStore(),
		Mux:        utp.NewMultiplexer(clock.NewManual(), func(enr.NodeID, []byte) error { return nil }, 0, nil),
		Datagram:   datagram,
	})
}

func historyKey(b byte) store.ContentKey {
	key := make(store.ContentKey, 2)
	key[0] = byte(store.ContentTypeBlockBody)
	key[1] = b
	return key
}

// TestHandleFindContentInlinePayload is scenario 1: content at or under
// the inline threshold comes back as CONTENT(payload), no uTP involved.
func TestHandleFindContentInlinePayload(t *testing.T) {
	n := newTestNetwork(nodeID(0), newFakeNet().newDatagram(enr.Record{ID: nodeID(0)}))
	key := historyKey(0x01)
	small := []byte("small content body")
	if err := n.content.Put(key, small); err != nil {
		t.Fatalf("seeding content: %v", err)
	}

	resp := n.handleFindContent(nodeID(1), FindContent{Key: key})
	if resp.Kind != ContentKindPayload {
		t.Fatalf("Kind = %v, want ContentKindPayload", resp.Kind)
	}
	if string(resp.Payload) != string(small) {
		t.Fatalf("Payload = %q, want %q", resp.Payload, small)
	}
}

// TestHandleFindContentOverUTPThreshold is scenario 2: content over the
// inline threshold comes back as CONTENT(connection-id), and the
// multiplexer now has an open request awaiting that peer's SYN.
func TestHandleFindContentOverUTPThreshold(t *testing.T) {
	n := newTestNetwork(nodeID(0), newFakeNet().newDatagram(enr.Record{ID: nodeID(0)}))
	key := historyKey(0x02)
	large := make([]byte, maxInlineContentBytes+1)
	if err := n.content.Put(key, large); err != nil {
		t.Fatalf("seeding content: %v", err)
	}

	resp := n.handleFindContent(nodeID(1), FindContent{Key: key})
	if resp.Kind != ContentKindConnectionID {
		t.Fatalf("Kind = %v, want ContentKindConnectionID", resp.Kind)
	}
	if resp.ConnectionID == 0 {
		t.Fatal("ConnectionID = 0, want a nonzero id for the peer to SYN on")
	}
	if n.mux.Len() != 1 {
		t.Fatalf("mux.Len() = %d, want 1 open request awaiting the peer's SYN", n.mux.Len())
	}
}

// TestHandleFindContentMiss returns the nearest known ENRs, excluding the
// requester itself.
func TestHandleFindContentMiss(t *testing.T) {
	n := newTestNetwork(nodeID(0), newFakeNet().newDatagram(enr.Record{ID: nodeID(0)}))
	n.table.Add(n.now(), enr.Record{ID: nodeID(5), Text: "enr:5"})
	n.table.Add(n.now(), enr.Record{ID: nodeID(6), Text: "enr:6"})

	resp := n.handleFindContent(nodeID(6), FindContent{Key: historyKey(0x03)})
	if resp.Kind != ContentKindEnrs {
		t.Fatalf("Kind = %v, want ContentKindEnrs", resp.Kind)
	}
	for _, e := range resp.Enrs {
		if e == "enr:6" {
			t.Fatal("requester's own ENR should be excluded from the reply")
		}
	}
}

// keyWithTopBit searches for a history content key whose ContentID's
// first byte has the given high bit and isn't already in used, so a test
// can place several distinct keys on either side of a halved radius (self
// is all-zero, so distance(self, id) == id, and
// enr.HalveRadius(enr.MaxRadius) sits exactly at that bit).
func keyWithTopBit(t *testing.T, highBitSet bool, used map[[32]byte]bool) store.ContentKey {
	t.Helper()
	for i := 0; i < 256; i++ {
		key := historyKey(byte(i))
		id := key.ContentID()
		if used[id] {
			continue
		}
		if (id[0]&0x80 != 0) == highBitSet {
			used[id] = true
			return key
		}
	}
	t.Fatal("did not find a content key with the wanted top bit in 256 tries")
	return nil
}

// TestHandleOfferAcceptsEligibleKeysOnly is scenario 3's ACCEPT side:
// already-stored, already-known, and out-of-radius keys are all rejected;
// only the remaining key is accepted and opens a uTP read.
func TestHandleOfferAcceptsEligibleKeysOnly(t *testing.T) {
	n := newTestNetwork(nodeID(0), newFakeNet().newDatagram(enr.Record{ID: nodeID(0)}))
	n.content.(*fakeContentStore).radius = enr.HalveRadius(enr.MaxRadius)
	peer := nodeID(9)
	used := make(map[[32]byte]bool)

	alreadyStored := keyWithTopBit(t, false, used)
	if err := n.content.Put(alreadyStored, []byte("x")); err != nil {
		t.Fatalf("seeding: %v", err)
	}
	alreadyKnown := keyWithTopBit(t, false, used) // within radius, so Known is what rejects it
	n.known.Record(peer, alreadyKnown.ContentID())

	outOfRadius := keyWithTopBit(t, true, used)
	eligible := keyWithTopBit(t, false, used)

	keys := [][]byte{alreadyStored, alreadyKnown, outOfRadius, eligible}
	resp := n.handleOffer(peer, Offer{Keys: keys})

	want := []byte{0, 0, 0, 1}
	for i := range want {
		if resp.Bitmap[i] != want[i] {
			t.Fatalf("Bitmap[%d] = %d, want %d (keys=%v)", i, resp.Bitmap[i], want[i], keys)
		}
	}
	if resp.ConnectionID == 0 {
		t.Fatal("ConnectionID = 0, want a nonzero id since one key was accepted")
	}
	if n.mux.Len() != 1 {
		t.Fatalf("mux.Len() = %d, want 1 open ACCEPT_READ request", n.mux.Len())
	}
}

// TestHandleOfferRejectsEverythingOutsideRadius covers the all-rejected
// path: no uTP connection should be opened.
func TestHandleOfferRejectsEverythingOutsideRadius(t *testing.T) {
	n := newTestNetwork(nodeID(0), newFakeNet().newDatagram(enr.Record{ID: nodeID(0)}))
	n.content.(*fakeContentStore).radius = enr.Distance{}

	resp := n.handleOffer(nodeID(9), Offer{Keys: [][]byte{historyKey(0x20)}})
	if resp.ConnectionID != 0 {
		t.Fatalf("ConnectionID = %d, want 0 when nothing is accepted", resp.ConnectionID)
	}
	for _, b := range resp.Bitmap {
		if b != 0 {
			t.Fatalf("Bitmap = %v, want all zero", resp.Bitmap)
		}
	}
	if n.mux.Len() != 0 {
		t.Fatalf("mux.Len() = %d, want 0", n.mux.Len())
	}
}

// TestOfferPayloadFraming is the pure-function half of scenario 3: what
// buildOfferPayload writes, decodeVarintFramedBlobs must read back.
func TestOfferPayloadFraming(t *testing.T) {
	n := newTestNetwork(nodeID(0), newFakeNet().newDatagram(enr.Record{ID: nodeID(0)}))
	keys := []store.ContentKey{historyKey(0x30), historyKey(0x31)}
	blobs := [][]byte{[]byte("first blob"), []byte("second, a bit longer blob")}
	for i, k := range keys {
		if err := n.content.Put(k, blobs[i]); err != nil {
			t.Fatalf("seeding: %v", err)
		}
	}

	payload, err := n.buildOfferPayload(keys)
	if err != nil {
		t.Fatalf("buildOfferPayload: %v", err)
	}
	got, err := decodeVarintFramedBlobs(payload, len(keys))
	if err != nil {
		t.Fatalf("decodeVarintFramedBlobs: %v", err)
	}
	for i, b := range blobs {
		if string(got[i]) != string(b) {
			t.Fatalf("blob %d = %q, want %q", i, got[i], b)
		}
	}
}

func TestDecodeVarintFramedBlobsRejectsCountMismatch(t *testing.T) {
	payload, err := (&Network{content: newFakeContentStore()}).buildOfferPayload(nil)
	if err != nil {
		t.Fatalf("buildOfferPayload: %v", err)
	}
	if _, err := decodeVarintFramedBlobs(payload, 1); err != portalerr.ErrReassemblyFailed {
		t.Fatalf("err = %v, want ErrReassemblyFailed", err)
	}
}

// TestFindContentRoundTripsOverTheWire drives Network.FindContent against
// a second Network answering over a shared fakeDatagram, covering the
// request/response half of scenario 1 end to end.
func TestFindContentRoundTripsOverTheWire(t *testing.T) {
	net := newFakeNet()
	alice := newTestNetwork(nodeID(1), net.newDatagram(enr.Record{ID: nodeID(1)}))
	bob := newTestNetwork(nodeID(2), net.newDatagram(enr.Record{ID: nodeID(2)}))
	bob.Start()

	key := historyKey(0x40)
	if err := bob.content.Put(key, []byte("bob's content")); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	resp, err := alice.FindContent(context.Background(), nodeID(2), key)
	if err != nil {
		t.Fatalf("FindContent: %v", err)
	}
	if resp.Kind != ContentKindPayload || string(resp.Payload) != "bob's content" {
		t.Fatalf("resp = %+v, want bob's content inline", resp)
	}
}

// TestSendOfferRoundTripsAccept drives Network.SendOffer against a second
// Network that accepts the key, covering the OFFER/ACCEPT half of
// scenario 3 (the uTP write itself is covered by internal/utp's own
// multiplexer tests).
func TestSendOfferRoundTripsAccept(t *testing.T) {
	net := newFakeNet()
	alice := newTestNetwork(nodeID(1), net.newDatagram(enr.Record{ID: nodeID(1)}))
	bob := newTestNetwork(nodeID(2), net.newDatagram(enr.Record{ID: nodeID(2)}))
	bob.Start()

	key := historyKey(0x41)
	if err := alice.content.Put(key, []byte("offered content")); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	if err := alice.SendOffer(context.Background(), nodeID(2), []store.ContentKey{key}); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	if bob.mux.Len() != 1 {
		t.Fatalf("bob.mux.Len() = %d, want 1 open ACCEPT_READ request", bob.mux.Len())
	}
}

// fakeGossipTarget/fakeOfferSender let a test assemble a real
// store.Gossiper without a routing table or live datagram transport.
type fakeGossipTarget struct{ peers []enr.NodeID }

func (f *fakeGossipTarget) NearestPeers([32]byte, int) []enr.NodeID { return f.peers }

type fakeOfferSender struct {
	mu    sync.Mutex
	calls []enr.NodeID
	done  chan struct{}
}

func (f *fakeOfferSender) SendOffer(_ context.Context, peer enr.NodeID, _ []store.ContentKey) error {
	f.mu.Lock()
	f.calls = append(f.calls, peer)
	f.mu.Unlock()
	close(f.done)
	return nil
}

// TestOnOfferAcceptedEnqueuesGossip is spec.md:138(c)/140: a successful
// Put from an accepted OFFER transfer must enqueue the key for gossip
// fan-out, not just persist it.
func TestOnOfferAcceptedEnqueuesGossip(t *testing.T) {
	n := newTestNetwork(nodeID(0), newFakeNet().newDatagram(enr.Record{ID: nodeID(0)}))
	sender := &fakeOfferSender{done: make(chan struct{})}
	n.SetGossiper(store.NewGossiper(&fakeGossipTarget{peers: []enr.NodeID{nodeID(7)}}, sender))

	key := historyKey(0x50)
	content := []byte("gossiped content")

	done := n.onOfferAccepted(nodeID(9), []store.ContentKey{key})
	var lenBuf [binary.MaxVarintLen64]byte
	ln := binary.PutUvarint(lenBuf[:], uint64(len(content)))
	payload := append(append([]byte(nil), lenBuf[:ln]...), content...)
	done(payload, nil)

	select {
	case <-sender.done:
	case <-time.After(time.Second):
		t.Fatal("gossip Offer was never sent after a successful accepted-offer Put")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.calls) != 1 || sender.calls[0] != nodeID(7) {
		t.Fatalf("sender.calls = %v, want [nodeID(7)]", sender.calls)
	}
	if !n.content.Has(key.ContentID()) {
		t.Fatal("accepted offer content was not stored")
	}
}
