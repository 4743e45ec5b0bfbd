package utp

import (
	"sync"
	"testing"
	"time"

	"github.com/hollowline/portal/internal/clock"
	"github.com/hollowline/portal/internal/enr"
	"github.com/hollowline/portal/internal/portalerr"
)

// packetQueue buffers raw packets handed to a Multiplexer's send callback
// so a test can pump them into the peer multiplexer from the top of the
// test goroutine's stack, rather than recursively from inside whatever
// Socket method triggered the send (which would try to re-lock the same
// socket's mutex and deadlock).
type packetQueue struct {
	mu  sync.Mutex
	raw [][]byte
}

func (q *packetQueue) push(raw []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.raw = append(q.raw, raw)
}

func (q *packetQueue) drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.raw
	q.raw = nil
	return out
}

type completionResult struct {
	content []byte
	err     error
}

type completion struct {
	ch chan completionResult
}

func newCompletion() *completion {
	return &completion{ch: make(chan completionResult, 1)}
}

func (c *completion) callback(content []byte, err error) {
	c.ch <- completionResult{content, err}
}

func (c *completion) wait(t *testing.T) completionResult {
	t.Helper()
	select {
	case r := <-c.ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for content request completion")
		return completionResult{}
	}
}

// pumpUntilQuiet alternately drains a and b's outbound queues into each
// other's HandlePacket until both queues stay empty for a full round.
func pumpUntilQuiet(t *testing.T, a, b *Multiplexer, aID, bID enr.NodeID, aOut, bOut *packetQueue) {
	t.Helper()
	for round := 0; round < 64; round++ {
		fromA := aOut.drain()
		fromB := bOut.drain()
		if len(fromA) == 0 && len(fromB) == 0 {
			return
		}
		for _, raw := range fromA {
			if err := b.HandlePacket(aID, raw, time.Duration(round)*time.Millisecond); err != nil {
				t.Fatalf("b.HandlePacket: %v", err)
			}
		}
		for _, raw := range fromB {
			if err := a.HandlePacket(bID, raw, time.Duration(round)*time.Millisecond); err != nil {
				t.Fatalf("a.HandlePacket: %v", err)
			}
		}
	}
	t.Fatal("pumpUntilQuiet: packets kept flowing past the round budget")
}

// TestMultiplexerRoutesOfferAcceptTransfer exercises the OFFER_WRITE /
// ACCEPT_READ pairing end to end: the initiator (OFFER_WRITE) opens the
// uTP SYN, the acceptor (ACCEPT_READ) was pre-registered to expect it on
// the connection id the ACCEPT message already carried, and content
// flows from initiator to acceptor.
func TestMultiplexerRoutesOfferAcceptTransfer(t *testing.T) {
	clk := clock.NewManual()

	var offerorID, acceptorID enr.NodeID
	offerorID[0] = 0x01
	acceptorID[0] = 0x02

	offerorDone := newCompletion()
	acceptorDone := newCompletion()

	offerorOut := &packetQueue{}
	acceptorOut := &packetQueue{}

	offeror := NewMultiplexer(clk, func(_ enr.NodeID, raw []byte) error { offerorOut.push(raw); return nil }, 0, nil)
	acceptor := NewMultiplexer(clk, func(_ enr.NodeID, raw []byte) error { acceptorOut.push(raw); return nil }, 0, nil)

	connID := uint16(5555)

	// The acceptor already told the offeror (via ACCEPT) which connection
	// id to use, so it pre-registers an expectation before any packet
	// arrives.
	if _, err := acceptor.ExpectInbound(0, "history", offerorID, DirAcceptRead, nil, connID, nil, acceptorDone.callback); err != nil {
		t.Fatalf("ExpectInbound: %v", err)
	}

	payload := []byte("the quick brown fox jumps over the lazy dog")
	if _, err := offeror.Open(0, "history", acceptorID, DirOfferWrite, [][]byte{[]byte("key-1")}, connID, payload, offerorDone.callback); err != nil {
		t.Fatalf("Open: %v", err)
	}

	pumpUntilQuiet(t, offeror, acceptor, offerorID, acceptorID, offerorOut, acceptorOut)

	resA := offerorDone.wait(t)
	if resA.err != nil {
		t.Fatalf("offeror side failed: %v", resA.err)
	}
	resB := acceptorDone.wait(t)
	if resB.err != nil {
		t.Fatalf("acceptor side failed: %v", resB.err)
	}
	if string(resB.content) != string(payload) {
		t.Fatalf("content = %q, want %q", resB.content, payload)
	}

	if offeror.Len() != 0 || acceptor.Len() != 0 {
		t.Fatalf("expected both sides to release their request on completion, got offeror=%d acceptor=%d", offeror.Len(), acceptor.Len())
	}
}

// TestMultiplexerDropsPacketsForUnknownConnID verifies stray packets that
// don't match an open or expected socket key are silently ignored rather
// than panicking or creating phantom state.
func TestMultiplexerDropsPacketsForUnknownConnID(t *testing.T) {
	clk := clock.NewManual()
	var peer enr.NodeID
	peer[0] = 0x09

	mx := NewMultiplexer(clk, func(enr.NodeID, []byte) error { return nil }, 0, nil)

	raw := Packet{Type: TypeState, ConnID: 9999, AckNr: 1}.Encode()
	if err := mx.HandlePacket(peer, raw, 0); err != nil {
		t.Fatalf("unexpected error for unknown conn id: %v", err)
	}
	if mx.Len() != 0 {
		t.Fatalf("open table should remain empty, got %d", mx.Len())
	}
}

// TestMultiplexerWatchdogEvictsStalledRequest verifies §4.D's single
// watchdog timer force-closes and evicts a request that never completes.
func TestMultiplexerWatchdogEvictsStalledRequest(t *testing.T) {
	clk := clock.NewManual()
	var peer enr.NodeID
	peer[0] = 0x0a

	var evictedErr error
	var mu sync.Mutex
	mx := NewMultiplexer(clk, func(enr.NodeID, []byte) error { return nil }, 10*time.Millisecond, func(req *ContentRequest, err error) {
		mu.Lock()
		defer mu.Unlock()
		evictedErr = err
	})

	_, err := mx.Open(0, "history", peer, DirFindContentRead, [][]byte{[]byte("key")}, 4242, nil, func([]byte, error) {})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if mx.Len() != 1 {
		t.Fatalf("expected one open request, got %d", mx.Len())
	}

	mx.Tick(20 * time.Millisecond)

	if mx.Len() != 0 {
		t.Fatalf("expected watchdog eviction to clear open table, got %d", mx.Len())
	}
	mu.Lock()
	defer mu.Unlock()
	if evictedErr != portalerr.ErrSocketTimeout {
		t.Fatalf("evictedErr = %v, want ErrSocketTimeout", evictedErr)
	}
}
