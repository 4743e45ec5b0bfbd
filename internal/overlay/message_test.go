package overlay

import (
	"bytes"
	"testing"

	"github.com/hollowline/portal/internal/portalerr"
)

func roundTrip(t *testing.T, m Message) Message {
	t.Helper()
	raw := EncodeMessage(m)
	if raw[0] != m.Selector() {
		t.Fatalf("encoded selector = %#x, want %#x", raw[0], m.Selector())
	}
	got, err := DecodeMessage(raw)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	return got
}

func TestPingPongRoundTrip(t *testing.T) {
	got := roundTrip(t, Ping{EnrSeq: 7, CustomPayload: []byte{0x01, 0x02}})
	p, ok := got.(Ping)
	if !ok || p.EnrSeq != 7 || !bytes.Equal(p.CustomPayload, []byte{0x01, 0x02}) {
		t.Fatalf("got %#v", got)
	}
}

func TestFindNodesRoundTrip(t *testing.T) {
	got := roundTrip(t, FindNodes{Distances: []uint16{0, 1, 256}})
	fn, ok := got.(FindNodes)
	if !ok || len(fn.Distances) != 3 || fn.Distances[2] != 256 {
		t.Fatalf("got %#v", got)
	}
}

func TestNodesRoundTrip(t *testing.T) {
	got := roundTrip(t, Nodes{Total: 2, Enrs: []string{"enr:a", "enr:bbbb"}})
	n, ok := got.(Nodes)
	if !ok || n.Total != 2 || len(n.Enrs) != 2 || n.Enrs[1] != "enr:bbbb" {
		t.Fatalf("got %#v", got)
	}
}

func TestContentRoundTripAllKinds(t *testing.T) {
	cases := []Content{
		{Kind: ContentKindConnectionID, ConnectionID: 0xBEEF},
		{Kind: ContentKindPayload, Payload: []byte("hello content")},
		{Kind: ContentKindEnrs, Enrs: []string{"enr:x", "enr:y"}},
	}
	for _, c := range cases {
		got := roundTrip(t, c)
		gc, ok := got.(Content)
		if !ok || gc.Kind != c.Kind {
			t.Fatalf("got %#v, want kind %v", got, c.Kind)
		}
		switch c.Kind {
		case ContentKindConnectionID:
			if gc.ConnectionID != c.ConnectionID {
				t.Fatalf("connection id = %d, want %d", gc.ConnectionID, c.ConnectionID)
			}
		case ContentKindPayload:
			if !bytes.Equal(gc.Payload, c.Payload) {
				t.Fatalf("payload = %q, want %q", gc.Payload, c.Payload)
			}
		case ContentKindEnrs:
			if len(gc.Enrs) != len(c.Enrs) {
				t.Fatalf("enrs = %v, want %v", gc.Enrs, c.Enrs)
			}
		}
	}
}

func TestOfferAcceptRoundTrip(t *testing.T) {
	got := roundTrip(t, Offer{Keys: [][]byte{{1, 2, 3}, {4}}})
	o, ok := got.(Offer)
	if !ok || len(o.Keys) != 2 || !bytes.Equal(o.Keys[1], []byte{4}) {
		t.Fatalf("got %#v", got)
	}

	got = roundTrip(t, Accept{ConnectionID: 99, Bitmap: []byte{1, 0, 1}})
	a, ok := got.(Accept)
	if !ok || a.ConnectionID != 99 || !bytes.Equal(a.Bitmap, []byte{1, 0, 1}) {
		t.Fatalf("got %#v", got)
	}
}

func TestDecodeMessageRejectsUnknownSelector(t *testing.T) {
	_, err := DecodeMessage([]byte{0xFF, 0x00})
	if err != portalerr.ErrProtocolMismatch {
		t.Fatalf("err = %v, want ErrProtocolMismatch", err)
	}
}

func TestDecodeMessageRejectsEmptyBuffer(t *testing.T) {
	_, err := DecodeMessage(nil)
	if err != portalerr.ErrProtocolMismatch {
		t.Fatalf("err = %v, want ErrProtocolMismatch", err)
	}
}

func TestDecodeMessageRejectsTruncatedPing(t *testing.T) {
	_, err := DecodeMessage([]byte{SelPing, 0x01, 0x02})
	if err != portalerr.ErrProtocolMismatch {
		t.Fatalf("err = %v, want ErrProtocolMismatch", err)
	}
}
