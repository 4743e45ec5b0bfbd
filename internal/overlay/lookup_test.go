package overlay

import (
	"context"
	"errors"
	"testing"

	"github.com/hollowline/portal/internal/enr"
)

// fakeFinder answers FindContent/PullContent from a fixed script, keyed by
// peer id, so a test can drive a small topology without any transport.
type fakeFinder struct {
	byPeer     map[enr.NodeID]Content
	findErr    map[enr.NodeID]error
	pullByConn map[uint16][]byte
}

func (f *fakeFinder) FindContent(ctx context.Context, peer enr.NodeID, key []byte) (Content, error) {
	if err, ok := f.findErr[peer]; ok {
		return Content{}, err
	}
	c, ok := f.byPeer[peer]
	if !ok {
		return Content{Kind: ContentKindEnrs}, nil
	}
	return c, nil
}

func (f *fakeFinder) PullContent(ctx context.Context, peer enr.NodeID, key []byte, connID uint16) ([]byte, error) {
	content, ok := f.pullByConn[connID]
	if !ok {
		return nil, errors.New("no such connection")
	}
	return content, nil
}

// fakeResolver maps ENR text to a record through a fixed table, so test
// topologies can name peers with plain strings like "enr:c".
type fakeResolver struct {
	byText map[string]enr.Record
}

func (r *fakeResolver) Resolve(text string) (enr.Record, error) {
	rec, ok := r.byText[text]
	if !ok {
		return enr.Record{}, errors.New("unknown enr text")
	}
	return rec, nil
}

func nodeID(b byte) enr.NodeID {
	var id enr.NodeID
	id[31] = b
	return id
}

// TestLookupFindsContentThroughIndirection is scenario 6: two seed peers
// don't have the content but point at a third that does; Lookup should
// follow the ENR hint and return the content within the bounded round
// count the α=3 fan-out guarantees.
func TestLookupFindsContentThroughIndirection(t *testing.T) {
	peerA, peerB, peerC := nodeID(1), nodeID(2), nodeID(3)
	resolver := &fakeResolver{byText: map[string]enr.Record{
		"enr:c": {ID: peerC, Text: "enr:c"},
	}}
	finder := &fakeFinder{byPeer: map[enr.NodeID]Content{
		peerA: {Kind: ContentKindEnrs, Enrs: []string{"enr:c"}},
		peerB: {Kind: ContentKindEnrs, Enrs: []string{"enr:c"}},
		peerC: {Kind: ContentKindPayload, Payload: []byte("the content")},
	}}

	seed := []enr.Record{{ID: peerA, Text: "enr:a"}, {ID: peerB, Text: "enr:b"}}
	result, err := Lookup(context.Background(), finder, resolver, nodeID(0), []byte("key"), seed)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !result.Found || string(result.Content) != "the content" {
		t.Fatalf("result = %+v, want found content", result)
	}
}

// TestLookupPullsOverUTPConnection covers the CONTENT(connection-id) path:
// Lookup must pull the bytes over the named uTP connection rather than
// treating the response as found-on-the-spot.
func TestLookupPullsOverUTPConnection(t *testing.T) {
	peerA := nodeID(1)
	finder := &fakeFinder{
		byPeer:     map[enr.NodeID]Content{peerA: {Kind: ContentKindConnectionID, ConnectionID: 7}},
		pullByConn: map[uint16][]byte{7: []byte("large payload")},
	}

	seed := []enr.Record{{ID: peerA, Text: "enr:a"}}
	result, err := Lookup(context.Background(), finder, nil, nodeID(0), []byte("key"), seed)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !result.Found || string(result.Content) != "large payload" {
		t.Fatalf("result = %+v, want found content over uTP", result)
	}
}

// TestLookupExhaustsShortlistWithoutFinding is the not-found half of
// scenario 6: every peer answers with no new ENRs, so the lookup must
// terminate (not hang on the deadline) reporting NotFound.
func TestLookupExhaustsShortlistWithoutFinding(t *testing.T) {
	peerA, peerB := nodeID(1), nodeID(2)
	finder := &fakeFinder{byPeer: map[enr.NodeID]Content{
		peerA: {Kind: ContentKindEnrs},
		peerB: {Kind: ContentKindEnrs},
	}}

	seed := []enr.Record{{ID: peerA, Text: "enr:a"}, {ID: peerB, Text: "enr:b"}}
	result, err := Lookup(context.Background(), finder, nil, nodeID(0), []byte("key"), seed)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if result.Found {
		t.Fatalf("result = %+v, want NotFound", result)
	}
	if len(result.Peers) != 2 {
		t.Fatalf("Peers = %v, want the 2 queried peers as the closest-known fallback", result.Peers)
	}
}

// TestLookupSkipsFailedPeers ensures a peer that errors is excluded from
// later rounds rather than retried forever, while the lookup still
// finds content through a peer that does answer.
func TestLookupSkipsFailedPeers(t *testing.T) {
	peerA, peerB := nodeID(1), nodeID(2)
	finder := &fakeFinder{
		byPeer:  map[enr.NodeID]Content{peerB: {Kind: ContentKindPayload, Payload: []byte("ok")}},
		findErr: map[enr.NodeID]error{peerA: errors.New("timeout")},
	}

	seed := []enr.Record{{ID: peerA, Text: "enr:a"}, {ID: peerB, Text: "enr:b"}}
	result, err := Lookup(context.Background(), finder, nil, nodeID(0), []byte("key"), seed)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !result.Found || string(result.Content) != "ok" {
		t.Fatalf("result = %+v, want found via the peer that answered", result)
	}
}
