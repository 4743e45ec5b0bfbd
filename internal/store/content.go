// Package store implements content-addressed storage and Merkle-proof
// ingestion for the history and beacon sub-networks (§4.I): a dispatch
// switch keyed on ContentKey's selector byte, radius-based eviction, and
// the on-demand gossip fan-out to a peer's nearest neighbors.
package store

import (
	"crypto/sha256"
	"fmt"

	"github.com/hollowline/portal/internal/enr"
)

// ContentType discriminates the byte-string content keys this module
// validates and stores (§3 data model).
type ContentType byte

const (
	ContentTypeBlockHeader ContentType = iota
	ContentTypeBlockBody
	ContentTypeReceipts
	ContentTypeEpochAccumulator
	ContentTypeBeaconBootstrap
	ContentTypeBeaconUpdate
	ContentTypeBeaconFinalityUpdate
	ContentTypeBeaconOptimisticUpdate
)

func (t ContentType) String() string {
	switch t {
	case ContentTypeBlockHeader:
		return "block-header"
	case ContentTypeBlockBody:
		return "block-body"
	case ContentTypeReceipts:
		return "receipts"
	case ContentTypeEpochAccumulator:
		return "epoch-accumulator"
	case ContentTypeBeaconBootstrap:
		return "beacon-bootstrap"
	case ContentTypeBeaconUpdate:
		return "beacon-update"
	case ContentTypeBeaconFinalityUpdate:
		return "beacon-finality-update"
	case ContentTypeBeaconOptimisticUpdate:
		return "beacon-optimistic-update"
	default:
		return fmt.Sprintf("content-type(%d)", byte(t))
	}
}

// ContentKey is the opaque byte string a FINDCONTENT/OFFER names a piece
// of content by. Its first byte is the ContentType selector; the
// remainder is type-specific (for history keys, the block hash).
type ContentKey []byte

// Selector reports the content type this key names, or false if key is
// empty.
func (k ContentKey) Selector() (ContentType, bool) {
	if len(k) == 0 {
		return 0, false
	}
	return ContentType(k[0]), true
}

// ContentID is the storage/routing address of this key: sha256(key),
// which also serves as the XOR-distance pre-image (§3: "history keys
// embed the block hash so ContentID is pure sha256(key) with no extra
// state to carry").
func (k ContentKey) ContentID() [32]byte {
	return sha256.Sum256(k)
}

// ScoreHook lets an embedder penalize a peer that served content failing
// proof verification, without this package depending on the routing
// table (§4.I, §9 open question a). The default wiring leaves this nil.
type ScoreHook interface {
	Penalize(peer enr.NodeID, reason string)
}

// EventKind distinguishes the two storage lifecycle events §4.I's
// component table requires a store surface: successful admission and
// radius-shrink eviction.
type EventKind int

const (
	// EventContentAdded fires once per successful Put, after the content
	// is durably stored.
	EventContentAdded EventKind = iota
	// EventDropped fires once per content-id a radius shrink evicts.
	EventDropped
)

func (k EventKind) String() string {
	if k == EventDropped {
		return "dropped"
	}
	return "content-added"
}

// ContentEvent is one admission or eviction notification (§4.I: "emit
// ContentAdded(key, type, bytes)" on put, "surface Dropped events for
// evicted keys" on radius shrink). Bytes is the stored payload size;
// Dropped events report it as it was before eviction.
type ContentEvent struct {
	Kind  EventKind
	ID    [32]byte
	Type  ContentType
	Bytes int
}

// EventSink receives ContentEvents as Store admits or evicts content.
// Like ScoreHook, a nil sink is a legal no-op so a minimal embedder pays
// nothing for it (§9 open question a's optional-hook pattern).
type EventSink interface {
	HandleContentEvent(ContentEvent)
}

// ContentStore is the read/write surface the overlay network base (G)
// uses to answer FINDCONTENT and accept OFFERs.
type ContentStore interface {
	// Has reports whether id is already stored.
	Has(id [32]byte) bool
	// Get returns the stored bytes for id, or portalerr.ErrNotFound.
	Get(id [32]byte) ([]byte, error)
	// Put validates and stores content for key, rejecting it with an
	// InvalidProofError if the accompanying proof (already embedded in
	// content per the wire format) does not verify.
	Put(key ContentKey, content []byte) error
	// Radius is this node's current advertised storage radius.
	Radius() enr.Distance
	// Size reports the current on-disk size in bytes, for eviction and
	// metrics.
	Size() (int64, error)
}
