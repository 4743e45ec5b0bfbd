package store

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/hollowline/portal/internal/codec"
	"github.com/hollowline/portal/internal/enr"
	"github.com/hollowline/portal/internal/portalerr"
	"github.com/hollowline/portal/internal/transport"
)

// Store is the default ContentStore: a thin dispatch layer over a
// transport.KV that validates each content type's proof before
// persisting it, and shrinks its advertised radius when the backing KV
// is full (P8).
type Store struct {
	mu     sync.RWMutex
	kv     transport.KV
	self   enr.NodeID
	radius enr.Distance

	acc   AccumulatorSource
	hist  HistoricalRootsSource
	score ScoreHook

	// resident tracks every content-id this Store has admitted.
	// transport.KV has no key-enumeration method, so admit's
	// radius-shrink eviction sweep (P8) needs this in-memory index to
	// know what to walk.
	resident map[[32]byte]struct{}

	// events is optional; nil skips event emission entirely, matching
	// ScoreHook's existing opt-in-hook idiom.
	events EventSink

	capacityBytes int64
}

// New constructs a Store. acc/hist/score may be nil; with a nil acc or
// hist, content that needs that trusted root is rejected as an invalid
// proof. score is only held here: Store itself never calls it.
func New(kv transport.KV, self enr.NodeID, acc AccumulatorSource, hist HistoricalRootsSource, score ScoreHook, capacityBytes int64) *Store {
	return &Store{
		kv:            kv,
		self:          self,
		radius:        enr.MaxRadius,
		acc:           acc,
		hist:          hist,
		score:         score,
		resident:      make(map[[32]byte]struct{}),
		capacityBytes: capacityBytes,
	}
}

// SetEventSink attaches sink so every successful Put fires ContentAdded
// and every radius-shrink eviction fires Dropped (§4.I). Passing nil (the
// zero value) disables event emission; safe to call at any point after
// construction.
func (s *Store) SetEventSink(sink EventSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = sink
}

func (s *Store) emit(evt ContentEvent) {
	s.mu.RLock()
	sink := s.events
	s.mu.RUnlock()
	if sink != nil {
		sink.HandleContentEvent(evt)
	}
}

func storageKey(id [32]byte) string {
	return "content/" + hex.EncodeToString(id[:])
}

// Has reports whether id is already stored.
func (s *Store) Has(id [32]byte) bool {
	_, ok, err := s.kv.Get(storageKey(id))
	return err == nil && ok
}

// Get returns the stored bytes for id.
func (s *Store) Get(id [32]byte) ([]byte, error) {
	v, ok, err := s.kv.Get(storageKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, portalerr.ErrNotFound
	}
	return v, nil
}

// Radius returns this node's currently advertised storage radius.
func (s *Store) Radius() enr.Distance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.radius
}

// Size reports the backing KV's current size in bytes.
func (s *Store) Size() (int64, error) {
	return s.kv.Size()
}

// Put validates content against key's content type and, if it verifies,
// persists it keyed by ContentID. A BlockHeader's proof must anchor to a
// trusted accumulator root (P6); tampering with any byte of the witness
// chain, the leaf, or the claimed epoch/slot index is rejected.
// Content outside the (possibly just-shrunk) radius is rejected with
// portalerr.ErrDBFull once the store is at capacity (P8).
func (s *Store) Put(key ContentKey, content []byte) error {
	ct, ok := key.Selector()
	if !ok {
		return portalerr.ErrUnknownContentType
	}
	id := key.ContentID()

	if err := s.admit(id); err != nil {
		return err
	}

	var err error
	switch ct {
	case ContentTypeBlockHeader:
		err = s.putHeader(key, id, content)
	case ContentTypeBlockBody:
		err = s.putBody(key, id, content)
	case ContentTypeReceipts:
		err = s.putReceipts(key, id, content)
	case ContentTypeEpochAccumulator:
		err = s.putEpochAccumulator(key, id, content)
	case ContentTypeBeaconBootstrap, ContentTypeBeaconUpdate,
		ContentTypeBeaconFinalityUpdate, ContentTypeBeaconOptimisticUpdate:
		// Light-client sync-committee signature verification is an
		// external concern (§1 Non-goals: no beacon-sync algorithm); the
		// store persists these opaquely.
		err = s.kv.Put(storageKey(id), content)
	default:
		err = portalerr.ErrUnknownContentType
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.resident[id] = struct{}{}
	s.mu.Unlock()
	s.emit(ContentEvent{Kind: EventContentAdded, ID: id, Type: ct, Bytes: len(content)})
	return nil
}

func (s *Store) putHeader(key ContentKey, id [32]byte, content []byte) error {
	hp, err := DecodeHeaderWithProof(content)
	if err != nil {
		return &portalerr.InvalidProofError{ContentType: "block-header", Reason: err.Error()}
	}
	leaf := sha256.Sum256(hp.HeaderBytes)
	if verr := VerifyHeaderProof(s.acc, s.hist, hp, codec.Root(leaf)); verr != nil {
		return verr
	}
	if err := s.kv.Put(headerMetaKey(id), encodeHeaderMeta(hp.TransactionsRoot, hp.UnclesHash, hp.ReceiptsRoot)); err != nil {
		return err
	}
	return s.kv.Put(storageKey(id), hp.HeaderBytes)
}

// putBody enforces §4.I's reassembly check: the body's transactions
// trie root and uncles hash must match the roots the already-admitted
// sibling header carries (persisted by putHeader as a sidecar record),
// or the body is refused as an InvalidProofError.
func (s *Store) putBody(key ContentKey, id [32]byte, content []byte) error {
	body, err := DecodeBlockBody(content)
	if err != nil {
		return &portalerr.InvalidProofError{ContentType: "block-body", Reason: err.Error()}
	}

	headerID, err := siblingHeaderID(key)
	if err != nil {
		return &portalerr.InvalidProofError{ContentType: "block-body", Reason: err.Error()}
	}
	meta, ok, err := s.kv.Get(headerMetaKey(headerID))
	if err != nil {
		return err
	}
	if !ok {
		return &portalerr.InvalidProofError{ContentType: "block-body", Reason: "no matching header stored"}
	}
	txRoot, uncles, _, err := decodeHeaderMeta(meta)
	if err != nil {
		return &portalerr.InvalidProofError{ContentType: "block-body", Reason: err.Error()}
	}

	if transactionsRoot(body.Transactions) != txRoot {
		return &portalerr.InvalidProofError{ContentType: "block-body", Reason: "transactions trie root does not match header"}
	}
	if unclesHash(body.Uncles) != uncles {
		return &portalerr.InvalidProofError{ContentType: "block-body", Reason: "uncles hash does not match header"}
	}

	return s.kv.Put(storageKey(id), content)
}

// putReceipts enforces §9 open question b (receipts are on-demand only,
// never eagerly derived) and §4.I's reassembly check: the receipts trie
// root recomputed from content must match the matching header's own
// receipts root, not merely the header's existence.
func (s *Store) putReceipts(key ContentKey, id [32]byte, content []byte) error {
	receipts, err := DecodeReceiptsList(content)
	if err != nil {
		return &portalerr.InvalidProofError{ContentType: "receipts", Reason: err.Error()}
	}

	headerID, err := siblingHeaderID(key)
	if err != nil {
		return &portalerr.InvalidProofError{ContentType: "receipts", Reason: err.Error()}
	}
	meta, ok, err := s.kv.Get(headerMetaKey(headerID))
	if err != nil {
		return err
	}
	if !ok {
		return &portalerr.InvalidProofError{ContentType: "receipts", Reason: "no matching header stored"}
	}
	_, _, wantRoot, err := decodeHeaderMeta(meta)
	if err != nil {
		return &portalerr.InvalidProofError{ContentType: "receipts", Reason: err.Error()}
	}

	if receiptsRoot(receipts) != wantRoot {
		return &portalerr.InvalidProofError{ContentType: "receipts", Reason: "receipts trie root does not match header"}
	}

	return s.kv.Put(storageKey(id), content)
}

func (s *Store) putEpochAccumulator(key ContentKey, id [32]byte, content []byte) error {
	if len(key) < 9 {
		return portalerr.ErrUnknownContentType
	}
	epoch := uint64(0)
	for _, b := range key[1:9] {
		epoch = epoch<<8 | uint64(b)
	}
	var (
		want codec.Root
		ok   bool
	)
	if s.acc != nil {
		want, ok = s.acc.EpochRoot(epoch)
	}
	if !ok {
		return &portalerr.InvalidProofError{ContentType: "epoch-accumulator", Reason: "no trusted root for epoch"}
	}
	if codec.Root(sha256.Sum256(content)) != want {
		return &portalerr.InvalidProofError{ContentType: "epoch-accumulator", Reason: "hash does not match trusted epoch root"}
	}
	return s.kv.Put(storageKey(id), content)
}

// admit shrinks the radius once the store is over capacity and rejects
// content that falls outside the new radius (P8). A shrink also sweeps
// every already-resident key: P8 requires that "after radius shrinks
// from r to r', every remaining key k satisfies distance(self, k) ≤ r'",
// so stale entries the old radius admitted but the new one wouldn't are
// deleted, not just gated against future admission.
func (s *Store) admit(id [32]byte) error {
	if s.capacityBytes <= 0 {
		return nil
	}
	size, err := s.kv.Size()
	if err != nil {
		return err
	}
	if size < s.capacityBytes {
		return nil
	}

	s.mu.Lock()
	s.radius = enr.HalveRadius(s.radius)
	radius := s.radius
	var stale [][32]byte
	for resident := range s.resident {
		if !enr.WithinRadius(enr.DistanceBetween(s.self, resident), radius) {
			stale = append(stale, resident)
		}
	}
	for _, e := range stale {
		delete(s.resident, e)
	}
	s.mu.Unlock()

	for _, e := range stale {
		if err := s.kv.Delete(storageKey(e)); err != nil {
			return err
		}
		_ = s.kv.Delete(headerMetaKey(e))
		s.emit(ContentEvent{Kind: EventDropped, ID: e})
	}

	distance := enr.DistanceBetween(s.self, id)
	if !enr.WithinRadius(distance, radius) {
		return portalerr.ErrDBFull
	}
	return nil
}
