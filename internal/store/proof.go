package store

import (
	"encoding/binary"
	"fmt"

	"github.com/hollowline/portal/internal/codec"
	"github.com/hollowline/portal/internal/portalerr"
	"github.com/hollowline/portal/internal/ssz"
)

// ProofKind tags which accumulator a BlockHeader's inclusion proof chains
// into (§4.I: pre-merge epoch accumulator vs. post-merge historical_roots).
type ProofKind byte

const (
	ProofKindPreMerge ProofKind = iota
	ProofKindPostMerge
)

// HeaderWithProof is the wire record a BlockHeader CONTENT/OFFER payload
// decodes to: the header bytes (opaque RLP, an external collaborator)
// plus the inclusion proof anchoring it to a trusted accumulator root.
//
// TransactionsRoot/UnclesHash/ReceiptsRoot are fields of this module's own
// framing, not parsed out of the opaque header RLP (that stays an external
// collaborator, §1). The sender computes them the same way it computed
// HeaderBytes and carries them alongside it so putBody/putReceipts (§4.I
// reassembly check) can compare a freshly-recomputed trie root against the
// admitted header without ever decoding HeaderBytes itself.
type HeaderWithProof struct {
	Kind        ProofKind
	EpochOrSlot uint64 // epoch index (pre-merge) or slot index (post-merge)
	Gindex      uint64 // the header leaf's generalized index within that tree
	Witnesses   []codec.Root
	HeaderBytes []byte

	TransactionsRoot codec.Root
	UnclesHash       codec.Root
	ReceiptsRoot     codec.Root
}

// EncodeHeaderWithProof serializes h for storage or retransmission.
func EncodeHeaderWithProof(h HeaderWithProof) []byte {
	witnessBytes := make([][]byte, len(h.Witnesses))
	for i, w := range h.Witnesses {
		b := make([]byte, 32)
		copy(b, w[:])
		witnessBytes[i] = b
	}
	witnessBlock := ssz.EncodeVariableList(witnessBytes)

	const fixedLen = 17 + 3*32
	out := make([]byte, fixedLen+len(witnessBlock)+len(h.HeaderBytes))
	out[0] = byte(h.Kind)
	binary.BigEndian.PutUint64(out[1:9], h.EpochOrSlot)
	binary.BigEndian.PutUint64(out[9:17], h.Gindex)
	copy(out[17:49], h.TransactionsRoot[:])
	copy(out[49:81], h.UnclesHash[:])
	copy(out[81:113], h.ReceiptsRoot[:])
	n := copy(out[fixedLen:], witnessBlock)
	copy(out[fixedLen+n:], h.HeaderBytes)

	// The witness block's own offset table tells a decoder exactly where
	// it ends, but HeaderBytes has no length prefix of its own, so record
	// the split point as a trailing 4-byte length instead of inferring it.
	tail := make([]byte, 4)
	binary.BigEndian.PutUint32(tail, uint32(len(witnessBlock)))
	return append(out, tail...)
}

// DecodeHeaderWithProof parses a buffer produced by EncodeHeaderWithProof.
func DecodeHeaderWithProof(buf []byte) (HeaderWithProof, error) {
	const fixedLen = 17 + 3*32
	if len(buf) < fixedLen+4 {
		return HeaderWithProof{}, fmt.Errorf("store: header-with-proof record too short")
	}
	kind := ProofKind(buf[0])
	epochOrSlot := binary.BigEndian.Uint64(buf[1:9])
	gindex := binary.BigEndian.Uint64(buf[9:17])
	var txRoot, unclesHash, receiptsRoot codec.Root
	copy(txRoot[:], buf[17:49])
	copy(unclesHash[:], buf[49:81])
	copy(receiptsRoot[:], buf[81:113])

	tail := buf[len(buf)-4:]
	witnessLen := int(binary.BigEndian.Uint32(tail))
	body := buf[fixedLen : len(buf)-4]
	if witnessLen > len(body) {
		return HeaderWithProof{}, fmt.Errorf("store: witness block length %d exceeds body", witnessLen)
	}
	witnessBlock := body[:witnessLen]
	headerBytes := body[witnessLen:]

	items, err := ssz.DecodeVariableList(witnessBlock)
	if err != nil {
		return HeaderWithProof{}, fmt.Errorf("store: decoding witness block: %w", err)
	}
	witnesses := make([]codec.Root, len(items))
	for i, it := range items {
		if len(it) != 32 {
			return HeaderWithProof{}, fmt.Errorf("store: witness %d has length %d, want 32", i, len(it))
		}
		copy(witnesses[i][:], it)
	}

	return HeaderWithProof{
		Kind:             kind,
		EpochOrSlot:      epochOrSlot,
		Gindex:           gindex,
		Witnesses:        witnesses,
		HeaderBytes:      append([]byte(nil), headerBytes...),
		TransactionsRoot: txRoot,
		UnclesHash:       unclesHash,
		ReceiptsRoot:     receiptsRoot,
	}, nil
}

// AccumulatorSource supplies the baked-in pre-merge master accumulator: one
// root per epoch, loaded by the embedder from the canonical 657-epoch
// table (§4.I) rather than hardcoded here.
type AccumulatorSource interface {
	EpochRoot(epoch uint64) (codec.Root, bool)
}

// HistoricalRootsSource supplies the post-merge historical_roots list,
// indexed by slot/8192 (§4.I).
type HistoricalRootsSource interface {
	HistoricalRoot(period uint64) (codec.Root, bool)
}

// VerifyHeaderProof recomputes h's proof chain and checks it against the
// appropriate trusted root. The leaf of h.Witnesses-rooted proof is the
// header's own hash-tree-root, computed by the caller (an external
// SSZ/RLP concern, §1 Non-goals) and passed in as leaf. A nil acc or hist
// counts as having no trusted root for that proof kind.
func VerifyHeaderProof(acc AccumulatorSource, hist HistoricalRootsSource, h HeaderWithProof, leaf codec.Root) error {
	proof := codec.Proof{Gindex: h.Gindex, Leaf: leaf, Witnesses: h.Witnesses}

	var (
		want codec.Root
		ok   bool
	)
	switch h.Kind {
	case ProofKindPreMerge:
		if acc != nil {
			want, ok = acc.EpochRoot(h.EpochOrSlot)
		}
	case ProofKindPostMerge:
		if hist != nil {
			want, ok = hist.HistoricalRoot(h.EpochOrSlot / 8192)
		}
	default:
		return fmt.Errorf("store: unknown proof kind %d", h.Kind)
	}
	if !ok {
		return &portalerr.InvalidProofError{ContentType: "block-header", Reason: fmt.Sprintf("no trusted root for anchor %d", h.EpochOrSlot)}
	}
	if !codec.VerifyInclusionProof(proof, want) {
		return &portalerr.InvalidProofError{ContentType: "block-header", Reason: "witness chain does not recompute to the trusted root"}
	}
	return nil
}
