package store

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/hollowline/portal/internal/codec"
	"github.com/hollowline/portal/internal/ssz"
)

// BlockBody is this module's own wire framing for a BlockBody CONTENT/
// OFFER payload: a list of opaque RLP-encoded transactions and a list of
// opaque RLP-encoded uncle headers (§1 Non-goals: no general RLP codec),
// each framed with ssz.EncodeVariableList so putBody can recompute their
// trie roots without ever parsing an item's contents.
type BlockBody struct {
	Transactions [][]byte
	Uncles       [][]byte
}

// EncodeBlockBody serializes b for storage or retransmission: a 4-byte
// length prefix for the transactions block (ssz-variable-list framed),
// followed by the uncles block in the same framing.
func EncodeBlockBody(b BlockBody) []byte {
	txBlock := ssz.EncodeVariableList(b.Transactions)
	unclesBlock := ssz.EncodeVariableList(b.Uncles)

	out := make([]byte, 4+len(txBlock)+len(unclesBlock))
	binary.BigEndian.PutUint32(out[:4], uint32(len(txBlock)))
	n := copy(out[4:], txBlock)
	copy(out[4+n:], unclesBlock)
	return out
}

// DecodeBlockBody parses a buffer produced by EncodeBlockBody.
func DecodeBlockBody(buf []byte) (BlockBody, error) {
	if len(buf) < 4 {
		return BlockBody{}, fmt.Errorf("store: block-body record too short")
	}
	txLen := int(binary.BigEndian.Uint32(buf[:4]))
	rest := buf[4:]
	if txLen > len(rest) {
		return BlockBody{}, fmt.Errorf("store: transactions block length %d exceeds body", txLen)
	}

	txs, err := ssz.DecodeVariableList(rest[:txLen])
	if err != nil {
		return BlockBody{}, fmt.Errorf("store: decoding transactions: %w", err)
	}
	uncles, err := ssz.DecodeVariableList(rest[txLen:])
	if err != nil {
		return BlockBody{}, fmt.Errorf("store: decoding uncles: %w", err)
	}
	return BlockBody{Transactions: txs, Uncles: uncles}, nil
}

// EncodeReceiptsList serializes a Receipts CONTENT/OFFER payload: a list
// of opaque RLP-encoded receipts, ssz-variable-list framed like
// BlockBody's own item lists.
func EncodeReceiptsList(receipts [][]byte) []byte {
	return ssz.EncodeVariableList(receipts)
}

// DecodeReceiptsList parses a Receipts CONTENT/OFFER payload: a list of
// opaque RLP-encoded receipts, ssz-variable-list framed like BlockBody's
// own item lists.
func DecodeReceiptsList(buf []byte) ([][]byte, error) {
	items, err := ssz.DecodeVariableList(buf)
	if err != nil {
		return nil, fmt.Errorf("store: decoding receipts: %w", err)
	}
	return items, nil
}

// transactionsRoot, unclesHash, and receiptsRoot recompute the trie roots
// putBody/putReceipts compare against the admitted header's own sidecar
// fields (§4.I reassembly check). Each leaf is the sha256 of one opaque
// RLP item — this module's existing generalized-index binary-tree scheme
// (internal/codec), not real Ethereum MPT/keccak, which stays an external
// concern (§1 Non-goals).
func transactionsRoot(txs [][]byte) codec.Root {
	return merkleRootOfItems(txs)
}

func unclesHash(uncles [][]byte) codec.Root {
	return merkleRootOfItems(uncles)
}

func receiptsRoot(receipts [][]byte) codec.Root {
	return merkleRootOfItems(receipts)
}

func merkleRootOfItems(items [][]byte) codec.Root {
	leaves := make([]codec.Root, len(items))
	for i, it := range items {
		leaves[i] = codec.Root(sha256.Sum256(it))
	}
	return codec.MerkleRoot(leaves)
}

// siblingHeaderID derives the ContentID of the BlockHeader that shares
// key's block-hash suffix: history content keys differ only in their
// selector byte (§3 data model), so rewriting byte 0 to
// ContentTypeBlockHeader and rehashing gives the header's own id.
func siblingHeaderID(key ContentKey) ([32]byte, error) {
	if len(key) < 1 {
		return [32]byte{}, fmt.Errorf("store: content key too short to derive a header id")
	}
	headerKey := make(ContentKey, len(key))
	copy(headerKey, key)
	headerKey[0] = byte(ContentTypeBlockHeader)
	return headerKey.ContentID(), nil
}

// headerMetaKey names the sidecar KV record putHeader stores alongside a
// header's raw bytes: the header's transactions root, uncles hash, and
// receipts root, so putBody/putReceipts can validate reassembly (§4.I)
// without ever parsing the opaque header bytes themselves.
func headerMetaKey(id [32]byte) string {
	return "content-meta/" + hex.EncodeToString(id[:])
}

const headerMetaLen = 3 * 32

func encodeHeaderMeta(txRoot, uncles, receipts codec.Root) []byte {
	out := make([]byte, headerMetaLen)
	copy(out[0:32], txRoot[:])
	copy(out[32:64], uncles[:])
	copy(out[64:96], receipts[:])
	return out
}

func decodeHeaderMeta(buf []byte) (txRoot, uncles, receipts codec.Root, err error) {
	if len(buf) != headerMetaLen {
		return codec.Root{}, codec.Root{}, codec.Root{}, fmt.Errorf("store: header-meta record has length %d, want %d", len(buf), headerMetaLen)
	}
	copy(txRoot[:], buf[0:32])
	copy(uncles[:], buf[32:64])
	copy(receipts[:], buf[64:96])
	return txRoot, uncles, receipts, nil
}
