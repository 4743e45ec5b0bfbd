// Package codec holds the small, pure hashing and proof-verification
// helpers the content store needs. Full SSZ/RLP encoding is an external
// collaborator per §1; this package implements only the generalized-index
// Merkle proof scheme the Portal history network's accumulator proofs use.
package codec

import "crypto/sha256"

// Root is a 32-byte SSZ hash-tree-root.
type Root [32]byte

// HashNode combines two child roots the way SSZ's merkleize does: a single
// SHA-256 over the concatenation.
func HashNode(left, right Root) Root {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	var out Root
	copy(out[:], h.Sum(nil))
	return out
}

// Proof is a single-leaf Merkle inclusion proof: the leaf's generalized
// index within the tree and the sibling witnesses from the leaf up to the
// root, in bottom-up order.
type Proof struct {
	Gindex   uint64
	Leaf     Root
	Witnesses []Root
}

// VerifyInclusionProof recomputes the root implied by p and reports
// whether it equals want. Tampering with any witness byte, the leaf, or
// one of the gindex's low len(Witnesses) bits changes the recomputed root
// and causes rejection (P6); higher gindex bits are not read.
func VerifyInclusionProof(p Proof, want Root) bool {
	return computeRoot(p) == want
}

func computeRoot(p Proof) Root {
	node := p.Leaf
	gindex := p.Gindex
	for _, sibling := range p.Witnesses {
		if gindex&1 == 1 {
			node = HashNode(sibling, node)
		} else {
			node = HashNode(node, sibling)
		}
		gindex >>= 1
	}
	return node
}

// MerkleRoot returns the root of the complete binary tree over leaves,
// padded to the next power of two with zero roots exactly as
// GenerateInclusionProof does. Unlike that function it needs no specific
// leaf index — callers recomputing a trie root from a full leaf list (a
// block's transactions or receipts) to compare against a header field use
// this instead of building a throwaway single-leaf proof.
func MerkleRoot(leaves []Root) Root {
	if len(leaves) == 0 {
		return Root{}
	}
	size := 1
	for size < len(leaves) {
		size *= 2
	}
	level := make([]Root, size)
	copy(level, leaves)

	for len(level) > 1 {
		next := make([]Root, len(level)/2)
		for i := range next {
			next[i] = HashNode(level[2*i], level[2*i+1])
		}
		level = next
	}
	return level[0]
}

// GenerateInclusionProof builds the proof for leaf index leafIndex in a
// complete binary tree of the given leaves, padding to the next power of
// two with zero roots as SSZ does for fixed-length vectors. It exists
// primarily to let tests round-trip VerifyInclusionProof (P6); production
// proofs normally arrive pre-built over the wire and are only verified
// here, not generated.
func GenerateInclusionProof(leaves []Root, leafIndex int) Proof {
	depth := 0
	size := 1
	for size < len(leaves) {
		size *= 2
		depth++
	}
	padded := make([]Root, size)
	copy(padded, leaves)

	witnesses := make([]Root, 0, depth)
	idx := leafIndex
	level := padded
	for d := 0; d < depth; d++ {
		siblingIdx := idx ^ 1
		witnesses = append(witnesses, level[siblingIdx])

		next := make([]Root, len(level)/2)
		for i := 0; i < len(next); i++ {
			next[i] = HashNode(level[2*i], level[2*i+1])
		}
		level = next
		idx /= 2
	}

	// The generalized index of a leaf at this depth is 2^depth + leafIndex.
	gindex := uint64(1)<<uint(depth) + uint64(leafIndex)

	return Proof{Gindex: gindex, Leaf: leaves[leafIndex], Witnesses: witnesses}
}
