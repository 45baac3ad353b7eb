// Package merkle builds the batch commitment tree over attestation digests.
//
// Leaves are raw 32-byte digests. Interior nodes are Keccak-256 over the
// byte-wise sorted concatenation of the two children, so inclusion proofs
// carry no position bits: a verifier applies the same sort-then-hash step at
// every level. An odd node is promoted to the next level unchanged, never
// duplicated, and a single-leaf tree has root equal to its leaf.
package merkle

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/trufnetwork/attestd/internal/canonical"
	"github.com/trufnetwork/attestd/internal/types"
)

// Tree is an immutable commitment tree. Level 0 holds the leaves in input
// order; the last level holds the single root.
type Tree struct {
	levels [][][]byte
}

// NewTree builds a tree over raw 32-byte leaves. The input order is
// preserved at level 0 (proof indexes refer to it). Empty input, more than
// types.MaxBatchLeaves leaves, wrong-size leaves, and duplicate leaves are
// all rejected: every one of them indicates a broken batch upstream.
func NewTree(leaves [][]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, errors.New("merkle: no leaves")
	}
	if len(leaves) > types.MaxBatchLeaves {
		return nil, errors.Errorf("merkle: %d leaves exceeds the %d leaf cap", len(leaves), types.MaxBatchLeaves)
	}

	base := make([][]byte, len(leaves))
	seen := make(map[string]struct{}, len(leaves))
	for i, leaf := range leaves {
		if len(leaf) != canonical.DigestLength {
			return nil, errors.Errorf("merkle: leaf %d is %d bytes, want %d", i, len(leaf), canonical.DigestLength)
		}
		if _, dup := seen[string(leaf)]; dup {
			return nil, errors.Errorf("merkle: duplicate leaf at index %d", i)
		}
		seen[string(leaf)] = struct{}{}
		base[i] = bytes.Clone(leaf)
	}

	levels := [][][]byte{base}
	for cur := base; len(cur) > 1; {
		next := make([][]byte, 0, (len(cur)+1)/2)
		for i := 0; i+1 < len(cur); i += 2 {
			next = append(next, combine(cur[i], cur[i+1]))
		}
		if len(cur)%2 == 1 {
			// Odd leftover is promoted, not re-hashed.
			next = append(next, cur[len(cur)-1])
		}
		levels = append(levels, next)
		cur = next
	}
	return &Tree{levels: levels}, nil
}

// LeafCount returns the number of leaves the tree commits to.
func (t *Tree) LeafCount() int {
	return len(t.levels[0])
}

// Root returns the 32-byte root digest.
func (t *Tree) Root() []byte {
	top := t.levels[len(t.levels)-1]
	return bytes.Clone(top[0])
}

// RootHex returns the root as 0x + 64 lowercase hex.
func (t *Tree) RootHex() string {
	return hexutil.Encode(t.Root())
}

// Proof returns the sibling path for the leaf at index, ordered bottom-up.
// Levels where the node was promoted contribute no sibling, so paths vary in
// length across one tree.
func (t *Tree) Proof(index int) ([][]byte, error) {
	if index < 0 || index >= t.LeafCount() {
		return nil, errors.Errorf("merkle: leaf index %d out of range [0,%d)", index, t.LeafCount())
	}
	var path [][]byte
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := index ^ 1
		if sibling < len(level) {
			path = append(path, bytes.Clone(level[sibling]))
		}
		index /= 2
	}
	return path, nil
}

// Verify reconstructs the root from a leaf and its sibling path. Position is
// irrelevant: each step hashes the sorted pair.
func Verify(leaf []byte, path [][]byte, root []byte) bool {
	if len(leaf) != canonical.DigestLength || len(root) != canonical.DigestLength {
		return false
	}
	node := leaf
	for _, sibling := range path {
		if len(sibling) != canonical.DigestLength {
			return false
		}
		node = combine(node, sibling)
	}
	return bytes.Equal(node, root)
}

func combine(a, b []byte) []byte {
	if bytes.Compare(b, a) < 0 {
		a, b = b, a
	}
	return ethcrypto.Keccak256(a, b)
}
