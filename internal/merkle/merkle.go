// Package merkle implements sorted-pair Merkle membership proofs: each pair
// is hashed smaller-first, so the same verifier works regardless of the
// leaf-insertion order used during tree construction.
package merkle

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Verify folds proof over leaf and compares the final value against root.
// Pure, O(len(proof)).
func Verify(root, leaf common.Hash, proof []common.Hash) bool {
	computed := leaf
	for _, sibling := range proof {
		computed = hashPair(computed, sibling)
	}
	return computed == root
}

// Root builds the sorted-pair tree over leaves and returns its root. An
// unpaired node at the end of a level is carried up unchanged. The root of a
// single leaf is the leaf itself; the root of no leaves is the zero hash.
func Root(leaves []common.Hash) common.Hash {
	if len(leaves) == 0 {
		return common.Hash{}
	}
	level := append([]common.Hash(nil), leaves...)
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return level[0]
}

// Prove returns the sibling path for leaves[index] in the tree built by
// Root. Returns nil when index is out of range.
func Prove(leaves []common.Hash, index int) []common.Hash {
	if index < 0 || index >= len(leaves) {
		return nil
	}
	proof := []common.Hash{}
	level := append([]common.Hash(nil), leaves...)
	for len(level) > 1 {
		if sibling := index ^ 1; sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		level = nextLevel(level)
		index /= 2
	}
	return proof
}

func nextLevel(level []common.Hash) []common.Hash {
	next := make([]common.Hash, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		if i+1 < len(level) {
			next = append(next, hashPair(level[i], level[i+1]))
		} else {
			next = append(next, level[i])
		}
	}
	return next
}

func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a.Bytes(), b.Bytes())
}
