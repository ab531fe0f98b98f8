// Package merkle builds binary hash trees over ordered leaf hashes and
// produces constant-size inclusion proofs against their roots.
//
// Pairing rule: adjacent nodes are combined two at a time with
// parent = SHA-256(hex(left) + hex(right)). When a level has an odd count,
// the last unpaired node is promoted to the next level unchanged. The
// promotion convention is load-bearing: builder and verifier must agree on
// it or proofs computed by one will not validate against the other.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Side marks which side of the running hash a proof sibling combines on.
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// ProofStep is one sibling hash in an inclusion proof path.
type ProofStep struct {
	Hash string `json:"hash"`
	Side Side   `json:"side"`
}

// Proof is a self-contained inclusion proof: the leaf, the sibling path from
// leaf to root, and the claimed root. It is verifiable without access to the
// full leaf set.
type Proof struct {
	LeafHash string      `json:"leaf_hash"`
	Path     []ProofStep `json:"sibling_path"`
	RootHash string      `json:"root_hash"`
}

// Tree is a built Merkle tree. Level 0 holds the leaves; the last level
// holds the single root.
type Tree struct {
	levels [][]string
}

func hashPair(left, right string) string {
	sum := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(sum[:])
}

// New builds a tree over the given ordered leaves. Returns nil for an empty
// leaf set; an empty table has no root and callers must treat that case
// explicitly rather than trusting a sentinel hash.
func New(leaves []string) *Tree {
	if len(leaves) == 0 {
		return nil
	}
	levels := [][]string{append([]string(nil), leaves...)}
	for current := levels[0]; len(current) > 1; {
		next := make([]string, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			if i+1 < len(current) {
				next = append(next, hashPair(current[i], current[i+1]))
			} else {
				// Odd node: promoted unchanged.
				next = append(next, current[i])
			}
		}
		levels = append(levels, next)
		current = next
	}
	return &Tree{levels: levels}
}

// Root returns the tree's root hash.
func (t *Tree) Root() string {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Root is a convenience that builds a tree over leaves and returns its root.
// Returns "" for an empty leaf set.
func Root(leaves []string) string {
	t := New(leaves)
	if t == nil {
		return ""
	}
	return t.Root()
}

// Proof returns the inclusion proof for the leaf at index. Cost is O(log n)
// in path length. Promoted nodes contribute no step at the level they skip.
func (t *Tree) Proof(index int) (*Proof, error) {
	leaves := t.levels[0]
	if index < 0 || index >= len(leaves) {
		return nil, fmt.Errorf("leaf index %d out of range [0,%d)", index, len(leaves))
	}

	p := &Proof{LeafHash: leaves[index], RootHash: t.Root()}
	idx := index
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := idx ^ 1
		if sibling < len(level) {
			side := SideRight
			if sibling < idx {
				side = SideLeft
			}
			p.Path = append(p.Path, ProofStep{Hash: level[sibling], Side: side})
		}
		idx /= 2
	}
	return p, nil
}

// VerifyProof folds the leaf hash with each sibling in the recorded
// left/right order and reports whether the result equals the claimed root.
func VerifyProof(p *Proof) bool {
	if p == nil || p.LeafHash == "" || p.RootHash == "" {
		return false
	}
	computed := p.LeafHash
	for _, step := range p.Path {
		switch step.Side {
		case SideLeft:
			computed = hashPair(step.Hash, computed)
		case SideRight:
			computed = hashPair(computed, step.Hash)
		default:
			return false
		}
	}
	return computed == p.RootHash
}
