// Package merkle builds immutable merkle trees over leaf digests and
// produces self-contained inclusion proofs.
//
// Construction:
//   - 0 leaves: empty tree with a zero root
//   - 1 leaf: the root is that leaf
//   - Otherwise: pairwise hash, duplicating the last element if a level has
//     an odd count, until one hash remains.
//
// Verification folds the leaf with each sibling using the same
// duplicate-last convention, so a proof for the last leaf of an odd level
// carries the leaf itself as its sibling.
package merkle

import (
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-registry/pkg/crypto"
	"github.com/Klingon-tech/klingnet-registry/pkg/types"
)

// Proof errors.
var (
	ErrLeafIndexOutOfRange = errors.New("leaf index out of range")
	ErrMalformedProof      = errors.New("malformed proof")
)

// Side says which side of the running hash a sibling sits on.
type Side uint8

const (
	// SiblingRight means the running hash is the left input: H(cur || sibling).
	SiblingRight Side = iota
	// SiblingLeft means the running hash is the right input: H(sibling || cur).
	SiblingLeft
)

// String returns "left" or "right".
func (s Side) String() string {
	switch s {
	case SiblingLeft:
		return "left"
	case SiblingRight:
		return "right"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// Tree is an immutable merkle snapshot. Levels[0] holds the leaves and the
// last level holds the root. Levels are stored without padding.
type Tree struct {
	Levels  [][]types.Hash
	Root    types.Hash
	BuiltAt time.Time
}

// Step is one sibling on the path from a leaf to the root.
type Step struct {
	Hash types.Hash `json:"hash"`
	Side Side       `json:"side"`
}

// Proof is an inclusion proof for one leaf. It can be verified without the
// tree it was generated from.
type Proof struct {
	LeafIndex   uint64     `json:"leaf_index"`
	LeafCount   uint64     `json:"leaf_count"`
	Leaf        types.Hash `json:"leaf"`
	Root        types.Hash `json:"root"`
	Path        []Step     `json:"path"`
	GeneratedAt time.Time  `json:"generated_at"`
}

// Clone returns a deep copy of p.
func (p *Proof) Clone() *Proof {
	if p == nil {
		return nil
	}
	c := *p
	c.Path = append([]Step(nil), p.Path...)
	return &c
}

// Build constructs a tree over the given leaves. The order of leaves is
// significant and the caller's slice is not modified.
func Build(leaves []types.Hash) *Tree {
	t := &Tree{BuiltAt: time.Now().UTC()}
	if len(leaves) == 0 {
		return t
	}

	level := make([]types.Hash, len(leaves))
	copy(level, leaves)
	t.Levels = append(t.Levels, level)

	for len(level) > 1 {
		next := make([]types.Hash, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next[i/2] = crypto.HashConcat(level[i], right)
		}
		t.Levels = append(t.Levels, next)
		level = next
	}

	t.Root = level[0]
	return t
}

// LeafCount returns the number of leaves in the tree.
func (t *Tree) LeafCount() int {
	if len(t.Levels) == 0 {
		return 0
	}
	return len(t.Levels[0])
}

// IndexOf returns the position of the first leaf equal to h.
func (t *Tree) IndexOf(h types.Hash) (int, bool) {
	if len(t.Levels) == 0 {
		return 0, false
	}
	for i, leaf := range t.Levels[0] {
		if leaf == h {
			return i, true
		}
	}
	return 0, false
}

// Proof returns the inclusion proof for the leaf at index.
func (t *Tree) Proof(index int) (*Proof, error) {
	n := t.LeafCount()
	if index < 0 || index >= n {
		return nil, fmt.Errorf("%w: %d (leaves=%d)", ErrLeafIndexOutOfRange, index, n)
	}

	p := &Proof{
		LeafIndex:   uint64(index),
		LeafCount:   uint64(n),
		Leaf:        t.Levels[0][index],
		Root:        t.Root,
		Path:        make([]Step, 0, len(t.Levels)-1),
		GeneratedAt: time.Now().UTC(),
	}

	idx := index
	for _, level := range t.Levels[:len(t.Levels)-1] {
		if idx%2 == 0 {
			sib := idx + 1
			if sib >= len(level) {
				sib = idx // Duplicate-last.
			}
			p.Path = append(p.Path, Step{Hash: level[sib], Side: SiblingRight})
		} else {
			p.Path = append(p.Path, Step{Hash: level[idx-1], Side: SiblingLeft})
		}
		idx /= 2
	}
	return p, nil
}

// Depth returns the number of sibling steps a proof needs for a tree with
// leafCount leaves.
func Depth(leafCount uint64) int {
	depth := 0
	for n := leafCount; n > 1; n = (n + 1) / 2 {
		depth++
	}
	return depth
}

// Verify recomputes the root from the leaf and path and compares it with
// p.Root. Any mismatch, including a nil proof, yields false.
func Verify(p *Proof) bool {
	if p == nil {
		return false
	}
	cur := p.Leaf
	for _, step := range p.Path {
		switch step.Side {
		case SiblingRight:
			cur = crypto.HashConcat(cur, step.Hash)
		case SiblingLeft:
			cur = crypto.HashConcat(step.Hash, cur)
		default:
			return false
		}
	}
	return cur == p.Root
}

// CheckWellFormed reports structural problems that make a proof
// meaningless regardless of its hashes: a leaf index outside the tree, a
// path length that does not match the tree depth, or side flags that
// contradict the leaf position.
func CheckWellFormed(p *Proof) error {
	if p == nil {
		return fmt.Errorf("%w: nil proof", ErrMalformedProof)
	}
	if p.LeafCount == 0 {
		return fmt.Errorf("%w: zero leaf count", ErrMalformedProof)
	}
	if p.LeafIndex >= p.LeafCount {
		return fmt.Errorf("%w: leaf index %d >= leaf count %d", ErrMalformedProof, p.LeafIndex, p.LeafCount)
	}
	if want := Depth(p.LeafCount); len(p.Path) != want {
		return fmt.Errorf("%w: path length %d, tree depth %d", ErrMalformedProof, len(p.Path), want)
	}

	idx := p.LeafIndex
	for i, step := range p.Path {
		want := SiblingRight
		if idx%2 == 1 {
			want = SiblingLeft
		}
		if step.Side != want {
			return fmt.Errorf("%w: step %d has side %s, want %s", ErrMalformedProof, i, step.Side, want)
		}
		idx /= 2
	}
	return nil
}
