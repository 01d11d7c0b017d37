// Package proof builds merkle snapshots over registry entries, answers
// inclusion-proof requests and chains child proofs to parent roots.
//
// Trees, single proofs and composite proofs are cached by stable keys. The
// service never watches the registry: whoever mutates tokens must call the
// Invalidate methods for the keys it affected. Cached proofs are copied in
// and out, so callers own what they are handed.
package proof

import (
	"strconv"
	"strings"
	"time"

	cache "github.com/Code-Hex/go-generics-cache"
	"github.com/Code-Hex/go-generics-cache/policy/lru"
	"github.com/Klingon-tech/klingnet-registry/internal/log"
	"github.com/Klingon-tech/klingnet-registry/internal/metrics"
	"github.com/Klingon-tech/klingnet-registry/internal/registry"
	"github.com/Klingon-tech/klingnet-registry/internal/registryerr"
	"github.com/Klingon-tech/klingnet-registry/internal/token"
	"github.com/Klingon-tech/klingnet-registry/pkg/merkle"
	"github.com/Klingon-tech/klingnet-registry/pkg/types"
	"github.com/google/uuid"
)

// RegistryTreeKey is the cache key of the tree over the whole registry.
const RegistryTreeKey = "registry"

// ParentTreeKey is the cache key of the tree over one parent's children.
func ParentTreeKey(parentID string) string {
	return "parent:" + parentID
}

// Config sizes the caches. Zero values select the defaults.
type Config struct {
	TreeCacheSize      int
	ProofCacheSize     int
	CompositeCacheSize int
	TrustedRootSize    int
	Metrics            *metrics.Metrics
	// Roots, when set, is consulted for parent roots not trusted locally.
	Roots ParentRootSource
}

// Snapshotter is the registry view the service reads from.
type Snapshotter interface {
	Snapshot(keep func(registry.Entry) bool) []registry.Entry
	LookupByParent(parentID string) []registry.Entry
}

// Service is the merkle proof service.
type Service struct {
	trees      *cache.Cache[string, *merkle.Tree]
	proofs     *cache.Cache[string, *merkle.Proof]
	composites *cache.Cache[string, *CompositeProof]
	trusted    *cache.Cache[string, types.Hash]
	roots      ParentRootSource
	metrics    *metrics.Metrics
}

// NewService creates a proof service.
func NewService(cfg Config) *Service {
	size := func(n, def int) int {
		if n <= 0 {
			return def
		}
		return n
	}
	return &Service{
		trees:      cache.New(cache.AsLRU[string, *merkle.Tree](lru.WithCapacity(size(cfg.TreeCacheSize, 256)))),
		proofs:     cache.New(cache.AsLRU[string, *merkle.Proof](lru.WithCapacity(size(cfg.ProofCacheSize, 4096)))),
		composites: cache.New(cache.AsLRU[string, *CompositeProof](lru.WithCapacity(size(cfg.CompositeCacheSize, 4096)))),
		trusted:    cache.New(cache.AsLRU[string, types.Hash](lru.WithCapacity(size(cfg.TrustedRootSize, 1024)))),
		roots:      cfg.Roots,
		metrics:    cfg.Metrics,
	}
}

// HashToken returns the digest of a token.
func (s *Service) HashToken(t *token.Token) types.Hash {
	return token.Hash(t)
}

// BuildTree builds a tree over tokens in the given order. It is not cached.
func (s *Service) BuildTree(tokens []*token.Token) *merkle.Tree {
	start := time.Now()
	leaves := make([]types.Hash, len(tokens))
	for i, t := range tokens {
		leaves[i] = token.Hash(t)
	}
	tree := merkle.Build(leaves)
	s.metrics.ObserveTreeBuild(start)
	return tree
}

// BuildEntryTree builds a tree over entries in the given order and caches
// it under key when key is not empty.
func (s *Service) BuildEntryTree(key string, entries []registry.Entry) *merkle.Tree {
	start := time.Now()
	leaves := make([]types.Hash, len(entries))
	for i, e := range entries {
		leaves[i] = e.Hash()
	}
	tree := merkle.Build(leaves)
	s.metrics.ObserveTreeBuild(start)

	if key != "" {
		if old, ok := s.trees.Get(key); ok && old.Root != tree.Root {
			s.dropProofs(old.Root)
		}
		s.trees.Set(key, tree)
	}
	log.Proof.Debug().
		Str("key", key).
		Int("leaves", len(entries)).
		Str("root", tree.Root.Short()).
		Msg("Tree built")
	return tree
}

// BuildRegistryTree snapshots the entries accepted by keep and builds a
// tree over them, ordered by id. The snapshot is taken before hashing, so
// no registry lock is held while the tree is built.
func (s *Service) BuildRegistryTree(reg Snapshotter, key string, keep func(registry.Entry) bool) (*merkle.Tree, []registry.Entry) {
	entries := reg.Snapshot(keep)
	return s.BuildEntryTree(key, entries), entries
}

// BuildParentTree builds and caches the tree over every child of parentID,
// ordered by id.
func (s *Service) BuildParentTree(reg Snapshotter, parentID string) (*merkle.Tree, []registry.Entry) {
	entries := reg.LookupByParent(parentID)
	return s.BuildEntryTree(ParentTreeKey(parentID), entries), entries
}

// Tree returns a cached tree.
func (s *Service) Tree(key string) (*merkle.Tree, bool) {
	return s.trees.Get(key)
}

// proofKey includes the leaf count: duplicate-last makes [a b c] and
// [a b c c] share a root.
func proofKey(root types.Hash, leafCount, index int) string {
	return root.String() + ":" + strconv.Itoa(leafCount) + ":" + strconv.Itoa(index)
}

// GenerateProof returns the inclusion proof for leaf index of tree. An
// index outside the tree is a MalformedProofError.
func (s *Service) GenerateProof(tree *merkle.Tree, index int) (*merkle.Proof, error) {
	if tree == nil {
		return nil, registryerr.MalformedProof("nil tree")
	}
	key := proofKey(tree.Root, tree.LeafCount(), index)
	if p, ok := s.proofs.Get(key); ok {
		return p.Clone(), nil
	}
	p, err := tree.Proof(index)
	if err != nil {
		return nil, registryerr.MalformedProof("%v", err)
	}
	s.proofs.Set(key, p.Clone())
	s.metrics.ProofGenerated()
	return p, nil
}

// ProveEntry returns the proof for e in tree. A tree that does not contain
// e's current digest yields NotFoundError.
func (s *Service) ProveEntry(tree *merkle.Tree, e registry.Entry) (*merkle.Proof, error) {
	if tree == nil {
		return nil, registryerr.MalformedProof("nil tree")
	}
	idx, ok := tree.IndexOf(e.Hash())
	if !ok {
		return nil, registryerr.NotFound("leaf", e.ID.String())
	}
	return s.GenerateProof(tree, idx)
}

// VerifyProof folds the proof and compares it with its root. Malformed
// proofs verify false.
func (s *Service) VerifyProof(p *merkle.Proof) bool {
	ok, err := s.CheckProof(p)
	return ok && err == nil
}

// CheckProof is VerifyProof with structural problems reported as a
// MalformedProofError instead of false.
func (s *Service) CheckProof(p *merkle.Proof) (bool, error) {
	if err := merkle.CheckWellFormed(p); err != nil {
		s.metrics.ProofVerified("single", false)
		return false, registryerr.MalformedProof("%v", err)
	}
	ok := merkle.Verify(p)
	s.metrics.ProofVerified("single", ok)
	return ok, nil
}

// GenerateCompositeProof packages the inclusion proof of entry e with the
// root its parent is expected to attest. The secondary proof must be for
// e's current digest; the parent side is not verified here.
func (s *Service) GenerateCompositeProof(secondary *merkle.Proof, e registry.Entry, parentRoot types.Hash) (*CompositeProof, error) {
	if secondary == nil {
		return nil, registryerr.MalformedProof("missing secondary proof")
	}
	if e.ParentID == "" {
		return nil, registryerr.Validation("parent_token_id", "must be set")
	}
	if secondary.Leaf != e.Hash() {
		return nil, registryerr.MalformedProof("secondary proof leaf %s is not token %s", secondary.Leaf.Short(), e.ID)
	}
	key := compositeKey(e.ParentID, e.ID)
	if cp, ok := s.composites.Get(key); ok && cp.Secondary.Root == secondary.Root && cp.Secondary.Leaf == secondary.Leaf && cp.ParentRoot == parentRoot {
		return cp.clone(), nil
	}
	cp := &CompositeProof{
		Secondary:        secondary.Clone(),
		SecondaryTokenID: e.ID,
		ParentTokenID:    e.ParentID,
		ParentRoot:       parentRoot,
		GeneratedAt:      time.Now().UTC(),
	}
	s.composites.Set(key, cp.clone())
	return cp, nil
}

// CompositeProof returns a copy of a cached composite proof.
func (s *Service) CompositeProof(parentID string, childID uuid.UUID) (*CompositeProof, bool) {
	cp, ok := s.composites.Get(compositeKey(parentID, childID))
	if !ok {
		return nil, false
	}
	return cp.clone(), true
}

// TrustParentRoot records root as the attested root of parentID.
func (s *Service) TrustParentRoot(parentID string, root types.Hash) {
	s.trusted.Set(parentID, root)
}

// trustedRoots returns every root the service accepts for parentID.
func (s *Service) trustedRoots(parentID string) []types.Hash {
	var roots []types.Hash
	if r, ok := s.trusted.Get(parentID); ok {
		roots = append(roots, r)
	}
	if t, ok := s.trees.Get(ParentTreeKey(parentID)); ok {
		roots = append(roots, t.Root)
	}
	if s.roots != nil {
		if r, ok := s.roots.AttestedRoot(parentID); ok {
			roots = append(roots, r)
		}
	}
	return roots
}

// VerifyCompositeProof checks the secondary proof and that the parent root
// it references matches a trusted parent root. With no trusted root for
// the parent it returns false.
func (s *Service) VerifyCompositeProof(cp *CompositeProof) bool {
	ok, err := s.CheckCompositeProof(cp)
	return ok && err == nil
}

// CheckCompositeProof is VerifyCompositeProof with structural problems
// reported as a MalformedProofError.
//
// The token ids are bound to the secondary leaf only when the proof is
// generated. A verifier holding just the proof learns that some leaf sits
// under a trusted parent root; to tie it to SecondaryTokenID it must also
// compare Secondary.Leaf with that token's digest.
func (s *Service) CheckCompositeProof(cp *CompositeProof) (bool, error) {
	if cp == nil || cp.Secondary == nil {
		s.metrics.ProofVerified("composite", false)
		return false, registryerr.MalformedProof("missing secondary proof")
	}
	if err := merkle.CheckWellFormed(cp.Secondary); err != nil {
		s.metrics.ProofVerified("composite", false)
		return false, registryerr.MalformedProof("%v", err)
	}
	if !merkle.Verify(cp.Secondary) {
		s.metrics.ProofVerified("composite", false)
		return false, nil
	}

	trusted := false
	for _, r := range s.trustedRoots(cp.ParentTokenID) {
		if r == cp.ParentRoot {
			trusted = true
			break
		}
	}
	if !trusted {
		log.Proof.Debug().
			Str("parent", cp.ParentTokenID).
			Str("root", cp.ParentRoot.Short()).
			Msg("Composite proof references an untrusted parent root")
	}
	s.metrics.ProofVerified("composite", trusted)
	return trusted, nil
}

// InvalidateTree drops the tree cached under key and every proof cut from
// it.
func (s *Service) InvalidateTree(key string) {
	if t, ok := s.trees.Get(key); ok {
		s.dropProofs(t.Root)
		s.trees.Delete(key)
	}
}

func (s *Service) dropProofs(root types.Hash) {
	prefix := root.String() + ":"
	for _, k := range s.proofs.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.proofs.Delete(k)
		}
	}
}

// InvalidateComposite drops the composite proof for a parent/child pair.
func (s *Service) InvalidateComposite(parentID string, childID uuid.UUID) {
	s.composites.Delete(compositeKey(parentID, childID))
}

// InvalidateToken drops every cached artefact a change to the token can
// have made stale: the registry tree, its parent's tree and its composite.
func (s *Service) InvalidateToken(parentID string, id uuid.UUID) {
	s.InvalidateTree(RegistryTreeKey)
	s.InvalidateTree(ParentTreeKey(parentID))
	s.InvalidateComposite(parentID, id)
}
