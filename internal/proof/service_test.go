package proof

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-registry/internal/metrics"
	"github.com/Klingon-tech/klingnet-registry/internal/registry"
	"github.com/Klingon-tech/klingnet-registry/internal/registryerr"
	"github.com/Klingon-tech/klingnet-registry/internal/token"
	"github.com/Klingon-tech/klingnet-registry/pkg/crypto"
	"github.com/Klingon-tech/klingnet-registry/pkg/merkle"
	"github.com/Klingon-tech/klingnet-registry/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

func newToken(parent string) *token.Token {
	tok := token.New(parent, token.TypeRoyalty, decimal.NewFromInt(250), "alice", time.Now().UTC())
	tok.Royalty = &token.RoyaltyTerms{RevenueSharePercent: decimal.NewFromInt(3)}
	return tok
}

func newTokens(parent string, n int) []*token.Token {
	out := make([]*token.Token, n)
	for i := range out {
		out[i] = newToken(parent)
	}
	return out
}

func populated(t *testing.T, parent string, n int) (*registry.Registry, []*token.Token) {
	t.Helper()
	reg := registry.New(registry.Config{})
	toks := newTokens(parent, n)
	for _, tok := range toks {
		if _, err := reg.Register(tok); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	return reg, toks
}

func TestBuildTree_FiveTokensProofIndexTwo(t *testing.T) {
	s := NewService(Config{})
	toks := newTokens("P1", 5)
	tree := s.BuildTree(toks)

	if tree.LeafCount() != 5 {
		t.Fatalf("LeafCount = %d, want 5", tree.LeafCount())
	}
	if tree.Levels[0][2] != s.HashToken(toks[2]) {
		t.Fatal("leaf order must follow input order")
	}

	p, err := s.GenerateProof(tree, 2)
	if err != nil {
		t.Fatalf("GenerateProof: %v", err)
	}
	if !s.VerifyProof(p) {
		t.Fatal("proof for index 2 should verify")
	}

	// Tamper with the returned proof in place.
	p.Path[0].Hash[0] ^= 0x01
	if s.VerifyProof(p) {
		t.Error("proof with a flipped sibling byte should not verify")
	}
	again, err := s.GenerateProof(tree, 2)
	if err != nil {
		t.Fatalf("GenerateProof (again): %v", err)
	}
	if again == p {
		t.Fatal("callers must not share the cached proof")
	}
	if !s.VerifyProof(again) {
		t.Error("proof from the cache no longer verifies after a caller mutated its copy")
	}
}

func TestGenerateProof_RoundTripAndCache(t *testing.T) {
	m := metrics.New(false)
	s := NewService(Config{Metrics: m})
	generated := 0
	for n := 1; n <= 9; n++ {
		tree := s.BuildTree(newTokens("P1", n))
		for i := 0; i < n; i++ {
			p, err := s.GenerateProof(tree, i)
			if err != nil {
				t.Fatalf("n=%d GenerateProof(%d): %v", n, i, err)
			}
			generated++
			if !s.VerifyProof(p) {
				t.Errorf("n=%d index=%d does not verify", n, i)
			}
			again, _ := s.GenerateProof(tree, i)
			if !reflect.DeepEqual(again, p) {
				t.Errorf("n=%d index=%d: cached proof differs", n, i)
			}
		}
	}
	if got := testutil.ToFloat64(m.ProofsGenerated); got != float64(generated) {
		t.Errorf("proofs generated = %v, want %d (second calls should hit the cache)", got, generated)
	}
}

func TestGenerateProof_SameRootDifferentLeafCount(t *testing.T) {
	s := NewService(Config{})
	l := []types.Hash{crypto.Hash([]byte("a")), crypto.Hash([]byte("b")), crypto.Hash([]byte("c"))}
	three := merkle.Build(l)
	four := merkle.Build(append(l, l[2]))
	if three.Root != four.Root {
		t.Fatal("duplicate-last trees should share a root")
	}

	if _, err := s.GenerateProof(three, 2); err != nil {
		t.Fatalf("GenerateProof(three, 2): %v", err)
	}
	p, err := s.GenerateProof(four, 2)
	if err != nil {
		t.Fatalf("GenerateProof(four, 2): %v", err)
	}
	if p.LeafCount != 4 {
		t.Errorf("LeafCount = %d, want 4", p.LeafCount)
	}
	if _, err := s.GenerateProof(three, 3); err == nil {
		t.Error("index 3 of the three-leaf tree should be out of range")
	}
}

func TestGenerateProof_OutOfRange(t *testing.T) {
	s := NewService(Config{})
	tree := s.BuildTree(newTokens("P1", 3))
	if _, err := s.GenerateProof(tree, 3); !errors.Is(err, registryerr.ErrMalformedProof) {
		t.Errorf("GenerateProof(3) = %v, want ErrMalformedProof", err)
	}
	if _, err := s.GenerateProof(nil, 0); !errors.Is(err, registryerr.ErrMalformedProof) {
		t.Errorf("GenerateProof(nil tree) = %v, want ErrMalformedProof", err)
	}
}

func TestCheckProof_Malformed(t *testing.T) {
	s := NewService(Config{})
	tree := s.BuildTree(newTokens("P1", 6))
	p, _ := s.GenerateProof(tree, 4)

	short := *p
	short.Path = p.Path[:1]
	ok, err := s.CheckProof(&short)
	if ok || !errors.Is(err, registryerr.ErrMalformedProof) {
		t.Errorf("CheckProof(short path) = %v, %v; want false, ErrMalformedProof", ok, err)
	}
	if s.VerifyProof(&short) {
		t.Error("VerifyProof(short path) should be false")
	}

	wrongRoot := *p
	wrongRoot.Root = crypto.Hash([]byte("x"))
	ok, err = s.CheckProof(&wrongRoot)
	if ok || err != nil {
		t.Errorf("CheckProof(wrong root) = %v, %v; want false, nil", ok, err)
	}
}

func TestBuildRegistryTree_ProveEntry(t *testing.T) {
	reg, toks := populated(t, "P1", 7)
	s := NewService(Config{})

	tree, entries := s.BuildRegistryTree(reg, RegistryTreeKey, nil)
	if len(entries) != 7 {
		t.Fatalf("entries = %d, want 7", len(entries))
	}
	if cached, ok := s.Tree(RegistryTreeKey); !ok || cached != tree {
		t.Fatal("registry tree should be cached under its key")
	}

	e, _ := reg.Lookup(toks[4].ID)
	p, err := s.ProveEntry(tree, e)
	if err != nil {
		t.Fatalf("ProveEntry: %v", err)
	}
	if p.Leaf != token.Hash(toks[4]) || !s.VerifyProof(p) {
		t.Error("entry proof should verify against the token hash")
	}

	// After a mutation the old tree no longer contains the entry digest.
	e, _ = reg.UpdateOwner(toks[4].ID, "bob")
	if _, err := s.ProveEntry(tree, e); !errors.Is(err, registryerr.ErrNotFound) {
		t.Errorf("ProveEntry(stale) = %v, want ErrNotFound", err)
	}
}

func TestInvalidateToken(t *testing.T) {
	reg, toks := populated(t, "P1", 4)
	s := NewService(Config{})

	s.BuildRegistryTree(reg, RegistryTreeKey, nil)
	parentTree, _ := s.BuildParentTree(reg, "P1")
	e, _ := reg.Lookup(toks[0].ID)
	p, _ := s.ProveEntry(parentTree, e)
	if _, err := s.GenerateCompositeProof(p, e, parentTree.Root); err != nil {
		t.Fatalf("GenerateCompositeProof: %v", err)
	}

	s.InvalidateToken("P1", toks[0].ID)

	if _, ok := s.Tree(RegistryTreeKey); ok {
		t.Error("registry tree survived invalidation")
	}
	if _, ok := s.Tree(ParentTreeKey("P1")); ok {
		t.Error("parent tree survived invalidation")
	}
	if _, ok := s.CompositeProof("P1", toks[0].ID); ok {
		t.Error("composite proof survived invalidation")
	}
	idx, _ := parentTree.IndexOf(e.Hash())
	if s.proofs.Contains(proofKey(parentTree.Root, parentTree.LeafCount(), idx)) {
		t.Error("proof cut from the parent tree survived invalidation")
	}
}

func TestCompositeProof(t *testing.T) {
	reg, toks := populated(t, "P1", 5)
	m := metrics.New(false)
	s := NewService(Config{Metrics: m})

	childTree, _ := s.BuildRegistryTree(reg, "", nil)
	e, _ := reg.Lookup(toks[1].ID)
	p, err := s.ProveEntry(childTree, e)
	if err != nil {
		t.Fatalf("ProveEntry: %v", err)
	}
	parentRoot := crypto.Hash([]byte("P1 attested state"))

	cp, err := s.GenerateCompositeProof(p, e, parentRoot)
	if err != nil {
		t.Fatalf("GenerateCompositeProof: %v", err)
	}
	cached, ok := s.CompositeProof("P1", toks[1].ID)
	if !ok || !reflect.DeepEqual(cached, cp) {
		t.Error("composite proof should be cached by parent and child id")
	}

	// Mutating what the caller was handed leaves the cache intact.
	cached.Secondary.Path[0].Hash[0] ^= 0x01
	cached.ParentRoot = types.Hash{}
	if again, _ := s.CompositeProof("P1", toks[1].ID); !reflect.DeepEqual(again, cp) {
		t.Error("caller mutation leaked into the cached composite proof")
	}

	// A proof for one token cannot be packaged under another.
	wrongEntry, _ := reg.Lookup(toks[2].ID)
	if _, err := s.GenerateCompositeProof(p, wrongEntry, parentRoot); !errors.Is(err, registryerr.ErrMalformedProof) {
		t.Errorf("GenerateCompositeProof(wrong entry) = %v, want ErrMalformedProof", err)
	}

	// Fails closed while the parent root is unknown.
	if s.VerifyCompositeProof(cp) {
		t.Fatal("composite proof verified without a trusted parent root")
	}

	s.TrustParentRoot("P1", parentRoot)
	if !s.VerifyCompositeProof(cp) {
		t.Fatal("composite proof should verify once the parent root is trusted")
	}

	other := *cp
	other.ParentRoot = crypto.Hash([]byte("forged"))
	if s.VerifyCompositeProof(&other) {
		t.Error("composite proof with a forged parent root verified")
	}

	broken := *cp
	sec := *cp.Secondary
	sec.Leaf[5] ^= 0xff
	broken.Secondary = &sec
	if s.VerifyCompositeProof(&broken) {
		t.Error("composite proof with a tampered secondary leaf verified")
	}

	if ok, err := s.CheckCompositeProof(&CompositeProof{ParentTokenID: "P1"}); ok || !errors.Is(err, registryerr.ErrMalformedProof) {
		t.Errorf("CheckCompositeProof(no secondary) = %v, %v", ok, err)
	}
	if got := testutil.ToFloat64(m.ProofVerifications.WithLabelValues("composite", "valid")); got != 1 {
		t.Errorf("composite valid count = %v, want 1", got)
	}
}

func TestCompositeProof_TrustedViaParentTree(t *testing.T) {
	reg, toks := populated(t, "P1", 3)
	s := NewService(Config{})

	tree, entries := s.BuildParentTree(reg, "P1")
	idx := -1
	for i, e := range entries {
		if e.ID == toks[2].ID {
			idx = i
		}
	}
	p, err := s.GenerateProof(tree, idx)
	if err != nil {
		t.Fatalf("GenerateProof: %v", err)
	}
	cp, err := s.GenerateCompositeProof(p, entries[idx], tree.Root)
	if err != nil {
		t.Fatalf("GenerateCompositeProof: %v", err)
	}
	if !s.VerifyCompositeProof(cp) {
		t.Fatal("root of the cached parent tree should be trusted")
	}

	s.InvalidateTree(ParentTreeKey("P1"))
	if s.VerifyCompositeProof(cp) {
		t.Error("composite proof verified after its parent tree was dropped")
	}
}

type staticRoots map[string]types.Hash

func (r staticRoots) AttestedRoot(parentID string) (types.Hash, bool) {
	h, ok := r[parentID]
	return h, ok
}

func TestCompositeProof_TrustedViaRootSource(t *testing.T) {
	root := crypto.Hash([]byte("attested"))
	s := NewService(Config{Roots: staticRoots{"P9": root}})

	toks := newTokens("P9", 2)
	tree := s.BuildTree(toks)
	p, _ := s.GenerateProof(tree, 1)
	e := registry.EntryFromToken(toks[1])
	cp, err := s.GenerateCompositeProof(p, e, root)
	if err != nil {
		t.Fatalf("GenerateCompositeProof: %v", err)
	}
	if !s.VerifyCompositeProof(cp) {
		t.Error("root from the attested source should be trusted")
	}

	if _, err := s.GenerateCompositeProof(nil, e, root); !errors.Is(err, registryerr.ErrMalformedProof) {
		t.Errorf("GenerateCompositeProof(nil) = %v, want ErrMalformedProof", err)
	}
	orphan := e
	orphan.ParentID = ""
	if _, err := s.GenerateCompositeProof(p, orphan, root); !errors.Is(err, registryerr.ErrValidation) {
		t.Errorf("GenerateCompositeProof(no parent) = %v, want ErrValidation", err)
	}
}

func TestBuildTree_Performance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping timing test in short mode")
	}
	s := NewService(Config{})
	toks := newTokens("P1", 1000)

	start := time.Now()
	tree := s.BuildTree(toks)
	if d := time.Since(start); d > time.Second {
		t.Errorf("building a 1000-leaf tree took %s", d)
	}
	start = time.Now()
	p, _ := s.GenerateProof(tree, 777)
	if !s.VerifyProof(p) {
		t.Fatal("proof should verify")
	}
	if d := time.Since(start); d > 100*time.Millisecond {
		t.Errorf("proof generate+verify took %s", d)
	}
}
