package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-registry/config"
	"github.com/Klingon-tech/klingnet-registry/internal/events"
	"github.com/Klingon-tech/klingnet-registry/internal/lifecycle"
	klog "github.com/Klingon-tech/klingnet-registry/internal/log"
	"github.com/Klingon-tech/klingnet-registry/internal/metrics"
	"github.com/Klingon-tech/klingnet-registry/internal/parent"
	"github.com/Klingon-tech/klingnet-registry/internal/proof"
	"github.com/Klingon-tech/klingnet-registry/internal/registry"
	"github.com/Klingon-tech/klingnet-registry/internal/registryerr"
	"github.com/Klingon-tech/klingnet-registry/internal/storage"
	"github.com/Klingon-tech/klingnet-registry/internal/token"
	"github.com/Klingon-tech/klingnet-registry/internal/versioning"
	"github.com/Klingon-tech/klingnet-registry/pkg/crypto"
	"github.com/Klingon-tech/klingnet-registry/pkg/merkle"
	"github.com/shopspring/decimal"
)

// testEnv holds all components for an RPC test.
type testEnv struct {
	server    *Server
	lifecycle *lifecycle.Service
	versions  *versioning.Service
	parents   *parent.Store
	registry  *registry.Registry
	proofs    *proof.Service
	rec       *events.Recorder
	url       string
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return setupTestEnvWithConfig(t, config.RPCConfig{})
}

func setupTestEnvWithConfig(t *testing.T, rpcCfg config.RPCConfig) *testEnv {
	t.Helper()
	klog.Init("error", false, "")

	db := storage.NewMemory()
	m := metrics.New(false)
	reg := registry.New(registry.Config{Metrics: m})
	parents := parent.NewStore(storage.NewPrefixDB(db, []byte("parents/")), reg)
	proofs := proof.NewService(proof.Config{Metrics: m, Roots: parents})
	rec := &events.Recorder{}

	lc := lifecycle.New(lifecycle.Config{
		Store:     token.NewStore(storage.NewPrefixDB(db, []byte("tokens/"))),
		Registry:  reg,
		Parents:   parents,
		Proofs:    proofs,
		Publisher: rec,
		Metrics:   m,
	})
	t.Cleanup(lc.Close)

	vs := versioning.New(versioning.Config{
		Store:     versioning.NewStore(storage.NewPrefixDB(db, []byte("versions/"))),
		Tokens:    lc,
		Publisher: rec,
		Metrics:   m,
	})

	if _, err := parents.Register("P1", "issuer"); err != nil {
		t.Fatalf("register parent: %v", err)
	}

	srv := New("127.0.0.1:0", Backend{
		Lifecycle: lc,
		Versions:  vs,
		Parents:   parents,
		Registry:  reg,
		Proofs:    proofs,
		Metrics:   m,
	}, rpcCfg)
	if err := srv.Start(); err != nil {
		t.Fatalf("start rpc: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return &testEnv{
		server:    srv,
		lifecycle: lc,
		versions:  vs,
		parents:   parents,
		registry:  reg,
		proofs:    proofs,
		rec:       rec,
		url:       fmt.Sprintf("http://%s/", srv.Addr()),
	}
}

func rpcCall(t *testing.T, url, method string, params interface{}) Response {
	t.Helper()
	req := Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", method, err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return rpcResp
}

// call performs a request that must succeed and decodes its result.
func call(t *testing.T, env *testEnv, method string, params, out interface{}) {
	t.Helper()
	resp := rpcCall(t, env.url, method, params)
	if resp.Error != nil {
		t.Fatalf("%s: unexpected error %d: %s", method, resp.Error.Code, resp.Error.Message)
	}
	if out == nil {
		return
	}
	data, _ := json.Marshal(resp.Result)
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("%s: decode result: %v", method, err)
	}
}

// callErr performs a request that must fail with code.
func callErr(t *testing.T, env *testEnv, method string, params interface{}, code int) *Error {
	t.Helper()
	resp := rpcCall(t, env.url, method, params)
	if resp.Error == nil {
		t.Fatalf("%s: expected error %d, got result %v", method, code, resp.Result)
	}
	if resp.Error.Code != code {
		t.Fatalf("%s: error code = %d (%s), want %d", method, resp.Error.Code, resp.Error.Message, code)
	}
	return resp.Error
}

func incomeParams(parentID, owner string) lifecycle.CreateIncomeStreamRequest {
	return lifecycle.CreateIncomeStreamRequest{
		ParentID:     parentID,
		FaceValue:    decimal.RequireFromString("1000.00"),
		Owner:        owner,
		RevenueShare: decimal.RequireFromString("10.5"),
		Frequency:    token.FrequencyMonthly,
	}
}

func (env *testEnv) activeToken(t *testing.T, owner string) token.Token {
	t.Helper()
	var tok token.Token
	call(t, env, "token_createIncomeStream", incomeParams("P1", owner), &tok)
	call(t, env, "token_activate", TokenParam{TokenID: tok.ID.String(), Actor: owner}, &tok)
	return tok
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestRPC_TokenLifecycle(t *testing.T) {
	env := setupTestEnv(t)

	var tok token.Token
	call(t, env, "token_createIncomeStream", incomeParams("P1", "alice"), &tok)
	if tok.Status != token.StatusCreated {
		t.Fatalf("status = %s, want Created", tok.Status)
	}
	if tok.IncomeStream == nil || tok.IncomeStream.Frequency != token.FrequencyMonthly {
		t.Fatalf("income stream terms = %+v", tok.IncomeStream)
	}

	call(t, env, "token_activate", TokenParam{TokenID: tok.ID.String(), Actor: "alice"}, &tok)
	if tok.Status != token.StatusActive {
		t.Fatalf("status = %s, want Active", tok.Status)
	}

	var count CountResult
	call(t, env, "token_countActiveByParent", ParentParam{ParentID: "P1"}, &count)
	if count.Active != 1 || count.Total != 1 {
		t.Errorf("count = %+v, want 1 active of 1", count)
	}

	var got token.Token
	call(t, env, "token_get", TokenParam{TokenID: tok.ID.String()}, &got)
	if got.ID != tok.ID || got.Status != token.StatusActive {
		t.Errorf("token_get = %s/%s", got.ID, got.Status)
	}

	call(t, env, "token_redeem", TokenParam{TokenID: tok.ID.String(), Actor: "alice"}, &tok)
	if tok.Status != token.StatusRedeemed {
		t.Fatalf("status = %s, want Redeemed", tok.Status)
	}
	call(t, env, "token_countActiveByParent", ParentParam{ParentID: "P1"}, &count)
	if count.Active != 0 || count.Total != 1 {
		t.Errorf("count after redeem = %+v", count)
	}

	if n := env.rec.Count(events.KindTokenActivated); n != 1 {
		t.Errorf("TokenActivated events = %d, want 1", n)
	}
	if n := env.rec.Count(events.KindTokenRedeemed); n != 1 {
		t.Errorf("TokenRedeemed events = %d, want 1", n)
	}
}

func TestRPC_TokenCreateCollateralAndRoyalty(t *testing.T) {
	env := setupTestEnv(t)

	var col token.Token
	call(t, env, "token_createCollateral", lifecycle.CreateCollateralRequest{
		ParentID:  "P1",
		FaceValue: decimal.RequireFromString("250"),
		Owner:     "bank",
		ExpiresAt: time.Now().Add(24 * time.Hour).UTC(),
	}, &col)
	if col.Type != token.TypeCollateral || col.Collateral == nil {
		t.Errorf("collateral = %+v", col)
	}

	var roy token.Token
	call(t, env, "token_createRoyalty", lifecycle.CreateRoyaltyRequest{
		ParentID:     "P1",
		FaceValue:    decimal.RequireFromString("99.99"),
		Owner:        "artist",
		RevenueShare: decimal.RequireFromString("7"),
	}, &roy)
	if roy.Type != token.TypeRoyalty || roy.Royalty == nil {
		t.Errorf("royalty = %+v", roy)
	}

	var owned []token.Token
	call(t, env, "token_getByOwner", OwnerParam{Owner: "artist"}, &owned)
	if len(owned) != 1 || owned[0].ID != roy.ID {
		t.Errorf("token_getByOwner = %v", owned)
	}
	var children []token.Token
	call(t, env, "token_getByParent", ParentParam{ParentID: "P1"}, &children)
	if len(children) != 2 {
		t.Errorf("token_getByParent returned %d tokens, want 2", len(children))
	}
	call(t, env, "token_getByParent", ParentParam{ParentID: "P-empty"}, &children)
	if len(children) != 0 {
		t.Errorf("unknown parent should list nothing, got %d", len(children))
	}
}

func TestRPC_TokenErrors(t *testing.T) {
	env := setupTestEnv(t)

	rpcErr := callErr(t, env, "token_createIncomeStream", incomeParams("NOPE", "alice"), CodeNotFound)
	data, _ := json.Marshal(rpcErr.Data)
	var ed ErrorData
	json.Unmarshal(data, &ed)
	if ed.Kind != "not_found" || ed.Retryable {
		t.Errorf("error data = %+v", ed)
	}

	bad := incomeParams("P1", "alice")
	bad.FaceValue = decimal.Zero
	callErr(t, env, "token_createIncomeStream", bad, CodeInvalidParams)

	var tok token.Token
	call(t, env, "token_createIncomeStream", incomeParams("P1", "alice"), &tok)
	callErr(t, env, "token_redeem", TokenParam{TokenID: tok.ID.String()}, CodeInvalidTransition)
	callErr(t, env, "token_get", TokenParam{TokenID: "not-a-uuid"}, CodeInvalidParams)
	callErr(t, env, "token_get", TokenParam{TokenID: "6f1c1a3e-0000-4000-8000-000000000000"}, CodeNotFound)
}

func TestRPC_TokenTransfer(t *testing.T) {
	env := setupTestEnv(t)
	tok := env.activeToken(t, "alice")

	callErr(t, env, "token_transfer", TransferParam{TokenID: tok.ID.String(), FromOwner: "mallory", ToOwner: "bob"}, CodeOwnershipMismatch)

	var moved token.Token
	call(t, env, "token_transfer", TransferParam{TokenID: tok.ID.String(), FromOwner: "alice", ToOwner: "bob"}, &moved)
	if moved.Owner != "bob" {
		t.Errorf("owner = %q, want bob", moved.Owner)
	}
	var owned []token.Token
	call(t, env, "token_getByOwner", OwnerParam{Owner: "alice"}, &owned)
	if len(owned) != 0 {
		t.Errorf("alice still owns %d tokens", len(owned))
	}

	var expired token.Token
	call(t, env, "token_expire", ExpireParam{TokenID: tok.ID.String(), Reason: "default"}, &expired)
	if expired.Status != token.StatusExpired || expired.ExpiryReason != "default" {
		t.Errorf("expire = %s/%q", expired.Status, expired.ExpiryReason)
	}
	callErr(t, env, "token_transfer", TransferParam{TokenID: tok.ID.String(), FromOwner: "bob", ToOwner: "carol"}, CodeInvalidTransition)
}

func TestRPC_BulkCreate(t *testing.T) {
	env := setupTestEnv(t)

	reqs := make([]lifecycle.CreateRequest, 0, 4)
	for i := 0; i < 4; i++ {
		parentID := "P1"
		if i == 2 {
			parentID = "MISSING"
		}
		reqs = append(reqs, lifecycle.CreateRequest{
			Type:         token.TypeRoyalty,
			ParentID:     parentID,
			FaceValue:    decimal.NewFromInt(int64(100 + i)),
			Owner:        "fund",
			RevenueShare: decimal.NewFromInt(5),
		})
	}

	var res struct {
		Succeeded []token.Token `json:"succeeded"`
		Failed    []struct {
			Index  int    `json:"index"`
			Reason string `json:"reason"`
		} `json:"failed"`
	}
	call(t, env, "token_bulkCreate", BulkCreateParam{Tokens: reqs}, &res)
	if len(res.Succeeded) != 3 || len(res.Failed) != 1 {
		t.Fatalf("bulk = %d ok / %d failed, want 3/1", len(res.Succeeded), len(res.Failed))
	}
	if res.Failed[0].Index != 2 || !strings.Contains(res.Failed[0].Reason, "not found") {
		t.Errorf("failure = %+v", res.Failed[0])
	}

	callErr(t, env, "token_bulkCreate", BulkCreateParam{}, CodeInvalidParams)
}

func TestRPC_Parents(t *testing.T) {
	env := setupTestEnv(t)

	var p parent.Parent
	call(t, env, "parent_register", ParentRegisterParam{ParentID: "P2", Owner: "issuer"}, &p)
	if p.ID != "P2" || p.Status != parent.StatusActive {
		t.Errorf("parent = %+v", p)
	}
	callErr(t, env, "parent_register", ParentRegisterParam{ParentID: "P2", Owner: "issuer"}, CodeDuplicateToken)

	var list []parent.Parent
	call(t, env, "parent_list", nil, &list)
	if len(list) != 2 {
		t.Errorf("parent_list returned %d, want 2", len(list))
	}

	env.activeToken(t, "alice")
	rpcErr := callErr(t, env, "parent_retire", ParentParam{ParentID: "P1"}, CodeCascadeViolation)
	if !strings.Contains(rpcErr.Message, "1 active") {
		t.Errorf("cascade message = %q", rpcErr.Message)
	}

	call(t, env, "parent_retire", ParentParam{ParentID: "P2"}, &p)
	if p.Status != parent.StatusRetired {
		t.Errorf("status = %s, want Retired", p.Status)
	}
	callErr(t, env, "token_createIncomeStream", incomeParams("P2", "alice"), CodeInvalidParams)
	callErr(t, env, "parent_get", ParentParam{ParentID: "P404"}, CodeNotFound)
}

func TestRPC_Proofs(t *testing.T) {
	env := setupTestEnv(t)
	var ids []string
	for i := 0; i < 5; i++ {
		tok := env.activeToken(t, fmt.Sprintf("holder-%d", i))
		ids = append(ids, tok.ID.String())
	}

	var tree TreeResult
	call(t, env, "proof_buildTree", TreeParam{ParentID: "P1"}, &tree)
	if tree.LeafCount != 5 || tree.Key != proof.ParentTreeKey("P1") {
		t.Fatalf("tree = %d leaves under %q", tree.LeafCount, tree.Key)
	}

	var p merkle.Proof
	call(t, env, "proof_generate", ProveParam{TokenID: ids[3]}, &p)
	if p.Root != tree.Root || p.LeafCount != 5 {
		t.Fatalf("proof root %s / count %d, want %s / 5", p.Root.Short(), p.LeafCount, tree.Root.Short())
	}

	var ok VerifyResult
	call(t, env, "proof_verify", VerifyProofParam{Proof: &p}, &ok)
	if !ok.Valid {
		t.Error("fresh proof should verify")
	}

	tampered := p
	tampered.Leaf[0] ^= 0xff
	call(t, env, "proof_verify", VerifyProofParam{Proof: &tampered}, &ok)
	if ok.Valid {
		t.Error("tampered proof should not verify")
	}

	malformed := p
	malformed.LeafIndex = 9
	callErr(t, env, "proof_verify", VerifyProofParam{Proof: &malformed}, CodeMalformedProof)

	// A transition changes the token hash; the next proof uses a fresh tree.
	call(t, env, "token_redeem", TokenParam{TokenID: ids[3]}, nil)
	var after merkle.Proof
	call(t, env, "proof_generate", ProveParam{TokenID: ids[3]}, &after)
	if after.Root == p.Root {
		t.Error("proof after redeem should have a new root")
	}
	call(t, env, "proof_verify", VerifyProofParam{Proof: &after}, &ok)
	if !ok.Valid {
		t.Error("proof after redeem should verify")
	}

	var active TreeResult
	call(t, env, "proof_buildTree", TreeParam{Status: "Active"}, &active)
	if active.LeafCount != 4 || active.Key != "" {
		t.Errorf("active tree = %d leaves key %q, want 4 uncached", active.LeafCount, active.Key)
	}
	var all TreeResult
	call(t, env, "proof_buildTree", nil, &all)
	if all.LeafCount != 5 || all.Key != proof.RegistryTreeKey {
		t.Errorf("registry tree = %d leaves key %q", all.LeafCount, all.Key)
	}
	callErr(t, env, "proof_buildTree", TreeParam{Status: "Bogus"}, CodeInvalidParams)
}

func TestRPC_CompositeProof(t *testing.T) {
	env := setupTestEnv(t)
	tok := env.activeToken(t, "alice")

	attested := crypto.Hash([]byte("parent chain root"))
	call(t, env, "parent_attestRoot", AttestRootParam{ParentID: "P1", Root: attested}, nil)

	var cp proof.CompositeProof
	call(t, env, "proof_composite", ProveParam{TokenID: tok.ID.String()}, &cp)
	if cp.ParentRoot != attested || cp.ParentTokenID != "P1" {
		t.Fatalf("composite = root %s parent %s", cp.ParentRoot.Short(), cp.ParentTokenID)
	}

	var ok VerifyResult
	call(t, env, "proof_verifyComposite", CompositeParam{Composite: &cp}, &ok)
	if !ok.Valid {
		t.Error("composite over attested root should verify")
	}

	forged := cp
	forged.ParentRoot = crypto.Hash([]byte("forged"))
	call(t, env, "proof_verifyComposite", CompositeParam{Composite: &forged}, &ok)
	if ok.Valid {
		t.Error("composite over an untrusted root should not verify")
	}

	callErr(t, env, "proof_verifyComposite", CompositeParam{}, CodeMalformedProof)
}

func TestRPC_Versions(t *testing.T) {
	env := setupTestEnv(t)
	tok := env.activeToken(t, "alice")
	board, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	share := decimal.RequireFromString("12")
	var v versioning.Version
	call(t, env, "version_create", VersionCreateParam{
		TokenID:   tok.ID.String(),
		Change:    versioning.Change{RevenueShare: &share},
		Reason:    "rate review",
		CreatedBy: "ops",
	}, &v)
	if v.Number != 1 || v.Status != versioning.StatusCreated {
		t.Fatalf("version = #%d %s", v.Number, v.Status)
	}

	callErr(t, env, "version_activate", VersionParam{VersionID: v.ID.String(), Actor: "ops"}, CodeInvalidTransition)

	call(t, env, "version_submit", VersionSubmitParam{VersionID: v.ID.String(), SubmittedBy: "ops", Reason: "q3"}, &v)

	callErr(t, env, "version_approve", VersionApproveParam{VersionID: v.ID.String(), ApproverID: "vvb"}, CodeInvalidParams)

	sig, err := versioning.Sign(board, v.MerkleHash)
	if err != nil {
		t.Fatal(err)
	}
	call(t, env, "version_approve", VersionApproveParam{
		VersionID:  v.ID.String(),
		ApproverID: "vvb",
		Comments:   "ok",
		Evidence:   versioning.QuorumEvidence{Signatures: []versioning.BoardSignature{sig}},
	}, &v)
	if v.Status != versioning.StatusApproved {
		t.Fatalf("status = %s, want Approved", v.Status)
	}

	call(t, env, "version_activate", VersionParam{VersionID: v.ID.String(), Actor: "ops"}, &v)
	if v.Status != versioning.StatusActive {
		t.Fatalf("status = %s, want Active", v.Status)
	}

	var active ActiveVersionResult
	call(t, env, "version_getActive", TokenParam{TokenID: tok.ID.String()}, &active)
	if active.Version == nil || active.Version.ID != v.ID {
		t.Fatalf("active = %+v", active.Version)
	}

	var history []versioning.Version
	call(t, env, "version_getHistory", TokenParam{TokenID: tok.ID.String()}, &history)
	if len(history) != 1 {
		t.Errorf("history length = %d, want 1", len(history))
	}

	var trail []versioning.AuditRecord
	call(t, env, "version_getAuditTrail", TokenParam{TokenID: tok.ID.String()}, &trail)
	if len(trail) != 4 {
		t.Errorf("audit trail length = %d, want 4", len(trail))
	}

	var byStatus []versioning.Version
	call(t, env, "version_getByStatus", VersionStatusParam{TokenID: tok.ID.String(), Status: "Active"}, &byStatus)
	if len(byStatus) != 1 {
		t.Errorf("active versions = %d, want 1", len(byStatus))
	}

	var integrity VerifyResult
	call(t, env, "version_verifyIntegrity", VersionParam{VersionID: v.ID.String()}, &integrity)
	if !integrity.Valid {
		t.Error("stored version should pass integrity check")
	}

	// A second version is rejected and then archived.
	var v2 versioning.Version
	call(t, env, "version_create", VersionCreateParam{
		TokenID:   tok.ID.String(),
		Change:    versioning.Change{RevenueShare: &share},
		Reason:    "again",
		CreatedBy: "ops",
	}, &v2)
	callErr(t, env, "version_reject", VersionReasonParam{VersionID: v2.ID.String(), Actor: "vvb", Reason: "no"}, CodeInvalidTransition)
	call(t, env, "version_archive", VersionReasonParam{VersionID: v2.ID.String(), Actor: "ops", Reason: "dropped"}, &v2)
	if v2.Status != versioning.StatusArchived {
		t.Errorf("status = %s, want Archived", v2.Status)
	}

	var got versioning.Version
	call(t, env, "version_get", VersionParam{VersionID: v2.ID.String()}, &got)
	if got.ArchiveReason != "dropped" {
		t.Errorf("archive reason = %q", got.ArchiveReason)
	}
}

func TestRPC_RegistryValidateAndStats(t *testing.T) {
	env := setupTestEnv(t)
	env.activeToken(t, "alice")
	var tok token.Token
	call(t, env, "token_createIncomeStream", incomeParams("P1", "bob"), &tok)

	var rep registry.ConsistencyReport
	call(t, env, "registry_validate", nil, &rep)
	if rep.Entries != 2 || len(rep.Problems) != 0 {
		t.Errorf("report = %+v", rep)
	}

	var stats StatsResult
	call(t, env, "registry_stats", nil, &stats)
	if stats.Entries != 2 || stats.ByStatus["Active"] != 1 || stats.ByStatus["Created"] != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ByType["IncomeStream"] != 2 {
		t.Errorf("by type = %v", stats.ByType)
	}
}

func TestRPC_Metrics(t *testing.T) {
	env := setupTestEnv(t)
	env.activeToken(t, "alice")

	resp, err := http.Get(env.url + "metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`registry_rpc_requests_total{method="token_activate",result="ok"} 1`,
		"registry_token_transitions_total",
		"registry_entries",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRPC_MethodNotFound(t *testing.T) {
	env := setupTestEnv(t)

	resp := rpcCall(t, env.url, "nonexistent_method", nil)
	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}
}

func TestRPC_InvalidParams(t *testing.T) {
	env := setupTestEnv(t)

	// token_get requires params.
	resp := rpcCall(t, env.url, "token_get", nil)
	if resp.Error == nil {
		t.Fatal("expected error for missing params")
	}
	if resp.Error.Code != CodeInvalidParams {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeInvalidParams)
	}
}

func TestRPC_InvalidJSON(t *testing.T) {
	env := setupTestEnv(t)

	resp, err := http.Post(env.url, "application/json", bytes.NewReader([]byte("not json")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	json.NewDecoder(resp.Body).Decode(&rpcResp)

	if rpcResp.Error == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if rpcResp.Error.Code != CodeParseError {
		t.Errorf("error code = %d, want %d", rpcResp.Error.Code, CodeParseError)
	}
}

func TestRPC_GetMethodNotAllowed(t *testing.T) {
	env := setupTestEnv(t)

	resp, err := http.Get(env.url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	json.NewDecoder(resp.Body).Decode(&rpcResp)

	if rpcResp.Error == nil {
		t.Fatal("expected error for GET request")
	}
	if rpcResp.Error.Code != CodeInvalidRequest {
		t.Errorf("error code = %d, want %d", rpcResp.Error.Code, CodeInvalidRequest)
	}
}

func TestRPC_BodyTooLarge(t *testing.T) {
	env := setupTestEnv(t)

	body := `{"jsonrpc":"2.0","method":"token_get","params":{"token_id":"` + strings.Repeat("a", maxBodySize) + `"},"id":1}`
	resp, err := http.Post(env.url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	json.NewDecoder(resp.Body).Decode(&rpcResp)
	if rpcResp.Error == nil || rpcResp.Error.Code != CodeInvalidRequest {
		t.Errorf("oversized body: got %+v, want invalid request", rpcResp.Error)
	}
}

// --- IP Filtering ---

func TestRPC_IPFilter_Allowed(t *testing.T) {
	env := setupTestEnvWithConfig(t, config.RPCConfig{
		AllowedIPs: []string{"127.0.0.1"},
	})

	resp := rpcCall(t, env.url, "registry_stats", nil)
	if resp.Error != nil {
		t.Errorf("expected success for 127.0.0.1, got error: %s", resp.Error.Message)
	}
}

func TestRPC_IPFilter_Blocked(t *testing.T) {
	env := setupTestEnvWithConfig(t, config.RPCConfig{
		AllowedIPs: []string{"10.0.0.0/8"}, // Only allow 10.x.x.x.
	})

	// Request comes from 127.0.0.1 → should be blocked.
	req := Request{JSONRPC: "2.0", Method: "registry_stats", ID: 1}
	body, _ := json.Marshal(req)
	resp, err := http.Post(env.url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}

	mresp, err := http.Get(env.url + "metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer mresp.Body.Close()
	if mresp.StatusCode != http.StatusForbidden {
		t.Errorf("metrics: expected 403, got %d", mresp.StatusCode)
	}
}

func TestRPC_IPFilter_Empty_AllowsAll(t *testing.T) {
	env := setupTestEnvWithConfig(t, config.RPCConfig{
		AllowedIPs: nil, // Empty = allow all.
	})

	resp := rpcCall(t, env.url, "registry_stats", nil)
	if resp.Error != nil {
		t.Errorf("empty AllowedIPs should allow all: %s", resp.Error.Message)
	}
}

// --- CORS ---

func TestRPC_CORS_WildcardOrigin(t *testing.T) {
	env := setupTestEnvWithConfig(t, config.RPCConfig{
		CORSOrigins: []string{"*"},
	})

	req := Request{JSONRPC: "2.0", Method: "registry_stats", ID: 1}
	body, _ := json.Marshal(req)
	httpReq, _ := http.NewRequest("POST", env.url, bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Origin", "http://example.com")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	origin := resp.Header.Get("Access-Control-Allow-Origin")
	if origin != "*" {
		t.Errorf("CORS origin = %q, want %q", origin, "*")
	}
}

func TestRPC_CORS_SpecificOrigin(t *testing.T) {
	env := setupTestEnvWithConfig(t, config.RPCConfig{
		CORSOrigins: []string{"http://myapp.com"},
	})

	send := func(origin string) string {
		req := Request{JSONRPC: "2.0", Method: "registry_stats", ID: 1}
		body, _ := json.Marshal(req)
		httpReq, _ := http.NewRequest("POST", env.url, bytes.NewReader(body))
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		return resp.Header.Get("Access-Control-Allow-Origin")
	}

	if got := send("http://myapp.com"); got != "http://myapp.com" {
		t.Errorf("CORS origin = %q, want %q", got, "http://myapp.com")
	}
	if got := send("http://evil.com"); got != "" {
		t.Errorf("non-matching origin should have no CORS header, got %q", got)
	}
}

func TestRPC_CORS_Preflight(t *testing.T) {
	env := setupTestEnvWithConfig(t, config.RPCConfig{
		CORSOrigins: []string{"*"},
	})

	httpReq, _ := http.NewRequest("OPTIONS", env.url, nil)
	httpReq.Header.Set("Origin", "http://example.com")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Methods") == "" {
		t.Error("preflight should have Allow-Methods header")
	}
}

// --- Error mapping ---

func TestToRPCError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{registryerr.NotFound("token", "x"), CodeNotFound},
		{registryerr.InvalidTransition("token", "x", "Created", "Redeemed"), CodeInvalidTransition},
		{&registryerr.OwnershipMismatchError{ID: "x"}, CodeOwnershipMismatch},
		{&registryerr.DuplicateTokenError{ID: "x"}, CodeDuplicateToken},
		{&registryerr.CascadeViolationError{ParentID: "P", ActiveTokens: 1}, CodeCascadeViolation},
		{registryerr.MalformedProof("bad"), CodeMalformedProof},
		{registryerr.StorageUnavailable("put", errors.New("disk")), CodeStorageUnavailable},
		{&registryerr.InconsistentIndexError{Index: "owner"}, CodeInconsistentIndex},
		{registryerr.Validation("f", "bad"), CodeInvalidParams},
		{errors.New("boom"), CodeInternalError},
	}
	for _, tt := range tests {
		got := toRPCError(fmt.Errorf("wrapped: %w", tt.err))
		if got.Code != tt.code {
			t.Errorf("toRPCError(%v).Code = %d, want %d", tt.err, got.Code, tt.code)
		}
	}

	storage := toRPCError(registryerr.StorageUnavailable("get", errors.New("timeout")))
	if d, ok := storage.Data.(ErrorData); !ok || !d.Retryable {
		t.Errorf("storage error data = %+v, want retryable", storage.Data)
	}
}
