package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-registry/internal/lifecycle"
	"github.com/Klingon-tech/klingnet-registry/internal/parent"
	"github.com/Klingon-tech/klingnet-registry/internal/proof"
	"github.com/Klingon-tech/klingnet-registry/internal/registry"
	"github.com/Klingon-tech/klingnet-registry/internal/registryerr"
	"github.com/Klingon-tech/klingnet-registry/internal/token"
	"github.com/Klingon-tech/klingnet-registry/internal/versioning"
	"github.com/Klingon-tech/klingnet-registry/pkg/merkle"
	"github.com/google/uuid"
)

func parseUUID(field, s string) (uuid.UUID, *Error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid %s: %v", field, err)}
	}
	return id, nil
}

func requireString(field, s string) *Error {
	if s == "" {
		return &Error{Code: CodeInvalidParams, Message: field + " is required"}
	}
	return nil
}

// ── Token endpoints ─────────────────────────────────────────────────────

func (s *Server) handleTokenCreateIncomeStream(ctx context.Context, req *Request) (interface{}, *Error) {
	var p lifecycle.CreateIncomeStreamRequest
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	t, err := s.lifecycle.CreateIncomeStream(ctx, p)
	if err != nil {
		return nil, toRPCError(err)
	}
	return t, nil
}

func (s *Server) handleTokenCreateCollateral(ctx context.Context, req *Request) (interface{}, *Error) {
	var p lifecycle.CreateCollateralRequest
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	t, err := s.lifecycle.CreateCollateral(ctx, p)
	if err != nil {
		return nil, toRPCError(err)
	}
	return t, nil
}

func (s *Server) handleTokenCreateRoyalty(ctx context.Context, req *Request) (interface{}, *Error) {
	var p lifecycle.CreateRoyaltyRequest
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	t, err := s.lifecycle.CreateRoyalty(ctx, p)
	if err != nil {
		return nil, toRPCError(err)
	}
	return t, nil
}

func (s *Server) handleTokenBulkCreate(ctx context.Context, req *Request) (interface{}, *Error) {
	var p BulkCreateParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	if len(p.Tokens) == 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "tokens must not be empty"}
	}
	return s.lifecycle.BulkCreate(ctx, p.Tokens), nil
}

func (s *Server) handleTokenGet(ctx context.Context, req *Request) (interface{}, *Error) {
	var p TokenParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	id, rpcErr := parseUUID("token_id", p.TokenID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	t, err := s.lifecycle.Get(ctx, id)
	if err != nil {
		return nil, toRPCError(err)
	}
	return t, nil
}

func (s *Server) handleTokenGetByParent(ctx context.Context, req *Request) (interface{}, *Error) {
	var p ParentParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	if err := requireString("parent_token_id", p.ParentID); err != nil {
		return nil, err
	}
	list, err := s.lifecycle.GetByParent(ctx, p.ParentID)
	if err != nil {
		return nil, toRPCError(err)
	}
	if list == nil {
		list = []*token.Token{}
	}
	return list, nil
}

func (s *Server) handleTokenGetByOwner(ctx context.Context, req *Request) (interface{}, *Error) {
	var p OwnerParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	if err := requireString("owner", p.Owner); err != nil {
		return nil, err
	}
	list, err := s.lifecycle.GetByOwner(ctx, p.Owner)
	if err != nil {
		return nil, toRPCError(err)
	}
	if list == nil {
		list = []*token.Token{}
	}
	return list, nil
}

func (s *Server) handleTokenActivate(ctx context.Context, req *Request) (interface{}, *Error) {
	return s.tokenTransition(ctx, req, s.lifecycle.Activate)
}

func (s *Server) handleTokenRedeem(ctx context.Context, req *Request) (interface{}, *Error) {
	return s.tokenTransition(ctx, req, s.lifecycle.Redeem)
}

func (s *Server) tokenTransition(ctx context.Context, req *Request,
	fn func(context.Context, uuid.UUID, string) (*token.Token, error)) (interface{}, *Error) {
	var p TokenParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	id, rpcErr := parseUUID("token_id", p.TokenID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	t, err := fn(ctx, id, p.Actor)
	if err != nil {
		return nil, toRPCError(err)
	}
	return t, nil
}

func (s *Server) handleTokenExpire(ctx context.Context, req *Request) (interface{}, *Error) {
	var p ExpireParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	id, rpcErr := parseUUID("token_id", p.TokenID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	t, err := s.lifecycle.Expire(ctx, id, p.Reason)
	if err != nil {
		return nil, toRPCError(err)
	}
	return t, nil
}

func (s *Server) handleTokenTransfer(ctx context.Context, req *Request) (interface{}, *Error) {
	var p TransferParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	id, rpcErr := parseUUID("token_id", p.TokenID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	t, err := s.lifecycle.Transfer(ctx, id, p.FromOwner, p.ToOwner)
	if err != nil {
		return nil, toRPCError(err)
	}
	return t, nil
}

func (s *Server) handleTokenCountActiveByParent(req *Request) (interface{}, *Error) {
	var p ParentParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	if err := requireString("parent_token_id", p.ParentID); err != nil {
		return nil, err
	}
	return CountResult{
		ParentID: p.ParentID,
		Active:   s.registry.CountActiveByParent(p.ParentID),
		Total:    s.registry.CountByParent(p.ParentID),
	}, nil
}

// ── Parent endpoints ────────────────────────────────────────────────────

func (s *Server) handleParentRegister(req *Request) (interface{}, *Error) {
	var p ParentRegisterParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	par, err := s.parents.Register(p.ParentID, p.Owner)
	if err != nil {
		return nil, toRPCError(err)
	}
	return par, nil
}

func (s *Server) handleParentGet(req *Request) (interface{}, *Error) {
	var p ParentParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	par, err := s.parents.Get(p.ParentID)
	if err != nil {
		return nil, toRPCError(err)
	}
	return par, nil
}

func (s *Server) handleParentList(_ *Request) (interface{}, *Error) {
	list, err := s.parents.List()
	if err != nil {
		return nil, toRPCError(err)
	}
	if list == nil {
		list = []*parent.Parent{}
	}
	return list, nil
}

func (s *Server) handleParentRetire(req *Request) (interface{}, *Error) {
	var p ParentParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	par, err := s.parents.Retire(p.ParentID)
	if err != nil {
		return nil, toRPCError(err)
	}
	return par, nil
}

func (s *Server) handleParentAttestRoot(req *Request) (interface{}, *Error) {
	var p AttestRootParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	if p.Root.IsZero() {
		return nil, &Error{Code: CodeInvalidParams, Message: "root is required"}
	}
	if err := s.parents.SetAttestedRoot(p.ParentID, p.Root); err != nil {
		return nil, toRPCError(err)
	}
	return OKResult{OK: true}, nil
}

// ── Version endpoints ───────────────────────────────────────────────────

func (s *Server) handleVersionCreate(ctx context.Context, req *Request) (interface{}, *Error) {
	var p VersionCreateParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	id, rpcErr := parseUUID("token_id", p.TokenID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	v, err := s.versions.CreateVersion(ctx, id, versioning.CreateRequest{
		Change:    p.Change,
		Reason:    p.Reason,
		CreatedBy: p.CreatedBy,
	})
	if err != nil {
		return nil, toRPCError(err)
	}
	return v, nil
}

func (s *Server) handleVersionSubmit(ctx context.Context, req *Request) (interface{}, *Error) {
	var p VersionSubmitParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	id, rpcErr := parseUUID("version_id", p.VersionID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	v, err := s.versions.SubmitForVVB(ctx, id, p.SubmittedBy, p.Reason)
	if err != nil {
		return nil, toRPCError(err)
	}
	return v, nil
}

func (s *Server) handleVersionApprove(ctx context.Context, req *Request) (interface{}, *Error) {
	var p VersionApproveParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	id, rpcErr := parseUUID("version_id", p.VersionID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	v, err := s.versions.ApproveAsVVB(ctx, id, p.ApproverID, p.Comments, p.Evidence)
	if err != nil {
		return nil, toRPCError(err)
	}
	return v, nil
}

func (s *Server) handleVersionReject(ctx context.Context, req *Request) (interface{}, *Error) {
	var p VersionReasonParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	id, rpcErr := parseUUID("version_id", p.VersionID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	v, err := s.versions.RejectAsVVB(ctx, id, p.Actor, p.Reason)
	if err != nil {
		return nil, toRPCError(err)
	}
	return v, nil
}

func (s *Server) handleVersionArchive(ctx context.Context, req *Request) (interface{}, *Error) {
	var p VersionReasonParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	id, rpcErr := parseUUID("version_id", p.VersionID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	v, err := s.versions.ArchiveVersion(ctx, id, p.Actor, p.Reason)
	if err != nil {
		return nil, toRPCError(err)
	}
	return v, nil
}

func (s *Server) handleVersionActivate(ctx context.Context, req *Request) (interface{}, *Error) {
	var p VersionParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	id, rpcErr := parseUUID("version_id", p.VersionID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	v, err := s.versions.ActivateVersion(ctx, id, p.Actor)
	if err != nil {
		return nil, toRPCError(err)
	}
	return v, nil
}

func (s *Server) handleVersionGet(req *Request) (interface{}, *Error) {
	var p VersionParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	id, rpcErr := parseUUID("version_id", p.VersionID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	v, err := s.versions.GetVersion(id)
	if err != nil {
		return nil, toRPCError(err)
	}
	return v, nil
}

func (s *Server) handleVersionGetHistory(req *Request) (interface{}, *Error) {
	var p TokenParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	id, rpcErr := parseUUID("token_id", p.TokenID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	history := s.versions.GetVersionChain(id)
	if history == nil {
		history = []*versioning.Version{}
	}
	return history, nil
}

func (s *Server) handleVersionGetActive(req *Request) (interface{}, *Error) {
	var p TokenParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	id, rpcErr := parseUUID("token_id", p.TokenID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	res := ActiveVersionResult{TokenID: id.String()}
	if v, ok := s.versions.GetActiveVersion(id); ok {
		res.Version = v
	}
	return res, nil
}

func (s *Server) handleVersionGetByStatus(req *Request) (interface{}, *Error) {
	var p VersionStatusParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	id, rpcErr := parseUUID("token_id", p.TokenID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	status, err := versioning.ParseStatus(p.Status)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
	}
	list := s.versions.GetVersionsByStatus(id, status)
	if list == nil {
		list = []*versioning.Version{}
	}
	return list, nil
}

func (s *Server) handleVersionGetAuditTrail(req *Request) (interface{}, *Error) {
	var p TokenParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	id, rpcErr := parseUUID("token_id", p.TokenID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	trail := s.versions.GetAuditTrail(id)
	if trail == nil {
		trail = []versioning.AuditRecord{}
	}
	return trail, nil
}

func (s *Server) handleVersionVerifyIntegrity(req *Request) (interface{}, *Error) {
	var p VersionParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	id, rpcErr := parseUUID("version_id", p.VersionID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	ok, err := s.versions.VerifyVersionIntegrity(id)
	if err != nil {
		return nil, toRPCError(err)
	}
	return VerifyResult{Valid: ok}, nil
}

// ── Proof endpoints ─────────────────────────────────────────────────────

func (s *Server) handleProofBuildTree(req *Request) (interface{}, *Error) {
	var p TreeParam
	if req.Params != nil {
		if err := parseParams(req, &p); err != nil {
			return nil, err
		}
	}

	var keep func(registry.Entry) bool
	if p.Status != "" {
		status, err := token.ParseStatus(p.Status)
		if err != nil {
			return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
		}
		keep = func(e registry.Entry) bool { return e.Status == status }
	}

	var (
		tree    *merkle.Tree
		entries []registry.Entry
		key     string
	)
	switch {
	case p.ParentID != "" && keep == nil:
		key = proof.ParentTreeKey(p.ParentID)
		tree, entries = s.proofs.BuildParentTree(s.registry, p.ParentID)
	case p.ParentID != "":
		for _, e := range s.registry.LookupByParent(p.ParentID) {
			if keep(e) {
				entries = append(entries, e)
			}
		}
		tree = s.proofs.BuildEntryTree("", entries)
	case keep == nil:
		key = proof.RegistryTreeKey
		tree, entries = s.proofs.BuildRegistryTree(s.registry, key, nil)
	default:
		tree, entries = s.proofs.BuildRegistryTree(s.registry, "", keep)
	}
	if entries == nil {
		entries = []registry.Entry{}
	}
	return TreeResult{Key: key, Root: tree.Root, LeafCount: tree.LeafCount(), Entries: entries}, nil
}

// proveToken returns the entry for id and its proof against the current
// tree of its parent.
func (s *Server) proveToken(id uuid.UUID) (registry.Entry, *merkle.Proof, error) {
	e, ok := s.registry.Lookup(id)
	if !ok {
		return registry.Entry{}, nil, registryerr.NotFound("token", id.String())
	}
	if tree, ok := s.proofs.Tree(proof.ParentTreeKey(e.ParentID)); ok {
		p, err := s.proofs.ProveEntry(tree, e)
		if err == nil {
			return e, p, nil
		}
		if !errors.Is(err, registryerr.ErrNotFound) {
			return e, nil, err
		}
		// Stale tree: the entry changed after it was built.
	}
	tree, _ := s.proofs.BuildParentTree(s.registry, e.ParentID)
	p, err := s.proofs.ProveEntry(tree, e)
	return e, p, err
}

func (s *Server) handleProofGenerate(req *Request) (interface{}, *Error) {
	var p ProveParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	id, rpcErr := parseUUID("token_id", p.TokenID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	_, pr, err := s.proveToken(id)
	if err != nil {
		return nil, toRPCError(err)
	}
	return pr, nil
}

func (s *Server) handleProofVerify(req *Request) (interface{}, *Error) {
	var p VerifyProofParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	ok, err := s.proofs.CheckProof(p.Proof)
	if err != nil {
		return nil, toRPCError(err)
	}
	return VerifyResult{Valid: ok}, nil
}

func (s *Server) handleProofComposite(req *Request) (interface{}, *Error) {
	var p ProveParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	id, rpcErr := parseUUID("token_id", p.TokenID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	e, pr, err := s.proveToken(id)
	if err != nil {
		return nil, toRPCError(err)
	}

	// Without an explicit or attested parent root the composite points
	// at the parent's own child tree.
	root := pr.Root
	if p.ParentRoot != nil {
		root = *p.ParentRoot
	} else if attested, ok := s.parents.AttestedRoot(e.ParentID); ok {
		root = attested
	}
	cp, err := s.proofs.GenerateCompositeProof(pr, e, root)
	if err != nil {
		return nil, toRPCError(err)
	}
	return cp, nil
}

func (s *Server) handleProofVerifyComposite(req *Request) (interface{}, *Error) {
	var p CompositeParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	ok, err := s.proofs.CheckCompositeProof(p.Composite)
	if err != nil {
		return nil, toRPCError(err)
	}
	return VerifyResult{Valid: ok}, nil
}

// ── Registry endpoints ──────────────────────────────────────────────────

func (s *Server) handleRegistryValidate(_ *Request) (interface{}, *Error) {
	rep := s.registry.ValidateConsistency()
	if rep.Problems == nil {
		rep.Problems = []string{}
	}
	return rep, nil
}

func (s *Server) handleRegistryStats(_ *Request) (interface{}, *Error) {
	res := StatsResult{
		Entries:  s.registry.Len(),
		ByStatus: make(map[string]int, len(token.Statuses)),
		ByType:   make(map[string]int, len(token.Types)),
	}
	for _, st := range token.Statuses {
		res.ByStatus[string(st)] = len(s.registry.LookupByStatus(st))
	}
	for _, t := range token.Types {
		res.ByType[string(t)] = len(s.registry.LookupByType(t))
	}
	return res, nil
}
