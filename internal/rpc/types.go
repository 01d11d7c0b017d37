package rpc

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-registry/internal/lifecycle"
	"github.com/Klingon-tech/klingnet-registry/internal/proof"
	"github.com/Klingon-tech/klingnet-registry/internal/registry"
	"github.com/Klingon-tech/klingnet-registry/internal/registryerr"
	"github.com/Klingon-tech/klingnet-registry/internal/versioning"
	"github.com/Klingon-tech/klingnet-registry/pkg/merkle"
	"github.com/Klingon-tech/klingnet-registry/pkg/types"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// Registry error kinds.
	CodeNotFound           = -32000
	CodeInvalidTransition  = -32001
	CodeOwnershipMismatch  = -32002
	CodeDuplicateToken     = -32003
	CodeCascadeViolation   = -32004
	CodeMalformedProof     = -32005
	CodeStorageUnavailable = -32006
	CodeInconsistentIndex  = -32007
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ErrorData is attached to errors raised by the registry services.
type ErrorData struct {
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}

// toRPCError maps a service error onto a JSON-RPC error.
func toRPCError(err error) *Error {
	code := CodeInternalError
	switch {
	case errors.Is(err, registryerr.ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, registryerr.ErrInvalidTransition):
		code = CodeInvalidTransition
	case errors.Is(err, registryerr.ErrOwnershipMismatch):
		code = CodeOwnershipMismatch
	case errors.Is(err, registryerr.ErrDuplicateToken):
		code = CodeDuplicateToken
	case errors.Is(err, registryerr.ErrCascadeViolation):
		code = CodeCascadeViolation
	case errors.Is(err, registryerr.ErrMalformedProof):
		code = CodeMalformedProof
	case errors.Is(err, registryerr.ErrStorageUnavailable):
		code = CodeStorageUnavailable
	case errors.Is(err, registryerr.ErrInconsistentIndex):
		code = CodeInconsistentIndex
	case errors.Is(err, registryerr.ErrValidation):
		code = CodeInvalidParams
	}
	return &Error{
		Code:    code,
		Message: err.Error(),
		Data:    ErrorData{Kind: registryerr.Kind(err), Retryable: registryerr.Retryable(err)},
	}
}

// ── Param types ─────────────────────────────────────────────────────────

// TokenParam is used by endpoints that act on one token.
type TokenParam struct {
	TokenID string `json:"token_id"`
	Actor   string `json:"actor,omitempty"`
}

// ExpireParam is used by token_expire.
type ExpireParam struct {
	TokenID string `json:"token_id"`
	Reason  string `json:"reason,omitempty"`
}

// TransferParam is used by token_transfer.
type TransferParam struct {
	TokenID   string `json:"token_id"`
	FromOwner string `json:"from_owner"`
	ToOwner   string `json:"to_owner"`
}

// ParentParam is used by endpoints keyed by a parent token.
type ParentParam struct {
	ParentID string `json:"parent_token_id"`
}

// OwnerParam is used by token_getByOwner.
type OwnerParam struct {
	Owner string `json:"owner"`
}

// BulkCreateParam is used by token_bulkCreate.
type BulkCreateParam struct {
	Tokens []lifecycle.CreateRequest `json:"tokens"`
}

// ParentRegisterParam is used by parent_register.
type ParentRegisterParam struct {
	ParentID string `json:"parent_token_id"`
	Owner    string `json:"owner"`
}

// AttestRootParam is used by parent_attestRoot.
type AttestRootParam struct {
	ParentID string     `json:"parent_token_id"`
	Root     types.Hash `json:"root"`
}

// VersionCreateParam is used by version_create.
type VersionCreateParam struct {
	TokenID   string            `json:"token_id"`
	Change    versioning.Change `json:"change"`
	Reason    string            `json:"reason"`
	CreatedBy string            `json:"created_by"`
}

// VersionParam is used by endpoints that act on one version.
type VersionParam struct {
	VersionID string `json:"version_id"`
	Actor     string `json:"actor,omitempty"`
}

// VersionSubmitParam is used by version_submit.
type VersionSubmitParam struct {
	VersionID   string `json:"version_id"`
	SubmittedBy string `json:"submitted_by"`
	Reason      string `json:"reason"`
}

// VersionApproveParam is used by version_approve.
type VersionApproveParam struct {
	VersionID  string                    `json:"version_id"`
	ApproverID string                    `json:"approver_id"`
	Comments   string                    `json:"comments"`
	Evidence   versioning.QuorumEvidence `json:"evidence"`
}

// VersionReasonParam is used by version_reject and version_archive.
type VersionReasonParam struct {
	VersionID string `json:"version_id"`
	Actor     string `json:"actor"`
	Reason    string `json:"reason"`
}

// VersionStatusParam is used by version_getByStatus.
type VersionStatusParam struct {
	TokenID string `json:"token_id"`
	Status  string `json:"status"`
}

// TreeParam is used by proof_buildTree. An empty ParentID builds the tree
// over the whole registry; Status narrows it to one token status.
type TreeParam struct {
	ParentID string `json:"parent_token_id,omitempty"`
	Status   string `json:"status,omitempty"`
}

// ProveParam is used by proof_generate and proof_composite.
type ProveParam struct {
	TokenID    string      `json:"token_id"`
	ParentRoot *types.Hash `json:"parent_root,omitempty"`
}

// VerifyProofParam is used by proof_verify.
type VerifyProofParam struct {
	Proof *merkle.Proof `json:"proof"`
}

// CompositeParam is used by proof_verifyComposite.
type CompositeParam struct {
	Composite *proof.CompositeProof `json:"composite"`
}

// ── Result types ────────────────────────────────────────────────────────

// CountResult is returned by token_countActiveByParent.
type CountResult struct {
	ParentID string `json:"parent_token_id"`
	Active   uint64 `json:"active"`
	Total    uint64 `json:"total"`
}

// TreeResult describes a built merkle tree.
type TreeResult struct {
	Key       string           `json:"key"`
	Root      types.Hash       `json:"root"`
	LeafCount int              `json:"leaf_count"`
	Entries   []registry.Entry `json:"entries"`
}

// VerifyResult is returned by the verification endpoints.
type VerifyResult struct {
	Valid bool `json:"valid"`
}

// ActiveVersionResult is returned by version_getActive.
type ActiveVersionResult struct {
	TokenID string              `json:"token_id"`
	Version *versioning.Version `json:"version"`
}

// StatsResult is returned by registry_stats.
type StatsResult struct {
	Entries  int            `json:"entries"`
	ByStatus map[string]int `json:"by_status"`
	ByType   map[string]int `json:"by_type"`
}

// OKResult acknowledges an operation without a payload.
type OKResult struct {
	OK bool `json:"ok"`
}
