// Package versioning layers immutable, approval-gated version records over
// secondary tokens.
//
// A version moves Created -> PendingVvb -> Approved -> Active ->
// Superseded, and any state before Active may instead be Archived. At most
// one version per token is Active; activating another supersedes it in the
// same write.
package versioning

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-registry/internal/registryerr"
	"github.com/Klingon-tech/klingnet-registry/internal/token"
	"github.com/Klingon-tech/klingnet-registry/pkg/crypto"
	"github.com/Klingon-tech/klingnet-registry/pkg/types"
	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/shopspring/decimal"
)

// Status is a version state.
type Status string

const (
	StatusCreated    Status = "Created"
	StatusPendingVVB Status = "PendingVvb"
	StatusApproved   Status = "Approved"
	StatusActive     Status = "Active"
	StatusSuperseded Status = "Superseded"
	StatusArchived   Status = "Archived"
)

// Statuses lists every version status.
var Statuses = []Status{StatusCreated, StatusPendingVVB, StatusApproved, StatusActive, StatusSuperseded, StatusArchived}

// ParseStatus converts a string to a Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown version status %q", s)
}

// PreActive reports whether s may still be archived.
func (s Status) PreActive() bool {
	return s == StatusCreated || s == StatusPendingVVB || s == StatusApproved
}

// CanTransition reports whether the version state machine allows from -> to.
func CanTransition(from, to Status) bool {
	if to == StatusArchived {
		return from.PreActive()
	}
	switch from {
	case StatusCreated:
		return to == StatusPendingVVB
	case StatusPendingVVB:
		return to == StatusApproved
	case StatusApproved:
		return to == StatusActive
	case StatusActive:
		return to == StatusSuperseded
	}
	return false
}

// Change holds the mutable token fields a version may alter. Structural
// fields (id, parent, type) are never versioned.
type Change struct {
	RevenueShare  *decimal.Decimal `json:"revenue_share_percent,omitempty"`
	Frequency     *token.Frequency `json:"distribution_frequency,omitempty"`
	CurrentHolder *string          `json:"current_holder,omitempty"`
}

var hundred = decimal.NewFromInt(100)

// validateFor checks the change against the type of the token it targets.
func (c Change) validateFor(typ token.Type) error {
	if c.RevenueShare == nil && c.Frequency == nil && c.CurrentHolder == nil {
		return registryerr.Validation("change", "no field changed")
	}
	if c.RevenueShare != nil {
		if typ == token.TypeCollateral {
			return registryerr.Validation("change.revenue_share_percent", "not a field of %s tokens", typ)
		}
		if !c.RevenueShare.IsPositive() || c.RevenueShare.GreaterThan(hundred) {
			return registryerr.Validation("change.revenue_share_percent", "must be in (0, 100]")
		}
	}
	if c.Frequency != nil {
		if typ != token.TypeIncomeStream {
			return registryerr.Validation("change.distribution_frequency", "not a field of %s tokens", typ)
		}
		if _, err := token.ParseFrequency(string(*c.Frequency)); err != nil {
			return registryerr.Validation("change.distribution_frequency", "%v", err)
		}
	}
	if c.CurrentHolder != nil && *c.CurrentHolder == "" {
		return registryerr.Validation("change.current_holder", "must not be empty")
	}
	return nil
}

// Version is one record in a token's version chain. Everything but the
// status and its timestamps is fixed at creation and covered by
// MerkleHash.
type Version struct {
	ID         uuid.UUID  `json:"version_id"`
	TokenID    uuid.UUID  `json:"secondary_token_id"`
	ParentID   string     `json:"parent_token_id,omitempty"`
	Number     uint64     `json:"version_number"`
	Change     Change     `json:"change"`
	Reason     string     `json:"reason"`
	Status     Status     `json:"status"`
	CreatedBy  string     `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	MerkleHash types.Hash `json:"merkle_hash"`

	SubmittedBy      string    `json:"submitted_by,omitempty"`
	SubmissionReason string    `json:"submission_reason,omitempty"`
	ApprovedBy       string    `json:"approved_by,omitempty"`
	ApprovalComments string    `json:"approval_comments,omitempty"`
	Signers          []string  `json:"signers,omitempty"`
	ApprovedAt       time.Time `json:"approved_at,omitzero"`
	RejectedBy       string    `json:"rejected_by,omitempty"`
	ArchiveReason    string    `json:"archive_reason,omitempty"`
	ActivatedAt      time.Time `json:"activated_at,omitzero"`
	SupersededBy     uuid.UUID `json:"superseded_by,omitzero"`
}

// clone returns a copy that shares nothing mutable with v.
func (v *Version) clone() *Version {
	c := *v
	c.Signers = append([]string(nil), v.Signers...)
	return &c
}

// content is the hashed part of a version.
type content struct {
	TokenID   uuid.UUID `json:"secondary_token_id"`
	Number    uint64    `json:"version_number"`
	Change    Change    `json:"change"`
	Reason    string    `json:"reason"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// ContentHash returns the digest of the RFC 8785 canonical JSON of the
// version's immutable content.
func ContentHash(v *Version) (types.Hash, error) {
	raw, err := json.Marshal(content{
		TokenID:   v.TokenID,
		Number:    v.Number,
		Change:    v.Change,
		Reason:    v.Reason,
		CreatedBy: v.CreatedBy,
		CreatedAt: v.CreatedAt.UTC(),
	})
	if err != nil {
		return types.Hash{}, fmt.Errorf("version content marshal: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return types.Hash{}, fmt.Errorf("version content canonicalize: %w", err)
	}
	return crypto.Hash(canon), nil
}

// AuditRecord records one version transition.
type AuditRecord struct {
	TokenID       uuid.UUID `json:"secondary_token_id"`
	VersionID     uuid.UUID `json:"version_id"`
	VersionNumber uint64    `json:"version_number"`
	From          Status    `json:"from,omitempty"`
	To            Status    `json:"to"`
	Actor         string    `json:"actor"`
	Comment       string    `json:"comment,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
