package proof

import (
	"time"

	"github.com/Klingon-tech/klingnet-registry/pkg/merkle"
	"github.com/Klingon-tech/klingnet-registry/pkg/types"
	"github.com/google/uuid"
)

// CompositeProof chains a secondary token's inclusion proof to the merkle
// root its parent attested, so provenance can be checked across the
// parent/child boundary without rebuilding the parent's tree.
type CompositeProof struct {
	Secondary        *merkle.Proof `json:"secondary_proof"`
	SecondaryTokenID uuid.UUID     `json:"secondary_token_id"`
	ParentTokenID    string        `json:"parent_token_id"`
	ParentRoot       types.Hash    `json:"parent_root"`
	GeneratedAt      time.Time     `json:"generated_at"`
}

// ParentRootSource supplies parent roots attested outside this service.
type ParentRootSource interface {
	AttestedRoot(parentID string) (types.Hash, bool)
}

func (cp *CompositeProof) clone() *CompositeProof {
	c := *cp
	c.Secondary = cp.Secondary.Clone()
	return &c
}

func compositeKey(parentID string, childID uuid.UUID) string {
	return parentID + "\x00" + childID.String()
}
