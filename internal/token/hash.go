package token

import (
	"github.com/Klingon-tech/klingnet-registry/pkg/crypto"
	"github.com/Klingon-tech/klingnet-registry/pkg/types"
	"github.com/shopspring/decimal"
)

// CanonicalDecimal renders d without trailing fractional zeros, so 1000,
// 1000.0 and 1000.00 serialise identically.
func CanonicalDecimal(d decimal.Decimal) string {
	return d.String()
}

// Hash computes the token digest over
// id ‖ parent ‖ type ‖ face value ‖ owner ‖ status. Fields are
// length-prefixed. Timestamps and type-specific terms are excluded.
func Hash(t *Token) types.Hash {
	return HashFields(t.ID.String(), t.ParentID, string(t.Type), CanonicalDecimal(t.FaceValue), t.Owner, string(t.Status))
}

// HashFields hashes already-projected token fields in digest order.
func HashFields(id, parentID, typ, faceValue, owner, status string) types.Hash {
	return crypto.HashFields(
		[]byte(id),
		[]byte(parentID),
		[]byte(typ),
		[]byte(faceValue),
		[]byte(owner),
		[]byte(status),
	)
}
