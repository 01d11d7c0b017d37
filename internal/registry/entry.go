package registry

import (
	"bytes"
	"sort"
	"time"

	"github.com/Klingon-tech/klingnet-registry/internal/token"
	"github.com/Klingon-tech/klingnet-registry/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Entry is the registry's projection of a token. Entries are values; the
// registry replaces rather than mutates them.
type Entry struct {
	ID        uuid.UUID       `json:"token_id"`
	ParentID  string          `json:"parent_token_id"`
	Owner     string          `json:"owner"`
	Type      token.Type      `json:"token_type"`
	Status    token.Status    `json:"status"`
	FaceValue decimal.Decimal `json:"face_value"`
	Version   uint64          `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// EntryFromToken projects a token into a registry entry.
func EntryFromToken(t *token.Token) Entry {
	return Entry{
		ID:        t.ID,
		ParentID:  t.ParentID,
		Owner:     t.Owner,
		Type:      t.Type,
		Status:    t.Status,
		FaceValue: t.FaceValue,
		Version:   1,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

// Hash returns the same digest token.Hash yields for the source token.
func (e Entry) Hash() types.Hash {
	return token.HashFields(e.ID.String(), e.ParentID, string(e.Type), token.CanonicalDecimal(e.FaceValue), e.Owner, string(e.Status))
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].ID[:], entries[j].ID[:]) < 0
	})
}
