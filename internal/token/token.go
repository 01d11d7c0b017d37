// Package token defines the secondary token model: income-stream,
// collateral and royalty instruments that derive from a primary parent
// asset.
//
// A token moves forward through Created -> Active -> {Redeemed, Expired}
// and is never deleted. Each token hashes to a fixed digest that feeds the
// merkle trees built over registry snapshots.
package token

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type is the closed set of secondary instrument kinds.
type Type string

const (
	TypeIncomeStream Type = "IncomeStream"
	TypeCollateral   Type = "Collateral"
	TypeRoyalty      Type = "Royalty"
)

// Types lists every token type.
var Types = []Type{TypeIncomeStream, TypeCollateral, TypeRoyalty}

// ParseType converts a string to a Type.
func ParseType(s string) (Type, error) {
	for _, t := range Types {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown token type %q", s)
}

// Status is a token lifecycle state.
type Status string

const (
	StatusCreated  Status = "Created"
	StatusActive   Status = "Active"
	StatusRedeemed Status = "Redeemed"
	StatusExpired  Status = "Expired"
)

// Statuses lists every token status.
var Statuses = []Status{StatusCreated, StatusActive, StatusRedeemed, StatusExpired}

// ParseStatus converts a string to a Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown token status %q", s)
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusRedeemed || s == StatusExpired
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusCreated:
		return to == StatusActive
	case StatusActive:
		return to == StatusRedeemed || to == StatusExpired
	default:
		return false
	}
}

// Frequency is how often an income stream distributes.
type Frequency string

const (
	FrequencyDaily      Frequency = "Daily"
	FrequencyWeekly     Frequency = "Weekly"
	FrequencyMonthly    Frequency = "Monthly"
	FrequencyQuarterly  Frequency = "Quarterly"
	FrequencySemiAnnual Frequency = "SemiAnnual"
	FrequencyAnnual     Frequency = "Annual"
)

// ParseFrequency converts a string to a Frequency.
func ParseFrequency(s string) (Frequency, error) {
	switch f := Frequency(s); f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly,
		FrequencyQuarterly, FrequencySemiAnnual, FrequencyAnnual:
		return f, nil
	}
	return "", fmt.Errorf("unknown distribution frequency %q", s)
}

// IncomeStreamTerms are the type-specific fields of an income stream.
type IncomeStreamTerms struct {
	Frequency           Frequency       `json:"distribution_frequency" validate:"required,frequency"`
	RevenueSharePercent decimal.Decimal `json:"revenue_share_percent" validate:"percent"`
}

// CollateralTerms are the type-specific fields of a collateral token.
type CollateralTerms struct {
	ExpiresAt time.Time `json:"expires_at" validate:"required"`
}

// RoyaltyTerms are the type-specific fields of a royalty token.
type RoyaltyTerms struct {
	RevenueSharePercent decimal.Decimal `json:"revenue_share_percent" validate:"percent"`
}

// Token is a secondary token instance. Exactly one of the terms pointers
// is set, matching Type.
type Token struct {
	ID        uuid.UUID       `json:"token_id"`
	ParentID  string          `json:"parent_token_id" validate:"required,max=128,printascii"`
	Type      Type            `json:"token_type" validate:"required,oneof=IncomeStream Collateral Royalty"`
	Status    Status          `json:"status" validate:"required,oneof=Created Active Redeemed Expired"`
	FaceValue decimal.Decimal `json:"face_value" validate:"positive"`
	Owner     string          `json:"owner" validate:"required,max=256"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`

	IncomeStream *IncomeStreamTerms `json:"income_stream,omitempty"`
	Collateral   *CollateralTerms   `json:"collateral,omitempty"`
	Royalty      *RoyaltyTerms      `json:"royalty,omitempty"`

	// ExpiryReason records why an administrative expiry happened.
	ExpiryReason string `json:"expiry_reason,omitempty"`
}

// New builds a token in the Created state with a fresh id.
func New(parentID string, typ Type, faceValue decimal.Decimal, owner string, now time.Time) *Token {
	return &Token{
		ID:        uuid.New(),
		ParentID:  parentID,
		Type:      typ,
		Status:    StatusCreated,
		FaceValue: faceValue,
		Owner:     owner,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy.
func (t *Token) Clone() *Token {
	c := *t
	if t.IncomeStream != nil {
		is := *t.IncomeStream
		c.IncomeStream = &is
	}
	if t.Collateral != nil {
		col := *t.Collateral
		c.Collateral = &col
	}
	if t.Royalty != nil {
		r := *t.Royalty
		c.Royalty = &r
	}
	return &c
}

// RevenueShare returns the revenue share for income-stream and royalty
// tokens, and false for collateral.
func (t *Token) RevenueShare() (decimal.Decimal, bool) {
	switch {
	case t.IncomeStream != nil:
		return t.IncomeStream.RevenueSharePercent, true
	case t.Royalty != nil:
		return t.Royalty.RevenueSharePercent, true
	}
	return decimal.Zero, false
}

// ExpiredAt reports whether a collateral token is past its expiry at now.
func (t *Token) ExpiredAt(now time.Time) bool {
	return t.Collateral != nil && !t.Collateral.ExpiresAt.IsZero() && !now.Before(t.Collateral.ExpiresAt)
}
