package lifecycle

import (
	"time"

	"github.com/Klingon-tech/klingnet-registry/internal/registryerr"
	"github.com/Klingon-tech/klingnet-registry/internal/token"
	"github.com/shopspring/decimal"
)

// CreateIncomeStreamRequest holds the fields of a new income-stream token.
type CreateIncomeStreamRequest struct {
	ParentID     string          `json:"parent_token_id" validate:"required,max=128"`
	FaceValue    decimal.Decimal `json:"face_value" validate:"positive"`
	Owner        string          `json:"owner" validate:"required,max=256"`
	RevenueShare decimal.Decimal `json:"revenue_share_percent" validate:"percent"`
	Frequency    token.Frequency `json:"distribution_frequency" validate:"required,frequency"`
}

// CreateCollateralRequest holds the fields of a new collateral token.
type CreateCollateralRequest struct {
	ParentID  string          `json:"parent_token_id" validate:"required,max=128"`
	FaceValue decimal.Decimal `json:"face_value" validate:"positive"`
	Owner     string          `json:"owner" validate:"required,max=256"`
	ExpiresAt time.Time       `json:"expires_at" validate:"required"`
}

// CreateRoyaltyRequest holds the fields of a new royalty token.
type CreateRoyaltyRequest struct {
	ParentID     string          `json:"parent_token_id" validate:"required,max=128"`
	FaceValue    decimal.Decimal `json:"face_value" validate:"positive"`
	Owner        string          `json:"owner" validate:"required,max=256"`
	RevenueShare decimal.Decimal `json:"revenue_share_percent" validate:"percent"`
}

// CreateRequest is one item of a bulk create. Type selects which of the
// typed requests it stands for; the fields of the other types are ignored.
type CreateRequest struct {
	Type         token.Type      `json:"token_type"`
	ParentID     string          `json:"parent_token_id"`
	FaceValue    decimal.Decimal `json:"face_value"`
	Owner        string          `json:"owner"`
	RevenueShare decimal.Decimal `json:"revenue_share_percent,omitempty"`
	Frequency    token.Frequency `json:"distribution_frequency,omitempty"`
	ExpiresAt    time.Time       `json:"expires_at,omitzero"`
}

// build validates the request and returns the Created token it describes.
func (r *CreateIncomeStreamRequest) build(now time.Time) (*token.Token, error) {
	if err := token.ValidateStruct(r); err != nil {
		return nil, err
	}
	t := token.New(r.ParentID, token.TypeIncomeStream, r.FaceValue, r.Owner, now)
	t.IncomeStream = &token.IncomeStreamTerms{
		Frequency:           r.Frequency,
		RevenueSharePercent: r.RevenueShare,
	}
	return t, nil
}

func (r *CreateCollateralRequest) build(now time.Time) (*token.Token, error) {
	if err := token.ValidateStruct(r); err != nil {
		return nil, err
	}
	t := token.New(r.ParentID, token.TypeCollateral, r.FaceValue, r.Owner, now)
	t.Collateral = &token.CollateralTerms{ExpiresAt: r.ExpiresAt.UTC()}
	return t, nil
}

func (r *CreateRoyaltyRequest) build(now time.Time) (*token.Token, error) {
	if err := token.ValidateStruct(r); err != nil {
		return nil, err
	}
	t := token.New(r.ParentID, token.TypeRoyalty, r.FaceValue, r.Owner, now)
	t.Royalty = &token.RoyaltyTerms{RevenueSharePercent: r.RevenueShare}
	return t, nil
}

func (r *CreateRequest) build(now time.Time) (*token.Token, error) {
	switch r.Type {
	case token.TypeIncomeStream:
		req := CreateIncomeStreamRequest{
			ParentID:     r.ParentID,
			FaceValue:    r.FaceValue,
			Owner:        r.Owner,
			RevenueShare: r.RevenueShare,
			Frequency:    r.Frequency,
		}
		return req.build(now)
	case token.TypeCollateral:
		req := CreateCollateralRequest{
			ParentID:  r.ParentID,
			FaceValue: r.FaceValue,
			Owner:     r.Owner,
			ExpiresAt: r.ExpiresAt,
		}
		return req.build(now)
	case token.TypeRoyalty:
		req := CreateRoyaltyRequest{
			ParentID:     r.ParentID,
			FaceValue:    r.FaceValue,
			Owner:        r.Owner,
			RevenueShare: r.RevenueShare,
		}
		return req.build(now)
	}
	return nil, registryerr.Validation("token_type", "unknown token type %q", r.Type)
}
