package token

import (
	"errors"
	"reflect"
	"strings"

	"github.com/Klingon-tech/klingnet-registry/internal/registryerr"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

var validate = newValidator()

// newValidator returns a validator that understands decimals, the
// percent range and distribution frequencies, and reports fields by their
// JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})

	_ = v.RegisterValidation("positive", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && d.IsPositive()
	})
	_ = v.RegisterValidation("percent", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && d.IsPositive() && d.LessThanOrEqual(hundred)
	})
	_ = v.RegisterValidation("frequency", func(fl validator.FieldLevel) bool {
		_, err := ParseFrequency(fl.Field().String())
		return err == nil
	})
	return v
}

// ValidateStruct runs tag validation on s and converts the first failure
// into a ValidationError.
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return registryerr.Validation(fe.Namespace(), "failed %q check", fe.Tag())
	}
	return registryerr.Validation("", "%v", err)
}

// Validate checks a token's fields and that its terms match its type.
func Validate(t *Token) error {
	if t == nil {
		return registryerr.Validation("", "nil token")
	}
	if t.ID == uuid.Nil {
		return registryerr.Validation("token_id", "must be set")
	}
	if err := ValidateStruct(t); err != nil {
		return err
	}

	set := 0
	for _, present := range []bool{t.IncomeStream != nil, t.Collateral != nil, t.Royalty != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return registryerr.Validation("token_type", "exactly one set of terms required, got %d", set)
	}

	switch t.Type {
	case TypeIncomeStream:
		if t.IncomeStream == nil {
			return registryerr.Validation("income_stream", "required for %s", t.Type)
		}
	case TypeCollateral:
		if t.Collateral == nil {
			return registryerr.Validation("collateral", "required for %s", t.Type)
		}
		if !t.Collateral.ExpiresAt.After(t.CreatedAt) {
			return registryerr.Validation("collateral.expires_at", "must be after created_at")
		}
	case TypeRoyalty:
		if t.Royalty == nil {
			return registryerr.Validation("royalty", "required for %s", t.Type)
		}
	}
	return nil
}
