package token

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal %q: %v", s, err)
	}
	return d
}

func newIncomeStream(t *testing.T, parent, owner string) *Token {
	t.Helper()
	tok := New(parent, TypeIncomeStream, mustDecimal(t, "1000.00"), owner, testNow)
	tok.IncomeStream = &IncomeStreamTerms{
		Frequency:           FrequencyMonthly,
		RevenueSharePercent: mustDecimal(t, "10.5"),
	}
	return tok
}
