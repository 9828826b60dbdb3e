package provider

import (
	"testing"

	"github.com/shopspring/decimal"

	"wheel-screener/internal/market"
)

func decimalFromString(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal literal %q: %v", s, err)
	}
	return d
}

func TestDeriveMidOneSidedQuote(t *testing.T) {
	bid := market.Valid(market.FieldBid, decimalFromString(t, "1.2"))
	askMissing := market.Missing[decimal.Decimal](market.FieldAsk, "not provided by upstream")

	mid := deriveMid(bid, askMissing)
	if mid.Quality != market.QualityDerived {
		t.Fatalf("one-sided mid should be DERIVED, got %s", mid.Quality)
	}
	if !mid.Value.Equal(bid.Value) {
		t.Fatalf("one-sided mid 应取可用侧, 实际 %s", mid.Value)
	}

	none := deriveMid(askMissing, askMissing)
	if none.Usable() {
		t.Fatal("mid without either side must be MISSING")
	}
}

func TestDeriveSpreadCrossedQuote(t *testing.T) {
	bid := market.Valid(market.FieldBid, decimalFromString(t, "2.7"))
	ask := market.Valid(market.FieldAsk, decimalFromString(t, "2.5"))
	mid := deriveMid(bid, ask)

	spread := deriveSpread(bid, ask, mid)
	if spread.Quality != market.QualityInvalid {
		t.Fatalf("crossed quote should be INVALID, got %s", spread.Quality)
	}
}

func TestDeriveSpreadZeroMid(t *testing.T) {
	bid := market.Valid(market.FieldBid, decimal.Zero)
	ask := market.Valid(market.FieldAsk, decimal.Zero)
	mid := deriveMid(bid, ask)

	spread := deriveSpread(bid, ask, mid)
	if spread.Usable() {
		t.Fatal("zero mid must not produce a usable spread")
	}
}

func TestDeltaFieldRejectsAbsurdValues(t *testing.T) {
	d := 250.0
	f := deltaField(&greeksPayload{Delta: &d})
	if f.Usable() {
		t.Fatalf("delta 250 经归一化后仍超界, 应为 INVALID: %#v", f)
	}
}

func TestDeltaFieldKeepsDecimalForm(t *testing.T) {
	d := -0.31
	f := deltaField(&greeksPayload{Delta: &d})
	if !f.Usable() || f.Value != -0.31 {
		t.Fatalf("decimal-form delta must pass through untouched: %#v", f)
	}
	if f.Reason != "" {
		t.Fatal("untouched delta should carry no normalisation note")
	}
}
