package numeric

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParse(t *testing.T) {
	if d, ok := Parse(" 46976.0 "); !ok || !d.Equal(decimal.RequireFromString("46976")) {
		t.Fatalf("unexpected parse %s %v", d, ok)
	}
	if _, ok := Parse(""); ok {
		t.Fatal("empty input must fail")
	}
	if _, ok := Parse("abc"); ok {
		t.Fatal("malformed input must fail")
	}
	if ParseNull("x").Valid {
		t.Fatal("expected null")
	}
}

func TestScaleFromStep(t *testing.T) {
	cases := map[string]int32{"0.10": 1, "0.001": 3, "1": 0, "10": 0, "0.00001000": 5}
	for raw, want := range cases {
		if got := ScaleFromStep(decimal.RequireFromString(raw)); got != want {
			t.Fatalf("ScaleFromStep(%s) = %d, want %d", raw, got, want)
		}
	}
}

func TestTicks(t *testing.T) {
	id, ok := Ticks(decimal.RequireFromString("46959.10"), decimal.RequireFromString("0.10"))
	if !ok || id != 469591 {
		t.Fatalf("unexpected ticks %d %v", id, ok)
	}
	if _, ok := Ticks(decimal.NewFromInt(1), decimal.Zero); ok {
		t.Fatal("zero step must fail")
	}
	if got := RoundToStep(decimal.RequireFromString("1.23456"), decimal.RequireFromString("0.01")); got.String() != "1.23" {
		t.Fatalf("unexpected rounding %s", got)
	}
}
