package math_test

import (
	"errors"
	"testing"

	sdkmath "cosmossdk.io/math"

	fpmath "ForwardLedger/internal/math"
	"ForwardLedger/internal/types"
)

func i(v int64) sdkmath.Int { return sdkmath.NewInt(v) }

func TestMulDivRounding(t *testing.T) {
	tests := []struct {
		name    string
		a, b, d int64
		mode    fpmath.RoundingMode
		want    int64
	}{
		{"down truncates", 7, 3, 2, fpmath.RoundDown, 10},
		{"up rounds away", 7, 3, 2, fpmath.RoundUp, 11},
		{"half even to even", 5, 1, 2, fpmath.RoundHalfEven, 2},
		{"half even odd", 7, 1, 2, fpmath.RoundHalfEven, 4},
		{"half even above half", 8, 1, 3, fpmath.RoundHalfEven, 3},
		{"exact", 6, 4, 3, fpmath.RoundUp, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fpmath.MulDiv(i(tt.a), i(tt.b), i(tt.d), tt.mode)
			if !got.Equal(i(tt.want)) {
				t.Errorf("got %s, want %d", got, tt.want)
			}
		})
	}
}

func TestMulDivFullRangeNoOverflow(t *testing.T) {
	// u128 max times the full factor must not overflow before division
	got := fpmath.LongValue(fpmath.MaxAmount, fpmath.FactorScale)
	if !got.Equal(fpmath.MaxAmount) {
		t.Errorf("got %s, want %s", got, fpmath.MaxAmount)
	}
}

func TestFeeFromBps(t *testing.T) {
	tests := []struct {
		amount int64
		bps    uint16
		want   int64
	}{
		{1000, 30, 3},
		{999, 30, 2},
		{1, 9999, 0},
		{10_000, 0, 0},
		{333, 10, 0},
	}

	for _, tt := range tests {
		got := fpmath.FeeFromBps(i(tt.amount), tt.bps)
		if !got.Equal(i(tt.want)) {
			t.Errorf("FeeFromBps(%d, %d): got %s, want %d", tt.amount, tt.bps, got, tt.want)
		}
		// fee + net always reconstructs the deposit
		if net := i(tt.amount).Sub(got); !net.Add(got).Equal(i(tt.amount)) {
			t.Errorf("fee conservation broken for %d", tt.amount)
		}
	}
}

func TestSettlementFactorClamp(t *testing.T) {
	l, u := i(30), i(70)
	half := fpmath.FactorScale.QuoRaw(2)

	tests := []struct {
		name  string
		price sdkmath.Int
		want  sdkmath.Int
	}{
		{"below lower", i(10), sdkmath.ZeroInt()},
		{"at lower", i(30), sdkmath.ZeroInt()},
		{"at upper", i(70), fpmath.FactorScale},
		{"above upper", i(1000), fpmath.FactorScale},
		{"midpoint", i(50), half},
		{"scenario 45", i(45), sdkmath.NewIntWithDecimal(375, fpmath.FactorDecimals-3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fpmath.SettlementFactor(tt.price, l, u)
			if !got.Equal(tt.want) {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLongShortValuesNeverExceedAmount(t *testing.T) {
	factor := fpmath.SettlementFactor(i(41), i(30), i(70)) // 0.275
	for _, amount := range []int64{1, 3, 7, 999, 1_000_003} {
		long := fpmath.LongValue(i(amount), factor)
		short := fpmath.ShortValue(i(amount), factor)
		total := long.Add(short)
		if total.GT(i(amount)) {
			t.Errorf("amount %d: long %s + short %s exceeds amount", amount, long, short)
		}
		if i(amount).Sub(total).GT(i(1)) {
			t.Errorf("amount %d: rounding dust %s larger than 1", amount, i(amount).Sub(total))
		}
	}
}

func TestExceedsDeviation(t *testing.T) {
	prev := i(1_000_000)
	if fpmath.ExceedsDeviation(prev, i(1_050_000), 500) {
		t.Error("exactly 5% must not exceed 500 bps")
	}
	if !fpmath.ExceedsDeviation(prev, i(1_050_001), 500) {
		t.Error("above 5% must exceed 500 bps")
	}
	if !fpmath.ExceedsDeviation(prev, i(949_999), 500) {
		t.Error("downward moves count too")
	}
}

func TestParseAmount(t *testing.T) {
	good := map[string]string{
		"0":    "0",
		"1000": "1000",
		"340282366920938463463374607431768211455": "340282366920938463463374607431768211455",
	}
	for in, want := range good {
		got, err := fpmath.ParseAmount(in)
		if err != nil {
			t.Errorf("%q: unexpected error %v", in, err)
			continue
		}
		if got.String() != want {
			t.Errorf("%q: got %s, want %s", in, got, want)
		}
	}

	bad := []string{"", "-1", "+5", "1.5", "1e3", "abc", "340282366920938463463374607431768211456"}
	for _, in := range bad {
		if _, err := fpmath.ParseAmount(in); !errors.Is(err, types.ErrInvalidAmount) {
			t.Errorf("%q: got %v, want ErrInvalidAmount", in, err)
		}
	}
}

func TestFormatUnits(t *testing.T) {
	if got := fpmath.FormatUnits(i(375_000), 6); got != "0.375" {
		t.Errorf("got %s, want 0.375", got)
	}
	if got := fpmath.FormatUnits(i(1_500), 0); got != "1500" {
		t.Errorf("got %s, want 1500", got)
	}
}
