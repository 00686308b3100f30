package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceConversion(t *testing.T) {
	// 1000 units at 1% with a minimum fee of 10 units: percentage fee and
	// minimum collide at exactly 10.
	terms := FeeTerms{
		PercentageFee:    decimal.NewFromInt(1),
		FixedFeeMicros:   0,
		MinimumFeeMicros: 10_000_000,
	}
	rate := decimal.NewFromFloat(0.0077)

	fees := PriceConversion(1_000_000_000, rate, terms)

	assert.Equal(t, int64(10_000_000), fees.PercentageFeeMicros)
	assert.Equal(t, int64(10_000_000), fees.AppliedFeeMicros)
	assert.True(t, fees.EffectiveRate.Equal(rate), "zero markup leaves the market rate untouched")
}

func TestPriceConversion_MinimumFeeWins(t *testing.T) {
	terms := FeeTerms{
		PercentageFee:    decimal.NewFromFloat(0.5),
		FixedFeeMicros:   1_000_000,
		MinimumFeeMicros: 50_000_000,
	}

	fees := PriceConversion(1_000_000_000, decimal.NewFromInt(1), terms)

	// 0.5% of 1000 = 5, plus fixed 1 = 6, floored up to the minimum 50.
	assert.Equal(t, int64(5_000_000), fees.PercentageFeeMicros)
	assert.Equal(t, int64(50_000_000), fees.AppliedFeeMicros)
}

func TestPriceConversion_RateMarkup(t *testing.T) {
	terms := FeeTerms{RateMarkup: decimal.NewFromInt(2)}
	rate := decimal.NewFromFloat(0.0077)

	fees := PriceConversion(1_000_000_000, rate, terms)

	want := rate.Mul(decimal.NewFromFloat(0.98))
	assert.True(t, fees.EffectiveRate.Equal(want), "got %s want %s", fees.EffectiveRate, want)
}

func TestSettleAmount(t *testing.T) {
	// (1000 - 10) * 0.0077 = 7.623
	got := SettleAmount(1_000_000_000, decimal.NewFromFloat(0.0077), 10_000_000)
	assert.Equal(t, int64(7_623_000), got)
}

func TestValidateRuleBounds(t *testing.T) {
	terms := FeeTerms{MinAmountMicros: 1_000_000, MaxAmountMicros: 100_000_000}

	require.NoError(t, ValidateRuleBounds(50_000_000, terms))
	assert.Error(t, ValidateRuleBounds(500_000, terms))
	assert.Error(t, ValidateRuleBounds(200_000_000, terms))

	// Zero bounds disable the checks.
	assert.NoError(t, ValidateRuleBounds(1, FeeTerms{}))
}

func TestZeroTermsAreFree(t *testing.T) {
	fees := PriceConversion(1_000_000_000, decimal.NewFromInt(1), FeeTerms{})
	assert.Equal(t, int64(0), fees.AppliedFeeMicros)
	assert.True(t, fees.EffectiveRate.Equal(decimal.NewFromInt(1)))
}
