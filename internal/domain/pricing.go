package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FeeTerms are the pricing parameters extracted from a matched fee rule.
// A zero FeeTerms is the zero-fee default used when no rule matches.
type FeeTerms struct {
	PercentageFee    decimal.Decimal // percent of source amount
	FixedFeeMicros   int64
	MinimumFeeMicros int64
	RateMarkup       decimal.Decimal // percent subtracted from the market rate
	MinAmountMicros  int64           // 0 means no floor
	MaxAmountMicros  int64           // 0 means no ceiling
}

// FeeBreakdown is the customer-facing result of pricing a conversion.
type FeeBreakdown struct {
	PercentageFeeMicros int64
	FixedFeeMicros      int64
	MinimumFeeMicros    int64
	AppliedFeeMicros    int64
	EffectiveRate       decimal.Decimal
}

var oneHundred = decimal.NewFromInt(100)

// PriceConversion computes the fee breakdown and effective rate for converting
// amountMicros at marketRate under the given terms.
//
//	percentageFee = amount * terms.PercentageFee / 100
//	appliedFee    = max(percentageFee + fixedFee, minimumFee)
//	effectiveRate = marketRate * (1 - terms.RateMarkup/100)
func PriceConversion(amountMicros int64, marketRate decimal.Decimal, terms FeeTerms) FeeBreakdown {
	amount := decimal.NewFromInt(amountMicros)
	pctFee := amount.Mul(terms.PercentageFee).Div(oneHundred).IntPart()

	applied := pctFee + terms.FixedFeeMicros
	if applied < terms.MinimumFeeMicros {
		applied = terms.MinimumFeeMicros
	}

	effective := marketRate.Mul(decimal.NewFromInt(1).Sub(terms.RateMarkup.Div(oneHundred)))

	return FeeBreakdown{
		PercentageFeeMicros: pctFee,
		FixedFeeMicros:      terms.FixedFeeMicros,
		MinimumFeeMicros:    terms.MinimumFeeMicros,
		AppliedFeeMicros:    applied,
		EffectiveRate:       effective,
	}
}

// SettleAmount returns the target amount in micros for a priced conversion:
// (amount - appliedFee) * effectiveRate, rounded down.
func SettleAmount(amountMicros int64, effectiveRate decimal.Decimal, appliedFeeMicros int64) int64 {
	net := decimal.NewFromInt(amountMicros - appliedFeeMicros)
	return net.Mul(effectiveRate).IntPart()
}

// ValidateRuleBounds rejects amounts outside the rule's min/max window.
func ValidateRuleBounds(amountMicros int64, terms FeeTerms) error {
	if terms.MinAmountMicros > 0 && amountMicros < terms.MinAmountMicros {
		return fmt.Errorf("amount %d below rule minimum %d", amountMicros, terms.MinAmountMicros)
	}
	if terms.MaxAmountMicros > 0 && amountMicros > terms.MaxAmountMicros {
		return fmt.Errorf("amount %d above rule maximum %d", amountMicros, terms.MaxAmountMicros)
	}
	return nil
}
