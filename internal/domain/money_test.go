package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestMoney_ToDecimal(t *testing.T) {
	m := NewMoney(10_500_000, "USD") // 10.50 USD
	d := m.ToDecimal()
	assert.Equal(t, "10.5", d.String())
}

func TestFromDecimal(t *testing.T) {
	d := decimal.NewFromFloat(10.50)
	micros := FromDecimal(d)
	assert.Equal(t, int64(10_500_000), micros)
}

func TestMoney_Convert(t *testing.T) {
	// Source: 1000 KES at 0.0077 USD/KES -> 7.70 USD
	source := NewMoney(1_000_000_000, "KES")
	rate := decimal.NewFromFloat(0.0077)

	target := source.Convert("USD", rate)

	assert.Equal(t, "USD", target.Currency)
	assert.Equal(t, int64(7_700_000), target.Amount)
}

func TestMoney_Convert_Precision(t *testing.T) {
	source := NewMoney(100_000_000, "USD")

	// Rate: 1 USD = 0.925555 EUR -> 92.5555 EUR = 92,555,500 micros
	rate := decimal.NewFromFloat(0.925555)

	target := source.Convert("EUR", rate)

	assert.Equal(t, int64(92_555_500), target.Amount)
}
