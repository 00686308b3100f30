package service

import (
	"context"
	"testing"
	"time"

	"github.com/adeyemio/fxrail/internal/models"
	"github.com/adeyemio/fxrail/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func rule(from, to string, priority int32, age time.Duration) models.FeeRule {
	return models.FeeRule{
		ID:           uuid.New(),
		FromCurrency: from,
		ToCurrency:   to,
		Priority:     priority,
		IsActive:     true,
		CreatedAt:    time.Now().Add(-age),
	}
}

func TestSelectBestRulePrecedence(t *testing.T) {
	exact := rule("KES", "USD", 0, time.Hour)
	fromWild := rule("KES", "*", 100, time.Hour)
	toWild := rule("*", "USD", 100, time.Hour)
	doubleWild := rule("*", "*", 100, time.Hour)

	cases := []struct {
		name  string
		rules []models.FeeRule
		want  uuid.UUID
	}{
		{"exact_beats_all_wildcards", []models.FeeRule{doubleWild, toWild, fromWild, exact}, exact.ID},
		{"from_wildcard_beats_to_wildcard", []models.FeeRule{doubleWild, toWild, fromWild}, fromWild.ID},
		{"to_wildcard_beats_double", []models.FeeRule{doubleWild, toWild}, toWild.ID},
		{"double_wildcard_is_fallback", []models.FeeRule{doubleWild}, doubleWild.ID},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			best := selectBestRule(tc.rules, "KES", "USD")
			require.NotNil(t, best)
			require.Equal(t, tc.want, best.ID)
		})
	}
}

func TestSelectBestRuleTieBreaks(t *testing.T) {
	low := rule("KES", "USD", 1, time.Hour)
	high := rule("KES", "USD", 10, time.Hour)
	best := selectBestRule([]models.FeeRule{low, high}, "KES", "USD")
	require.NotNil(t, best)
	require.Equal(t, high.ID, best.ID, "higher priority wins within a tier")

	old := rule("KES", "USD", 5, 2*time.Hour)
	fresh := rule("KES", "USD", 5, time.Minute)
	best = selectBestRule([]models.FeeRule{old, fresh}, "KES", "USD")
	require.NotNil(t, best)
	require.Equal(t, fresh.ID, best.ID, "newest wins on equal priority")
}

func TestSelectBestRuleNoMatch(t *testing.T) {
	other := rule("NGN", "GBP", 0, time.Hour)
	require.Nil(t, selectBestRule([]models.FeeRule{other}, "KES", "USD"))
	require.Nil(t, selectBestRule(nil, "KES", "USD"))
}

func TestFeeRuleCreateAndMatch(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	store := repository.NewStore(db)
	svc := NewFeeRuleService(store)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateFeeRuleRequest{
		FromCurrency:  "*",
		ToCurrency:    "*",
		PercentageFee: decimal.NewFromFloat(2.5),
		Priority:      0,
	})
	require.NoError(t, err)

	created, err := svc.Create(ctx, CreateFeeRuleRequest{
		FromCurrency:     "KES",
		ToCurrency:       "USD",
		PercentageFee:    decimal.NewFromFloat(1),
		MinimumFeeMicros: 10_000_000,
		RateMarkup:       decimal.NewFromFloat(0.5),
		Priority:         10,
	})
	require.NoError(t, err)
	require.Equal(t, "KES", created.FromCurrency)

	matched, err := svc.Match(ctx, "KES", "USD")
	require.NoError(t, err)
	require.NotNil(t, matched)
	require.Equal(t, created.ID, matched.ID, "exact rule beats wildcard")

	matched, err = svc.Match(ctx, "NGN", "EUR")
	require.NoError(t, err)
	require.NotNil(t, matched)
	require.Equal(t, "*", matched.FromCurrency, "wildcard fallback applies")

	matched, err = svc.Match(ctx, "USDC", "USDC")
	require.NoError(t, err)
	require.NotNil(t, matched, "double wildcard matches any pair")
}

func TestFeeRuleCreateValidation(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	svc := NewFeeRuleService(repository.NewStore(db))
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateFeeRuleRequest{FromCurrency: "XXX", ToCurrency: "USD"})
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = svc.Create(ctx, CreateFeeRuleRequest{
		FromCurrency:  "USD",
		ToCurrency:    "EUR",
		PercentageFee: decimal.NewFromInt(-1),
	})
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = svc.Create(ctx, CreateFeeRuleRequest{
		FromCurrency:    "USD",
		ToCurrency:      "EUR",
		MinAmountMicros: 100,
		MaxAmountMicros: 50,
	})
	require.ErrorIs(t, err, models.ErrValidation)
}
