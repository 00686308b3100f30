package service

import (
	"context"
	"fmt"

	"github.com/adeyemio/fxrail/internal/domain"
	"github.com/adeyemio/fxrail/internal/models"
	"github.com/adeyemio/fxrail/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FeeRuleService selects and administers fee configurations. Matching is a
// pure read on a small, admin-written table; no locking. Admin writes are
// last-write-wins, which is acceptable for rare out-of-band rule edits.
type FeeRuleService struct {
	store QueryStore
}

func NewFeeRuleService(store QueryStore) *FeeRuleService {
	return &FeeRuleService{store: store}
}

// Match returns the applicable rule for a currency pair. A nil rule with a
// nil error means nothing matched; the caller applies the zero-fee default.
func (s *FeeRuleService) Match(ctx context.Context, from, to string) (*models.FeeRule, error) {
	rules, err := s.store.Queries().ActiveFeeRulesForPair(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("load fee rules for %s/%s: %w", from, to, err)
	}
	return selectBestRule(rules, from, to), nil
}

// ruleTier ranks how specifically a rule matches the pair: exact beats
// from-wildcard beats wildcard-to beats double wildcard.
func ruleTier(r models.FeeRule, from, to string) int {
	switch {
	case r.FromCurrency == from && r.ToCurrency == to:
		return 0
	case r.FromCurrency == from && r.ToCurrency == domain.Wildcard:
		return 1
	case r.FromCurrency == domain.Wildcard && r.ToCurrency == to:
		return 2
	case r.FromCurrency == domain.Wildcard && r.ToCurrency == domain.Wildcard:
		return 3
	default:
		return -1
	}
}

// selectBestRule resolves precedence in Go so it stays unit-testable:
// lowest tier wins, then highest priority, then newest rule.
func selectBestRule(rules []models.FeeRule, from, to string) *models.FeeRule {
	var best *models.FeeRule
	bestTier := -1
	for i := range rules {
		tier := ruleTier(rules[i], from, to)
		if tier < 0 {
			continue
		}
		if best == nil ||
			tier < bestTier ||
			(tier == bestTier && rules[i].Priority > best.Priority) ||
			(tier == bestTier && rules[i].Priority == best.Priority && rules[i].CreatedAt.After(best.CreatedAt)) {
			best = &rules[i]
			bestTier = tier
		}
	}
	return best
}

// CreateFeeRuleRequest holds the admin parameters for a new rule.
type CreateFeeRuleRequest struct {
	FromCurrency     string
	ToCurrency       string
	PercentageFee    decimal.Decimal
	FixedFeeMicros   int64
	MinimumFeeMicros int64
	RateMarkup       decimal.Decimal
	MinAmountMicros  int64
	MaxAmountMicros  int64
	Priority         int32
}

// Create inserts an active rule. Wildcard sides use the "*" marker.
func (s *FeeRuleService) Create(ctx context.Context, req CreateFeeRuleRequest) (*models.FeeRule, error) {
	if req.FromCurrency != domain.Wildcard && !domain.IsSupportedCurrency(req.FromCurrency) {
		return nil, fmt.Errorf("%w: unsupported from_currency %q", models.ErrValidation, req.FromCurrency)
	}
	if req.ToCurrency != domain.Wildcard && !domain.IsSupportedCurrency(req.ToCurrency) {
		return nil, fmt.Errorf("%w: unsupported to_currency %q", models.ErrValidation, req.ToCurrency)
	}
	if req.PercentageFee.IsNegative() || req.RateMarkup.IsNegative() {
		return nil, fmt.Errorf("%w: fees cannot be negative", models.ErrValidation)
	}
	if req.MinAmountMicros < 0 || req.MaxAmountMicros < 0 ||
		(req.MaxAmountMicros > 0 && req.MinAmountMicros > req.MaxAmountMicros) {
		return nil, fmt.Errorf("%w: invalid amount bounds", models.ErrValidation)
	}

	id := uuid.New()
	err := s.store.Queries().InsertFeeRule(ctx, repository.InsertFeeRuleParams{
		ID:               id,
		FromCurrency:     req.FromCurrency,
		ToCurrency:       req.ToCurrency,
		PercentageFee:    req.PercentageFee,
		FixedFeeMicros:   req.FixedFeeMicros,
		MinimumFeeMicros: req.MinimumFeeMicros,
		RateMarkup:       req.RateMarkup,
		MinAmountMicros:  req.MinAmountMicros,
		MaxAmountMicros:  req.MaxAmountMicros,
		Priority:         req.Priority,
		IsActive:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("insert fee rule: %w", err)
	}

	rules, err := s.store.Queries().ListFeeRules(ctx, 1, 0)
	if err != nil || len(rules) == 0 {
		return nil, fmt.Errorf("reload fee rule %s: %w", id, err)
	}
	return &rules[0], nil
}

// List returns rules newest first.
func (s *FeeRuleService) List(ctx context.Context, limit, offset int32) ([]models.FeeRule, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rules, err := s.store.Queries().ListFeeRules(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list fee rules: %w", err)
	}
	return rules, nil
}
