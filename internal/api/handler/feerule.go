package handler

import (
	"encoding/json"
	"net/http"

	"github.com/adeyemio/fxrail/internal/service"
	"github.com/shopspring/decimal"
)

type FeeRuleHandler struct {
	svc *service.FeeRuleService
}

func NewFeeRuleHandler(svc *service.FeeRuleService) *FeeRuleHandler {
	return &FeeRuleHandler{svc: svc}
}

type createFeeRuleRequest struct {
	FromCurrency     string          `json:"from_currency"`
	ToCurrency       string          `json:"to_currency"`
	PercentageFee    decimal.Decimal `json:"percentage_fee"`
	FixedFeeMicros   int64           `json:"fixed_fee_micros"`
	MinimumFeeMicros int64           `json:"minimum_fee_micros"`
	RateMarkup       decimal.Decimal `json:"rate_markup"`
	MinAmountMicros  int64           `json:"min_amount_micros"`
	MaxAmountMicros  int64           `json:"max_amount_micros"`
	Priority         int32           `json:"priority"`
}

// Create adds an active fee rule. Rule edits are last-write-wins; the newest
// rule of equal specificity and priority takes effect.
func (h *FeeRuleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createFeeRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}

	rule, err := h.svc.Create(r.Context(), service.CreateFeeRuleRequest{
		FromCurrency:     req.FromCurrency,
		ToCurrency:       req.ToCurrency,
		PercentageFee:    req.PercentageFee,
		FixedFeeMicros:   req.FixedFeeMicros,
		MinimumFeeMicros: req.MinimumFeeMicros,
		RateMarkup:       req.RateMarkup,
		MinAmountMicros:  req.MinAmountMicros,
		MaxAmountMicros:  req.MaxAmountMicros,
		Priority:         req.Priority,
	})
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, rule)
}

// List returns rules newest first.
func (h *FeeRuleHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	rules, err := h.svc.List(r.Context(), limit, offset)
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"fee_rules": rules})
}
