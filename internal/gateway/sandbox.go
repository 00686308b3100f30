package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Sandbox providers simulate the external rails for local development and
// demos. They are wired only when the configured environment is "sandbox";
// production wiring fails fast instead of falling back to them.

// SandboxSet bundles one simulated instance of every collaborator.
type SandboxSet struct {
	Rates         RateProvider
	Liquidity     LiquiditySource
	Beneficiaries BeneficiaryStore
	Registry      *Registry
}

// NewSandboxSet builds simulated providers and registers a rail and chain
// client for every supported network.
func NewSandboxSet(networks []string) *SandboxSet {
	reg := NewRegistry()
	chain := &sandboxChain{confirmations: make(map[string]int32)}
	rail := &sandboxRail{
		results: make(map[string]WithdrawalResult),
		tokens:  NewTokenSource(sandboxTokenRefresh, time.Minute),
	}
	for _, n := range networks {
		reg.RegisterRail(n, rail)
		reg.RegisterChain(n, chain)
	}
	return &SandboxSet{
		Rates:         &sandboxRates{},
		Liquidity:     &sandboxLiquidity{},
		Beneficiaries: &sandboxBeneficiaries{},
		Registry:      reg,
	}
}

type sandboxRates struct{}

// Quote returns static rates pinned against USD.
func (s *sandboxRates) Quote(ctx context.Context, from, to string) (Quote, error) {
	usd := map[string]float64{
		"USD":  1.0,
		"USDC": 1.0,
		"EUR":  0.92,
		"GBP":  0.79,
		"KES":  129.0,
		"NGN":  1530.0,
	}
	f, ok1 := usd[from]
	t, ok2 := usd[to]
	if !ok1 || !ok2 {
		return Quote{}, fmt.Errorf("no rate for %s/%s", from, to)
	}
	rate := decimal.NewFromFloat(t).Div(decimal.NewFromFloat(f))
	return Quote{
		Rate:        rate,
		InverseRate: decimal.NewFromInt(1).Div(rate),
		Timestamp:   time.Now(),
		Source:      "sandbox",
	}, nil
}

type sandboxLiquidity struct{}

// CheckBalance reports a deep pool for every asset.
func (s *sandboxLiquidity) CheckBalance(ctx context.Context, asset string) (int64, error) {
	return 1_000_000_000_000, nil
}

type sandboxRail struct {
	mu      sync.Mutex
	results map[string]WithdrawalResult
	tokens  *TokenSource
}

// sandboxTokenRefresh mints a short-lived fake credential, standing in for a
// provider's OAuth token endpoint.
func sandboxTokenRefresh(ctx context.Context) (Token, error) {
	return Token{
		Value:     "sbx-" + uuid.NewString(),
		ExpiresAt: time.Now().Add(15 * time.Minute),
	}, nil
}

// Withdraw acknowledges immediately and replays the original result when the
// same idempotency key is resubmitted.
func (s *sandboxRail) Withdraw(ctx context.Context, asset string, amountMicros int64, destinationAddress, idempotencyKey string) (WithdrawalResult, error) {
	if _, err := s.tokens.Get(ctx); err != nil {
		return WithdrawalResult{}, fmt.Errorf("rail auth: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok := s.results[idempotencyKey]; ok {
		return res, nil
	}
	res := WithdrawalResult{
		ExternalReference: fmt.Sprintf("SBX-%s-%s", time.Now().Format("20060102"), strings.ToUpper(uuid.NewString()[:8])),
		Status:            "accepted",
	}
	s.results[idempotencyKey] = res
	return res, nil
}

func (s *sandboxRail) CheckStatus(ctx context.Context, externalReference string) (string, error) {
	return "completed", nil
}

type sandboxChain struct {
	mu            sync.Mutex
	confirmations map[string]int32
}

func (s *sandboxChain) Broadcast(ctx context.Context, signedPayload []byte) (string, error) {
	txID := "0x" + strings.ReplaceAll(uuid.NewString(), "-", "")
	s.mu.Lock()
	s.confirmations[txID] = 0
	s.mu.Unlock()
	return txID, nil
}

// GetConfirmations advances depth by one block per poll.
func (s *sandboxChain) GetConfirmations(ctx context.Context, externalTxID string) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.confirmations[externalTxID]
	if !ok {
		return 0, fmt.Errorf("unknown transaction %s", externalTxID)
	}
	s.confirmations[externalTxID] = n + 1
	return n + 1, nil
}

type sandboxBeneficiaries struct{}

// Validate accepts any id and derives a deterministic settlement address.
func (s *sandboxBeneficiaries) Validate(ctx context.Context, beneficiaryID uuid.UUID) (Beneficiary, error) {
	return Beneficiary{
		ID:                 beneficiaryID,
		DestinationAddress: "0x" + strings.ReplaceAll(beneficiaryID.String(), "-", ""),
		Network:            "ethereum",
		IsActive:           true,
	}, nil
}
