// Package gateway defines the external collaborators the transfer saga
// depends on. Concrete rail and chain adapters live behind these interfaces;
// the orchestrator never sees a provider-specific type.
package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Quote is a market rate snapshot for one currency pair.
type Quote struct {
	Rate        decimal.Decimal
	InverseRate decimal.Decimal
	Timestamp   time.Time
	Source      string
}

// RateProvider quotes market exchange rates.
type RateProvider interface {
	Quote(ctx context.Context, from, to string) (Quote, error)
}

// LiquiditySource reports how much of an asset a funding source holds.
type LiquiditySource interface {
	CheckBalance(ctx context.Context, asset string) (int64, error)
}

// WithdrawalResult is the rail's acknowledgement of a withdrawal request.
type WithdrawalResult struct {
	ExternalReference string
	Status            string
}

// SettlementRail moves value off-platform. Withdraw must be idempotent on
// idempotencyKey: resubmitting the same key returns the original result.
type SettlementRail interface {
	Withdraw(ctx context.Context, asset string, amountMicros int64, destinationAddress, idempotencyKey string) (WithdrawalResult, error)
	CheckStatus(ctx context.Context, externalReference string) (string, error)
}

// ChainClient broadcasts signed transfers and reports confirmation depth.
type ChainClient interface {
	Broadcast(ctx context.Context, signedPayload []byte) (string, error)
	GetConfirmations(ctx context.Context, externalTxID string) (int32, error)
}

// Beneficiary is the resolved destination for a cross-border payout.
type Beneficiary struct {
	ID                 uuid.UUID
	DestinationAddress string
	Network            string
	IsActive           bool
}

// BeneficiaryStore resolves and validates saved payout destinations.
type BeneficiaryStore interface {
	Validate(ctx context.Context, beneficiaryID uuid.UUID) (Beneficiary, error)
}
