package models

import (
	"encoding/json"
	"time"

	"github.com/adeyemio/fxrail/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wallet holds a business's balance in a single currency.
// TotalMicros == AvailableMicros + PendingMicros at all times.
type Wallet struct {
	ID              uuid.UUID  `json:"id"`
	BusinessID      uuid.UUID  `json:"business_id"`
	Currency        string     `json:"currency"`
	AvailableMicros int64      `json:"available_micros"`
	PendingMicros   int64      `json:"pending_micros"`
	TotalMicros     int64      `json:"total_micros"`
	IsActive        bool       `json:"is_active"`
	LastMovementAt  *time.Time `json:"last_movement_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// WalletMovement is one append-only ledger entry. Summing AmountMicros over a
// wallet's movements in sequence order reproduces its available balance.
type WalletMovement struct {
	ID                 uuid.UUID       `json:"id"`
	Seq                int64           `json:"seq"`
	WalletID           uuid.UUID       `json:"wallet_id"`
	AmountMicros       int64           `json:"amount_micros"` // signed
	BalanceAfterMicros int64           `json:"balance_after_micros"`
	TransferID         uuid.UUID       `json:"transfer_id"`
	ConversionID       *uuid.UUID      `json:"conversion_id,omitempty"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// Transfer is the logical unit the customer created: either an internal
// currency conversion or a cross-border payout settled over a stablecoin leg.
type Transfer struct {
	ID                 uuid.UUID        `json:"id"`
	Reference          string           `json:"reference"`
	BusinessID         uuid.UUID        `json:"business_id"`
	Type               string           `json:"type"`
	Status             string           `json:"status"`
	SourceCurrency     string           `json:"source_currency"`
	TargetCurrency     string           `json:"target_currency"`
	SourceAmountMicros int64            `json:"source_amount_micros"`
	TargetAmountMicros int64            `json:"target_amount_micros"`
	ExchangeRate       *decimal.Decimal `json:"exchange_rate,omitempty"`
	FeeMicros          int64            `json:"fee_micros"`
	SourceWalletID     uuid.UUID        `json:"source_wallet_id"`
	TargetWalletID     *uuid.UUID       `json:"target_wallet_id,omitempty"`
	BeneficiaryID      *uuid.UUID       `json:"beneficiary_id,omitempty"`
	ReversedTransferID *uuid.UUID       `json:"reversed_transfer_id,omitempty"`
	FailureReason      *string          `json:"failure_reason,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
}

// TimelineEvent is one ordered saga step outcome for a transfer.
type TimelineEvent struct {
	ID         int64           `json:"id"`
	TransferID uuid.UUID       `json:"transfer_id"`
	Step       string          `json:"step"`
	Status     string          `json:"status"`
	Message    string          `json:"message"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Settlement tracks the blockchain leg of one transfer. ExternalTxID is
// unique once assigned so the same broadcast is never tracked twice.
type Settlement struct {
	ID                uuid.UUID  `json:"id"`
	TransferID        uuid.UUID  `json:"transfer_id"`
	Network           string     `json:"network"`
	Asset             string     `json:"asset"`
	AmountMicros      int64      `json:"amount_micros"`
	FromAddress       string     `json:"from_address"`
	ToAddress         string     `json:"to_address"`
	ExternalTxID      *string    `json:"external_tx_id,omitempty"`
	Status            string     `json:"status"`
	ConfirmationCount int32      `json:"confirmation_count"`
	CheckCount        int32      `json:"check_count"`
	RetryCount        int32      `json:"retry_count"`
	LastCheckedAt     *time.Time `json:"last_checked_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// FeeRule is an admin-written fee configuration for a currency pair.
// Either side may be the wildcard marker "*".
type FeeRule struct {
	ID               uuid.UUID       `json:"id"`
	FromCurrency     string          `json:"from_currency"`
	ToCurrency       string          `json:"to_currency"`
	PercentageFee    decimal.Decimal `json:"percentage_fee"`
	FixedFeeMicros   int64           `json:"fixed_fee_micros"`
	MinimumFeeMicros int64           `json:"minimum_fee_micros"`
	RateMarkup       decimal.Decimal `json:"rate_markup"`
	MinAmountMicros  int64           `json:"min_amount_micros"`
	MaxAmountMicros  int64           `json:"max_amount_micros"`
	Priority         int32           `json:"priority"`
	IsActive         bool            `json:"is_active"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Terms extracts the pure pricing parameters from a rule. A nil rule yields
// the zero-fee default.
func (r *FeeRule) Terms() domain.FeeTerms {
	if r == nil {
		return domain.FeeTerms{}
	}
	return domain.FeeTerms{
		PercentageFee:    r.PercentageFee,
		FixedFeeMicros:   r.FixedFeeMicros,
		MinimumFeeMicros: r.MinimumFeeMicros,
		RateMarkup:       r.RateMarkup,
		MinAmountMicros:  r.MinAmountMicros,
		MaxAmountMicros:  r.MaxAmountMicros,
	}
}
