package domain

// Transfer types
const (
	TransferTypeConversion = "conversion"
	TransferTypePayout     = "cross_border_payout"
	TransferTypeReversal   = "reversal"
)

// Transfer statuses
const (
	TransferStatusPending      = "PENDING"
	TransferStatusProcessing   = "PROCESSING"
	TransferStatusCompleted    = "COMPLETED"
	TransferStatusFailed       = "FAILED"
	TransferStatusReversed     = "REVERSED"
	TransferStatusManualReview = "MANUAL_REVIEW"
)

// Saga steps, in execution order for a cross-border payout.
// Conversions run the subset INITIATED, SOURCE_DEBITED, RATE_AND_FEE_PRICED,
// TARGET_CREDITED, COMPLETED.
const (
	StepInitiated            = "INITIATED"
	StepBeneficiaryValidated = "BENEFICIARY_VALIDATED"
	StepSourceDebited        = "SOURCE_DEBITED"
	StepRateAndFeePriced     = "RATE_AND_FEE_PRICED"
	StepSourceLiquidity      = "SOURCE_LIQUIDITY_CONFIRMED"
	StepSettlementLiquidity  = "SETTLEMENT_ASSET_LIQUIDITY_CONFIRMED"
	StepExternalWithdrawal   = "EXTERNAL_WITHDRAWAL_SENT"
	StepChainBroadcast       = "CHAIN_TRANSFER_BROADCAST"
	StepChainConfirmed       = "CHAIN_CONFIRMED"
	StepTargetCredited       = "TARGET_CREDITED"
	StepCompleted            = "COMPLETED"
	StepRollbackSourceCredit = "ROLLBACK_SOURCE_CREDITED"
	StepRollbackCompleted    = "ROLLBACK_COMPLETED"
	StepRollbackFailed       = "ROLLBACK_FAILED"
)

// Timeline event statuses
const (
	EventStatusSuccess = "success"
	EventStatusFailed  = "failed"
	EventStatusPending = "pending"
)

// External settlement statuses
const (
	SettlementStatusPending   = "PENDING"
	SettlementStatusConfirmed = "CONFIRMED"
	SettlementStatusFailed    = "FAILED"
)

// Wildcard marks a fee rule side that matches any currency.
const Wildcard = "*"

// SettlementAsset is the stablecoin every cross-border payout settles through.
const SettlementAsset = "USDC"

// Supported settlement networks.
const (
	NetworkEthereum = "ethereum"
	NetworkTron     = "tron"
	NetworkStellar  = "stellar"
)

var supportedCurrencies = map[string]struct{}{
	"USD":  {},
	"EUR":  {},
	"GBP":  {},
	"KES":  {},
	"NGN":  {},
	"USDC": {},
}

// IsSupportedCurrency reports whether wallets may be denominated in c.
func IsSupportedCurrency(c string) bool {
	_, ok := supportedCurrencies[c]
	return ok
}
