package models

import "errors"

// Sentinel errors for the funds-movement core. Errors raised before the
// source wallet is debited surface synchronously to the caller; everything
// after the debit is absorbed by the saga and reported through the transfer
// status and timeline.
var (
	ErrValidation           = errors.New("validation error")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrBeneficiaryInactive  = errors.New("beneficiary inactive")
	ErrRateUnavailable      = errors.New("exchange rate unavailable")
	ErrLiquidityUnavailable = errors.New("liquidity unavailable")
	ErrExternalProvider     = errors.New("external provider error")
	ErrChainBroadcast       = errors.New("chain broadcast failed")
	ErrChainTimeout         = errors.New("chain confirmation timed out")
	ErrRollbackFailed       = errors.New("rollback failed, manual intervention required")

	ErrWalletNotFound   = errors.New("wallet not found")
	ErrTransferNotFound = errors.New("transfer not found")
	ErrFeeRuleNotFound  = errors.New("fee rule not found")
)

// IsRetryable reports whether an external-call failure is worth retrying
// with backoff. Everything else goes straight to compensation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLiquidityUnavailable) || errors.Is(err, ErrExternalProvider)
}
