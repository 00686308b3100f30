package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adeyemio/fxrail/internal/domain"
	"github.com/adeyemio/fxrail/internal/gateway"
	"github.com/adeyemio/fxrail/internal/models"
	"github.com/adeyemio/fxrail/internal/observability"
	"github.com/adeyemio/fxrail/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TransferService orchestrates the funds-movement saga. A transfer is either
// an internal conversion, completed synchronously inside the saga goroutine,
// or a cross-border payout that hands off to the confirmation tracker after
// the chain broadcast.
//
// The contract with callers: anything that fails before the source debit is
// a synchronous error with zero persisted rows; from the debit onward every
// failure is compensated, never silently dropped.
type TransferService struct {
	store         QueryStore
	ledger        *LedgerService
	timeline      *TimelineService
	feeRules      *FeeRuleService
	settlements   *SettlementService
	rates         gateway.RateProvider
	liquidity     gateway.LiquiditySource
	beneficiaries gateway.BeneficiaryStore
	registry      *gateway.Registry

	retry       RetryPolicy
	sagaTimeout time.Duration
	wg          sync.WaitGroup
}

type TransferServiceDeps struct {
	Store         QueryStore
	Ledger        *LedgerService
	Timeline      *TimelineService
	FeeRules      *FeeRuleService
	Settlements   *SettlementService
	Rates         gateway.RateProvider
	Liquidity     gateway.LiquiditySource
	Beneficiaries gateway.BeneficiaryStore
	Registry      *gateway.Registry
	Retry         RetryPolicy
	SagaTimeout   time.Duration
}

func NewTransferService(deps TransferServiceDeps) *TransferService {
	if deps.SagaTimeout <= 0 {
		deps.SagaTimeout = 2 * time.Minute
	}
	if deps.Retry.MaxAttempts <= 0 {
		deps.Retry = DefaultRetryPolicy()
	}
	return &TransferService{
		store:         deps.Store,
		ledger:        deps.Ledger,
		timeline:      deps.Timeline,
		feeRules:      deps.FeeRules,
		settlements:   deps.Settlements,
		rates:         deps.Rates,
		liquidity:     deps.Liquidity,
		beneficiaries: deps.Beneficiaries,
		registry:      deps.Registry,
		retry:         deps.Retry,
		sagaTimeout:   deps.SagaTimeout,
	}
}

// Drain blocks until every in-flight saga goroutine has finished. Called on
// shutdown after the HTTP listener stops accepting work.
func (s *TransferService) Drain() {
	s.wg.Wait()
}

// CreateTransferRequest is the validated service-level input. A request with
// a beneficiary is a cross-border payout; one without is an internal
// conversion between the business's own wallets.
type CreateTransferRequest struct {
	BusinessID     uuid.UUID
	SourceCurrency string
	TargetCurrency string
	AmountMicros   int64
	BeneficiaryID  *uuid.UUID
}

func (r CreateTransferRequest) validate() error {
	if r.BusinessID == uuid.Nil {
		return fmt.Errorf("%w: business_id is required", models.ErrValidation)
	}
	if r.AmountMicros <= 0 {
		return fmt.Errorf("%w: amount must be positive", models.ErrValidation)
	}
	if !domain.IsSupportedCurrency(r.SourceCurrency) {
		return fmt.Errorf("%w: unsupported source currency %q", models.ErrValidation, r.SourceCurrency)
	}
	if !domain.IsSupportedCurrency(r.TargetCurrency) {
		return fmt.Errorf("%w: unsupported target currency %q", models.ErrValidation, r.TargetCurrency)
	}
	if r.BeneficiaryID == nil && r.SourceCurrency == r.TargetCurrency {
		return fmt.Errorf("%w: conversion requires distinct currencies", models.ErrValidation)
	}
	return nil
}

// CreateTransfer validates the request, debits the source wallet and starts
// the saga. It returns as soon as the transfer is committed to PROCESSING;
// callers follow progress through the timeline.
func (s *TransferService) CreateTransfer(ctx context.Context, req CreateTransferRequest) (*models.Transfer, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	transferType := domain.TransferTypeConversion
	var beneficiary *gateway.Beneficiary
	if req.BeneficiaryID != nil {
		transferType = domain.TransferTypePayout
		b, err := s.beneficiaries.Validate(ctx, *req.BeneficiaryID)
		if err != nil {
			return nil, fmt.Errorf("validate beneficiary: %w", err)
		}
		if !b.IsActive {
			return nil, models.ErrBeneficiaryInactive
		}
		beneficiary = &b
	}

	sourceWallet, err := s.store.Queries().GetWalletByBusinessCurrency(ctx, req.BusinessID, req.SourceCurrency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrWalletNotFound
		}
		return nil, fmt.Errorf("get source wallet: %w", err)
	}

	transferID := uuid.New()
	reference := newReference()

	// Insert, initial events and the debit share one transaction: a rejected
	// debit rolls every row back, so pre-debit failures leave no trace.
	err = s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		if err := qtx.InsertTransfer(ctx, repository.InsertTransferParams{
			ID:                 transferID,
			Reference:          reference,
			BusinessID:         req.BusinessID,
			Type:               transferType,
			Status:             domain.TransferStatusPending,
			SourceCurrency:     req.SourceCurrency,
			TargetCurrency:     req.TargetCurrency,
			SourceAmountMicros: req.AmountMicros,
			SourceWalletID:     sourceWallet.ID,
			BeneficiaryID:      req.BeneficiaryID,
		}); err != nil {
			return fmt.Errorf("insert transfer: %w", err)
		}
		if err := s.timeline.Append(ctx, qtx, transferID, domain.StepInitiated, domain.EventStatusSuccess,
			fmt.Sprintf("%s %s initiated", transferType, reference), nil); err != nil {
			return err
		}
		if beneficiary != nil {
			if err := s.timeline.Append(ctx, qtx, transferID, domain.StepBeneficiaryValidated, domain.EventStatusSuccess,
				"beneficiary active", map[string]any{
					"beneficiary_id": beneficiary.ID.String(),
					"network":        beneficiary.Network,
				}); err != nil {
				return err
			}
		}
		if _, err := s.ledger.Debit(ctx, qtx, sourceWallet.ID, req.AmountMicros, transferID,
			map[string]any{"reason": "transfer_debit"}); err != nil {
			return err
		}
		if err := s.timeline.Append(ctx, qtx, transferID, domain.StepSourceDebited, domain.EventStatusSuccess,
			fmt.Sprintf("debited %s", domain.NewMoney(req.AmountMicros, req.SourceCurrency)), nil); err != nil {
			return err
		}
		return transitionTransferState(ctx, qtx, transferID, domain.TransferStatusProcessing, nil)
	})
	if err != nil {
		return nil, err
	}

	transfer, err := s.store.Queries().GetTransfer(ctx, transferID)
	if err != nil {
		return nil, fmt.Errorf("reload transfer: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sagaCtx, cancel := context.WithTimeout(context.Background(), s.sagaTimeout)
		defer cancel()
		s.runSaga(sagaCtx, transfer, beneficiary)
	}()

	return &transfer, nil
}

// GetTransfer returns the current transfer snapshot.
func (s *TransferService) GetTransfer(ctx context.Context, id uuid.UUID) (*models.Transfer, error) {
	transfer, err := s.store.Queries().GetTransfer(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrTransferNotFound
		}
		return nil, fmt.Errorf("get transfer: %w", err)
	}
	return &transfer, nil
}

// GetTransferByReference resolves a transfer by its customer-facing
// reference.
func (s *TransferService) GetTransferByReference(ctx context.Context, reference string) (*models.Transfer, error) {
	transfer, err := s.store.Queries().GetTransferByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrTransferNotFound
		}
		return nil, fmt.Errorf("get transfer by reference: %w", err)
	}
	return &transfer, nil
}

// GetTimeline returns the ordered saga trace for a transfer.
func (s *TransferService) GetTimeline(ctx context.Context, id uuid.UUID) ([]models.TimelineEvent, error) {
	if _, err := s.GetTransfer(ctx, id); err != nil {
		return nil, err
	}
	return s.timeline.Read(ctx, id)
}

// ListManualReview returns transfers parked for operator action and refreshes
// the queue-size gauge.
func (s *TransferService) ListManualReview(ctx context.Context, limit, offset int32) ([]models.Transfer, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	transfers, err := s.store.Queries().ListTransfersByStatus(ctx, domain.TransferStatusManualReview, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list manual review transfers: %w", err)
	}
	observability.SetManualReviewQueueSize(int64(len(transfers)))
	return transfers, nil
}

// ---- saga execution ----

type sagaState struct {
	transfer    models.Transfer
	beneficiary *gateway.Beneficiary
	// settlementAmountMicros is the stablecoin amount for the chain leg.
	// Zero means not yet priced; steps recompute it after a resume.
	settlementAmountMicros int64
}

type sagaStep struct {
	name string
	run  func(ctx context.Context, state *sagaState) error
}

func (s *TransferService) conversionSteps() []sagaStep {
	return []sagaStep{
		{domain.StepRateAndFeePriced, s.stepPrice},
		{domain.StepTargetCredited, s.stepCreditTargetAndComplete},
	}
}

func (s *TransferService) payoutSteps() []sagaStep {
	return []sagaStep{
		{domain.StepRateAndFeePriced, s.stepPrice},
		{domain.StepSourceLiquidity, s.stepSourceLiquidity},
		{domain.StepSettlementLiquidity, s.stepSettlementLiquidity},
		{domain.StepExternalWithdrawal, s.stepWithdraw},
		{domain.StepChainBroadcast, s.stepBroadcast},
	}
}

// runSaga drives the remaining steps for a transfer already committed past
// the source debit. Resume-safe: it skips steps the timeline already records
// as succeeded, so a crashed saga picks up where it stopped.
func (s *TransferService) runSaga(ctx context.Context, transfer models.Transfer, beneficiary *gateway.Beneficiary) {
	state := &sagaState{transfer: transfer, beneficiary: beneficiary}

	steps := s.conversionSteps()
	if transfer.Type == domain.TransferTypePayout {
		steps = s.payoutSteps()
	}

	lastStep, err := s.store.Queries().LastTimelineStep(ctx, transfer.ID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		zap.L().Error("saga could not read timeline position", zap.Error(err),
			zap.String("transfer_id", transfer.ID.String()))
		return
	}
	start := 0
	for i, step := range steps {
		if step.name == lastStep {
			start = i + 1
		}
	}

	for _, step := range steps[start:] {
		if err := step.run(ctx, state); err != nil {
			zap.L().Warn("saga step failed",
				zap.String("transfer_id", transfer.ID.String()),
				zap.String("step", step.name),
				zap.Error(err))
			s.recordStepFailure(ctx, transfer.ID, step.name, err)
			s.compensate(ctx, state.transfer, err.Error())
			return
		}
	}
}

func (s *TransferService) recordStepFailure(ctx context.Context, transferID uuid.UUID, step string, cause error) {
	err := s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		return s.timeline.Append(ctx, qtx, transferID, step, domain.EventStatusFailed, cause.Error(), nil)
	})
	if err != nil {
		zap.L().Error("record step failure event", zap.Error(err),
			zap.String("transfer_id", transferID.String()), zap.String("step", step))
	}
}

// stepPrice quotes the market rate, matches the fee rule and persists the
// pricing outcome. Rate unavailability is non-retryable and goes straight to
// compensation.
func (s *TransferService) stepPrice(ctx context.Context, state *sagaState) error {
	transfer := state.transfer

	var quote gateway.Quote
	err := withRetry(ctx, s.retry, "rate_quote", func() error {
		var qerr error
		quote, qerr = s.rates.Quote(ctx, transfer.SourceCurrency, transfer.TargetCurrency)
		return qerr
	})
	if err != nil {
		return fmt.Errorf("%w: %s/%s: %v", models.ErrRateUnavailable, transfer.SourceCurrency, transfer.TargetCurrency, err)
	}

	rule, err := s.feeRules.Match(ctx, transfer.SourceCurrency, transfer.TargetCurrency)
	if err != nil {
		return err
	}
	terms := rule.Terms()
	if err := domain.ValidateRuleBounds(transfer.SourceAmountMicros, terms); err != nil {
		return err
	}
	breakdown := domain.PriceConversion(transfer.SourceAmountMicros, quote.Rate, terms)
	targetMicros := domain.SettleAmount(transfer.SourceAmountMicros, breakdown.EffectiveRate, breakdown.AppliedFeeMicros)

	err = s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		rows, err := qtx.SetTransferPricing(ctx, repository.SetTransferPricingParams{
			TargetAmountMicros: targetMicros,
			ExchangeRate:       breakdown.EffectiveRate,
			FeeMicros:          breakdown.AppliedFeeMicros,
			ID:                 transfer.ID,
		})
		if err != nil {
			return fmt.Errorf("set transfer pricing: %w", err)
		}
		if err := requireExactlyOne(rows, "set transfer pricing"); err != nil {
			return err
		}
		return s.timeline.Append(ctx, qtx, transfer.ID, domain.StepRateAndFeePriced, domain.EventStatusSuccess,
			"rate and fees applied", map[string]any{
				"market_rate":    quote.Rate.String(),
				"effective_rate": breakdown.EffectiveRate.String(),
				"rate_source":    quote.Source,
				"applied_fee":    breakdown.AppliedFeeMicros,
				"percentage_fee": breakdown.PercentageFeeMicros,
				"fixed_fee":      breakdown.FixedFeeMicros,
				"minimum_fee":    breakdown.MinimumFeeMicros,
				"target_amount":  targetMicros,
			})
	})
	if err != nil {
		return err
	}

	rate := breakdown.EffectiveRate
	state.transfer.TargetAmountMicros = targetMicros
	state.transfer.ExchangeRate = &rate
	state.transfer.FeeMicros = breakdown.AppliedFeeMicros
	return nil
}

// stepCreditTargetAndComplete finishes an internal conversion: credit the
// business's target-currency wallet and mark the transfer completed, all in
// one transaction.
func (s *TransferService) stepCreditTargetAndComplete(ctx context.Context, state *sagaState) error {
	transfer, err := s.reloadPricing(ctx, state)
	if err != nil {
		return err
	}

	targetWallet, err := s.ledger.GetOrCreate(ctx, transfer.BusinessID, transfer.TargetCurrency)
	if err != nil {
		return err
	}

	return s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		rows, err := qtx.SetTransferTargetWallet(ctx, targetWallet.ID, transfer.ID)
		if err != nil {
			return fmt.Errorf("set target wallet: %w", err)
		}
		if err := requireExactlyOne(rows, "set target wallet"); err != nil {
			return err
		}
		if _, err := s.ledger.Credit(ctx, qtx, targetWallet.ID, transfer.TargetAmountMicros, transfer.ID,
			map[string]any{"reason": "conversion_credit"}); err != nil {
			return err
		}
		if err := s.timeline.Append(ctx, qtx, transfer.ID, domain.StepTargetCredited, domain.EventStatusSuccess,
			fmt.Sprintf("credited %s", domain.NewMoney(transfer.TargetAmountMicros, transfer.TargetCurrency)), nil); err != nil {
			return err
		}
		if err := transitionTransferState(ctx, qtx, transfer.ID, domain.TransferStatusCompleted, nil); err != nil {
			return err
		}
		return s.timeline.Append(ctx, qtx, transfer.ID, domain.StepCompleted, domain.EventStatusSuccess,
			"transfer completed", nil)
	})
}

func (s *TransferService) stepSourceLiquidity(ctx context.Context, state *sagaState) error {
	transfer := state.transfer
	err := withRetry(ctx, s.retry, "source_liquidity", func() error {
		available, err := s.liquidity.CheckBalance(ctx, transfer.SourceCurrency)
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrLiquidityUnavailable, err)
		}
		if available < transfer.SourceAmountMicros {
			return fmt.Errorf("%w: %s pool holds %d, need %d",
				models.ErrLiquidityUnavailable, transfer.SourceCurrency, available, transfer.SourceAmountMicros)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.appendSuccess(ctx, transfer.ID, domain.StepSourceLiquidity,
		fmt.Sprintf("%s liquidity confirmed", transfer.SourceCurrency), nil)
}

// stepSettlementLiquidity prices the stablecoin leg and confirms the
// settlement pool can cover it.
func (s *TransferService) stepSettlementLiquidity(ctx context.Context, state *sagaState) error {
	transfer, err := s.reloadPricing(ctx, state)
	if err != nil {
		return err
	}

	amount, err := s.settlementAmount(ctx, transfer)
	if err != nil {
		return err
	}
	state.settlementAmountMicros = amount

	err = withRetry(ctx, s.retry, "settlement_liquidity", func() error {
		available, err := s.liquidity.CheckBalance(ctx, domain.SettlementAsset)
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrLiquidityUnavailable, err)
		}
		if available < amount {
			return fmt.Errorf("%w: %s pool holds %d, need %d",
				models.ErrLiquidityUnavailable, domain.SettlementAsset, available, amount)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.appendSuccess(ctx, transfer.ID, domain.StepSettlementLiquidity,
		fmt.Sprintf("%s liquidity confirmed", domain.SettlementAsset),
		map[string]any{"settlement_amount": amount})
}

// stepWithdraw asks the settlement rail to move the stablecoin leg. The call
// is keyed by the transfer reference, and the settlement record created here
// makes a resumed saga reuse the original request instead of paying twice.
func (s *TransferService) stepWithdraw(ctx context.Context, state *sagaState) error {
	transfer := state.transfer
	if state.beneficiary == nil {
		return fmt.Errorf("%w: payout transfer %s has no beneficiary", models.ErrValidation, transfer.ID)
	}
	beneficiary := *state.beneficiary

	amount := state.settlementAmountMicros
	if amount == 0 {
		reloaded, err := s.reloadPricing(ctx, state)
		if err != nil {
			return err
		}
		amount, err = s.settlementAmount(ctx, reloaded)
		if err != nil {
			return err
		}
		state.settlementAmountMicros = amount
	}

	settlement, err := s.settlements.EnsureForTransfer(ctx, transfer.ID, beneficiary.Network,
		domain.SettlementAsset, amount, treasuryAddress(beneficiary.Network), beneficiary.DestinationAddress)
	if err != nil {
		return err
	}
	if settlement.ExternalTxID != nil {
		// Withdrawal and broadcast already happened in a previous attempt.
		return nil
	}

	rail, err := s.registry.Rail(beneficiary.Network)
	if err != nil {
		return err
	}

	var result gateway.WithdrawalResult
	err = withRetry(ctx, s.retry, "rail_withdraw", func() error {
		var werr error
		result, werr = rail.Withdraw(ctx, domain.SettlementAsset, settlement.AmountMicros,
			beneficiary.DestinationAddress, transfer.Reference)
		if werr != nil {
			return fmt.Errorf("%w: %v", models.ErrExternalProvider, werr)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return s.appendSuccess(ctx, transfer.ID, domain.StepExternalWithdrawal,
		fmt.Sprintf("withdrawal accepted by %s rail", beneficiary.Network),
		map[string]any{
			"external_reference": result.ExternalReference,
			"rail_status":        result.Status,
			"settlement_amount":  settlement.AmountMicros,
		})
}

// stepBroadcast pushes the settlement onto the chain and leaves the transfer
// in PROCESSING for the confirmation tracker. A settlement that already
// carries a tx id is reused, never re-broadcast.
func (s *TransferService) stepBroadcast(ctx context.Context, state *sagaState) error {
	transfer := state.transfer

	settlement, err := s.settlements.GetByTransfer(ctx, transfer.ID)
	if err != nil {
		return err
	}
	if settlement == nil {
		return fmt.Errorf("%w: settlement record missing before broadcast", models.ErrChainBroadcast)
	}

	if settlement.ExternalTxID == nil {
		chain, err := s.registry.Chain(settlement.Network)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(map[string]any{
			"reference":     transfer.Reference,
			"asset":         settlement.Asset,
			"amount_micros": settlement.AmountMicros,
			"to":            settlement.ToAddress,
		})
		if err != nil {
			return fmt.Errorf("encode broadcast payload: %w", err)
		}

		var txID string
		err = withRetry(ctx, s.retry, "chain_broadcast", func() error {
			var berr error
			txID, berr = chain.Broadcast(ctx, payload)
			if berr != nil {
				return fmt.Errorf("%w: %v", models.ErrExternalProvider, berr)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrChainBroadcast, err)
		}
		if err := s.settlements.MarkBroadcast(ctx, settlement.ID, txID); err != nil {
			return err
		}
		settlement.ExternalTxID = &txID
	}

	return s.appendSuccess(ctx, transfer.ID, domain.StepChainBroadcast,
		fmt.Sprintf("broadcast on %s", settlement.Network),
		map[string]any{"external_tx_id": *settlement.ExternalTxID})
}

// ---- settlement hooks ----

// CompleteFromSettlement is invoked by the confirmation tracker once the
// chain leg is final: it records CHAIN_CONFIRMED, credits the target wallet
// and completes the transfer. Idempotent via the status transition guard.
func (s *TransferService) CompleteFromSettlement(ctx context.Context, transferID uuid.UUID) error {
	transfer, err := s.GetTransfer(ctx, transferID)
	if err != nil {
		return err
	}
	if transfer.Status != domain.TransferStatusProcessing {
		return nil
	}

	targetWallet, err := s.ledger.GetOrCreate(ctx, transfer.BusinessID, transfer.TargetCurrency)
	if err != nil {
		return err
	}

	return s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		if err := transitionTransferState(ctx, qtx, transfer.ID, domain.TransferStatusCompleted, nil); err != nil {
			return err
		}
		if err := s.timeline.Append(ctx, qtx, transfer.ID, domain.StepChainConfirmed, domain.EventStatusSuccess,
			"settlement reached confirmation threshold", nil); err != nil {
			return err
		}
		rows, err := qtx.SetTransferTargetWallet(ctx, targetWallet.ID, transfer.ID)
		if err != nil {
			return fmt.Errorf("set target wallet: %w", err)
		}
		if err := requireExactlyOne(rows, "set target wallet"); err != nil {
			return err
		}
		if _, err := s.ledger.Credit(ctx, qtx, targetWallet.ID, transfer.TargetAmountMicros, transfer.ID,
			map[string]any{"reason": "payout_settled"}); err != nil {
			return err
		}
		if err := s.timeline.Append(ctx, qtx, transfer.ID, domain.StepTargetCredited, domain.EventStatusSuccess,
			fmt.Sprintf("credited %s", domain.NewMoney(transfer.TargetAmountMicros, transfer.TargetCurrency)), nil); err != nil {
			return err
		}
		return s.timeline.Append(ctx, qtx, transfer.ID, domain.StepCompleted, domain.EventStatusSuccess,
			"transfer completed", nil)
	})
}

// FailFromSettlement is the tracker's terminal-failure hook: record the
// failed confirmation and run compensation.
func (s *TransferService) FailFromSettlement(ctx context.Context, transferID uuid.UUID, cause error) error {
	transfer, err := s.GetTransfer(ctx, transferID)
	if err != nil {
		return err
	}
	if transfer.Status != domain.TransferStatusProcessing {
		return nil
	}
	s.recordStepFailure(ctx, transfer.ID, domain.StepChainConfirmed, cause)
	s.compensate(ctx, *transfer, cause.Error())
	return nil
}

// ---- compensation ----

// compensate unwinds a transfer past the source debit: credit the debited
// amount back, mark the transfer FAILED and close the rollback on the
// timeline. The status transition runs first under the row lock, so a
// concurrent or repeated compensation is a no-op rather than a double
// credit. A failed compensation parks the transfer in MANUAL_REVIEW.
func (s *TransferService) compensate(ctx context.Context, transfer models.Transfer, reason string) {
	err := s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		if err := transitionTransferState(ctx, qtx, transfer.ID, domain.TransferStatusFailed, &reason); err != nil {
			return err
		}
		if _, err := s.ledger.Credit(ctx, qtx, transfer.SourceWalletID, transfer.SourceAmountMicros, transfer.ID,
			map[string]any{"reason": "rollback_credit"}); err != nil {
			return err
		}
		if err := s.timeline.Append(ctx, qtx, transfer.ID, domain.StepRollbackSourceCredit, domain.EventStatusSuccess,
			fmt.Sprintf("credited back %s", domain.NewMoney(transfer.SourceAmountMicros, transfer.SourceCurrency)), nil); err != nil {
			return err
		}
		return s.timeline.Append(ctx, qtx, transfer.ID, domain.StepRollbackCompleted, domain.EventStatusSuccess,
			reason, nil)
	})
	if err == nil {
		observability.IncrementRollback("completed")
		return
	}
	if isInvalidTransition(err) {
		// Already terminal; someone else compensated or completed it.
		return
	}

	zap.L().Error("compensation failed, parking transfer for manual review",
		zap.Error(err),
		zap.String("transfer_id", transfer.ID.String()))
	observability.IncrementRollback("failed")

	parkErr := s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		failure := fmt.Sprintf("%v: %v (original failure: %s)", models.ErrRollbackFailed, err, reason)
		if err := transitionTransferState(ctx, qtx, transfer.ID, domain.TransferStatusManualReview, &failure); err != nil {
			return err
		}
		return s.timeline.Append(ctx, qtx, transfer.ID, domain.StepRollbackFailed, domain.EventStatusFailed,
			failure, nil)
	})
	if parkErr != nil {
		zap.L().Error("could not park transfer in manual review",
			zap.Error(parkErr),
			zap.String("transfer_id", transfer.ID.String()))
	}
}

// ---- reversal ----

// ReverseConversion undoes a completed internal conversion: the credited
// target amount moves back out and the full original source amount,
// including the fee, returns to the source wallet. The reversal is itself a
// transfer, linked through reversed_transfer_id, and runs synchronously
// because both wallets are internal.
func (s *TransferService) ReverseConversion(ctx context.Context, transferID uuid.UUID) (*models.Transfer, error) {
	original, err := s.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if original.Type != domain.TransferTypeConversion {
		return nil, fmt.Errorf("%w: only conversions can be reversed", models.ErrValidation)
	}
	if original.Status != domain.TransferStatusCompleted {
		return nil, fmt.Errorf("%w: transfer is %s, only completed transfers can be reversed",
			models.ErrValidation, original.Status)
	}
	if original.TargetWalletID == nil {
		return nil, fmt.Errorf("%w: conversion has no target wallet", models.ErrValidation)
	}

	reversalID := uuid.New()
	reference := newReference()

	err = s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		// Lock and flip the original first so two concurrent reversal
		// requests cannot both pass the status check.
		if err := transitionTransferState(ctx, qtx, original.ID, domain.TransferStatusReversed, nil); err != nil {
			return err
		}

		if err := qtx.InsertTransfer(ctx, repository.InsertTransferParams{
			ID:                 reversalID,
			Reference:          reference,
			BusinessID:         original.BusinessID,
			Type:               domain.TransferTypeReversal,
			Status:             domain.TransferStatusPending,
			SourceCurrency:     original.TargetCurrency,
			TargetCurrency:     original.SourceCurrency,
			SourceAmountMicros: original.TargetAmountMicros,
			SourceWalletID:     *original.TargetWalletID,
			ReversedTransferID: &original.ID,
		}); err != nil {
			return fmt.Errorf("insert reversal transfer: %w", err)
		}
		if err := s.timeline.Append(ctx, qtx, reversalID, domain.StepInitiated, domain.EventStatusSuccess,
			fmt.Sprintf("reversal of %s", original.Reference),
			map[string]any{"reversed_transfer_id": original.ID.String()}); err != nil {
			return err
		}

		if _, err := s.ledger.Debit(ctx, qtx, *original.TargetWalletID, original.TargetAmountMicros, reversalID,
			map[string]any{"reason": "reversal_debit"}); err != nil {
			return err
		}
		if err := s.timeline.Append(ctx, qtx, reversalID, domain.StepSourceDebited, domain.EventStatusSuccess,
			fmt.Sprintf("debited %s", domain.NewMoney(original.TargetAmountMicros, original.TargetCurrency)), nil); err != nil {
			return err
		}
		if err := transitionTransferState(ctx, qtx, reversalID, domain.TransferStatusProcessing, nil); err != nil {
			return err
		}

		var inverseRate decimal.Decimal
		if original.ExchangeRate != nil && !original.ExchangeRate.IsZero() {
			inverseRate = decimal.NewFromInt(1).DivRound(*original.ExchangeRate, 12)
		}
		rows, err := qtx.SetTransferPricing(ctx, repository.SetTransferPricingParams{
			TargetAmountMicros: original.SourceAmountMicros,
			ExchangeRate:       inverseRate,
			FeeMicros:          0,
			ID:                 reversalID,
		})
		if err != nil {
			return fmt.Errorf("set reversal pricing: %w", err)
		}
		if err := requireExactlyOne(rows, "set reversal pricing"); err != nil {
			return err
		}

		rows, err = qtx.SetTransferTargetWallet(ctx, original.SourceWalletID, reversalID)
		if err != nil {
			return fmt.Errorf("set reversal target wallet: %w", err)
		}
		if err := requireExactlyOne(rows, "set reversal target wallet"); err != nil {
			return err
		}
		if _, err := s.ledger.Credit(ctx, qtx, original.SourceWalletID, original.SourceAmountMicros, reversalID,
			map[string]any{"reason": "reversal_credit"}); err != nil {
			return err
		}
		if err := s.timeline.Append(ctx, qtx, reversalID, domain.StepTargetCredited, domain.EventStatusSuccess,
			fmt.Sprintf("credited %s", domain.NewMoney(original.SourceAmountMicros, original.SourceCurrency)), nil); err != nil {
			return err
		}
		if err := transitionTransferState(ctx, qtx, reversalID, domain.TransferStatusCompleted, nil); err != nil {
			return err
		}
		return s.timeline.Append(ctx, qtx, reversalID, domain.StepCompleted, domain.EventStatusSuccess,
			"reversal completed", nil)
	})
	if err != nil {
		return nil, err
	}

	reversal, err := s.store.Queries().GetTransfer(ctx, reversalID)
	if err != nil {
		return nil, fmt.Errorf("reload reversal: %w", err)
	}
	return &reversal, nil
}

// ---- crash recovery ----

// RecoverStale re-drives payout transfers that sat in PROCESSING with no
// broadcast settlement for longer than olderThan. These died between the
// debit and the chain broadcast; the timeline tells the resumed saga where
// to pick up, and the settlement record plus the rail idempotency key keep
// the resumed external leg from paying twice.
func (s *TransferService) RecoverStale(ctx context.Context, olderThan time.Duration, limit int32) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	stale, err := s.store.Queries().StaleProcessingTransfers(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("list stale transfers: %w", err)
	}

	recovered := 0
	for _, transfer := range stale {
		var beneficiary *gateway.Beneficiary
		if transfer.BeneficiaryID != nil {
			b, err := s.beneficiaries.Validate(ctx, *transfer.BeneficiaryID)
			if err != nil || !b.IsActive {
				reason := "beneficiary no longer active"
				if err != nil {
					reason = fmt.Sprintf("beneficiary lookup failed: %v", err)
				}
				s.compensate(ctx, transfer, reason)
				continue
			}
			beneficiary = &b
		}

		zap.L().Info("resuming stale transfer",
			zap.String("transfer_id", transfer.ID.String()),
			zap.String("reference", transfer.Reference))
		recovered++
		s.wg.Add(1)
		go func(t models.Transfer, b *gateway.Beneficiary) {
			defer s.wg.Done()
			sagaCtx, cancel := context.WithTimeout(context.Background(), s.sagaTimeout)
			defer cancel()
			s.runSaga(sagaCtx, t, b)
		}(transfer, beneficiary)
	}
	return recovered, nil
}

// ---- helpers ----

// reloadPricing refreshes the in-memory transfer when a resumed saga skipped
// the pricing step and the state copy predates it.
func (s *TransferService) reloadPricing(ctx context.Context, state *sagaState) (models.Transfer, error) {
	if state.transfer.TargetAmountMicros > 0 {
		return state.transfer, nil
	}
	transfer, err := s.store.Queries().GetTransfer(ctx, state.transfer.ID)
	if err != nil {
		return models.Transfer{}, fmt.Errorf("reload transfer pricing: %w", err)
	}
	if transfer.TargetAmountMicros <= 0 {
		return models.Transfer{}, fmt.Errorf("transfer %s reached post-pricing step unpriced", transfer.ID)
	}
	state.transfer = transfer
	return transfer, nil
}

// settlementAmount converts the post-fee source amount into the stablecoin
// the chain leg settles in.
func (s *TransferService) settlementAmount(ctx context.Context, transfer models.Transfer) (int64, error) {
	if transfer.SourceCurrency == domain.SettlementAsset {
		return transfer.SourceAmountMicros - transfer.FeeMicros, nil
	}
	var quote gateway.Quote
	err := withRetry(ctx, s.retry, "settlement_rate_quote", func() error {
		var qerr error
		quote, qerr = s.rates.Quote(ctx, transfer.SourceCurrency, domain.SettlementAsset)
		return qerr
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %s/%s: %v", models.ErrRateUnavailable, transfer.SourceCurrency, domain.SettlementAsset, err)
	}
	net := transfer.SourceAmountMicros - transfer.FeeMicros
	return domain.SettleAmount(net, quote.Rate, 0), nil
}

func (s *TransferService) appendSuccess(ctx context.Context, transferID uuid.UUID, step, message string, metadata map[string]any) error {
	return s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		return s.timeline.Append(ctx, qtx, transferID, step, domain.EventStatusSuccess, message, metadata)
	})
}

func isInvalidTransition(err error) bool {
	return errors.Is(err, errInvalidTransition)
}

func treasuryAddress(network string) string {
	return "treasury:" + network
}

func newReference() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "TRF-" + strings.ToUpper(uuid.New().String()[:16])
	}
	return "TRF-" + strings.ToUpper(hex.EncodeToString(buf))
}
