package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/adeyemio/fxrail/internal/domain"
	"github.com/adeyemio/fxrail/internal/gateway"
	"github.com/adeyemio/fxrail/internal/models"
	"github.com/adeyemio/fxrail/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testNetwork = "testnet"

type stubRates struct {
	rate decimal.Decimal
	err  error
}

func (s *stubRates) Quote(ctx context.Context, from, to string) (gateway.Quote, error) {
	if s.err != nil {
		return gateway.Quote{}, s.err
	}
	return gateway.Quote{Rate: s.rate, Timestamp: time.Now(), Source: "stub"}, nil
}

type stubLiquidity struct {
	mu       sync.Mutex
	balances map[string]int64
	err      error
	onCheck  func(asset string)
}

func (s *stubLiquidity) CheckBalance(ctx context.Context, asset string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onCheck != nil {
		s.onCheck(asset)
	}
	if s.err != nil {
		return 0, s.err
	}
	return s.balances[asset], nil
}

type stubBeneficiaries struct {
	beneficiary gateway.Beneficiary
	err         error
}

func (s *stubBeneficiaries) Validate(ctx context.Context, beneficiaryID uuid.UUID) (gateway.Beneficiary, error) {
	if s.err != nil {
		return gateway.Beneficiary{}, s.err
	}
	b := s.beneficiary
	b.ID = beneficiaryID
	return b, nil
}

type stubRail struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (s *stubRail) Withdraw(ctx context.Context, asset string, amountMicros int64, destinationAddress, idempotencyKey string) (gateway.WithdrawalResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return gateway.WithdrawalResult{}, s.err
	}
	s.calls[idempotencyKey]++
	return gateway.WithdrawalResult{ExternalReference: "rail-" + idempotencyKey, Status: "ACCEPTED"}, nil
}

func (s *stubRail) CheckStatus(ctx context.Context, externalReference string) (string, error) {
	return "ACCEPTED", nil
}

type stubChain struct {
	mu            sync.Mutex
	confirmations int32
	broadcasts    int
	pollErr       error
}

func (s *stubChain) Broadcast(ctx context.Context, signedPayload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasts++
	return fmt.Sprintf("0xtx%d", s.broadcasts), nil
}

func (s *stubChain) GetConfirmations(ctx context.Context, externalTxID string) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollErr != nil {
		return 0, s.pollErr
	}
	return s.confirmations, nil
}

type sagaFixture struct {
	store         *repository.Store
	ledger        *LedgerService
	feeRules      *FeeRuleService
	settlements   *SettlementService
	transfers     *TransferService
	rates         *stubRates
	liquidity     *stubLiquidity
	beneficiaries *stubBeneficiaries
	rail          *stubRail
	chain         *stubChain
}

func newSagaFixture(t *testing.T, db *pgxpool.Pool, tracker TrackerConfig) *sagaFixture {
	t.Helper()

	store := repository.NewStore(db)
	f := &sagaFixture{
		store:    store,
		ledger:   NewLedgerService(store),
		feeRules: NewFeeRuleService(store),
		rates:    &stubRates{rate: decimal.NewFromFloat(0.0077)},
		liquidity: &stubLiquidity{balances: map[string]int64{
			"USD":  1_000_000_000_000,
			"KES":  1_000_000_000_000,
			"USDC": 1_000_000_000_000,
		}},
		beneficiaries: &stubBeneficiaries{beneficiary: gateway.Beneficiary{
			DestinationAddress: "0xdest",
			Network:            testNetwork,
			IsActive:           true,
		}},
		rail:  &stubRail{calls: make(map[string]int)},
		chain: &stubChain{confirmations: 5},
	}

	registry := gateway.NewRegistry()
	registry.RegisterRail(testNetwork, f.rail)
	registry.RegisterChain(testNetwork, f.chain)

	if tracker.Thresholds == nil {
		tracker = TrackerConfig{
			Thresholds:     map[string]int32{testNetwork: 1},
			MaxWait:        time.Minute,
			MaxPollRetries: 5,
		}
	}
	f.settlements = NewSettlementService(store, registry, tracker)

	f.transfers = NewTransferService(TransferServiceDeps{
		Store:         store,
		Ledger:        f.ledger,
		Timeline:      NewTimelineService(store),
		FeeRules:      f.feeRules,
		Settlements:   f.settlements,
		Rates:         f.rates,
		Liquidity:     f.liquidity,
		Beneficiaries: f.beneficiaries,
		Registry:      registry,
		Retry:         RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		SagaTimeout:   10 * time.Second,
	})
	f.settlements.BindHooks(f.transfers)
	return f
}

func (f *sagaFixture) seedFeeRule(t *testing.T) {
	t.Helper()
	_, err := f.feeRules.Create(context.Background(), CreateFeeRuleRequest{
		FromCurrency:     "USD",
		ToCurrency:       "*",
		PercentageFee:    decimal.NewFromInt(1),
		MinimumFeeMicros: 10_000_000,
	})
	require.NoError(t, err)
}

func (f *sagaFixture) waitForStatus(t *testing.T, transferID uuid.UUID, status string) *models.Transfer {
	t.Helper()
	var transfer *models.Transfer
	require.Eventually(t, func() bool {
		var err error
		transfer, err = f.transfers.GetTransfer(context.Background(), transferID)
		return err == nil && transfer.Status == status
	}, 5*time.Second, 10*time.Millisecond, "transfer never reached %s", status)
	return transfer
}

func timelineSteps(events []models.TimelineEvent) []string {
	steps := make([]string, len(events))
	for i, e := range events {
		steps[i] = e.Step
	}
	return steps
}

func TestConversionSagaHappyPath(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	f := newSagaFixture(t, db, TrackerConfig{})
	f.seedFeeRule(t)
	ctx := context.Background()

	businessID := uuid.New()
	source, err := f.ledger.GetOrCreate(ctx, businessID, "USD")
	require.NoError(t, err)
	fundWallet(t, f.store, f.ledger, source.ID, 2_000_000_000)

	created, err := f.transfers.CreateTransfer(ctx, CreateTransferRequest{
		BusinessID:     businessID,
		SourceCurrency: "USD",
		TargetCurrency: "KES",
		AmountMicros:   1_000_000_000,
	})
	require.NoError(t, err)
	require.Equal(t, domain.TransferStatusProcessing, created.Status)
	require.NotEmpty(t, created.Reference)

	transfer := f.waitForStatus(t, created.ID, domain.TransferStatusCompleted)

	// 1000.00 at 1% with a 10.00 minimum: fee 10.00, target (1000-10)*0.0077.
	require.Equal(t, int64(10_000_000), transfer.FeeMicros)
	require.Equal(t, int64(7_623_000), transfer.TargetAmountMicros)
	require.NotNil(t, transfer.ExchangeRate)
	require.True(t, transfer.ExchangeRate.Equal(decimal.NewFromFloat(0.0077)))
	require.NotNil(t, transfer.CompletedAt)

	events, err := f.transfers.GetTimeline(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, []string{
		domain.StepInitiated,
		domain.StepSourceDebited,
		domain.StepRateAndFeePriced,
		domain.StepTargetCredited,
		domain.StepCompleted,
	}, timelineSteps(events))

	source, err = f.ledger.GetWallet(ctx, source.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000_000), source.AvailableMicros)

	require.NotNil(t, transfer.TargetWalletID)
	target, err := f.ledger.GetWallet(ctx, *transfer.TargetWalletID)
	require.NoError(t, err)
	require.Equal(t, "KES", target.Currency)
	require.Equal(t, int64(7_623_000), target.AvailableMicros)
}

func TestCreateTransferInsufficientFundsLeavesNoTrace(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	f := newSagaFixture(t, db, TrackerConfig{})
	f.seedFeeRule(t)
	ctx := context.Background()

	businessID := uuid.New()
	source, err := f.ledger.GetOrCreate(ctx, businessID, "USD")
	require.NoError(t, err)
	fundWallet(t, f.store, f.ledger, source.ID, 100_000)

	_, err = f.transfers.CreateTransfer(ctx, CreateTransferRequest{
		BusinessID:     businessID,
		SourceCurrency: "USD",
		TargetCurrency: "KES",
		AmountMicros:   1_000_000_000,
	})
	require.ErrorIs(t, err, models.ErrInsufficientFunds)

	// The rejected transfer persisted nothing: no transfer row, no timeline
	// events, only the funding movement on the wallet.
	var transferCount, eventCount int64
	require.NoError(t, db.QueryRow(ctx, "SELECT COUNT(*) FROM transfers").Scan(&transferCount))
	require.NoError(t, db.QueryRow(ctx, "SELECT COUNT(*) FROM transfer_timeline_events").Scan(&eventCount))
	require.Zero(t, transferCount)
	require.Zero(t, eventCount)

	movements, err := f.ledger.Movements(ctx, source.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, movements, 1)
}

func TestCreateTransferInactiveBeneficiaryRejectedSynchronously(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	f := newSagaFixture(t, db, TrackerConfig{})
	f.beneficiaries.beneficiary.IsActive = false
	ctx := context.Background()

	businessID := uuid.New()
	source, err := f.ledger.GetOrCreate(ctx, businessID, "USD")
	require.NoError(t, err)
	fundWallet(t, f.store, f.ledger, source.ID, 2_000_000_000)

	beneficiaryID := uuid.New()
	_, err = f.transfers.CreateTransfer(ctx, CreateTransferRequest{
		BusinessID:     businessID,
		SourceCurrency: "USD",
		TargetCurrency: "KES",
		AmountMicros:   1_000_000_000,
		BeneficiaryID:  &beneficiaryID,
	})
	require.ErrorIs(t, err, models.ErrBeneficiaryInactive)

	var transferCount int64
	require.NoError(t, db.QueryRow(ctx, "SELECT COUNT(*) FROM transfers").Scan(&transferCount))
	require.Zero(t, transferCount)
}

func TestPayoutSagaCompletesThroughConfirmationTracker(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	f := newSagaFixture(t, db, TrackerConfig{})
	f.seedFeeRule(t)
	ctx := context.Background()

	businessID := uuid.New()
	source, err := f.ledger.GetOrCreate(ctx, businessID, "USD")
	require.NoError(t, err)
	fundWallet(t, f.store, f.ledger, source.ID, 2_000_000_000)

	beneficiaryID := uuid.New()
	created, err := f.transfers.CreateTransfer(ctx, CreateTransferRequest{
		BusinessID:     businessID,
		SourceCurrency: "USD",
		TargetCurrency: "KES",
		AmountMicros:   1_000_000_000,
		BeneficiaryID:  &beneficiaryID,
	})
	require.NoError(t, err)

	// The saga stops at the broadcast and leaves the transfer processing.
	require.Eventually(t, func() bool {
		events, err := f.transfers.GetTimeline(ctx, created.ID)
		if err != nil {
			return false
		}
		steps := timelineSteps(events)
		return len(steps) > 0 && steps[len(steps)-1] == domain.StepChainBroadcast
	}, 5*time.Second, 10*time.Millisecond)

	transfer, err := f.transfers.GetTransfer(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TransferStatusProcessing, transfer.Status)

	settlement, err := f.settlements.GetByTransfer(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, settlement)
	require.NotNil(t, settlement.ExternalTxID)
	require.Equal(t, domain.SettlementAsset, settlement.Asset)

	// One tracker pass confirms the settlement and completes the transfer.
	require.NoError(t, f.settlements.TrackPending(ctx, 10))

	transfer = f.waitForStatus(t, created.ID, domain.TransferStatusCompleted)

	settlement, err = f.settlements.GetByTransfer(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SettlementStatusConfirmed, settlement.Status)
	require.Equal(t, int32(1), settlement.CheckCount, "one poll records one check")

	events, err := f.transfers.GetTimeline(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, []string{
		domain.StepInitiated,
		domain.StepBeneficiaryValidated,
		domain.StepSourceDebited,
		domain.StepRateAndFeePriced,
		domain.StepSourceLiquidity,
		domain.StepSettlementLiquidity,
		domain.StepExternalWithdrawal,
		domain.StepChainBroadcast,
		domain.StepChainConfirmed,
		domain.StepTargetCredited,
		domain.StepCompleted,
	}, timelineSteps(events))

	require.NotNil(t, transfer.TargetWalletID)
	target, err := f.ledger.GetWallet(ctx, *transfer.TargetWalletID)
	require.NoError(t, err)
	require.Equal(t, transfer.TargetAmountMicros, target.AvailableMicros)

	// Exactly one withdrawal went out despite retries being possible.
	f.rail.mu.Lock()
	require.Equal(t, 1, f.rail.calls[transfer.Reference])
	f.rail.mu.Unlock()
}

func TestSagaCompensatesOnLiquidityFailure(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	f := newSagaFixture(t, db, TrackerConfig{})
	f.seedFeeRule(t)
	f.liquidity.err = errors.New("pool offline")
	ctx := context.Background()

	businessID := uuid.New()
	source, err := f.ledger.GetOrCreate(ctx, businessID, "USD")
	require.NoError(t, err)
	fundWallet(t, f.store, f.ledger, source.ID, 2_000_000_000)

	beneficiaryID := uuid.New()
	created, err := f.transfers.CreateTransfer(ctx, CreateTransferRequest{
		BusinessID:     businessID,
		SourceCurrency: "USD",
		TargetCurrency: "KES",
		AmountMicros:   1_000_000_000,
		BeneficiaryID:  &beneficiaryID,
	})
	require.NoError(t, err)

	transfer := f.waitForStatus(t, created.ID, domain.TransferStatusFailed)
	require.NotNil(t, transfer.FailureReason)

	// The debit was compensated in full.
	source, err = f.ledger.GetWallet(ctx, source.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2_000_000_000), source.AvailableMicros)

	events, err := f.transfers.GetTimeline(ctx, created.ID)
	require.NoError(t, err)
	steps := timelineSteps(events)
	require.Contains(t, steps, domain.StepRollbackSourceCredit)
	require.Equal(t, domain.StepRollbackCompleted, steps[len(steps)-1])

	// The failed liquidity step is on the record too.
	var sawFailure bool
	for _, e := range events {
		if e.Step == domain.StepSourceLiquidity && e.Status == domain.EventStatusFailed {
			sawFailure = true
		}
	}
	require.True(t, sawFailure, "timeline should record the failed step")
}

func TestConfirmationTimeoutCompensates(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	f := newSagaFixture(t, db, TrackerConfig{
		Thresholds:     map[string]int32{testNetwork: 100},
		MaxWait:        time.Nanosecond,
		MaxPollRetries: 5,
	})
	f.seedFeeRule(t)
	ctx := context.Background()

	businessID := uuid.New()
	source, err := f.ledger.GetOrCreate(ctx, businessID, "USD")
	require.NoError(t, err)
	fundWallet(t, f.store, f.ledger, source.ID, 2_000_000_000)

	beneficiaryID := uuid.New()
	created, err := f.transfers.CreateTransfer(ctx, CreateTransferRequest{
		BusinessID:     businessID,
		SourceCurrency: "USD",
		TargetCurrency: "KES",
		AmountMicros:   1_000_000_000,
		BeneficiaryID:  &beneficiaryID,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		settlement, err := f.settlements.GetByTransfer(ctx, created.ID)
		return err == nil && settlement != nil && settlement.ExternalTxID != nil
	}, 5*time.Second, 10*time.Millisecond)

	// The wait ceiling is already past, so one pass fails the settlement and
	// triggers compensation.
	require.NoError(t, f.settlements.TrackPending(ctx, 10))

	transfer := f.waitForStatus(t, created.ID, domain.TransferStatusFailed)
	require.NotNil(t, transfer.FailureReason)
	require.Contains(t, *transfer.FailureReason, models.ErrChainTimeout.Error())

	settlement, err := f.settlements.GetByTransfer(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SettlementStatusFailed, settlement.Status)

	source, err = f.ledger.GetWallet(ctx, source.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2_000_000_000), source.AvailableMicros)
}

func TestTrackerRetriesTransientRPCErrors(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	f := newSagaFixture(t, db, TrackerConfig{
		Thresholds:     map[string]int32{testNetwork: 1},
		MaxWait:        time.Minute,
		MaxPollRetries: 5,
	})
	f.seedFeeRule(t)
	ctx := context.Background()

	businessID := uuid.New()
	source, err := f.ledger.GetOrCreate(ctx, businessID, "USD")
	require.NoError(t, err)
	fundWallet(t, f.store, f.ledger, source.ID, 2_000_000_000)

	beneficiaryID := uuid.New()
	created, err := f.transfers.CreateTransfer(ctx, CreateTransferRequest{
		BusinessID:     businessID,
		SourceCurrency: "USD",
		TargetCurrency: "KES",
		AmountMicros:   1_000_000_000,
		BeneficiaryID:  &beneficiaryID,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		settlement, err := f.settlements.GetByTransfer(ctx, created.ID)
		return err == nil && settlement != nil && settlement.ExternalTxID != nil
	}, 5*time.Second, 10*time.Millisecond)

	f.chain.mu.Lock()
	f.chain.pollErr = errors.New("rpc unavailable")
	f.chain.mu.Unlock()

	require.NoError(t, f.settlements.TrackPending(ctx, 10))

	settlement, err := f.settlements.GetByTransfer(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SettlementStatusPending, settlement.Status, "transient errors do not advance status")
	require.GreaterOrEqual(t, settlement.RetryCount, int32(1))
	require.Zero(t, settlement.CheckCount, "a failed RPC call is not a check")

	// RPC recovers; the next pass confirms.
	f.chain.mu.Lock()
	f.chain.pollErr = nil
	f.chain.mu.Unlock()

	require.NoError(t, f.settlements.TrackPending(ctx, 10))
	f.waitForStatus(t, created.ID, domain.TransferStatusCompleted)

	settlement, err = f.settlements.GetByTransfer(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, int32(1), settlement.CheckCount)
}

func TestRecoverStaleResumesPayoutStrandedBeforeBroadcast(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	f := newSagaFixture(t, db, TrackerConfig{})
	f.seedFeeRule(t)
	ctx := context.Background()

	businessID := uuid.New()
	source, err := f.ledger.GetOrCreate(ctx, businessID, "USD")
	require.NoError(t, err)
	fundWallet(t, f.store, f.ledger, source.ID, 2_000_000_000)

	// A payout that died after creating its settlement record but before the
	// broadcast: debited, priced, liquidity confirmed, settlement row present
	// with no external tx id.
	transferID := uuid.New()
	reference := newReference()
	beneficiaryID := uuid.New()
	err = f.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		if err := qtx.InsertTransfer(ctx, repository.InsertTransferParams{
			ID:                 transferID,
			Reference:          reference,
			BusinessID:         businessID,
			Type:               domain.TransferTypePayout,
			Status:             domain.TransferStatusPending,
			SourceCurrency:     "USD",
			TargetCurrency:     "KES",
			SourceAmountMicros: 1_000_000_000,
			SourceWalletID:     source.ID,
			BeneficiaryID:      &beneficiaryID,
		}); err != nil {
			return err
		}
		if _, err := qtx.SetTransferPricing(ctx, repository.SetTransferPricingParams{
			TargetAmountMicros: 7_623_000,
			ExchangeRate:       decimal.NewFromFloat(0.0077),
			FeeMicros:          10_000_000,
			ID:                 transferID,
		}); err != nil {
			return err
		}
		if _, err := f.ledger.Debit(ctx, qtx, source.ID, 1_000_000_000, transferID,
			map[string]any{"reason": "transfer_debit"}); err != nil {
			return err
		}
		for _, step := range []string{
			domain.StepInitiated,
			domain.StepBeneficiaryValidated,
			domain.StepSourceDebited,
			domain.StepRateAndFeePriced,
			domain.StepSourceLiquidity,
			domain.StepSettlementLiquidity,
		} {
			if err := f.transfers.timeline.Append(ctx, qtx, transferID, step, domain.EventStatusSuccess, "", nil); err != nil {
				return err
			}
		}
		return transitionTransferState(ctx, qtx, transferID, domain.TransferStatusProcessing, nil)
	})
	require.NoError(t, err)

	stranded, err := f.settlements.EnsureForTransfer(ctx, transferID, testNetwork,
		domain.SettlementAsset, 7_623_000, "treasury:"+testNetwork, "0xdest")
	require.NoError(t, err)
	require.Nil(t, stranded.ExternalTxID)

	_, err = db.Exec(ctx, "UPDATE transfers SET updated_at = NOW() - INTERVAL '1 hour' WHERE id = $1", transferID)
	require.NoError(t, err)

	recovered, err := f.transfers.RecoverStale(ctx, time.Minute, 10)
	require.NoError(t, err)
	require.Equal(t, 1, recovered)

	// The resumed saga reuses the stranded record and carries it to broadcast.
	require.Eventually(t, func() bool {
		settlement, err := f.settlements.GetByTransfer(ctx, transferID)
		return err == nil && settlement != nil && settlement.ExternalTxID != nil
	}, 5*time.Second, 10*time.Millisecond)

	settlement, err := f.settlements.GetByTransfer(ctx, transferID)
	require.NoError(t, err)
	require.Equal(t, stranded.ID, settlement.ID)

	var settlementCount int64
	require.NoError(t, db.QueryRow(ctx,
		"SELECT COUNT(*) FROM external_settlements WHERE transfer_id = $1", transferID).Scan(&settlementCount))
	require.Equal(t, int64(1), settlementCount)

	require.NoError(t, f.settlements.TrackPending(ctx, 10))
	f.waitForStatus(t, transferID, domain.TransferStatusCompleted)

	// Exactly one withdrawal and one broadcast for the whole transfer life.
	f.rail.mu.Lock()
	require.Equal(t, 1, f.rail.calls[reference])
	f.rail.mu.Unlock()
	f.chain.mu.Lock()
	require.Equal(t, 1, f.chain.broadcasts)
	f.chain.mu.Unlock()
}

func TestFailedCompensationParksTransferForManualReview(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	f := newSagaFixture(t, db, TrackerConfig{})
	f.seedFeeRule(t)
	ctx := context.Background()

	businessID := uuid.New()
	source, err := f.ledger.GetOrCreate(ctx, businessID, "USD")
	require.NoError(t, err)
	fundWallet(t, f.store, f.ledger, source.ID, 2_000_000_000)

	// Deactivate the source wallet once the saga is past the debit, then fail
	// the liquidity step. The compensating credit hits the inactive wallet
	// and the rollback itself fails.
	f.liquidity.onCheck = func(string) {
		_, _ = db.Exec(context.Background(), "UPDATE wallets SET is_active = FALSE WHERE id = $1", source.ID)
	}
	f.liquidity.err = errors.New("pool offline")

	beneficiaryID := uuid.New()
	created, err := f.transfers.CreateTransfer(ctx, CreateTransferRequest{
		BusinessID:     businessID,
		SourceCurrency: "USD",
		TargetCurrency: "KES",
		AmountMicros:   1_000_000_000,
		BeneficiaryID:  &beneficiaryID,
	})
	require.NoError(t, err)

	transfer := f.waitForStatus(t, created.ID, domain.TransferStatusManualReview)
	require.NotNil(t, transfer.FailureReason)
	require.Contains(t, *transfer.FailureReason, models.ErrRollbackFailed.Error())
	require.Contains(t, *transfer.FailureReason, "pool offline")

	// No compensating credit landed; the debit stays until an operator acts.
	source, err = f.ledger.GetWallet(ctx, source.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000_000), source.AvailableMicros)

	events, err := f.transfers.GetTimeline(ctx, created.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, domain.StepRollbackFailed, last.Step)
	require.Equal(t, domain.EventStatusFailed, last.Status)
}

func TestReverseConversion(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	f := newSagaFixture(t, db, TrackerConfig{})
	f.seedFeeRule(t)
	ctx := context.Background()

	businessID := uuid.New()
	source, err := f.ledger.GetOrCreate(ctx, businessID, "USD")
	require.NoError(t, err)
	fundWallet(t, f.store, f.ledger, source.ID, 2_000_000_000)

	created, err := f.transfers.CreateTransfer(ctx, CreateTransferRequest{
		BusinessID:     businessID,
		SourceCurrency: "USD",
		TargetCurrency: "KES",
		AmountMicros:   1_000_000_000,
	})
	require.NoError(t, err)
	original := f.waitForStatus(t, created.ID, domain.TransferStatusCompleted)

	reversal, err := f.transfers.ReverseConversion(ctx, original.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TransferTypeReversal, reversal.Type)
	require.Equal(t, domain.TransferStatusCompleted, reversal.Status)
	require.NotNil(t, reversal.ReversedTransferID)
	require.Equal(t, original.ID, *reversal.ReversedTransferID)

	flipped, err := f.transfers.GetTransfer(ctx, original.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TransferStatusReversed, flipped.Status)

	// Fee included: the source wallet is made whole.
	source, err = f.ledger.GetWallet(ctx, source.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2_000_000_000), source.AvailableMicros)

	target, err := f.ledger.GetWallet(ctx, *original.TargetWalletID)
	require.NoError(t, err)
	require.Equal(t, int64(0), target.AvailableMicros)

	// The reversal is a first-class transfer: its own debit/credit pair and
	// its own timeline, and the reference resolves like any other.
	movementCount, err := f.store.Queries().CountMovementsForTransfer(ctx, reversal.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), movementCount)
	eventCount, err := f.store.Queries().CountTimelineEvents(ctx, reversal.ID)
	require.NoError(t, err)
	require.Equal(t, int64(4), eventCount)

	byRef, err := f.transfers.GetTransferByReference(ctx, reversal.Reference)
	require.NoError(t, err)
	require.Equal(t, reversal.ID, byRef.ID)

	// A second reversal attempt is rejected.
	_, err = f.transfers.ReverseConversion(ctx, original.ID)
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestReverseConversionRejectsPayouts(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	f := newSagaFixture(t, db, TrackerConfig{})
	f.seedFeeRule(t)
	ctx := context.Background()

	businessID := uuid.New()
	source, err := f.ledger.GetOrCreate(ctx, businessID, "USD")
	require.NoError(t, err)
	fundWallet(t, f.store, f.ledger, source.ID, 2_000_000_000)

	beneficiaryID := uuid.New()
	created, err := f.transfers.CreateTransfer(ctx, CreateTransferRequest{
		BusinessID:     businessID,
		SourceCurrency: "USD",
		TargetCurrency: "KES",
		AmountMicros:   1_000_000_000,
		BeneficiaryID:  &beneficiaryID,
	})
	require.NoError(t, err)
	require.NoError(t, f.settlements.TrackPending(ctx, 10))

	_, err = f.transfers.ReverseConversion(ctx, created.ID)
	require.ErrorIs(t, err, models.ErrValidation)
}
