package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adeyemio/fxrail/internal/domain"
	"github.com/adeyemio/fxrail/internal/gateway"
	"github.com/adeyemio/fxrail/internal/models"
	"github.com/adeyemio/fxrail/internal/observability"
	"github.com/adeyemio/fxrail/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// SagaHooks is how the confirmation tracker hands terminal settlement
// outcomes back to the orchestrator.
type SagaHooks interface {
	CompleteFromSettlement(ctx context.Context, transferID uuid.UUID) error
	FailFromSettlement(ctx context.Context, transferID uuid.UUID, cause error) error
}

// TrackerConfig bounds the confirmation wait per network.
type TrackerConfig struct {
	// Thresholds maps network -> confirmation depth treated as final.
	Thresholds map[string]int32
	// DefaultThreshold applies to networks missing from Thresholds.
	DefaultThreshold int32
	// MaxWait is the ceiling on the whole confirmation wait; past it the
	// settlement is a terminal failure and the transfer is compensated.
	MaxWait time.Duration
	// MaxPollRetries bounds consecutive transient RPC failures.
	MaxPollRetries int32
}

func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		Thresholds: map[string]int32{
			"ethereum": 12,
			"tron":     19,
			"stellar":  1,
		},
		DefaultThreshold: 12,
		MaxWait:          30 * time.Minute,
		MaxPollRetries:   20,
	}
}

func (c TrackerConfig) threshold(network string) int32 {
	if n, ok := c.Thresholds[network]; ok && n > 0 {
		return n
	}
	if c.DefaultThreshold > 0 {
		return c.DefaultThreshold
	}
	return 12
}

// SettlementService owns external settlement records: the blockchain leg of
// a cross-border payout, from broadcast to terminal confirmation.
type SettlementService struct {
	store    QueryStore
	registry *gateway.Registry
	cfg      TrackerConfig
	hooks    SagaHooks
}

func NewSettlementService(store QueryStore, registry *gateway.Registry, cfg TrackerConfig) *SettlementService {
	return &SettlementService{store: store, registry: registry, cfg: cfg}
}

// BindHooks wires the orchestrator callbacks. Separate from the constructor
// because the orchestrator and settlement service reference each other.
func (s *SettlementService) BindHooks(hooks SagaHooks) {
	s.hooks = hooks
}

// EnsureForTransfer returns the settlement record for a transfer, creating
// it on first call. The unique transfer_id constraint makes retried sagas
// converge on one record instead of double-tracking a broadcast.
func (s *SettlementService) EnsureForTransfer(ctx context.Context, transferID uuid.UUID, network, asset string, amountMicros int64, fromAddress, toAddress string) (*models.Settlement, error) {
	queries := s.store.Queries()

	settlement, err := queries.GetSettlementByTransfer(ctx, transferID)
	if err == nil {
		return &settlement, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get settlement: %w", err)
	}

	if err := queries.InsertSettlement(ctx, repository.InsertSettlementParams{
		ID:           uuid.New(),
		TransferID:   transferID,
		Network:      network,
		Asset:        asset,
		AmountMicros: amountMicros,
		FromAddress:  fromAddress,
		ToAddress:    toAddress,
	}); err != nil {
		return nil, fmt.Errorf("insert settlement: %w", err)
	}
	settlement, err = queries.GetSettlementByTransfer(ctx, transferID)
	if err != nil {
		return nil, fmt.Errorf("get settlement after insert: %w", err)
	}
	return &settlement, nil
}

// MarkBroadcast records the chain transaction id on a settlement. A second
// broadcast attempt for the same record is a no-op.
func (s *SettlementService) MarkBroadcast(ctx context.Context, settlementID uuid.UUID, externalTxID string) error {
	rows, err := s.store.Queries().SetSettlementBroadcast(ctx, externalTxID, settlementID)
	if err != nil {
		return fmt.Errorf("mark settlement broadcast: %w", err)
	}
	if rows == 0 {
		zap.L().Info("settlement already broadcast, reusing existing tx",
			zap.String("settlement_id", settlementID.String()))
	}
	return nil
}

// GetByTransfer loads the settlement record for a transfer, if any.
func (s *SettlementService) GetByTransfer(ctx context.Context, transferID uuid.UUID) (*models.Settlement, error) {
	settlement, err := s.store.Queries().GetSettlementByTransfer(ctx, transferID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get settlement: %w", err)
	}
	return &settlement, nil
}

// TrackPending runs one confirmation-tracker pass: claim a batch of
// broadcast-but-unconfirmed settlements, poll each network for depth, and
// finalize the ones that reached threshold, died, or timed out. Safe for
// concurrent instances thanks to FOR UPDATE SKIP LOCKED.
func (s *SettlementService) TrackPending(ctx context.Context, batchSize int32) error {
	var claimed []models.Settlement
	err := s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		var err error
		claimed, err = qtx.ClaimPendingSettlements(ctx, batchSize)
		if err != nil {
			return fmt.Errorf("claim pending settlements: %w", err)
		}
		for _, settlement := range claimed {
			if err := qtx.TouchSettlement(ctx, settlement.ID); err != nil {
				return fmt.Errorf("touch claimed settlement: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, settlement := range claimed {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.poll(ctx, settlement)
	}
	return nil
}

func (s *SettlementService) poll(ctx context.Context, settlement models.Settlement) {
	if time.Since(settlement.CreatedAt) > s.cfg.MaxWait {
		observability.IncrementConfirmationPoll(settlement.Network, "timeout")
		s.finalize(ctx, settlement, domain.SettlementStatusFailed,
			fmt.Errorf("%w: no confirmation within %s", models.ErrChainTimeout, s.cfg.MaxWait))
		return
	}

	chain, err := s.registry.Chain(settlement.Network)
	if err != nil {
		zap.L().Error("settlement references unknown network",
			zap.String("settlement_id", settlement.ID.String()),
			zap.String("network", settlement.Network))
		s.finalize(ctx, settlement, domain.SettlementStatusFailed, err)
		return
	}

	confirmations, err := chain.GetConfirmations(ctx, *settlement.ExternalTxID)
	if err != nil {
		observability.IncrementConfirmationPoll(settlement.Network, "rpc_error")
		if _, rerr := s.store.Queries().RecordSettlementRetry(ctx, settlement.ID); rerr != nil {
			zap.L().Error("record settlement retry failed", zap.Error(rerr),
				zap.String("settlement_id", settlement.ID.String()))
		}
		if settlement.RetryCount+1 >= s.cfg.MaxPollRetries {
			s.finalize(ctx, settlement, domain.SettlementStatusFailed,
				fmt.Errorf("chain polling failed %d times: %w", settlement.RetryCount+1, err))
		}
		return
	}

	if _, err := s.store.Queries().RecordSettlementCheck(ctx, repository.RecordSettlementCheckParams{
		ConfirmationCount: confirmations,
		ID:                settlement.ID,
	}); err != nil {
		zap.L().Error("record confirmation depth failed", zap.Error(err),
			zap.String("settlement_id", settlement.ID.String()))
		return
	}

	if confirmations >= s.cfg.threshold(settlement.Network) {
		observability.IncrementConfirmationPoll(settlement.Network, "confirmed")
		s.finalize(ctx, settlement, domain.SettlementStatusConfirmed, nil)
		return
	}
	observability.IncrementConfirmationPoll(settlement.Network, "pending")
}

// finalize flips the settlement to a terminal status exactly once, then
// invokes the matching orchestrator hook. The status guard in the UPDATE
// means a concurrent finalizer loses cleanly.
func (s *SettlementService) finalize(ctx context.Context, settlement models.Settlement, status string, cause error) {
	rows, err := s.store.Queries().FinalizeSettlement(ctx, status, settlement.ID)
	if err != nil {
		zap.L().Error("finalize settlement failed", zap.Error(err),
			zap.String("settlement_id", settlement.ID.String()))
		return
	}
	if rows == 0 {
		return // already terminal
	}

	if s.hooks == nil {
		zap.L().Error("settlement finalized with no saga hooks bound",
			zap.String("settlement_id", settlement.ID.String()))
		return
	}

	var hookErr error
	if status == domain.SettlementStatusConfirmed {
		hookErr = s.hooks.CompleteFromSettlement(ctx, settlement.TransferID)
	} else {
		hookErr = s.hooks.FailFromSettlement(ctx, settlement.TransferID, cause)
	}
	if hookErr != nil {
		zap.L().Error("saga hook failed after settlement finalization",
			zap.Error(hookErr),
			zap.String("settlement_id", settlement.ID.String()),
			zap.String("transfer_id", settlement.TransferID.String()),
			zap.String("status", status))
	}
}
