package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/adeyemio/fxrail/internal/models"
	"github.com/adeyemio/fxrail/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// LedgerService is the only component permitted to mutate wallet balances.
// Every balance change appends exactly one movement row inside the same
// transaction, so replaying the movement log always reproduces the balance.
type LedgerService struct {
	store QueryStore
}

func NewLedgerService(store QueryStore) *LedgerService {
	return &LedgerService{store: store}
}

// GetOrCreate returns the wallet for (business, currency), creating a
// zero-balance one on first use. Idempotent under concurrency.
func (s *LedgerService) GetOrCreate(ctx context.Context, businessID uuid.UUID, currency string) (*models.Wallet, error) {
	queries := s.store.Queries()

	wallet, err := queries.GetWalletByBusinessCurrency(ctx, businessID, currency)
	if err == nil {
		return &wallet, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get wallet: %w", err)
	}

	if err := queries.EnsureWallet(ctx, businessID, currency); err != nil {
		return nil, err
	}
	wallet, err = queries.GetWalletByBusinessCurrency(ctx, businessID, currency)
	if err != nil {
		return nil, fmt.Errorf("get wallet after create: %w", err)
	}
	return &wallet, nil
}

// GetWallet loads a wallet by id.
func (s *LedgerService) GetWallet(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	wallet, err := s.store.Queries().GetWallet(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrWalletNotFound
		}
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return &wallet, nil
}

// ListWallets returns all wallets for a business.
func (s *LedgerService) ListWallets(ctx context.Context, businessID uuid.UUID) ([]models.Wallet, error) {
	wallets, err := s.store.Queries().ListWalletsForBusiness(ctx, businessID)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	return wallets, nil
}

// Movements returns a wallet's movement log in append order.
func (s *LedgerService) Movements(ctx context.Context, walletID uuid.UUID, limit, offset int32) ([]models.WalletMovement, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	movements, err := s.store.Queries().ListMovements(ctx, walletID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	return movements, nil
}

// Debit runs inside the caller's transaction scope. It locks the wallet row,
// rejects with ErrInsufficientFunds when the available balance cannot cover
// the amount, and otherwise applies the balance change and appends the
// movement as one atomic unit.
func (s *LedgerService) Debit(ctx context.Context, qtx *repository.Queries, walletID uuid.UUID, amountMicros int64, transferID uuid.UUID, metadata map[string]any) (*models.WalletMovement, error) {
	if amountMicros <= 0 {
		return nil, fmt.Errorf("%w: debit amount must be positive, got %d", models.ErrValidation, amountMicros)
	}
	return s.apply(ctx, qtx, walletID, -amountMicros, transferID, metadata)
}

// Credit is the mirror of Debit; it never fails on balance.
func (s *LedgerService) Credit(ctx context.Context, qtx *repository.Queries, walletID uuid.UUID, amountMicros int64, transferID uuid.UUID, metadata map[string]any) (*models.WalletMovement, error) {
	if amountMicros <= 0 {
		return nil, fmt.Errorf("%w: credit amount must be positive, got %d", models.ErrValidation, amountMicros)
	}
	return s.apply(ctx, qtx, walletID, amountMicros, transferID, metadata)
}

func (s *LedgerService) apply(ctx context.Context, qtx *repository.Queries, walletID uuid.UUID, deltaMicros int64, transferID uuid.UUID, metadata map[string]any) (*models.WalletMovement, error) {
	wallet, err := qtx.GetWalletForUpdate(ctx, walletID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrWalletNotFound
		}
		return nil, fmt.Errorf("lock wallet: %w", err)
	}
	if !wallet.IsActive {
		return nil, fmt.Errorf("%w: wallet %s is deactivated", models.ErrValidation, walletID)
	}
	if deltaMicros < 0 && wallet.AvailableMicros < -deltaMicros {
		return nil, models.ErrInsufficientFunds
	}

	newAvailable, err := qtx.ApplyWalletDelta(ctx, repository.ApplyWalletDeltaParams{
		DeltaMicros: deltaMicros,
		ID:          walletID,
	})
	if err != nil {
		return nil, fmt.Errorf("apply wallet delta: %w", err)
	}
	if newAvailable != wallet.AvailableMicros+deltaMicros {
		return nil, fmt.Errorf("wallet %s balance drifted under lock: have %d want %d",
			walletID, newAvailable, wallet.AvailableMicros+deltaMicros)
	}

	movement, err := qtx.InsertMovement(ctx, repository.InsertMovementParams{
		ID:                 uuid.New(),
		WalletID:           walletID,
		AmountMicros:       deltaMicros,
		BalanceAfterMicros: newAvailable,
		TransferID:         transferID,
		Metadata:           repository.MetadataJSON(metadata),
	})
	if err != nil {
		return nil, fmt.Errorf("insert movement: %w", err)
	}
	return &movement, nil
}
