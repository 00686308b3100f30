package service

import (
	"context"
	"fmt"

	"github.com/adeyemio/fxrail/internal/observability"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReconciliationService audits the ledger invariants: every wallet's total
// equals available plus pending, and replaying the movement log reproduces
// the available balance. Findings are reported, never auto-corrected.
type ReconciliationService struct {
	store QueryStore
}

func NewReconciliationService(store QueryStore) *ReconciliationService {
	return &ReconciliationService{store: store}
}

// Imbalance describes one wallet that failed an invariant check.
type Imbalance struct {
	WalletID uuid.UUID `json:"wallet_id"`
	Check    string    `json:"check"`
	Expected int64     `json:"expected"`
	Actual   int64     `json:"actual"`
}

// Run performs one full reconciliation pass over every wallet and returns
// the imbalances found.
func (s *ReconciliationService) Run(ctx context.Context) ([]Imbalance, error) {
	queries := s.store.Queries()

	balances, err := queries.ListWalletBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list wallet balances: %w", err)
	}

	var imbalances []Imbalance
	for _, b := range balances {
		if err := ctx.Err(); err != nil {
			return imbalances, err
		}

		if b.TotalMicros != b.AvailableMicros+b.PendingMicros {
			imbalances = append(imbalances, Imbalance{
				WalletID: b.ID,
				Check:    "total_equals_available_plus_pending",
				Expected: b.AvailableMicros + b.PendingMicros,
				Actual:   b.TotalMicros,
			})
			observability.IncrementLedgerImbalance("balance_identity")
		}

		sum, err := queries.SumMovements(ctx, b.ID)
		if err != nil {
			return imbalances, fmt.Errorf("sum movements for wallet %s: %w", b.ID, err)
		}
		if sum != b.AvailableMicros {
			imbalances = append(imbalances, Imbalance{
				WalletID: b.ID,
				Check:    "movements_reproduce_available",
				Expected: b.AvailableMicros,
				Actual:   sum,
			})
			observability.IncrementLedgerImbalance("movement_replay")
		}
	}

	if len(imbalances) > 0 {
		zap.L().Error("ledger reconciliation found imbalances",
			zap.Int("count", len(imbalances)))
	} else {
		zap.L().Debug("ledger reconciliation clean",
			zap.Int("wallets", len(balances)))
	}
	return imbalances, nil
}
