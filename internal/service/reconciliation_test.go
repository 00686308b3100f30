package service

import (
	"context"
	"testing"

	"github.com/adeyemio/fxrail/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestReconciliationCleanLedger(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	store := repository.NewStore(db)
	ledger := NewLedgerService(store)
	recon := NewReconciliationService(store)
	ctx := context.Background()

	wallet, err := ledger.GetOrCreate(ctx, uuid.New(), "USD")
	require.NoError(t, err)
	fundWallet(t, store, ledger, wallet.ID, 5_000_000)

	imbalances, err := recon.Run(ctx)
	require.NoError(t, err)
	require.Empty(t, imbalances)
}

func TestReconciliationDetectsTamperedBalance(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	store := repository.NewStore(db)
	ledger := NewLedgerService(store)
	recon := NewReconciliationService(store)
	ctx := context.Background()

	wallet, err := ledger.GetOrCreate(ctx, uuid.New(), "USD")
	require.NoError(t, err)
	fundWallet(t, store, ledger, wallet.ID, 5_000_000)

	// Corrupt the available balance behind the ledger's back. Both checks
	// should fire: total no longer equals available+pending, and the movement
	// log no longer replays to available.
	_, err = db.Exec(ctx,
		"UPDATE wallets SET available_micros = available_micros + 1000 WHERE id = $1", wallet.ID)
	require.NoError(t, err)

	imbalances, err := recon.Run(ctx)
	require.NoError(t, err)
	require.Len(t, imbalances, 2)

	byCheck := make(map[string]Imbalance, len(imbalances))
	for _, im := range imbalances {
		require.Equal(t, wallet.ID, im.WalletID)
		byCheck[im.Check] = im
	}

	identity, ok := byCheck["total_equals_available_plus_pending"]
	require.True(t, ok)
	require.Equal(t, int64(5_001_000), identity.Expected)
	require.Equal(t, int64(5_000_000), identity.Actual)

	replay, ok := byCheck["movements_reproduce_available"]
	require.True(t, ok)
	require.Equal(t, int64(5_001_000), replay.Expected)
	require.Equal(t, int64(5_000_000), replay.Actual)
}
