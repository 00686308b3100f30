package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adeyemio/fxrail/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries is the hand-written query set over the fxrail schema.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx rebinds the query set to a transaction.
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

// ---- wallets ----

const walletColumns = `id, business_id, currency, available_micros, pending_micros, total_micros, is_active, last_movement_at, created_at, updated_at`

func scanWallet(row pgx.Row) (models.Wallet, error) {
	var w models.Wallet
	err := row.Scan(&w.ID, &w.BusinessID, &w.Currency, &w.AvailableMicros, &w.PendingMicros,
		&w.TotalMicros, &w.IsActive, &w.LastMovementAt, &w.CreatedAt, &w.UpdatedAt)
	return w, err
}

// EnsureWallet lazily creates a zero-balance wallet for (business, currency).
// The unique constraint makes concurrent callers converge on one row.
func (q *Queries) EnsureWallet(ctx context.Context, businessID uuid.UUID, currency string) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO wallets (id, business_id, currency, available_micros, pending_micros, total_micros, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, 0, 0, 0, TRUE, NOW(), NOW())
		ON CONFLICT (business_id, currency) DO NOTHING`,
		uuid.New(), businessID, currency)
	if err != nil {
		return fmt.Errorf("ensure wallet: %w", err)
	}
	return nil
}

func (q *Queries) GetWalletByBusinessCurrency(ctx context.Context, businessID uuid.UUID, currency string) (models.Wallet, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE business_id = $1 AND currency = $2`,
		businessID, currency)
	return scanWallet(row)
}

func (q *Queries) GetWallet(ctx context.Context, id uuid.UUID) (models.Wallet, error) {
	row := q.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id)
	return scanWallet(row)
}

// GetWalletForUpdate takes the exclusive row lock that serializes all
// mutations on one wallet.
func (q *Queries) GetWalletForUpdate(ctx context.Context, id uuid.UUID) (models.Wallet, error) {
	row := q.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, id)
	return scanWallet(row)
}

func (q *Queries) ListWalletsForBusiness(ctx context.Context, businessID uuid.UUID) ([]models.Wallet, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE business_id = $1 ORDER BY currency`, businessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

type ApplyWalletDeltaParams struct {
	DeltaMicros int64
	ID          uuid.UUID
}

// ApplyWalletDelta moves available and total balance together, keeping
// total == available + pending. Returns the new available balance.
func (q *Queries) ApplyWalletDelta(ctx context.Context, arg ApplyWalletDeltaParams) (int64, error) {
	var available int64
	err := q.db.QueryRow(ctx, `
		UPDATE wallets
		SET available_micros = available_micros + $1,
		    total_micros = total_micros + $1,
		    last_movement_at = NOW(),
		    updated_at = NOW()
		WHERE id = $2
		RETURNING available_micros`,
		arg.DeltaMicros, arg.ID).Scan(&available)
	return available, err
}

type InsertMovementParams struct {
	ID                 uuid.UUID
	WalletID           uuid.UUID
	AmountMicros       int64
	BalanceAfterMicros int64
	TransferID         uuid.UUID
	ConversionID       *uuid.UUID
	Metadata           []byte
}

func (q *Queries) InsertMovement(ctx context.Context, arg InsertMovementParams) (models.WalletMovement, error) {
	var m models.WalletMovement
	err := q.db.QueryRow(ctx, `
		INSERT INTO wallet_movements (id, wallet_id, amount_micros, balance_after_micros, transfer_id, conversion_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING id, seq, wallet_id, amount_micros, balance_after_micros, transfer_id, conversion_id, metadata, created_at`,
		arg.ID, arg.WalletID, arg.AmountMicros, arg.BalanceAfterMicros, arg.TransferID, arg.ConversionID, arg.Metadata).
		Scan(&m.ID, &m.Seq, &m.WalletID, &m.AmountMicros, &m.BalanceAfterMicros, &m.TransferID, &m.ConversionID, &m.Metadata, &m.CreatedAt)
	return m, err
}

func (q *Queries) ListMovements(ctx context.Context, walletID uuid.UUID, limit, offset int32) ([]models.WalletMovement, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, seq, wallet_id, amount_micros, balance_after_micros, transfer_id, conversion_id, metadata, created_at
		FROM wallet_movements
		WHERE wallet_id = $1
		ORDER BY seq
		LIMIT $2 OFFSET $3`,
		walletID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WalletMovement
	for rows.Next() {
		var m models.WalletMovement
		if err := rows.Scan(&m.ID, &m.Seq, &m.WalletID, &m.AmountMicros, &m.BalanceAfterMicros,
			&m.TransferID, &m.ConversionID, &m.Metadata, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SumMovements replays the movement log for one wallet.
func (q *Queries) SumMovements(ctx context.Context, walletID uuid.UUID) (int64, error) {
	var sum int64
	err := q.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_micros), 0) FROM wallet_movements WHERE wallet_id = $1`,
		walletID).Scan(&sum)
	return sum, err
}

func (q *Queries) CountMovementsForTransfer(ctx context.Context, transferID uuid.UUID) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM wallet_movements WHERE transfer_id = $1`, transferID).Scan(&n)
	return n, err
}

// ---- transfers ----

const transferColumns = `id, reference, business_id, type, status, source_currency, target_currency,
	source_amount_micros, target_amount_micros, exchange_rate, fee_micros,
	source_wallet_id, target_wallet_id, beneficiary_id, reversed_transfer_id,
	failure_reason, created_at, updated_at, completed_at`

func scanTransfer(row pgx.Row) (models.Transfer, error) {
	var t models.Transfer
	var rate *string
	err := row.Scan(&t.ID, &t.Reference, &t.BusinessID, &t.Type, &t.Status,
		&t.SourceCurrency, &t.TargetCurrency, &t.SourceAmountMicros, &t.TargetAmountMicros,
		&rate, &t.FeeMicros, &t.SourceWalletID, &t.TargetWalletID, &t.BeneficiaryID,
		&t.ReversedTransferID, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if err != nil {
		return t, err
	}
	if rate != nil {
		d, perr := decimal.NewFromString(*rate)
		if perr != nil {
			return t, fmt.Errorf("parse exchange rate %q: %w", *rate, perr)
		}
		t.ExchangeRate = &d
	}
	return t, nil
}

type InsertTransferParams struct {
	ID                 uuid.UUID
	Reference          string
	BusinessID         uuid.UUID
	Type               string
	Status             string
	SourceCurrency     string
	TargetCurrency     string
	SourceAmountMicros int64
	SourceWalletID     uuid.UUID
	BeneficiaryID      *uuid.UUID
	ReversedTransferID *uuid.UUID
}

func (q *Queries) InsertTransfer(ctx context.Context, arg InsertTransferParams) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO transfers (id, reference, business_id, type, status, source_currency, target_currency,
			source_amount_micros, target_amount_micros, fee_micros, source_wallet_id, beneficiary_id,
			reversed_transfer_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 0, $9, $10, $11, NOW(), NOW())`,
		arg.ID, arg.Reference, arg.BusinessID, arg.Type, arg.Status, arg.SourceCurrency,
		arg.TargetCurrency, arg.SourceAmountMicros, arg.SourceWalletID, arg.BeneficiaryID,
		arg.ReversedTransferID)
	return err
}

func (q *Queries) GetTransfer(ctx context.Context, id uuid.UUID) (models.Transfer, error) {
	row := q.db.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id)
	return scanTransfer(row)
}

func (q *Queries) GetTransferByReference(ctx context.Context, reference string) (models.Transfer, error) {
	row := q.db.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE reference = $1`, reference)
	return scanTransfer(row)
}

func (q *Queries) GetTransferStatusForUpdate(ctx context.Context, id uuid.UUID) (string, error) {
	var status string
	err := q.db.QueryRow(ctx, `SELECT status FROM transfers WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	return status, err
}

type UpdateTransferStatusParams struct {
	Status        string
	FailureReason *string
	ID            uuid.UUID
}

func (q *Queries) UpdateTransferStatus(ctx context.Context, arg UpdateTransferStatusParams) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE transfers
		SET status = $1,
		    failure_reason = COALESCE($2, failure_reason),
		    completed_at = CASE WHEN $1 = 'COMPLETED' THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE id = $3`,
		arg.Status, arg.FailureReason, arg.ID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type SetTransferPricingParams struct {
	TargetAmountMicros int64
	ExchangeRate       decimal.Decimal
	FeeMicros          int64
	ID                 uuid.UUID
}

func (q *Queries) SetTransferPricing(ctx context.Context, arg SetTransferPricingParams) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE transfers
		SET target_amount_micros = $1, exchange_rate = $2, fee_micros = $3, updated_at = NOW()
		WHERE id = $4`,
		arg.TargetAmountMicros, arg.ExchangeRate.String(), arg.FeeMicros, arg.ID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) SetTransferTargetWallet(ctx context.Context, walletID, id uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE transfers SET target_wallet_id = $1, updated_at = NOW() WHERE id = $2`, walletID, id)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) ListTransfersByStatus(ctx context.Context, status string, limit, offset int32) ([]models.Transfer, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE status = $1 ORDER BY created_at LIMIT $2 OFFSET $3`,
		status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// StaleProcessingTransfers returns payout transfers that have sat in
// PROCESSING since before the cutoff without a broadcast settlement. These
// died between the debit and the chain broadcast and must be re-driven; a
// settlement row that never got its external_tx_id counts as stale too,
// because the confirmation tracker only claims broadcast records.
func (q *Queries) StaleProcessingTransfers(ctx context.Context, cutoff time.Time, limit int32) ([]models.Transfer, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+transferColumns+`
		FROM transfers t
		WHERE t.status = 'PROCESSING'
		  AND t.updated_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM external_settlements s
			WHERE s.transfer_id = t.id AND s.external_tx_id IS NOT NULL)
		ORDER BY t.updated_at
		LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---- transfer timeline ----

type InsertTimelineEventParams struct {
	TransferID uuid.UUID
	Step       string
	Status     string
	Message    string
	Metadata   []byte
}

func (q *Queries) InsertTimelineEvent(ctx context.Context, arg InsertTimelineEventParams) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO transfer_timeline_events (transfer_id, step, status, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		arg.TransferID, arg.Step, arg.Status, arg.Message, arg.Metadata)
	return err
}

func (q *Queries) ListTimelineEvents(ctx context.Context, transferID uuid.UUID) ([]models.TimelineEvent, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, transfer_id, step, status, message, metadata, created_at
		FROM transfer_timeline_events
		WHERE transfer_id = $1
		ORDER BY id`,
		transferID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TimelineEvent
	for rows.Next() {
		var e models.TimelineEvent
		if err := rows.Scan(&e.ID, &e.TransferID, &e.Step, &e.Status, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q *Queries) LastTimelineStep(ctx context.Context, transferID uuid.UUID) (string, error) {
	var step string
	err := q.db.QueryRow(ctx, `
		SELECT step FROM transfer_timeline_events
		WHERE transfer_id = $1 AND status = 'success'
		ORDER BY id DESC LIMIT 1`,
		transferID).Scan(&step)
	return step, err
}

func (q *Queries) CountTimelineEvents(ctx context.Context, transferID uuid.UUID) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM transfer_timeline_events WHERE transfer_id = $1`, transferID).Scan(&n)
	return n, err
}

// ---- external settlements ----

const settlementColumns = `id, transfer_id, network, asset, amount_micros, from_address, to_address,
	external_tx_id, status, confirmation_count, check_count, retry_count, last_checked_at, created_at, updated_at`

func scanSettlement(row pgx.Row) (models.Settlement, error) {
	var s models.Settlement
	err := row.Scan(&s.ID, &s.TransferID, &s.Network, &s.Asset, &s.AmountMicros,
		&s.FromAddress, &s.ToAddress, &s.ExternalTxID, &s.Status, &s.ConfirmationCount,
		&s.CheckCount, &s.RetryCount, &s.LastCheckedAt, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

type InsertSettlementParams struct {
	ID           uuid.UUID
	TransferID   uuid.UUID
	Network      string
	Asset        string
	AmountMicros int64
	FromAddress  string
	ToAddress    string
}

func (q *Queries) InsertSettlement(ctx context.Context, arg InsertSettlementParams) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO external_settlements (id, transfer_id, network, asset, amount_micros, from_address, to_address,
			status, confirmation_count, check_count, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'PENDING', 0, 0, 0, NOW(), NOW())`,
		arg.ID, arg.TransferID, arg.Network, arg.Asset, arg.AmountMicros, arg.FromAddress, arg.ToAddress)
	return err
}

func (q *Queries) GetSettlementByTransfer(ctx context.Context, transferID uuid.UUID) (models.Settlement, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+settlementColumns+` FROM external_settlements WHERE transfer_id = $1`, transferID)
	return scanSettlement(row)
}

// SetSettlementBroadcast records the external transaction id. The unique
// index on external_tx_id rejects tracking one broadcast under two records.
func (q *Queries) SetSettlementBroadcast(ctx context.Context, externalTxID string, id uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE external_settlements
		SET external_tx_id = $1, updated_at = NOW()
		WHERE id = $2 AND external_tx_id IS NULL`,
		externalTxID, id)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ClaimPendingSettlements claims broadcast, unconfirmed settlements for one
// polling pass. SKIP LOCKED keeps concurrent tracker instances disjoint.
func (q *Queries) ClaimPendingSettlements(ctx context.Context, limit int32) ([]models.Settlement, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+settlementColumns+`
		FROM external_settlements
		WHERE status = 'PENDING' AND external_tx_id IS NOT NULL
		ORDER BY COALESCE(last_checked_at, created_at)
		LIMIT $1
		FOR UPDATE SKIP LOCKED`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type RecordSettlementCheckParams struct {
	ConfirmationCount int32
	ID                uuid.UUID
}

func (q *Queries) RecordSettlementCheck(ctx context.Context, arg RecordSettlementCheckParams) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE external_settlements
		SET confirmation_count = $1, check_count = check_count + 1, last_checked_at = NOW(), updated_at = NOW()
		WHERE id = $2`,
		arg.ConfirmationCount, arg.ID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// TouchSettlement bumps last_checked_at so a claimed settlement rotates to
// the back of the polling order. check_count moves only on an actual poll.
func (q *Queries) TouchSettlement(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, `
		UPDATE external_settlements
		SET last_checked_at = NOW(), updated_at = NOW()
		WHERE id = $1`,
		id)
	return err
}

func (q *Queries) RecordSettlementRetry(ctx context.Context, id uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE external_settlements
		SET retry_count = retry_count + 1, last_checked_at = NOW(), updated_at = NOW()
		WHERE id = $1`,
		id)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) FinalizeSettlement(ctx context.Context, status string, id uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE external_settlements
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'PENDING'`,
		status, id)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ---- fee rules ----

const feeRuleColumns = `id, from_currency, to_currency, percentage_fee, fixed_fee_micros, minimum_fee_micros,
	rate_markup, min_amount_micros, max_amount_micros, priority, is_active, created_at`

func scanFeeRule(row pgx.Row) (models.FeeRule, error) {
	var r models.FeeRule
	var pct, markup string
	err := row.Scan(&r.ID, &r.FromCurrency, &r.ToCurrency, &pct, &r.FixedFeeMicros,
		&r.MinimumFeeMicros, &markup, &r.MinAmountMicros, &r.MaxAmountMicros,
		&r.Priority, &r.IsActive, &r.CreatedAt)
	if err != nil {
		return r, err
	}
	if r.PercentageFee, err = decimal.NewFromString(pct); err != nil {
		return r, fmt.Errorf("parse percentage fee %q: %w", pct, err)
	}
	if r.RateMarkup, err = decimal.NewFromString(markup); err != nil {
		return r, fmt.Errorf("parse rate markup %q: %w", markup, err)
	}
	return r, nil
}

type InsertFeeRuleParams struct {
	ID               uuid.UUID
	FromCurrency     string
	ToCurrency       string
	PercentageFee    decimal.Decimal
	FixedFeeMicros   int64
	MinimumFeeMicros int64
	RateMarkup       decimal.Decimal
	MinAmountMicros  int64
	MaxAmountMicros  int64
	Priority         int32
	IsActive         bool
}

func (q *Queries) InsertFeeRule(ctx context.Context, arg InsertFeeRuleParams) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO fee_rules (id, from_currency, to_currency, percentage_fee, fixed_fee_micros, minimum_fee_micros,
			rate_markup, min_amount_micros, max_amount_micros, priority, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())`,
		arg.ID, arg.FromCurrency, arg.ToCurrency, arg.PercentageFee.String(), arg.FixedFeeMicros,
		arg.MinimumFeeMicros, arg.RateMarkup.String(), arg.MinAmountMicros, arg.MaxAmountMicros,
		arg.Priority, arg.IsActive)
	return err
}

// ActiveFeeRulesForPair returns every active rule whose sides match the pair
// exactly or via the wildcard marker. Precedence is resolved in Go.
func (q *Queries) ActiveFeeRulesForPair(ctx context.Context, from, to string) ([]models.FeeRule, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+feeRuleColumns+`
		FROM fee_rules
		WHERE is_active
		  AND from_currency IN ($1, '*')
		  AND to_currency IN ($2, '*')`,
		from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.FeeRule
	for rows.Next() {
		r, err := scanFeeRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *Queries) ListFeeRules(ctx context.Context, limit, offset int32) ([]models.FeeRule, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+feeRuleColumns+` FROM fee_rules ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.FeeRule
	for rows.Next() {
		r, err := scanFeeRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- reconciliation ----

type WalletBalanceRow struct {
	ID              uuid.UUID
	AvailableMicros int64
	PendingMicros   int64
	TotalMicros     int64
}

func (q *Queries) ListWalletBalances(ctx context.Context) ([]WalletBalanceRow, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, available_micros, pending_micros, total_micros FROM wallets`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WalletBalanceRow
	for rows.Next() {
		var r WalletBalanceRow
		if err := rows.Scan(&r.ID, &r.AvailableMicros, &r.PendingMicros, &r.TotalMicros); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- idempotency keys ----

type IdempotencyKeyRow struct {
	IdempotencyKey string
	RequestHash    string
	Method         string
	Path           string
	ResponseStatus int32
	ResponseBody   []byte
	ContentType    string
	InProgress     bool
	CreatedAt      time.Time
}

func (q *Queries) GetIdempotencyKey(ctx context.Context, key string) (IdempotencyKeyRow, error) {
	var r IdempotencyKeyRow
	err := q.db.QueryRow(ctx, `
		SELECT idempotency_key, request_hash, method, path, COALESCE(response_status, 0),
		       COALESCE(response_body, ''), COALESCE(content_type, ''), in_progress, created_at
		FROM idempotency_keys WHERE idempotency_key = $1`,
		key).Scan(&r.IdempotencyKey, &r.RequestHash, &r.Method, &r.Path, &r.ResponseStatus,
		&r.ResponseBody, &r.ContentType, &r.InProgress, &r.CreatedAt)
	return r, err
}

type ReserveIdempotencyKeyParams struct {
	IdempotencyKey string
	RequestHash    string
	Method         string
	Path           string
}

// ReserveIdempotencyKey claims a key for the in-flight request. pgx.ErrNoRows
// means another request holds it.
func (q *Queries) ReserveIdempotencyKey(ctx context.Context, arg ReserveIdempotencyKeyParams) (IdempotencyKeyRow, error) {
	var r IdempotencyKeyRow
	err := q.db.QueryRow(ctx, `
		INSERT INTO idempotency_keys (idempotency_key, request_hash, method, path, in_progress, created_at)
		VALUES ($1, $2, $3, $4, TRUE, NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING idempotency_key, request_hash, method, path, 0, ''::bytea, '', in_progress, created_at`,
		arg.IdempotencyKey, arg.RequestHash, arg.Method, arg.Path).
		Scan(&r.IdempotencyKey, &r.RequestHash, &r.Method, &r.Path, &r.ResponseStatus,
			&r.ResponseBody, &r.ContentType, &r.InProgress, &r.CreatedAt)
	return r, err
}

type FinalizeIdempotencyKeyParams struct {
	ResponseStatus int32
	ResponseBody   []byte
	ContentType    string
	IdempotencyKey string
	RequestHash    string
}

func (q *Queries) FinalizeIdempotencyKey(ctx context.Context, arg FinalizeIdempotencyKeyParams) (IdempotencyKeyRow, error) {
	var r IdempotencyKeyRow
	err := q.db.QueryRow(ctx, `
		UPDATE idempotency_keys
		SET response_status = $1, response_body = $2, content_type = $3, in_progress = FALSE
		WHERE idempotency_key = $4 AND request_hash = $5
		RETURNING idempotency_key, request_hash, method, path, response_status, response_body, content_type, in_progress, created_at`,
		arg.ResponseStatus, arg.ResponseBody, arg.ContentType, arg.IdempotencyKey, arg.RequestHash).
		Scan(&r.IdempotencyKey, &r.RequestHash, &r.Method, &r.Path, &r.ResponseStatus,
			&r.ResponseBody, &r.ContentType, &r.InProgress, &r.CreatedAt)
	return r, err
}

// MetadataJSON marshals free-form movement/timeline metadata.
func MetadataJSON(m map[string]any) []byte {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}
