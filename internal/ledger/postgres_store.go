package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/lib/pq"

	"github.com/satsafe/escrowd/internal/btc"
	"github.com/satsafe/escrowd/internal/retry"
)

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
)

// PostgresStore implements Store with PostgreSQL. Multi-row mutations lock
// balance rows with SELECT ... ORDER BY user_id FOR UPDATE so concurrent
// transfers always acquire users in the same order.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// withTx runs fn in a serializable transaction, retrying serialization
// failures and deadlocks.
func (p *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retry.Do(ctx, retry.Policy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond}, func() error {
		tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return retryable(err)
		}
		if err := tx.Commit(); err != nil {
			return retryable(err)
		}
		return nil
	})
}

// retryable passes through errors worth another attempt and marks the rest
// permanent.
func retryable(err error) error {
	switch pqCode(err) {
	case pgSerializationFailure, pgDeadlockDetected:
		return err
	}
	return retry.Permanent(err)
}

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}

const balanceColumns = `user_id, btc_balance, ckbtc_balance, pending_deposits, pending_withdrawals, last_updated`

type scanner interface {
	Scan(dest ...any) error
}

func scanBalance(row scanner) (*Balance, error) {
	var b Balance
	var btcBal, ckbtcBal, pendingIn, pendingOut int64
	if err := row.Scan(&b.UserID, &btcBal, &ckbtcBal, &pendingIn, &pendingOut, &b.LastUpdated); err != nil {
		return nil, err
	}
	b.BTC = uint64(btcBal)
	b.CkBTC = uint64(ckbtcBal)
	b.PendingDeposits = uint64(pendingIn)
	b.PendingWithdrawals = uint64(pendingOut)
	return &b, nil
}

// lockBalances creates missing rows then locks all of them in user_id order.
// The inserts take row locks too, so they follow the same order.
func lockBalances(ctx context.Context, tx *sql.Tx, userIDs ...string) (map[string]*Balance, error) {
	userIDs = slices.Clone(userIDs)
	slices.Sort(userIDs)
	userIDs = slices.Compact(userIDs)
	for _, id := range userIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO wallet_balances (user_id) VALUES ($1)
			ON CONFLICT (user_id) DO NOTHING
		`, id); err != nil {
			return nil, fmt.Errorf("failed to ensure balance row: %w", err)
		}
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT `+balanceColumns+` FROM wallet_balances
		WHERE user_id = ANY($1)
		ORDER BY user_id
		FOR UPDATE
	`, pq.Array(userIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to lock balances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]*Balance, len(userIDs))
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out[b.UserID] = b
	}
	return out, rows.Err()
}

func saveBalance(ctx context.Context, tx *sql.Tx, b *Balance) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE wallet_balances SET
			btc_balance         = $2,
			ckbtc_balance       = $3,
			pending_deposits    = $4,
			pending_withdrawals = $5,
			last_updated        = $6
		WHERE user_id = $1
	`, b.UserID, int64(b.BTC), int64(b.CkBTC), int64(b.PendingDeposits), int64(b.PendingWithdrawals), b.LastUpdated)
	if err != nil {
		if pqCode(err) == pgCheckViolation {
			return ErrInsufficientBalance
		}
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func insertTx(ctx context.Context, tx *sql.Tx, t *Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_transactions
			(tx_id, user_id, tx_type, amount, currency, status, reference, created_at, confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, t.ID, t.UserID, string(t.Type), int64(t.Amount), string(t.Currency), string(t.Status),
		nullString(t.Reference), t.CreatedAt, nullTime(t.ConfirmedAt))
	if err != nil {
		if pqCode(err) == pgUniqueViolation && t.Type == TxDeposit {
			return ErrDuplicateDeposit
		}
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

// GetBalance returns a user's balance, creating the row on first reference.
func (p *PostgresStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO wallet_balances (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING `+balanceColumns, userID)
	return scanBalance(row)
}

func (p *PostgresStore) HasAccount(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM wallet_balances WHERE user_id = $1)
	`, userID).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) Credit(ctx context.Context, userID string, currency btc.Currency, amount uint64, txType TxType, reference string) (*Transaction, error) {
	var out *Transaction
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		bals, err := lockBalances(ctx, tx, userID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		b := bals[userID]
		b.setAvailable(currency, b.Available(currency)+amount)
		b.LastUpdated = now
		if err := saveBalance(ctx, tx, b); err != nil {
			return err
		}
		out = newTransaction(userID, txType, currency, amount, StatusConfirmed, reference, now)
		return insertTx(ctx, tx, out)
	})
	return out, err
}

func (p *PostgresStore) Debit(ctx context.Context, userID string, currency btc.Currency, amount uint64, txType TxType, reference string) (*Transaction, error) {
	var out *Transaction
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		bals, err := lockBalances(ctx, tx, userID)
		if err != nil {
			return err
		}
		b := bals[userID]
		if b.Available(currency) < amount {
			return ErrInsufficientBalance
		}
		now := time.Now().UTC()
		b.setAvailable(currency, b.Available(currency)-amount)
		b.LastUpdated = now
		if err := saveBalance(ctx, tx, b); err != nil {
			return err
		}
		out = newTransaction(userID, txType, currency, amount, StatusConfirmed, reference, now)
		return insertTx(ctx, tx, out)
	})
	return out, err
}

func (p *PostgresStore) Transfer(ctx context.Context, from, to string, currency btc.Currency, amount uint64, reference string) (*Balance, error) {
	var sender *Balance
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		bals, err := lockBalances(ctx, tx, from, to)
		if err != nil {
			return err
		}
		s, r := bals[from], bals[to]
		if s.Available(currency) < amount {
			return ErrInsufficientBalance
		}
		now := time.Now().UTC()
		s.setAvailable(currency, s.Available(currency)-amount)
		s.LastUpdated = now
		r.setAvailable(currency, r.Available(currency)+amount)
		r.LastUpdated = now

		for _, b := range []*Balance{s, r} {
			if err := saveBalance(ctx, tx, b); err != nil {
				return err
			}
		}
		if err := insertTx(ctx, tx, newTransaction(from, TxTransferOut, currency, amount, StatusConfirmed, reference, now)); err != nil {
			return err
		}
		if err := insertTx(ctx, tx, newTransaction(to, TxTransferIn, currency, amount, StatusConfirmed, reference, now)); err != nil {
			return err
		}
		sender = s
		return nil
	})
	return sender, err
}

func (p *PostgresStore) AddPendingDeposit(ctx context.Context, userID string, currency btc.Currency, amount uint64, reference string) (*Transaction, error) {
	var out *Transaction
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		bals, err := lockBalances(ctx, tx, userID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		b := bals[userID]
		b.PendingDeposits += amount
		b.LastUpdated = now
		if err := saveBalance(ctx, tx, b); err != nil {
			return err
		}
		out = newTransaction(userID, TxDeposit, currency, amount, StatusPending, reference, now)
		return insertTx(ctx, tx, out)
	})
	return out, err
}

func (p *PostgresStore) ConfirmPendingDeposit(ctx context.Context, txID string) (*Transaction, error) {
	var out *Transaction
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		t, err := scanTransaction(tx.QueryRowContext(ctx, `
			SELECT `+txColumns+` FROM ledger_transactions
			WHERE tx_id = $1 AND tx_type = 'deposit'
			FOR UPDATE
		`, txID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTransactionNotFound
		}
		if err != nil {
			return err
		}
		if t.Status == StatusConfirmed {
			return ErrAlreadyConfirmed
		}

		bals, err := lockBalances(ctx, tx, t.UserID)
		if err != nil {
			return err
		}
		b := bals[t.UserID]
		if b.PendingDeposits < t.Amount {
			return ErrPendingMismatch
		}
		now := time.Now().UTC()
		b.PendingDeposits -= t.Amount
		b.setAvailable(t.Currency, b.Available(t.Currency)+t.Amount)
		b.LastUpdated = now
		if err := saveBalance(ctx, tx, b); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE ledger_transactions SET status = 'confirmed', confirmed_at = $2
			WHERE tx_id = $1
		`, t.ID, now); err != nil {
			return fmt.Errorf("failed to confirm transaction: %w", err)
		}
		t.Status = StatusConfirmed
		t.ConfirmedAt = &now
		out = t
		return nil
	})
	return out, err
}

func (p *PostgresStore) HasDeposit(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM ledger_transactions WHERE reference = $1 AND tx_type = 'deposit')
	`, reference).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) LockCollateral(ctx context.Context, escrowID, depositor string, currency btc.Currency, amount uint64, reference string) (*Transaction, error) {
	var out *Transaction
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var stored string
		err := tx.QueryRowContext(ctx, `
			INSERT INTO escrow_collateral (escrow_id, currency, locked, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (escrow_id) DO UPDATE SET
				locked     = escrow_collateral.locked + EXCLUDED.locked,
				updated_at = NOW()
			RETURNING currency
		`, escrowID, string(currency), int64(amount)).Scan(&stored)
		if err != nil {
			return fmt.Errorf("failed to lock collateral: %w", err)
		}
		if btc.Currency(stored) != currency {
			return ErrCurrencyMismatch
		}
		out = newTransaction(depositor, TxEscrowLock, currency, amount, StatusConfirmed, reference, time.Now().UTC())
		return insertTx(ctx, tx, out)
	})
	return out, err
}

func (p *PostgresStore) SettleCollateral(ctx context.Context, escrowID string, currency btc.Currency, payouts []Payout) ([]*Transaction, error) {
	var out []*Transaction
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		out = out[:0]
		var stored string
		var locked int64
		err := tx.QueryRowContext(ctx, `
			SELECT currency, locked FROM escrow_collateral WHERE escrow_id = $1 FOR UPDATE
		`, escrowID).Scan(&stored, &locked)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrCollateralShortfall
		}
		if err != nil {
			return err
		}
		if btc.Currency(stored) != currency {
			return ErrCurrencyMismatch
		}

		var total uint64
		users := make([]string, 0, len(payouts))
		for _, po := range payouts {
			total += po.Amount
			users = append(users, po.UserID)
		}
		if total > uint64(locked) {
			return ErrCollateralShortfall
		}

		bals, err := lockBalances(ctx, tx, users...)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, po := range payouts {
			t := po.apply(bals[po.UserID], escrowID, currency, now)
			if err := insertTx(ctx, tx, t); err != nil {
				return err
			}
			out = append(out, t)
		}
		for _, b := range bals {
			if err := saveBalance(ctx, tx, b); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE escrow_collateral SET locked = locked - $2, updated_at = NOW()
			WHERE escrow_id = $1
		`, escrowID, int64(total))
		return err
	})
	return out, err
}

func (p *PostgresStore) Collateral(ctx context.Context, escrowID string) (uint64, error) {
	var locked int64
	err := p.db.QueryRowContext(ctx, `
		SELECT locked FROM escrow_collateral WHERE escrow_id = $1
	`, escrowID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return uint64(locked), err
}

const txColumns = `tx_id, user_id, tx_type, amount, currency, status, reference, created_at, confirmed_at`

func scanTransaction(row scanner) (*Transaction, error) {
	var t Transaction
	var txType, currency, status string
	var amount int64
	var reference sql.NullString
	var confirmedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.UserID, &txType, &amount, &currency, &status, &reference, &t.CreatedAt, &confirmedAt); err != nil {
		return nil, err
	}
	t.Type = TxType(txType)
	t.Amount = uint64(amount)
	t.Currency = btc.Currency(currency)
	t.Status = TxStatus(status)
	t.Reference = reference.String
	if confirmedAt.Valid {
		ts := confirmedAt.Time
		t.ConfirmedAt = &ts
	}
	return &t, nil
}

func (p *PostgresStore) GetTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM ledger_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, tx_id
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
