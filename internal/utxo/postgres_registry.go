package utxo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresRegistry implements Registry on the utxo_attributions table,
// whose primary key (txid, vout) makes the insert the check-and-set.
type PostgresRegistry struct {
	db *sql.DB
}

// NewPostgresRegistry creates a new PostgreSQL-backed registry.
func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

const attributionColumns = `txid, vout, escrow_id, amount, confirmations, attributed_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAttribution(row scanner) (*Attribution, error) {
	var a Attribution
	var vout, confirmations int32
	var amount int64
	if err := row.Scan(&a.TxID, &vout, &a.EscrowID, &amount, &confirmations, &a.AttributedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Vout = uint32(vout)
	a.Amount = uint64(amount)
	a.Confirmations = uint32(confirmations)
	return &a, nil
}

func (r *PostgresRegistry) Attribute(ctx context.Context, escrowID string, u UTXO) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO utxo_attributions (`+attributionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (txid, vout) DO NOTHING
	`, u.TxID, int32(u.Vout), escrowID, int64(u.Amount), int32(u.Confirmations), now)
	if err != nil {
		return false, fmt.Errorf("failed to attribute utxo: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		observeAttribution("new")
		return true, tx.Commit()
	}

	existing, err := scanAttribution(tx.QueryRowContext(ctx, `
		SELECT `+attributionColumns+` FROM utxo_attributions
		WHERE txid = $1 AND vout = $2
		FOR UPDATE
	`, u.TxID, int32(u.Vout)))
	if err != nil {
		return false, fmt.Errorf("failed to read attribution: %w", err)
	}

	result, rerr := reconcile(existing, escrowID, u)
	observeAttribution(result)
	if result == "updated" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE utxo_attributions SET confirmations = $3, updated_at = $4
			WHERE txid = $1 AND vout = $2
		`, u.TxID, int32(u.Vout), int32(u.Confirmations), now); err != nil {
			return false, fmt.Errorf("failed to update confirmations: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, err
		}
	}
	return false, rerr
}

func (r *PostgresRegistry) Detach(ctx context.Context, escrowID, txid string, vout uint32) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM utxo_attributions WHERE txid = $1 AND vout = $2 AND escrow_id = $3
	`, txid, int32(vout), escrowID)
	if err != nil {
		return fmt.Errorf("failed to detach utxo: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRegistry) Get(ctx context.Context, txid string, vout uint32) (*Attribution, error) {
	a, err := scanAttribution(r.db.QueryRowContext(ctx, `
		SELECT `+attributionColumns+` FROM utxo_attributions WHERE txid = $1 AND vout = $2
	`, txid, int32(vout)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (r *PostgresRegistry) ListByEscrow(ctx context.Context, escrowID string) ([]*Attribution, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+attributionColumns+` FROM utxo_attributions
		WHERE escrow_id = $1
		ORDER BY attributed_at, txid, vout
	`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Attribution
	for rows.Next() {
		a, err := scanAttribution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

var _ Registry = (*PostgresRegistry)(nil)
