package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/satsafe/escrowd/internal/btc"
	"github.com/satsafe/escrowd/internal/utxo"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, creator_id, counterparty_id, amount_satoshis, currency, deposit_address,
		       utxos, status, time_lock_unix, creator_confirmed, counterparty_confirmed,
		       ai_risk_score, tags, resolution, resolved_at, created_at, updated_at, version`

func encodeLists(e *Escrow) (utxosJSON, tagsJSON []byte, err error) {
	utxos := e.UTXOs
	if utxos == nil {
		utxos = []utxo.UTXO{}
	}
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	if utxosJSON, err = json.Marshal(utxos); err != nil {
		return nil, nil, err
	}
	if tagsJSON, err = json.Marshal(tags); err != nil {
		return nil, nil, err
	}
	return utxosJSON, tagsJSON, nil
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	utxosJSON, tagsJSON, err := encodeLists(e)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18
		)`,
		e.ID, e.CreatorID, e.CounterpartyID, int64(e.AmountSatoshis), string(e.Currency), e.DepositAddress,
		utxosJSON, string(e.Status), nullInt64(e.TimeLockUnix), e.CreatorConfirmed, e.CounterpartyConfirmed,
		nullScore(e.AIRiskScore), tagsJSON, nullString(e.Resolution), nullTime(e.ResolvedAt), e.CreatedAt, e.UpdatedAt, e.Version,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		if pqErr.Constraint == "escrows_deposit_address_key" {
			return ErrDuplicateAddress
		}
		return ErrDuplicateEscrow
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// Update writes every mutable field when the stored version matches. The
// immutable columns (parties, amount, currency, address, created_at) are
// never touched.
func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	utxosJSON, tagsJSON, err := encodeLists(e)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			utxos = $1, status = $2, creator_confirmed = $3, counterparty_confirmed = $4,
			ai_risk_score = $5, tags = $6, resolution = $7, resolved_at = $8, updated_at = $9,
			version = version + 1
		WHERE id = $10 AND version = $11`,
		utxosJSON, string(e.Status), e.CreatorConfirmed, e.CounterpartyConfirmed,
		nullScore(e.AIRiskScore), tagsJSON, nullString(e.Resolution), nullTime(e.ResolvedAt), e.UpdatedAt,
		e.ID, e.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM escrows WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrConcurrentUpdate
		}
		return ErrEscrowNotFound
	}
	e.Version++
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE creator_id = $1 OR counterparty_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = $1
		ORDER BY created_at DESC, id
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListTimeLockExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status IN ('created', 'funded')
		  AND time_lock_unix IS NOT NULL
		  AND time_lock_unix <= $1
		ORDER BY time_lock_unix
		LIMIT $2`, before.Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM escrows`).Scan(&n)
	return n, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		amount     int64
		currency   string
		status     string
		utxosJSON  []byte
		tagsJSON   []byte
		timeLock   sql.NullInt64
		riskScore  sql.NullInt16
		resolution sql.NullString
		resolvedAt sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.CreatorID, &e.CounterpartyID, &amount, &currency, &e.DepositAddress,
		&utxosJSON, &status, &timeLock, &e.CreatorConfirmed, &e.CounterpartyConfirmed,
		&riskScore, &tagsJSON, &resolution, &resolvedAt, &e.CreatedAt, &e.UpdatedAt, &e.Version,
	)
	if err != nil {
		return nil, err
	}

	e.AmountSatoshis = uint64(amount)
	e.Currency = btc.Currency(currency)
	e.Status = Status(status)
	e.Resolution = resolution.String
	if timeLock.Valid {
		v := timeLock.Int64
		e.TimeLockUnix = &v
	}
	if riskScore.Valid {
		v := uint8(riskScore.Int16)
		e.AIRiskScore = &v
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}
	if err := json.Unmarshal(utxosJSON, &e.UTXOs); err != nil {
		return nil, fmt.Errorf("escrow %s: decode utxos: %w", e.ID, err)
	}
	if err := json.Unmarshal(tagsJSON, &e.Tags); err != nil {
		return nil, fmt.Errorf("escrow %s: decode tags: %w", e.ID, err)
	}
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
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

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullScore(v *uint8) sql.NullInt16 {
	if v == nil {
		return sql.NullInt16{}
	}
	return sql.NullInt16{Int16: int16(*v), Valid: true}
}

var _ Store = (*PostgresStore)(nil)
