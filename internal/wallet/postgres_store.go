package wallet

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/satsafe/escrowd/internal/btc"
)

// PostgresStore persists deposit addresses in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed address store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, a *DepositAddress) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO deposit_addresses (address, user_id, currency, created_at)
		VALUES ($1, $2, $3, $4)
	`, a.Address, a.UserID, string(a.Currency), a.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAddressExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, userID string, currency btc.Currency) (*DepositAddress, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT address, user_id, currency, created_at
		FROM deposit_addresses WHERE user_id = $1 AND currency = $2
	`, userID, string(currency)))
}

func (p *PostgresStore) Lookup(ctx context.Context, address string) (*DepositAddress, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT address, user_id, currency, created_at
		FROM deposit_addresses WHERE address = $1
	`, address))
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*DepositAddress, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT address, user_id, currency, created_at
		FROM deposit_addresses WHERE user_id = $1
		ORDER BY created_at, currency
	`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*DepositAddress
	for rows.Next() {
		a, err := scanAddress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) scanOne(row *sql.Row) (*DepositAddress, error) {
	a, err := scanAddress(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAddressNotFound
	}
	return a, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAddress(s scanner) (*DepositAddress, error) {
	var a DepositAddress
	var currency string
	if err := s.Scan(&a.Address, &a.UserID, &currency, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Currency = btc.Currency(currency)
	return &a, nil
}

var _ AddressStore = (*PostgresStore)(nil)
