package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists assessments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	factorsJSON, err := json.Marshal(a.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}
	reasons := a.Reasons
	if reasons == nil {
		reasons = []string{}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (id, escrow_id, score, level, reasons, action, model_version, source, factors, assessed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		a.ID,
		a.EscrowID,
		int(a.Score),
		string(a.Level),
		pq.Array(reasons),
		a.RecommendedAction,
		a.ModelVersion,
		a.Source,
		factorsJSON,
		a.AssessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByEscrow(ctx context.Context, escrowID string, limit int) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, escrow_id, score, level, reasons, action, model_version, source, factors, assessed_at
		FROM risk_assessments
		WHERE escrow_id = $1
		ORDER BY assessed_at DESC
		LIMIT $2
	`, escrowID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		var a Assessment
		var score int
		var level string
		var factorsJSON []byte
		if err := rows.Scan(&a.ID, &a.EscrowID, &score, &level, pq.Array(&a.Reasons),
			&a.RecommendedAction, &a.ModelVersion, &a.Source, &factorsJSON, &a.AssessedAt); err != nil {
			return nil, fmt.Errorf("failed to scan risk assessment: %w", err)
		}
		a.Score = uint8(score)
		a.Level = Level(level)
		if a.Factors, err = decodeFactors(factorsJSON); err != nil {
			return nil, fmt.Errorf("risk assessment %s: %w", a.ID, err)
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}

// decodeFactors reads the factors column. NULL and JSON null give nil.
func decodeFactors(raw []byte) (map[string]float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	factors := make(map[string]float64)
	if err := json.Unmarshal(raw, &factors); err != nil {
		return nil, fmt.Errorf("decode factors: %w", err)
	}
	return factors, nil
}
