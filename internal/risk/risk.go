// Package risk scores funded escrows for fraud risk.
//
// The primary scorer is the AI gateway (POST /api/assess-risk). When the
// gateway is unavailable the local Engine scores the escrow from sliding
// windows of the creator's recent escrows: velocity, counterparty novelty,
// time of day and size. Every assessment is kept in an audit store.
package risk

import (
	"context"
	"strings"
	"time"
)

// Level is the coarse risk bucket.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// LevelFor buckets a 0-100 score: 0-30 low, 31-70 medium, above that high.
func LevelFor(score uint8) Level {
	switch {
	case score <= 30:
		return LevelLow
	case score <= 70:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// Recommended actions.
const (
	ActionApprove = "approve"
	ActionReview  = "review"
	ActionReject  = "reject"
)

// ActionFor maps a score to the action the gateway would recommend.
func ActionFor(score uint8) string {
	switch {
	case score < 30:
		return ActionApprove
	case score < 70:
		return ActionReview
	default:
		return ActionReject
	}
}

// Source identifies which scorer produced an assessment.
const (
	SourceGateway = "gateway"
	SourceLocal   = "local"
)

// Assessment is one recorded evaluation of an escrow.
type Assessment struct {
	ID                string             `json:"id"`
	EscrowID          string             `json:"escrow_id"`
	Score             uint8              `json:"risk_score"`
	Level             Level              `json:"risk_level"`
	Reasons           []string           `json:"reasons"`
	RecommendedAction string             `json:"recommended_action"`
	ModelVersion      string             `json:"model_version,omitempty"`
	Source            string             `json:"source"`
	Factors           map[string]float64 `json:"factors,omitempty"`
	AssessedAt        time.Time          `json:"assessed_at"`
}

// Tags renders the assessment as escrow tags.
func (a *Assessment) Tags() []string {
	tags := []string{
		"risk:" + string(a.Level),
		"action:" + strings.ToLower(a.RecommendedAction),
	}
	for _, r := range a.Reasons {
		if r = strings.TrimSpace(r); r != "" {
			tags = append(tags, "reason:"+r)
		}
	}
	return tags
}

// Store persists assessments for the audit trail.
type Store interface {
	Record(ctx context.Context, a *Assessment) error
	ListByEscrow(ctx context.Context, escrowID string, limit int) ([]*Assessment, error)
}

// assessRequest is the AI gateway request body.
type assessRequest struct {
	EscrowID               string `json:"escrow_id"`
	UserID                 string `json:"user_id"`
	CounterpartyID         string `json:"counterparty_id"`
	AmountSatoshis         uint64 `json:"amount_satoshis"`
	Currency               string `json:"currency"`
	UserTrustScore         *uint8 `json:"user_trust_score,omitempty"`
	CounterpartyTrustScore *uint8 `json:"counterparty_trust_score,omitempty"`
}

// assessResponse is the AI gateway response body.
type assessResponse struct {
	EscrowID          string   `json:"escrow_id"`
	RiskScore         int      `json:"risk_score"`
	RiskLevel         string   `json:"risk_level"`
	Reasons           []string `json:"reasons"`
	RecommendedAction string   `json:"recommended_action"`
	ModelVersion      string   `json:"model_version"`
}
