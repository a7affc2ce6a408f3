package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/satsafe/escrowd/internal/escrow"
	"github.com/satsafe/escrowd/internal/httpjson"
	"github.com/satsafe/escrowd/internal/idgen"
)

// ErrNoScorer is returned when neither the gateway nor the engine is set.
var ErrNoScorer = errors.New("risk: no scorer configured")

var assessmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "risk",
	Name:      "assessments_total",
	Help:      "Risk assessments by source and level.",
}, []string{"source", "level"})

func init() {
	prometheus.MustRegister(assessmentsTotal)
}

// Assessor implements escrow.RiskAssessor. It asks the AI gateway first
// and falls back to the local engine when the gateway call fails.
type Assessor struct {
	gateway *httpjson.Client
	engine  *Engine
	store   Store
	logger  *slog.Logger
}

// NewAssessor creates an assessor. gateway or engine may be nil, not both.
func NewAssessor(gateway *httpjson.Client, engine *Engine, store Store) *Assessor {
	return &Assessor{
		gateway: gateway,
		engine:  engine,
		store:   store,
		logger:  slog.Default(),
	}
}

// NewGatewayClient builds the HTTP client for the AI gateway at baseURL.
func NewGatewayClient(baseURL string) *httpjson.Client {
	return httpjson.New("ai-gateway", baseURL, 20*time.Second)
}

// WithLogger sets the logger.
func (a *Assessor) WithLogger(l *slog.Logger) *Assessor {
	a.logger = l
	return a
}

// Assess scores a funded escrow.
func (a *Assessor) Assess(ctx context.Context, esc *escrow.Escrow) (*escrow.Assessment, error) {
	var (
		result *Assessment
		err    error
	)
	if a.gateway != nil {
		result, err = a.fromGateway(ctx, esc)
		if err != nil {
			a.logger.Warn("ai gateway assessment failed", "escrowId", esc.ID, "error", err)
		}
	}
	if result == nil && a.engine != nil {
		result = a.engine.Score(esc)
	}
	if a.engine != nil {
		a.engine.Observe(esc)
	}
	if result == nil {
		if err == nil {
			err = ErrNoScorer
		}
		return nil, err
	}

	assessmentsTotal.WithLabelValues(result.Source, string(result.Level)).Inc()
	if a.store != nil {
		if err := a.store.Record(ctx, result); err != nil {
			a.logger.Warn("failed to record risk assessment", "escrowId", esc.ID, "error", err)
		}
	}
	return &escrow.Assessment{Score: result.Score, Tags: result.Tags()}, nil
}

// History returns recorded assessments for an escrow, newest first.
func (a *Assessor) History(ctx context.Context, escrowID string, limit int) ([]*Assessment, error) {
	if a.store == nil {
		return nil, nil
	}
	return a.store.ListByEscrow(ctx, escrowID, limit)
}

func (a *Assessor) fromGateway(ctx context.Context, esc *escrow.Escrow) (*Assessment, error) {
	req := assessRequest{
		EscrowID:       esc.ID,
		UserID:         esc.CreatorID,
		CounterpartyID: esc.CounterpartyID,
		AmountSatoshis: esc.AmountSatoshis,
		Currency:       string(esc.Currency),
	}
	var resp assessResponse
	if err := a.gateway.Do(ctx, http.MethodPost, "/api/assess-risk", req, &resp); err != nil {
		return nil, err
	}
	if resp.RiskScore < 0 {
		return nil, fmt.Errorf("ai gateway returned negative score %d", resp.RiskScore)
	}

	score := uint8(min(resp.RiskScore, 100))
	level := Level(strings.ToLower(strings.TrimSpace(resp.RiskLevel)))
	switch level {
	case LevelLow, LevelMedium, LevelHigh:
	default:
		level = LevelFor(score)
	}
	action := strings.ToLower(strings.TrimSpace(resp.RecommendedAction))
	if action == "" {
		action = ActionFor(score)
	}

	return &Assessment{
		ID:                idgen.WithPrefix("risk_"),
		EscrowID:          esc.ID,
		Score:             score,
		Level:             level,
		Reasons:           resp.Reasons,
		RecommendedAction: action,
		ModelVersion:      resp.ModelVersion,
		Source:            SourceGateway,
		AssessedAt:        time.Now(),
	}, nil
}
