// Package reconciliation cross-checks escrow records, the UTXO registry and
// ledger collateral.
//
// Invariants checked per escrow:
//   - while open, locked collateral equals the sum of attributed UTXOs;
//   - once Released or Refunded, no collateral remains locked;
//   - the record's UTXO list matches the registry's attributions;
//   - no Created/Funded escrow sits past its time lock (the timeout timer
//     should have refunded it).
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/satsafe/escrowd/internal/escrow"
	"github.com/satsafe/escrowd/internal/utxo"
)

// EscrowLister lists escrows by status.
type EscrowLister interface {
	ListByStatus(ctx context.Context, status escrow.Status, limit int) ([]*escrow.Escrow, error)
}

// CollateralReader reports the collateral locked for an escrow.
type CollateralReader interface {
	Collateral(ctx context.Context, escrowID string) (uint64, error)
}

// Mismatch is one violated invariant.
type Mismatch struct {
	EscrowID string        `json:"escrow_id"`
	Status   escrow.Status `json:"status"`
	Kind     string        `json:"kind"`
	Expected uint64        `json:"expected"`
	Actual   uint64        `json:"actual"`
}

// Mismatch kinds.
const (
	KindCollateral = "collateral"
	KindRecord     = "record"
)

// Report is the outcome of one reconciliation run.
type Report struct {
	Checked      int           `json:"checked"`
	Mismatches   []Mismatch    `json:"mismatches"`
	StuckEscrows []string      `json:"stuck_escrows"`
	Duration     time.Duration `json:"duration"`
	RanAt        time.Time     `json:"ran_at"`
}

// Healthy reports whether the run found nothing to flag.
func (r *Report) Healthy() bool {
	return len(r.Mismatches) == 0 && len(r.StuckEscrows) == 0
}

var allStatuses = []escrow.Status{
	escrow.StatusCreated,
	escrow.StatusFunded,
	escrow.StatusDelivered,
	escrow.StatusDisputed,
	escrow.StatusReleased,
	escrow.StatusRefunded,
}

// Runner performs reconciliation runs.
type Runner struct {
	escrows   EscrowLister
	registry  utxo.Registry
	ledger    CollateralReader
	logger    *slog.Logger
	now       func() time.Time
	batchSize int
}

// NewRunner creates a reconciliation runner.
func NewRunner(escrows EscrowLister, registry utxo.Registry, ledger CollateralReader, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		escrows:   escrows,
		registry:  registry,
		ledger:    ledger,
		logger:    logger,
		now:       time.Now,
		batchSize: 1000,
	}
}

// WithClock overrides the time source (tests).
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// RunAll checks every escrow and updates the reconciliation gauges.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{RanAt: r.now(), Mismatches: []Mismatch{}, StuckEscrows: []string{}}

	for _, status := range allStatuses {
		list, err := r.escrows.ListByStatus(ctx, status, r.batchSize)
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("failed to list %s escrows: %w", status, err)
		}
		for _, e := range list {
			if err := r.check(ctx, e, report); err != nil {
				reconcileErrors.Inc()
				return nil, err
			}
		}
	}

	report.Duration = time.Since(start)
	reconcileDuration.Observe(report.Duration.Seconds())
	reconcileEscrowsChecked.Set(float64(report.Checked))
	var collateral, record float64
	for _, m := range report.Mismatches {
		if m.Kind == KindCollateral {
			collateral++
		} else {
			record++
		}
	}
	reconcileCollateralMismatches.Set(collateral)
	reconcileRecordMismatches.Set(record)
	reconcileStuckEscrows.Set(float64(len(report.StuckEscrows)))

	for _, m := range report.Mismatches {
		r.logger.Error("reconciliation mismatch",
			"escrowId", m.EscrowID, "status", m.Status, "kind", m.Kind,
			"expected", m.Expected, "actual", m.Actual)
	}
	if len(report.StuckEscrows) > 0 {
		r.logger.Warn("escrows past their time lock", "count", len(report.StuckEscrows))
	}
	return report, nil
}

func (r *Runner) check(ctx context.Context, e *escrow.Escrow, report *Report) error {
	report.Checked++

	attributions, err := r.registry.ListByEscrow(ctx, e.ID)
	if err != nil {
		return fmt.Errorf("failed to list attributions for %s: %w", e.ID, err)
	}
	var attributed uint64
	for _, a := range attributions {
		attributed += a.Amount
	}

	locked, err := r.ledger.Collateral(ctx, e.ID)
	if err != nil {
		return fmt.Errorf("failed to read collateral for %s: %w", e.ID, err)
	}

	expected := attributed
	if e.IsTerminal() {
		expected = 0
	}
	if locked != expected {
		report.Mismatches = append(report.Mismatches, Mismatch{
			EscrowID: e.ID, Status: e.Status, Kind: KindCollateral,
			Expected: expected, Actual: locked,
		})
	}

	if recorded := utxo.Sum(e.UTXOs, 0); recorded != attributed || len(e.UTXOs) != len(attributions) {
		report.Mismatches = append(report.Mismatches, Mismatch{
			EscrowID: e.ID, Status: e.Status, Kind: KindRecord,
			Expected: attributed, Actual: recorded,
		})
	}

	if (e.Status == escrow.StatusCreated || e.Status == escrow.StatusFunded) &&
		e.TimeLockUnix != nil && *e.TimeLockUnix <= r.now().Unix() {
		report.StuckEscrows = append(report.StuckEscrows, e.ID)
	}
	return nil
}
