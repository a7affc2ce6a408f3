package reconciliation

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/satsafe/escrowd/internal/syncutil"
)

// Timer runs the reconciliation on an interval and keeps the latest
// successful report for the admin endpoint.
type Timer struct {
	runner *Runner
	logger *slog.Logger
	loop   *syncutil.Loop
	last   atomic.Pointer[Report]
}

// NewTimer creates a reconciliation timer. A non-positive interval
// defaults to five minutes.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Timer{runner: runner, logger: logger}
	t.loop = syncutil.NewLoop("reconciliation timer", interval, logger, t.run)
	return t
}

// Start blocks until ctx ends or Stop is called.
func (t *Timer) Start(ctx context.Context) { t.loop.Run(ctx) }

// Stop ends the loop; it does not block.
func (t *Timer) Stop() { t.loop.Stop() }

// Running reports whether the loop is active.
func (t *Timer) Running() bool { return t.loop.Running() }

// RunNow performs one reconciliation immediately, recording the report
// like a scheduled run would.
func (t *Timer) RunNow(ctx context.Context) (*Report, error) {
	report, err := t.runner.RunAll(ctx)
	if err != nil {
		return nil, err
	}
	t.last.Store(report)
	return report, nil
}

func (t *Timer) run(ctx context.Context) {
	report, err := t.RunNow(ctx)
	if err != nil {
		t.logger.Warn("reconciliation run failed", "error", err)
		return
	}
	t.logger.Info("reconciliation run complete",
		"checked", report.Checked,
		"mismatches", len(report.Mismatches),
		"stuck", len(report.StuckEscrows),
		"duration", report.Duration)
}

// Last returns the most recent successful report, or nil.
func (t *Timer) Last() *Report {
	return t.last.Load()
}
