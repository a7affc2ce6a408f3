package escrow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/satsafe/escrowd/internal/syncutil"
)

const timerBatchSize = 100

// Timer refunds Created and Funded escrows once their time lock has
// elapsed. Disputed escrows are left for a resolver.
type Timer struct {
	service *Service
	store   Store
	logger  *slog.Logger
	loop    *syncutil.Loop
}

// NewTimer creates a refund timer; a non-positive interval means 30s.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Timer{service: service, store: store, logger: logger}
	t.loop = syncutil.NewLoop("escrow timer", interval, logger, func(ctx context.Context) {
		t.refundExpired(ctx)
	})
	return t
}

// Start blocks, sweeping every interval until ctx ends or Stop is called.
func (t *Timer) Start(ctx context.Context) { t.loop.Run(ctx) }

// Stop ends the loop after the current sweep. It does not block.
func (t *Timer) Stop() { t.loop.Stop() }

// Running reports whether the loop is active.
func (t *Timer) Running() bool { return t.loop.Running() }

// refundExpired runs one sweep and returns how many escrows were refunded.
func (t *Timer) refundExpired(ctx context.Context) int {
	expired, err := t.store.ListTimeLockExpired(ctx, t.service.now(), timerBatchSize)
	if err != nil {
		t.logger.Warn("failed to list expired escrows", "error", err)
		return 0
	}

	refunded := 0
	for _, e := range expired {
		if ctx.Err() != nil {
			break
		}
		result, err := t.service.RefundExpired(ctx, e.ID)
		switch {
		case err == nil:
			refunded++
			t.logger.Info("refunded escrow after time lock",
				"escrowId", result.ID,
				"creator", result.CreatorID,
				"amountSatoshis", result.AttributedTotal())
		case errors.Is(err, ErrInvalidStatus):
			// a participant moved it on between the listing and the lock
		default:
			t.logger.Warn("failed to refund expired escrow", "escrowId", e.ID, "error", err)
		}
	}
	return refunded
}
