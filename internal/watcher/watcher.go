// Package watcher monitors the Bitcoin chain for deposits to escrow
// addresses.
//
// Every poll lists the open BTC escrows, asks the chain API for the
// unspent outputs paying each deposit address and feeds them to the escrow
// service. Re-polling is safe: attribution is idempotent and confirmations
// only ever increase.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/satsafe/escrowd/internal/btc"
	"github.com/satsafe/escrowd/internal/escrow"
	"github.com/satsafe/escrowd/internal/syncutil"
	"github.com/satsafe/escrowd/internal/utxo"
)

// Chain is the subset of the chain API the watcher needs.
type Chain interface {
	TipHeight(ctx context.Context) (uint64, error)
	AddressUTXOs(ctx context.Context, address string) ([]AddressUTXO, error)
}

// Escrows is the subset of the escrow service the watcher needs.
type Escrows interface {
	ListByStatus(ctx context.Context, status escrow.Status, limit int) ([]*escrow.Escrow, error)
	ApplyDeposit(ctx context.Context, id string, u utxo.UTXO) (*escrow.Escrow, error)
}

// Config for the deposit watcher
type Config struct {
	PollInterval time.Duration
	BatchSize    int // escrows listed per status per poll
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 30 * time.Second,
		BatchSize:    500,
	}
}

var depositsObserved = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "watcher",
	Name:      "deposits_observed_total",
	Help:      "Deposit observations fed to the escrow service, by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(depositsObserved)
}

var openStatuses = []escrow.Status{
	escrow.StatusCreated,
	escrow.StatusFunded,
	escrow.StatusDelivered,
	escrow.StatusDisputed,
}

// Watcher polls the chain for deposits to open escrows.
type Watcher struct {
	chain   Chain
	escrows Escrows
	config  Config
	logger  *slog.Logger

	// Highest confirmation count applied per escrow and outpoint. Escrows
	// missing from a complete poll are dropped.
	processed map[string]map[string]uint32
	mu        sync.Mutex

	loop *syncutil.Loop
}

// New creates a new deposit watcher
func New(cfg Config, chain Chain, escrows Escrows, logger *slog.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		chain:     chain,
		escrows:   escrows,
		config:    cfg,
		logger:    logger,
		processed: make(map[string]map[string]uint32),
	}
	w.loop = syncutil.NewLoop("deposit watcher", cfg.PollInterval, logger, func(ctx context.Context) {
		if err := w.Poll(ctx); err != nil {
			w.logger.Error("deposit check failed", "error", err)
		}
	})
	return w
}

// Start begins polling in the background.
func (w *Watcher) Start(ctx context.Context) {
	w.logger.Info("deposit watcher started", "interval", w.config.PollInterval)
	go w.loop.Run(ctx)
}

// Stop stops the watcher and waits for the current poll to finish.
func (w *Watcher) Stop() {
	w.loop.Stop()
	w.loop.Wait()
}

// Poll runs one pass over every open BTC escrow.
func (w *Watcher) Poll(ctx context.Context) error {
	tip, err := w.chain.TipHeight(ctx)
	if err != nil {
		return fmt.Errorf("failed to get tip height: %w", err)
	}

	open := make(map[string]struct{})
	for _, status := range openStatuses {
		list, err := w.escrows.ListByStatus(ctx, status, w.config.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to list %s escrows: %w", status, err)
		}
		for _, e := range list {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if e.Currency != btc.BTC || e.DepositAddress == "" {
				continue
			}
			open[e.ID] = struct{}{}
			if err := w.checkEscrow(ctx, e, tip); err != nil {
				w.logger.Warn("failed to check escrow deposits", "escrowId", e.ID, "error", err)
			}
		}
	}
	w.forgetClosed(open)
	return nil
}

// forgetClosed drops the applied-observation state of escrows that are no
// longer open.
func (w *Watcher) forgetClosed(open map[string]struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id := range w.processed {
		if _, ok := open[id]; !ok {
			delete(w.processed, id)
		}
	}
}

// Tracked reports how many escrows have applied observations in memory.
func (w *Watcher) Tracked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.processed)
}

// LookupOutput returns the unspent output txid:vout paying address with its
// current confirmation count, or nil when the chain does not know it.
func (w *Watcher) LookupOutput(ctx context.Context, address, txid string, vout uint32) (*utxo.UTXO, error) {
	tip, err := w.chain.TipHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get tip height: %w", err)
	}
	outputs, err := w.chain.AddressUTXOs(ctx, address)
	if err != nil {
		return nil, err
	}
	for _, o := range outputs {
		if o.TxID == txid && o.Vout == vout {
			return &utxo.UTXO{
				TxID:          o.TxID,
				Vout:          o.Vout,
				Amount:        o.Value,
				Confirmations: o.Status.Confirmations(tip),
			}, nil
		}
	}
	return nil, nil
}

func (w *Watcher) checkEscrow(ctx context.Context, e *escrow.Escrow, tip uint64) error {
	outputs, err := w.chain.AddressUTXOs(ctx, e.DepositAddress)
	if err != nil {
		return err
	}
	for _, o := range outputs {
		u := utxo.UTXO{
			TxID:          o.TxID,
			Vout:          o.Vout,
			Amount:        o.Value,
			Confirmations: o.Status.Confirmations(tip),
		}
		w.apply(ctx, e.ID, u)
	}
	return nil
}

func (w *Watcher) apply(ctx context.Context, escrowID string, u utxo.UTXO) {
	key := u.Key()

	// Skip unless confirmations grew since the last apply.
	w.mu.Lock()
	seen := w.processed[escrowID]
	if last, ok := seen[key]; ok && last >= u.Confirmations {
		w.mu.Unlock()
		return
	}
	if seen == nil {
		seen = make(map[string]uint32)
		w.processed[escrowID] = seen
	}
	prev, hadPrev := seen[key]
	seen[key] = u.Confirmations
	w.mu.Unlock()

	_, err := w.escrows.ApplyDeposit(ctx, escrowID, u)
	switch {
	case err == nil:
		depositsObserved.WithLabelValues("applied").Inc()
		w.logger.Info("deposit observed",
			"escrowId", escrowID,
			"outpoint", u.Key(),
			"amount", btc.Format(u.Amount),
			"confirmations", u.Confirmations,
		)
	case errors.Is(err, utxo.ErrAttributedElsewhere), errors.Is(err, escrow.ErrInvalidStatus):
		// Permanent for this observation; do not retry.
		depositsObserved.WithLabelValues("rejected").Inc()
		w.logger.Warn("deposit not applied", "escrowId", escrowID, "outpoint", u.Key(), "error", err)
	default:
		// Roll back so the next poll retries.
		depositsObserved.WithLabelValues("failed").Inc()
		w.mu.Lock()
		if hadPrev {
			seen[key] = prev
		} else {
			delete(seen, key)
		}
		w.mu.Unlock()
		w.logger.Error("failed to apply deposit", "escrowId", escrowID, "outpoint", u.Key(), "error", err)
	}
}
