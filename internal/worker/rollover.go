package worker

import (
	"context"
	"log/slog"
	"time"
)

// CycleRoller sweeps wallets whose billing cycle has ended. Implemented by
// the wallet engine.
type CycleRoller interface {
	Rollover(ctx context.Context) int
}

// RolloverWorker runs the cycle-boundary sweep on a fixed schedule. The
// engine itself decides which wallets are due, so the tick only bounds how
// late a rollover can happen, not when cycles end.
type RolloverWorker struct {
	engine   CycleRoller
	interval time.Duration
}

// NewRolloverWorker creates a RolloverWorker ticking every interval.
func NewRolloverWorker(engine CycleRoller, interval time.Duration) *RolloverWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &RolloverWorker{engine: engine, interval: interval}
}

// Name returns the worker identifier.
func (w *RolloverWorker) Name() string { return "cycle_rollover" }

// Run sweeps immediately on start (cycles may have ended while the gateway
// was down), then on every tick.
func (w *RolloverWorker) Run(ctx context.Context) error {
	w.sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *RolloverWorker) sweep(ctx context.Context) {
	if swept := w.engine.Rollover(ctx); swept > 0 {
		slog.Info("wallet cycles rolled over", "count", swept)
	}
}
