package worker

import (
	"context"
	"log/slog"
	"time"
)

// ReservationExpirer releases credit holds past their TTL. Implemented by
// the wallet engine.
type ReservationExpirer interface {
	ExpireReservations(ctx context.Context) int
	OpenReservations() int
}

// StaleEvicter drops idle entries. Implemented by the rate limiter and
// circuit breaker registries.
type StaleEvicter interface {
	EvictStale(cutoff time.Time) int
}

// Janitor periodically expires stale reservations and evicts idle limiters
// and breakers so crashed or silent clients never pin memory or credits.
type Janitor struct {
	engine     ReservationExpirer
	evicters   []StaleEvicter
	interval   time.Duration
	evictAfter time.Duration
	openGauge  func(int) // reservations-open metric, may be nil
}

// NewJanitor creates a Janitor sweeping every interval. Entries idle longer
// than evictAfter are dropped from the evicters.
func NewJanitor(engine ReservationExpirer, interval, evictAfter time.Duration, evicters ...StaleEvicter) *Janitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if evictAfter <= 0 {
		evictAfter = time.Hour
	}
	return &Janitor{
		engine:     engine,
		evicters:   evicters,
		interval:   interval,
		evictAfter: evictAfter,
	}
}

// SetOpenGauge installs a callback receiving the open-reservation count
// after each sweep.
func (j *Janitor) SetOpenGauge(fn func(int)) { j.openGauge = fn }

// Name returns the worker identifier.
func (j *Janitor) Name() string { return "janitor" }

// Run sweeps until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	if expired := j.engine.ExpireReservations(ctx); expired > 0 {
		slog.Info("expired stale reservations", "count", expired)
	}
	if j.openGauge != nil {
		j.openGauge(j.engine.OpenReservations())
	}

	cutoff := time.Now().Add(-j.evictAfter)
	for _, ev := range j.evicters {
		ev.EvictStale(cutoff)
	}
}
