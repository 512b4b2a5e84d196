package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeExpirer struct {
	expired atomic.Int32
	open    atomic.Int32
}

func (f *fakeExpirer) ExpireReservations(context.Context) int {
	return int(f.expired.Load())
}

func (f *fakeExpirer) OpenReservations() int {
	return int(f.open.Load())
}

type fakeEvicter struct {
	calls atomic.Int32
}

func (f *fakeEvicter) EvictStale(time.Time) int {
	f.calls.Add(1)
	return 0
}

func TestJanitorSweeps(t *testing.T) {
	t.Parallel()
	eng := &fakeExpirer{}
	eng.open.Store(3)
	ev := &fakeEvicter{}

	var gauge atomic.Int32
	j := NewJanitor(eng, 10*time.Millisecond, time.Hour, ev)
	j.SetOpenGauge(func(n int) { gauge.Store(int32(n)) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for ev.calls.Load() == 0 || gauge.Load() != 3 {
		select {
		case <-deadline:
			t.Fatalf("no sweep: evicter calls = %d, gauge = %d", ev.calls.Load(), gauge.Load())
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	cancel()
	<-done
}

type fakeRoller struct {
	swept atomic.Int32
}

func (f *fakeRoller) Rollover(context.Context) int {
	f.swept.Add(1)
	return 1
}

func TestRolloverWorkerSweepsOnStart(t *testing.T) {
	t.Parallel()
	eng := &fakeRoller{}
	w := NewRolloverWorker(eng, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for eng.swept.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("rollover should sweep immediately on start")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	cancel()
	<-done
}
