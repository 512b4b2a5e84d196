package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	gateway "github.com/AlfredDev/alfred/internal"
)

type fakeUsageStore struct {
	mu      sync.Mutex
	batches [][]gateway.UsageRecord
}

func (s *fakeUsageStore) InsertUsage(_ context.Context, records []gateway.UsageRecord) error {
	s.mu.Lock()
	s.batches = append(s.batches, records)
	s.mu.Unlock()
	return nil
}

func (s *fakeUsageStore) totalRecords() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestUsageRecorder_BatchOnSize(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := NewUsageRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	for range usageBatchSize {
		rec.Record(gateway.UsageRecord{WalletID: "wal-1"})
	}

	deadline := time.After(2 * time.Second)
	for store.totalRecords() < usageBatchSize {
		select {
		case <-deadline:
			t.Fatalf("batch not flushed; got %d records", store.totalRecords())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	cancel()
	<-done
}

func TestUsageRecorder_AssignsIDs(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := NewUsageRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	rec.Record(gateway.UsageRecord{WalletID: "wal-1"}) // no ID set
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.batches) == 0 || len(store.batches[0]) == 0 {
		t.Fatal("record not flushed")
	}
	if store.batches[0][0].ID == "" {
		t.Error("flush should assign an ID to records without one")
	}
}

func TestUsageRecorder_DropOnFull(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := &UsageRecorder{
		ch:    make(chan gateway.UsageRecord, 2), // tiny buffer
		store: store,
	}

	rec.Record(gateway.UsageRecord{RequestID: "1"})
	rec.Record(gateway.UsageRecord{RequestID: "2"})
	// This one is dropped silently.
	rec.Record(gateway.UsageRecord{RequestID: "3"})

	if rec.QueueLen() != 2 {
		t.Errorf("queue len = %d, want 2", rec.QueueLen())
	}
}

func TestUsageRecorder_DrainOnShutdown(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := NewUsageRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	rec.Record(gateway.UsageRecord{RequestID: "drain-1"})
	rec.Record(gateway.UsageRecord{RequestID: "drain-2"})

	time.Sleep(50 * time.Millisecond) // let the goroutine start
	cancel()
	<-done

	if store.totalRecords() < 2 {
		t.Errorf("expected at least 2 drained records, got %d", store.totalRecords())
	}
}
