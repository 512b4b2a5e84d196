// Package ledger implements the append-only, hash-chained audit journal.
// The Appender is the single authority for sequence numbers and hashes;
// appends are serialized and batched to the durable store in order.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	gateway "github.com/AlfredDev/alfred/internal"
)

// GenesisHash is the well-known prev_hash of the first journal entry.
var GenesisHash = strings.Repeat("0", 64)

// Store persists journal entries in order.
type Store interface {
	AppendLedgerEntries(ctx context.Context, entries []gateway.LedgerEntry) error
}

const (
	queueSize  = 4096
	batchSize  = 256
	flushEvery = 2 * time.Second
	drainTime  = 30 * time.Second
)

// Appender assigns seq and hash to journal entries and batches them to the
// store while preserving append order. Safe for concurrent use.
type Appender struct {
	mu       sync.Mutex
	seq      uint64
	prevHash string
	ch       chan gateway.LedgerEntry
	store    Store
}

// NewAppender creates an Appender continuing the chain after the given tail.
// For an empty journal pass lastSeq 0 and lastHash "".
func NewAppender(store Store, lastSeq uint64, lastHash string) *Appender {
	if lastHash == "" {
		lastHash = GenesisHash
	}
	return &Appender{
		seq:      lastSeq,
		prevHash: lastHash,
		ch:       make(chan gateway.LedgerEntry, queueSize),
		store:    store,
	}
}

// Append assigns the next seq and hash to an entry for the given mutation and
// enqueues it for durable write. It returns the completed entry.
// If the write queue is full the append blocks; journal order and
// completeness take precedence over hot-path latency.
func (a *Appender) Append(walletID string, kind gateway.EntryKind, amount gateway.Credits, refID string) gateway.LedgerEntry {
	a.mu.Lock()
	a.seq++
	e := gateway.LedgerEntry{
		Seq:           a.seq,
		TS:            time.Now().UTC(),
		WalletID:      walletID,
		Kind:          kind,
		AmountCredits: amount,
		RefID:         refID,
		PrevHash:      a.prevHash,
	}
	e.Hash = HashEntry(&e)
	a.prevHash = e.Hash
	a.mu.Unlock()

	a.ch <- e
	return e
}

// Name returns the worker identifier.
func (a *Appender) Name() string { return "ledger_appender" }

// QueueLen returns the number of entries waiting for the batch flush.
func (a *Appender) QueueLen() int { return len(a.ch) }

// Run flushes queued entries to the store until ctx is cancelled, then drains.
// Implements the worker contract.
func (a *Appender) Run(ctx context.Context) error {
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	buf := make([]gateway.LedgerEntry, 0, batchSize)

	for {
		select {
		case e := <-a.ch:
			buf = append(buf, e)
			if len(buf) >= batchSize {
				a.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				a.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			a.drain(buf)
			return nil
		}
	}
}

func (a *Appender) drain(buf []gateway.LedgerEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTime)
	defer cancel()

	for {
		select {
		case e := <-a.ch:
			buf = append(buf, e)
			if len(buf) >= batchSize {
				a.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				a.flush(ctx, buf)
			}
			return
		}
	}
}

func (a *Appender) flush(ctx context.Context, buf []gateway.LedgerEntry) {
	batch := make([]gateway.LedgerEntry, len(buf))
	copy(batch, buf)
	if err := a.store.AppendLedgerEntries(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "ledger flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}

// HashEntry computes the chain hash for an entry:
// SHA-256 over prev_hash followed by the canonical field encoding.
func HashEntry(e *gateway.LedgerEntry) string {
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write(canonicalBytes(e))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalBytes encodes the hashed fields in a fixed order with a stable
// encoding. Changing this breaks verification of existing journals.
func canonicalBytes(e *gateway.LedgerEntry) []byte {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(e.Seq, 10))
	b.WriteByte('|')
	b.WriteString(e.TS.UTC().Format(time.RFC3339Nano))
	b.WriteByte('|')
	b.WriteString(e.WalletID)
	b.WriteByte('|')
	b.WriteString(string(e.Kind))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(int64(e.AmountCredits), 10))
	b.WriteByte('|')
	b.WriteString(e.RefID)
	return []byte(b.String())
}

// Verify walks a journal prefix and recomputes every hash. prevHash is the
// hash preceding the first entry (GenesisHash for a full-chain verify).
// It returns an error identifying the seq of the first broken link.
func Verify(entries []gateway.LedgerEntry, prevHash string) error {
	if prevHash == "" {
		prevHash = GenesisHash
	}
	for i := range entries {
		e := &entries[i]
		if e.PrevHash != prevHash {
			return fmt.Errorf("ledger: chain broken at seq %d: prev_hash mismatch", e.Seq)
		}
		if got := HashEntry(e); got != e.Hash {
			return fmt.Errorf("ledger: chain broken at seq %d: hash mismatch", e.Seq)
		}
		prevHash = e.Hash
	}
	return nil
}
