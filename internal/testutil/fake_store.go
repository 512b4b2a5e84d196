package testutil

import (
	"context"
	"sync"
	"time"

	gateway "github.com/AlfredDev/alfred/internal"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu           sync.RWMutex
	keys         map[string]*gateway.APIKey // by ID
	wallets      map[string]*gateway.Wallet
	reservations map[string]*gateway.Reservation
	ledger       []gateway.LedgerEntry
	usage        []gateway.UsageRecord
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		keys:         make(map[string]*gateway.APIKey),
		wallets:      make(map[string]*gateway.Wallet),
		reservations: make(map[string]*gateway.Reservation),
	}
}

// --- APIKeyStore ---

func (s *FakeStore) CreateKey(_ context.Context, key *gateway.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := *key
	s.keys[key.ID] = &k
	return nil
}

func (s *FakeStore) GetKey(_ context.Context, id string) (*gateway.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, gateway.E(gateway.KindNotFound, "api key not found")
	}
	copied := *k
	return &copied, nil
}

func (s *FakeStore) GetKeyByHash(_ context.Context, hash string) (*gateway.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.KeyHash == hash {
			copied := *k
			return &copied, nil
		}
	}
	return nil, gateway.E(gateway.KindNotFound, "api key not found")
}

func (s *FakeStore) ListKeys(_ context.Context, orgID string, _, _ int) ([]*gateway.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.APIKey
	for _, k := range s.keys {
		if orgID == "" || k.OrgID == orgID {
			copied := *k
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *FakeStore) UpdateKey(_ context.Context, key *gateway.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; !ok {
		return gateway.E(gateway.KindNotFound, "api key not found")
	}
	k := *key
	s.keys[key.ID] = &k
	return nil
}

func (s *FakeStore) DeleteKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return gateway.E(gateway.KindNotFound, "api key not found")
	}
	delete(s.keys, id)
	return nil
}

func (s *FakeStore) TouchKeyUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

// --- WalletStore ---

func (s *FakeStore) UpsertWallet(_ context.Context, w *gateway.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *w
	s.wallets[w.ID] = &copied
	return nil
}

func (s *FakeStore) GetWallet(_ context.Context, id string) (*gateway.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[id]
	if !ok {
		return nil, gateway.E(gateway.KindNotFound, "wallet not found")
	}
	copied := *w
	return &copied, nil
}

func (s *FakeStore) ListWallets(context.Context) ([]*gateway.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.Wallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		copied := *w
		out = append(out, &copied)
	}
	return out, nil
}

// --- ReservationStore ---

func (s *FakeStore) UpsertReservation(_ context.Context, r *gateway.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *r
	s.reservations[r.ID] = &copied
	return nil
}

func (s *FakeStore) ListOpenReservations(context.Context) ([]*gateway.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.Reservation
	for _, r := range s.reservations {
		if r.State == gateway.ReservationOpen {
			copied := *r
			out = append(out, &copied)
		}
	}
	return out, nil
}

// --- LedgerStore ---

func (s *FakeStore) AppendLedgerEntries(_ context.Context, entries []gateway.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = append(s.ledger, entries...)
	return nil
}

func (s *FakeStore) ListLedgerEntries(_ context.Context, f gateway.LedgerFilter) ([]gateway.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []gateway.LedgerEntry
	for _, e := range s.ledger {
		if f.WalletID != "" && e.WalletID != f.WalletID {
			continue
		}
		if f.FromSeq > 0 && e.Seq < f.FromSeq {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *FakeStore) LedgerTail(context.Context) (uint64, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.ledger) == 0 {
		return 0, "", nil
	}
	last := s.ledger[len(s.ledger)-1]
	return last.Seq, last.Hash, nil
}

// LedgerLen returns the number of stored journal entries.
func (s *FakeStore) LedgerLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ledger)
}

// --- UsageStore ---

func (s *FakeStore) InsertUsage(_ context.Context, records []gateway.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, records...)
	return nil
}

func (s *FakeStore) QueryUsage(_ context.Context, f gateway.UsageFilter) ([]gateway.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []gateway.UsageRecord
	for _, r := range s.usage {
		if f.OrgID != "" && r.OrgID != f.OrgID {
			continue
		}
		if f.KeyID != "" && r.KeyID != f.KeyID {
			continue
		}
		if f.Model != "" && r.Model != f.Model {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *FakeStore) SumUsageCredits(_ context.Context, walletID string) (gateway.Credits, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total gateway.Credits
	for _, r := range s.usage {
		if r.WalletID == walletID {
			total += r.CreditsCharged
		}
	}
	return total, nil
}

// UsageLen returns the number of stored usage records.
func (s *FakeStore) UsageLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.usage)
}

// Close is a no-op.
func (s *FakeStore) Close() error { return nil }
