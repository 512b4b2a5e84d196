// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"

	gateway "github.com/AlfredDev/alfred/internal"
)

// APIKeyStore manages API key persistence.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *gateway.APIKey) error
	GetKey(ctx context.Context, id string) (*gateway.APIKey, error)
	GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error)
	ListKeys(ctx context.Context, orgID string, offset, limit int) ([]*gateway.APIKey, error)
	UpdateKey(ctx context.Context, key *gateway.APIKey) error
	DeleteKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string) error
}

// WalletStore manages wallet persistence. Wallets are write-through from the
// in-memory engine; the store is the recovery source, not the authority.
type WalletStore interface {
	UpsertWallet(ctx context.Context, w *gateway.Wallet) error
	GetWallet(ctx context.Context, id string) (*gateway.Wallet, error)
	ListWallets(ctx context.Context) ([]*gateway.Wallet, error)
}

// ReservationStore manages credit reservation persistence.
type ReservationStore interface {
	UpsertReservation(ctx context.Context, r *gateway.Reservation) error
	ListOpenReservations(ctx context.Context) ([]*gateway.Reservation, error)
}

// LedgerStore persists the append-only audit journal.
type LedgerStore interface {
	AppendLedgerEntries(ctx context.Context, entries []gateway.LedgerEntry) error
	ListLedgerEntries(ctx context.Context, f gateway.LedgerFilter) ([]gateway.LedgerEntry, error)
	// LedgerTail returns the seq and hash of the last journal entry,
	// or (0, "") for an empty journal.
	LedgerTail(ctx context.Context) (uint64, string, error)
}

// UsageStore manages usage record persistence.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
	QueryUsage(ctx context.Context, f gateway.UsageFilter) ([]gateway.UsageRecord, error)
	SumUsageCredits(ctx context.Context, walletID string) (gateway.Credits, error)
}

// Store combines all storage interfaces.
type Store interface {
	APIKeyStore
	WalletStore
	ReservationStore
	LedgerStore
	UsageStore
	Close() error
}
