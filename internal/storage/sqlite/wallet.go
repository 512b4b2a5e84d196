package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/AlfredDev/alfred/internal"
)

const walletColumns = `id, parent_id, kind, limit_credits, balance_credits, reserved_credits,
	 cycle_start, cycle_end, hard_cap, overdraft_bps, retired`

// UpsertWallet inserts or replaces a wallet row. The in-memory engine is the
// authority; this is a write-through snapshot.
func (s *Store) UpsertWallet(ctx context.Context, w *gateway.Wallet) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO wallets (`+walletColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 parent_id = excluded.parent_id,
		 kind = excluded.kind,
		 limit_credits = excluded.limit_credits,
		 balance_credits = excluded.balance_credits,
		 reserved_credits = excluded.reserved_credits,
		 cycle_start = excluded.cycle_start,
		 cycle_end = excluded.cycle_end,
		 hard_cap = excluded.hard_cap,
		 overdraft_bps = excluded.overdraft_bps,
		 retired = excluded.retired`,
		w.ID, nullStr(w.ParentID), string(w.Kind),
		int64(w.LimitCredits), int64(w.BalanceCredits), int64(w.ReservedCredits),
		timeStr(w.CycleStart), timeStr(w.CycleEnd),
		boolToInt(w.HardCap), w.OverdraftBPS, boolToInt(w.Retired),
	)
	return err
}

// GetWallet retrieves a wallet by ID.
func (s *Store) GetWallet(ctx context.Context, id string) (*gateway.Wallet, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE id = ?`, id)
	return scanWallet(row)
}

// ListWallets returns all wallets ordered by ID.
func (s *Store) ListWallets(ctx context.Context) ([]*gateway.Wallet, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+walletColumns+` FROM wallets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWallet(s scanner) (*gateway.Wallet, error) {
	var w gateway.Wallet
	var parentID sql.NullString
	var kind string
	var limitC, balanceC, reservedC int64
	var cycleStart, cycleEnd sql.NullString
	var hardCap, retired int

	err := s.Scan(&w.ID, &parentID, &kind, &limitC, &balanceC, &reservedC,
		&cycleStart, &cycleEnd, &hardCap, &w.OverdraftBPS, &retired)
	if err != nil {
		return nil, notFoundErr(err, "wallet")
	}

	w.ParentID = parentID.String
	w.Kind = gateway.WalletKind(kind)
	w.LimitCredits = gateway.Credits(limitC)
	w.BalanceCredits = gateway.Credits(balanceC)
	w.ReservedCredits = gateway.Credits(reservedC)
	w.HardCap = hardCap != 0
	w.Retired = retired != 0
	if t := parseTime(cycleStart); t != nil {
		w.CycleStart = *t
	}
	if t := parseTime(cycleEnd); t != nil {
		w.CycleEnd = *t
	}
	return &w, nil
}

// timeStr formats a non-pointer time, storing NULL for the zero value.
func timeStr(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}
