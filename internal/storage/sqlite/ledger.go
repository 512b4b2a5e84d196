package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	gateway "github.com/AlfredDev/alfred/internal"
)

// AppendLedgerEntries batch-inserts journal entries. Entries arrive in seq
// order from the single appender; seq is the primary key, so a replayed batch
// after a crash fails loudly instead of forking the chain.
func (s *Store) AppendLedgerEntries(ctx context.Context, entries []gateway.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}

	placeholders := make([]string, len(entries))
	args := make([]any, 0, len(entries)*8)
	for i, e := range entries {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			e.Seq, e.TS.UTC().Format(time.RFC3339Nano), e.WalletID, string(e.Kind),
			int64(e.AmountCredits), e.RefID, e.PrevHash, e.Hash,
		)
	}

	query := `INSERT INTO ledger_entries
		(seq, ts, wallet_id, kind, amount_credits, ref_id, prev_hash, hash)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// ListLedgerEntries returns journal entries matching the filter in seq order.
func (s *Store) ListLedgerEntries(ctx context.Context, f gateway.LedgerFilter) ([]gateway.LedgerEntry, error) {
	var clauses []string
	var args []any
	if f.WalletID != "" {
		clauses = append(clauses, "wallet_id = ?")
		args = append(args, f.WalletID)
	}
	if f.FromSeq > 0 {
		clauses = append(clauses, "seq >= ?")
		args = append(args, f.FromSeq)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	args = append(args, limit)

	rows, err := s.read.QueryContext(ctx,
		`SELECT seq, ts, wallet_id, kind, amount_credits, ref_id, prev_hash, hash
		 FROM ledger_entries`+where+` ORDER BY seq LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.LedgerEntry
	for rows.Next() {
		var e gateway.LedgerEntry
		var ts, kind string
		var amount int64
		if err := rows.Scan(&e.Seq, &ts, &e.WalletID, &kind, &amount, &e.RefID, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		e.Kind = gateway.EntryKind(kind)
		e.AmountCredits = gateway.Credits(amount)
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.TS = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LedgerTail returns the seq and hash of the last journal entry.
// An empty journal returns (0, "", nil).
func (s *Store) LedgerTail(ctx context.Context) (uint64, string, error) {
	var seq uint64
	var hash string
	err := s.read.QueryRowContext(ctx,
		`SELECT seq, hash FROM ledger_entries ORDER BY seq DESC LIMIT 1`,
	).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", err
	}
	return seq, hash, nil
}
