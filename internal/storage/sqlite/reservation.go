package sqlite

import (
	"context"
	"time"

	gateway "github.com/AlfredDev/alfred/internal"
)

// UpsertReservation inserts or replaces a reservation row.
func (s *Store) UpsertReservation(ctx context.Context, r *gateway.Reservation) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO reservations (id, wallet_id, reserved_amount, settled_amount, created_at, ttl_ms, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 settled_amount = excluded.settled_amount,
		 state = excluded.state`,
		r.ID, r.WalletID, int64(r.ReservedAmount), int64(r.SettledAmount),
		r.CreatedAt.UTC().Format(time.RFC3339), r.TTL.Milliseconds(), string(r.State),
	)
	return err
}

// ListOpenReservations returns reservations still in the open state.
// Used on startup to resume expiry tracking after a restart.
func (s *Store) ListOpenReservations(ctx context.Context) ([]*gateway.Reservation, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, wallet_id, reserved_amount, settled_amount, created_at, ttl_ms, state
		 FROM reservations WHERE state = ? ORDER BY created_at`,
		string(gateway.ReservationOpen),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.Reservation
	for rows.Next() {
		var r gateway.Reservation
		var reserved, settled, ttlMS int64
		var createdAt, state string
		if err := rows.Scan(&r.ID, &r.WalletID, &reserved, &settled, &createdAt, &ttlMS, &state); err != nil {
			return nil, err
		}
		r.ReservedAmount = gateway.Credits(reserved)
		r.SettledAmount = gateway.Credits(settled)
		r.TTL = time.Duration(ttlMS) * time.Millisecond
		r.State = gateway.ReservationState(state)
		if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
			r.CreatedAt = t
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
