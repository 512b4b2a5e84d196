package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	gateway "github.com/AlfredDev/alfred/internal"
)

const keyColumns = `id, key_hash, key_prefix, org_id, team_id, user_id, wallet_id, role,
	 rpm_limit, tpm_limit, privacy_strict, expires_at, blocked, last_used_at, created_at`

// CreateKey inserts a new API key.
func (s *Store) CreateKey(ctx context.Context, key *gateway.APIKey) error {
	role := key.Role
	if role == "" {
		role = "member"
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_keys (`+keyColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.KeyHash, key.KeyPrefix, key.OrgID,
		nullStr(key.TeamID), nullStr(key.UserID), key.WalletID, role,
		key.RPMLimit, key.TPMLimit, boolToInt(key.PrivacyStrict),
		timeToStr(key.ExpiresAt), boolToInt(key.Blocked),
		timeToStr(key.LastUsedAt), key.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetKey retrieves an API key by its ID.
func (s *Store) GetKey(ctx context.Context, id string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE id = ?`, id)
	return scanKey(row)
}

// GetKeyByHash retrieves an API key by its SHA-256 hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE key_hash = ?`, hash)
	return scanKey(row)
}

// ListKeys returns API keys for an organization.
func (s *Store) ListKeys(ctx context.Context, orgID string, offset, limit int) ([]*gateway.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys
		 WHERE org_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		orgID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateKey updates an existing API key's mutable fields.
func (s *Store) UpdateKey(ctx context.Context, key *gateway.APIKey) error {
	role := key.Role
	if role == "" {
		role = "member"
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET role=?, wallet_id=?, rpm_limit=?, tpm_limit=?,
		 privacy_strict=?, expires_at=?, blocked=? WHERE id=?`,
		role, key.WalletID, key.RPMLimit, key.TPMLimit,
		boolToInt(key.PrivacyStrict), timeToStr(key.ExpiresAt), boolToInt(key.Blocked), key.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// DeleteKey removes an API key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// TouchKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at=? WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to the not_found kind.
func notFoundErr(err error, entity string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.Ef(gateway.KindNotFound, "%s not found", entity)
	}
	return err
}

func scanKey(s scanner) (*gateway.APIKey, error) {
	var k gateway.APIKey
	var teamID, userID sql.NullString
	var role sql.NullString
	var expiresAt, lastUsedAt, createdAt sql.NullString
	var privacyStrict, blocked int

	err := s.Scan(
		&k.ID, &k.KeyHash, &k.KeyPrefix, &k.OrgID, &teamID, &userID, &k.WalletID, &role,
		&k.RPMLimit, &k.TPMLimit, &privacyStrict, &expiresAt, &blocked, &lastUsedAt, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err, "api key")
	}

	k.TeamID = teamID.String
	k.UserID = userID.String
	k.Role = role.String
	if k.Role == "" {
		k.Role = "member"
	}
	k.PrivacyStrict = privacyStrict != 0
	k.Blocked = blocked != 0
	k.ExpiresAt = parseTime(expiresAt)
	k.LastUsedAt = parseTime(lastUsedAt)
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}

// helpers

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return gateway.Ef(gateway.KindNotFound, "%s not found", entity)
	}
	return nil
}
