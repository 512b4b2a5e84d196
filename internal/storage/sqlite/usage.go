package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	gateway "github.com/AlfredDev/alfred/internal"
)

// InsertUsage batch-inserts usage records.
func (s *Store) InsertUsage(ctx context.Context, records []gateway.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 19
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.KeyID, r.OrgID, nullStr(r.TeamID), nullStr(r.UserID), r.WalletID,
			nullStr(r.ProjectID), r.Model, r.ProviderID,
			r.PromptTokens, r.CompletionTokens, int64(r.CreditsCharged), r.FinishReason,
			boolToInt(r.Cached), boolToInt(r.PrivacyStrict), r.LatencyMs, r.StatusCode,
			r.RequestID, r.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO usage_records
		(id, key_id, org_id, team_id, user_id, wallet_id, project_id,
		 model, provider_id, prompt_tokens, completion_tokens, credits_charged, finish_reason,
		 cached, privacy_strict, latency_ms, status_code, request_id, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// SumUsageCredits returns the total credits settled against a wallet.
func (s *Store) SumUsageCredits(ctx context.Context, walletID string) (gateway.Credits, error) {
	var total int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(credits_charged), 0) FROM usage_records WHERE wallet_id = ?`, walletID,
	).Scan(&total)
	return gateway.Credits(total), err
}

// QueryUsage returns usage records matching the filter, newest first.
func (s *Store) QueryUsage(ctx context.Context, f gateway.UsageFilter) ([]gateway.UsageRecord, error) {
	where, args := usageWhere(f)
	query := `SELECT id, key_id, org_id, team_id, user_id, wallet_id, project_id,
		model, provider_id, prompt_tokens, completion_tokens, credits_charged, finish_reason,
		cached, privacy_strict, latency_ms, status_code, request_id, created_at
		FROM usage_records` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.UsageRecord
	for rows.Next() {
		var r gateway.UsageRecord
		var teamID, userID, projectID, finishReason, requestID sql.NullString
		var createdAt string
		var credits int64
		var cached, privacyStrict int
		err := rows.Scan(
			&r.ID, &r.KeyID, &r.OrgID, &teamID, &userID, &r.WalletID, &projectID,
			&r.Model, &r.ProviderID,
			&r.PromptTokens, &r.CompletionTokens, &credits, &finishReason,
			&cached, &privacyStrict, &r.LatencyMs, &r.StatusCode,
			&requestID, &createdAt,
		)
		if err != nil {
			return nil, err
		}
		r.TeamID = teamID.String
		r.UserID = userID.String
		r.ProjectID = projectID.String
		r.CreditsCharged = gateway.Credits(credits)
		r.FinishReason = finishReason.String
		r.Cached = cached != 0
		r.PrivacyStrict = privacyStrict != 0
		r.RequestID = requestID.String
		if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func usageWhere(f gateway.UsageFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.OrgID != "" {
		clauses = append(clauses, "org_id = ?")
		args = append(args, f.OrgID)
	}
	if f.KeyID != "" {
		clauses = append(clauses, "key_id = ?")
		args = append(args, f.KeyID)
	}
	if f.Model != "" {
		clauses = append(clauses, "model = ?")
		args = append(args, f.Model)
	}
	if f.Since != "" {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "created_at < ?")
		args = append(args, f.Until)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
