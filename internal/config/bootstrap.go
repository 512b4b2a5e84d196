package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/AlfredDev/alfred/internal"
	"github.com/AlfredDev/alfred/internal/storage"
)

// Bootstrap seeds wallets and API keys from the config file. It is
// idempotent: existing rows are left untouched, so restarts never reset
// balances or rotate keys.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	now := time.Now().UTC()

	for _, entry := range cfg.Wallets {
		if _, err := store.GetWallet(ctx, entry.ID); err == nil {
			continue
		} else if !gateway.Is(err, gateway.KindNotFound) {
			return err
		}

		cycleDays := entry.CycleDays
		if cycleDays <= 0 {
			cycleDays = 30
		}
		limit := gateway.CreditsFromFloat(entry.Limit)
		w := &gateway.Wallet{
			ID:             entry.ID,
			ParentID:       entry.ParentID,
			Kind:           gateway.WalletKind(entry.Kind),
			LimitCredits:   limit,
			BalanceCredits: limit,
			CycleStart:     now,
			CycleEnd:       now.AddDate(0, 0, cycleDays),
			HardCap:        entry.HardCap,
			OverdraftBPS:   int64(entry.OverdraftBPS),
		}
		if err := store.UpsertWallet(ctx, w); err != nil {
			return err
		}
		slog.Info("bootstrapped wallet", "id", w.ID, "kind", w.Kind, "limit", w.LimitCredits)
	}

	for _, entry := range cfg.Keys {
		if entry.Key == "" {
			continue
		}
		hash := gateway.HashKey(entry.Key)
		if _, err := store.GetKeyByHash(ctx, hash); err == nil {
			continue
		} else if !gateway.Is(err, gateway.KindNotFound) {
			return err
		}

		prefix := entry.Key
		if len(prefix) > 12 {
			prefix = prefix[:12]
		}
		role := entry.Role
		if role == "" {
			role = "member"
		}
		rpm, tpm := entry.RPM, entry.TPM
		if rpm == 0 {
			rpm = cfg.RateLimits.DefaultRPM
		}
		if tpm == 0 {
			tpm = cfg.RateLimits.DefaultTPM
		}

		key := &gateway.APIKey{
			ID:            uuid.Must(uuid.NewV7()).String(),
			KeyHash:       hash,
			KeyPrefix:     prefix,
			OrgID:         entry.OrgID,
			TeamID:        entry.TeamID,
			UserID:        entry.UserID,
			WalletID:      entry.WalletID,
			Role:          role,
			RPMLimit:      rpm,
			TPMLimit:      tpm,
			PrivacyStrict: entry.PrivacyStrict,
			CreatedAt:     now,
		}
		if err := store.CreateKey(ctx, key); err != nil {
			return err
		}
		slog.Info("bootstrapped api key", "name", entry.Name, "prefix", prefix, "wallet", entry.WalletID)
	}

	return nil
}

// GenerateAdminKey creates a random admin key and returns the plaintext.
func GenerateAdminKey() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return gateway.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
}
