// Package auth implements API key authentication for the Alfred gateway.
// Keys are validated against the store and cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/AlfredDev/alfred/internal"
	"github.com/AlfredDev/alfred/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// APIKeyAuth authenticates requests using API keys with the "alf_" prefix.
// It caches resolved API keys in an otter W-TinyLFU cache for fast lookups.
type APIKeyAuth struct {
	store       storage.APIKeyStore
	cache       *otter.Cache[string, *gateway.APIKey]
	keyIDToHash sync.Map // keyID -> hash for cache invalidation by key ID
}

var _ gateway.Authenticator = (*APIKeyAuth)(nil)

// NewAPIKeyAuth returns a new APIKeyAuth backed by store.
func NewAPIKeyAuth(store storage.APIKeyStore) (*APIKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *gateway.APIKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.APIKey](cacheTTL),
	})
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "create auth cache", err)
	}
	return &APIKeyAuth{store: store, cache: c}, nil
}

// Authenticate extracts a Bearer token from the Authorization header,
// validates it against the store, and returns the caller's Identity.
// Only keys with the "alf_" prefix are handled; all others are rejected.
func (a *APIKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		return nil, gateway.E(gateway.KindUnauthorized, "missing bearer token")
	}

	if !strings.HasPrefix(raw, gateway.APIKeyPrefix) {
		return nil, gateway.E(gateway.KindUnauthorized, "unrecognized key format")
	}

	hash := gateway.HashKey(raw)

	// Check cache first.
	if key, ok := a.cache.GetIfPresent(hash); ok {
		if err := checkKey(key); err != nil {
			a.cache.Invalidate(hash)
			return nil, err
		}
		return buildIdentity(key), nil
	}

	key, err := a.store.GetKeyByHash(ctx, hash)
	if err != nil {
		if gateway.Is(err, gateway.KindNotFound) {
			return nil, gateway.E(gateway.KindUnauthorized, "unknown api key")
		}
		return nil, err
	}

	// Belt-and-suspenders: constant-time comparison of the stored hash against
	// the computed hash. The DB lookup already matched, but this guards against
	// hypothetical SQL collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, gateway.E(gateway.KindUnauthorized, "key hash mismatch")
	}

	if err := checkKey(key); err != nil {
		return nil, err
	}

	a.cache.Set(hash, key)
	a.keyIDToHash.Store(key.ID, hash)

	// Touch last-used timestamp asynchronously.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		a.store.TouchKeyUsed(ctx, key.ID) //nolint:errcheck
	}()

	return buildIdentity(key), nil
}

// InvalidateByKeyID removes a cached API key by its key ID.
// Used when admin operations (block, update, delete) modify a key.
func (a *APIKeyAuth) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}

// checkKey rejects blocked and expired keys.
func checkKey(key *gateway.APIKey) error {
	if key.Blocked {
		return gateway.E(gateway.KindForbidden, "api key is blocked")
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return gateway.E(gateway.KindUnauthorized, "api key expired")
	}
	return nil
}

// buildIdentity constructs an Identity from a validated API key.
func buildIdentity(key *gateway.APIKey) *gateway.Identity {
	role := key.Role
	if role == "" {
		role = "member"
	}
	return &gateway.Identity{
		KeyID:         key.ID,
		OrgID:         key.OrgID,
		TeamID:        key.TeamID,
		UserID:        key.UserID,
		WalletID:      key.WalletID,
		Role:          role,
		PrivacyStrict: key.PrivacyStrict,
		RPMLimit:      key.RPMLimit,
		TPMLimit:      key.TPMLimit,
	}
}
