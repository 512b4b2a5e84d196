package testutil

import (
	"context"
	"net/http"

	gateway "github.com/AlfredDev/alfred/internal"
)

// FakeAuth authenticates every request as a fixed test identity.
type FakeAuth struct {
	Identity gateway.Identity
}

// NewFakeAuth returns a FakeAuth resolving to an admin identity on wallet
// wal-user-1 under org-1.
func NewFakeAuth() *FakeAuth {
	return &FakeAuth{Identity: gateway.Identity{
		KeyID:    "key-test",
		OrgID:    "org-1",
		TeamID:   "team-1",
		UserID:   "user-1",
		WalletID: "wal-user-1",
		Role:     "admin",
	}}
}

// Authenticate returns the configured identity.
func (f *FakeAuth) Authenticate(context.Context, *http.Request) (*gateway.Identity, error) {
	id := f.Identity
	return &id, nil
}

// RejectAuth always rejects authentication.
type RejectAuth struct{}

// Authenticate always returns an unauthorized error.
func (RejectAuth) Authenticate(context.Context, *http.Request) (*gateway.Identity, error) {
	return nil, gateway.E(gateway.KindUnauthorized, "missing bearer token")
}
