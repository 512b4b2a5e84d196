package server

import (
	"net/http"
	"time"

	gateway "github.com/AlfredDev/alfred/internal"
)

// transferRequest is the payload for POST /v1/wallet/transfer. Amount is in
// whole credits.
type transferRequest struct {
	FromWalletID string  `json:"from_wallet_id"`
	ToWalletID   string  `json:"to_wallet_id"`
	Amount       float64 `json:"amount"`
	Reason       string  `json:"reason,omitempty"`
}

type transferResponse struct {
	TransferID string          `json:"transfer_id"`
	Amount     gateway.Credits `json:"amount"`
}

// handleWalletTransfer moves credits between wallets. Non-admin callers may
// only move credits out of their own wallet.
func (s *server) handleWalletTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	identity := gateway.IdentityFromContext(r.Context())
	if req.FromWalletID == "" {
		req.FromWalletID = identity.WalletID
	}
	if identity.Role != "admin" && req.FromWalletID != identity.WalletID {
		writeError(w, r, gateway.E(gateway.KindForbidden, "cannot transfer from another wallet"))
		return
	}
	if req.ToWalletID == "" {
		writeError(w, r, gateway.E(gateway.KindInvalidRequest, "to_wallet_id is required"))
		return
	}

	amount := gateway.CreditsFromFloat(req.Amount)
	id, err := s.deps.Wallet.Transfer(r.Context(), req.FromWalletID, req.ToWalletID, amount, identity.UserID, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transferResponse{TransferID: id, Amount: amount})
}

type balanceResponse struct {
	WalletID  string             `json:"wallet_id"`
	Kind      gateway.WalletKind `json:"kind"`
	Limit     gateway.Credits    `json:"limit_credits"`
	Balance   gateway.Credits    `json:"balance_credits"`
	Reserved  gateway.Credits    `json:"reserved_credits"`
	Available gateway.Credits    `json:"available_credits"`
	CycleEnd  string             `json:"cycle_end,omitempty"`
}

// handleWalletBalance returns the caller's wallet snapshot. Admins may query
// any wallet via ?wallet_id=.
func (s *server) handleWalletBalance(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())
	walletID := r.URL.Query().Get("wallet_id")
	if walletID == "" {
		walletID = identity.WalletID
	}
	if identity.Role != "admin" && walletID != identity.WalletID {
		writeError(w, r, gateway.E(gateway.KindForbidden, "cannot read another wallet"))
		return
	}

	wal, err := s.deps.Wallet.Get(walletID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := balanceResponse{
		WalletID:  wal.ID,
		Kind:      wal.Kind,
		Limit:     wal.LimitCredits,
		Balance:   wal.BalanceCredits,
		Reserved:  wal.ReservedCredits,
		Available: wal.Available(),
	}
	if !wal.CycleEnd.IsZero() {
		resp.CycleEnd = wal.CycleEnd.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}
