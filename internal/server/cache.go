package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/AlfredDev/alfred/internal"
)

type flushResponse struct {
	Namespace string `json:"namespace"`
	Flushed   int    `json:"flushed"`
}

// handleCacheFlush drops every cached entry in one of the caller's
// namespaces. The flush is journalled so audits can explain cache-miss cost
// spikes after a deployment.
func (s *server) handleCacheFlush(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeError(w, r, gateway.E(gateway.KindNotFound, "semantic cache is not enabled"))
		return
	}
	ns := chi.URLParam(r, "namespace")
	if ns == "" {
		writeError(w, r, gateway.E(gateway.KindInvalidRequest, "namespace is required"))
		return
	}

	identity := gateway.IdentityFromContext(r.Context())
	n := s.deps.Cache.Flush(identity.OrgID, ns)
	if s.deps.Journal != nil {
		s.deps.Journal.Append(identity.WalletID, gateway.EntryCacheFlush, 0, ns)
	}
	writeJSON(w, http.StatusOK, flushResponse{Namespace: ns, Flushed: n})
}
