package server

import (
	"net/http"
	"time"

	gateway "github.com/AlfredDev/alfred/internal"
)

const embeddingsEndpoint = "/v1/embeddings"

// handleEmbeddings routes an embedding request through the rule engine,
// holds the projected cost, and settles on the provider-reported usage.
func (s *server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req gateway.EmbeddingRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	if req.Model == "" || len(req.Input) == 0 {
		writeJSON(w, http.StatusBadRequest,
			errorEnvelope(gateway.KindInvalidRequest, "model and input are required", nil))
		return
	}

	ctx := r.Context()
	identity := gateway.IdentityFromContext(ctx)
	requestID := gateway.RequestIDFromContext(ctx)

	estTokens := s.deps.Tokenizers.Lookup("").CountText(string(req.Input))
	if !s.admit(w, identity, embeddingsEndpoint, int64(estTokens)) {
		return
	}

	// Embedding models route through the same rule set as chat; the chain
	// head decides provider and pricing.
	route := gateway.ChatRequest{Model: req.Model, Metadata: requestMetadata(r, identity)}
	decision, err := s.deps.Router.Resolve(&route, identity)
	if err != nil {
		s.adjustTokens(identity, embeddingsEndpoint, int64(estTokens), 0)
		writeError(w, r, err)
		return
	}
	head := &decision.Chain[0]

	reserveAmt := targetPrice(head).Cost(estTokens, 0)
	resID, err := s.deps.Wallet.Reserve(ctx, identity.WalletID, reserveAmt, requestID)
	if err != nil {
		s.adjustTokens(identity, embeddingsEndpoint, int64(estTokens), 0)
		writeError(w, r, err)
		return
	}

	p, err := s.deps.Providers.Get(head.Provider)
	if err != nil {
		s.deps.Wallet.Refund(ctx, resID)
		s.adjustTokens(identity, embeddingsEndpoint, int64(estTokens), 0)
		writeError(w, r, err)
		return
	}

	sub := req
	sub.Model = head.Model
	start := time.Now()
	resp, err := p.Embeddings(ctx, &sub)
	s.observeUpstream(head, time.Since(start), err)
	if err != nil {
		s.deps.Wallet.Refund(ctx, resID)
		s.adjustTokens(identity, embeddingsEndpoint, int64(estTokens), 0)
		s.recordUsage(identity, req.Model, head.Provider, gateway.Usage{}, 0, gateway.FinishError, false,
			&route.Metadata, time.Since(start), gateway.KindOf(err).HTTPStatus(), requestID)
		writeError(w, r, err)
		return
	}

	usage := gateway.Usage{PromptTokens: estTokens, TotalTokens: estTokens}
	if resp.Usage != nil && resp.Usage.TotalTokens > 0 {
		usage = *resp.Usage
	}
	actual := targetPrice(head).Cost(usage.PromptTokens, 0)
	s.deps.Wallet.Settle(ctx, resID, actual)
	s.adjustTokens(identity, embeddingsEndpoint, int64(estTokens), int64(usage.TotalTokens))
	s.observeSettlement(identity.OrgID, req.Model, usage, actual)
	s.recordUsage(identity, req.Model, head.Provider, usage, actual, gateway.FinishStop, false,
		&route.Metadata, time.Since(start), http.StatusOK, requestID)

	writeJSON(w, http.StatusOK, resp)
}
