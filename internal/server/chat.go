package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	gateway "github.com/AlfredDev/alfred/internal"
	"github.com/AlfredDev/alfred/internal/cache"
	"github.com/AlfredDev/alfred/internal/metering"
	"github.com/AlfredDev/alfred/internal/router"
)

const chatEndpoint = "/v1/chat/completions"

// defaultOutputCap bounds the completion estimate when neither the client nor
// the matched rule caps output tokens.
const defaultOutputCap = 1024

// requestMetadata resolves the gateway headers into request metadata. A key
// flagged privacy-strict forces strict mode regardless of the header.
func requestMetadata(r *http.Request, id *gateway.Identity) gateway.RequestMetadata {
	meta := gateway.RequestMetadata{
		ProjectID:       r.Header.Get("X-Project-Id"),
		ResidencyRegion: r.Header.Get("X-Residency-Region"),
		PrivacyStrict:   strings.EqualFold(r.Header.Get("X-Privacy-Mode"), "strict"),
	}
	if strings.EqualFold(r.Header.Get("X-Priority"), "critical") {
		meta.Priority = "critical"
	} else {
		meta.Priority = "normal"
	}
	if id != nil && id.PrivacyStrict {
		meta.PrivacyStrict = true
	}
	return meta
}

func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req gateway.ChatRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest,
			errorEnvelope(gateway.KindInvalidRequest, "model and messages are required", nil))
		return
	}

	ctx := r.Context()
	identity := gateway.IdentityFromContext(ctx)
	req.Metadata = requestMetadata(r, identity)
	requestID := gateway.RequestIDFromContext(ctx)

	// Admission uses the generic counter; the route's tokenizer is not known
	// until the rules resolve, and the bucket is corrected with actuals anyway.
	est := metering.EstimateRequest(s.deps.Tokenizers.Lookup(""), &req, defaultOutputCap)
	if !s.admit(w, identity, chatEndpoint, int64(est.PromptTokens+est.ExpectedCompletionTokens)) {
		return
	}

	family := s.deps.Router.Family(req.Model)
	if family == "" {
		family = req.Model
	}
	prompt := cachePrompt(&req)

	if s.deps.Cache != nil && !req.Metadata.PrivacyStrict {
		if hit, ok := s.deps.Cache.Lookup(ctx, identity.OrgID, family, prompt); ok {
			s.serveCacheHit(w, r, &req, identity, hit, est)
			return
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.CacheMisses.Inc()
		}
	}

	decision, err := s.deps.Router.Resolve(&req, identity)
	if err != nil {
		// Policy blocks are audited; a missing route is not a governance event.
		if gateway.Is(err, gateway.KindForbidden) && s.deps.Journal != nil {
			s.deps.Journal.Append(identity.WalletID, gateway.EntryRefused, 0, requestID)
		}
		writeError(w, r, err)
		return
	}
	if decision.Project != "" && req.Metadata.ProjectID == "" {
		// A tag_project rule labels untagged requests for attribution.
		req.Metadata.ProjectID = decision.Project
	}

	// Re-estimate with the chain head's tokenizer and the rule's output cap,
	// then hold the projected cost before dispatch.
	head := &decision.Chain[0]
	counter := s.deps.Tokenizers.Lookup(head.Tokenizer)
	cap := decision.MaxOutputTokens
	if cap <= 0 {
		cap = defaultOutputCap
	}
	est = metering.EstimateRequest(counter, &req, cap)
	reserveAmt := targetPrice(head).Cost(est.PromptTokens, est.ExpectedCompletionTokens)

	resID, err := s.deps.Wallet.Reserve(ctx, identity.WalletID, reserveAmt, requestID)
	if err != nil {
		s.adjustTokens(identity, chatEndpoint, estTotal(est), 0)
		writeError(w, r, err)
		return
	}

	if req.Stream {
		s.streamChat(w, r, &req, identity, decision, est, resID, family, prompt)
		return
	}
	s.completeChat(w, r, &req, identity, decision, est, resID, family, prompt)
}

// completeChat runs the non-streaming path: dispatch with failover, settle
// actuals, augment the response with credit accounting.
func (s *server) completeChat(w http.ResponseWriter, r *http.Request, req *gateway.ChatRequest,
	identity *gateway.Identity, decision *router.Decision, est metering.Estimate, resID, family, prompt string) {

	ctx := r.Context()
	requestID := gateway.RequestIDFromContext(ctx)
	start := time.Now()

	resp, target, err := s.dispatch(ctx, req, decision)
	if err != nil {
		s.deps.Wallet.Refund(ctx, resID)
		s.adjustTokens(identity, chatEndpoint, estTotal(est), 0)
		s.recordUsage(identity, req.Model, "", gateway.Usage{}, 0, gateway.FinishError, false, &req.Metadata,
			time.Since(start), gateway.KindOf(err).HTTPStatus(), requestID)
		writeError(w, r, err)
		return
	}

	counter := s.deps.Tokenizers.Lookup(target.Tokenizer)
	text := assistantText(resp)
	usage := gateway.Usage{
		PromptTokens:     est.PromptTokens,
		CompletionTokens: counter.CountText(text),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	if resp.Usage != nil && resp.Usage.TotalTokens > 0 {
		// Provider-reported usage is authoritative at settlement.
		usage = *resp.Usage
	}

	actual := targetPrice(target).Cost(usage.PromptTokens, usage.CompletionTokens)
	s.deps.Wallet.Settle(ctx, resID, actual)
	s.adjustTokens(identity, chatEndpoint, estTotal(est), int64(usage.TotalTokens))

	finish := gateway.FinishStop
	if len(resp.Choices) > 0 && resp.Choices[0].FinishReason != "" {
		finish = resp.Choices[0].FinishReason
	}

	// Cache the canonical response before per-request accounting is attached.
	if s.deps.Cache != nil && !req.Metadata.PrivacyStrict && finish == gateway.FinishStop && text != "" {
		if body, merr := json.Marshal(resp); merr == nil {
			entry := &cache.Entry{Response: body, Text: text, Model: resp.Model, Usage: usage}
			if decision.CacheTTL > 0 {
				entry.ExpiresAt = time.Now().Add(decision.CacheTTL)
			}
			s.deps.Cache.Store(ctx, identity.OrgID, family, prompt, entry)
		}
	}

	resp.AlfredUsage = s.alfredUsage(identity.WalletID, actual, false)
	s.observeSettlement(identity.OrgID, req.Model, usage, actual)
	s.recordUsage(identity, req.Model, target.Provider, usage, actual, finish, false, &req.Metadata,
		time.Since(start), http.StatusOK, requestID)

	writeJSON(w, http.StatusOK, resp)
}

// serveCacheHit settles the flat cache fee and replays the stored response,
// as a normal JSON body or a synthetic single-delta stream.
func (s *server) serveCacheHit(w http.ResponseWriter, r *http.Request, req *gateway.ChatRequest,
	identity *gateway.Identity, hit *cache.Hit, est metering.Estimate) {

	ctx := r.Context()
	requestID := gateway.RequestIDFromContext(ctx)
	start := time.Now()

	fee := s.deps.Cache.HitFee()
	if fee > 0 {
		resID, err := s.deps.Wallet.Reserve(ctx, identity.WalletID, fee, requestID)
		if err != nil {
			s.adjustTokens(identity, chatEndpoint, estTotal(est), 0)
			writeError(w, r, err)
			return
		}
		s.deps.Wallet.Settle(ctx, resID, fee)
	}
	// The upstream never ran; return the full token estimate to the bucket.
	s.adjustTokens(identity, chatEndpoint, estTotal(est), 0)

	if s.deps.Metrics != nil {
		hitType := "semantic"
		if hit.Exact {
			hitType = "exact"
		}
		s.deps.Metrics.CacheHits.WithLabelValues(hitType).Inc()
	}
	s.recordUsage(identity, req.Model, "", hit.Entry.Usage, fee, gateway.FinishStop, true, &req.Metadata,
		time.Since(start), http.StatusOK, requestID)

	au := s.alfredUsage(identity.WalletID, fee, true)

	if req.Stream {
		writeSSEHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			return
		}
		for _, chunk := range cache.ReplayChunks(requestID, hit.Entry) {
			if chunk.Done {
				break
			}
			if len(chunk.Data) > 0 {
				writeSSEData(w, chunk.Data)
			}
			flusher.Flush()
		}
		s.writeAlfredUsageEvent(w, au)
		writeSSEDone(w)
		flusher.Flush()
		return
	}

	var resp gateway.ChatResponse
	if err := json.Unmarshal(hit.Entry.Response, &resp); err != nil {
		writeError(w, r, gateway.Wrap(gateway.KindInternal, "decode cached response", err))
		return
	}
	resp.AlfredUsage = au
	writeJSON(w, http.StatusOK, &resp)
}

// alfredUsage builds the credit accounting attachment from the post-settle
// wallet state.
func (s *server) alfredUsage(walletID string, charged gateway.Credits, cached bool) *gateway.AlfredUsage {
	var remaining gateway.Credits
	if wal, err := s.deps.Wallet.Get(walletID); err == nil {
		remaining = wal.Available()
	}
	return &gateway.AlfredUsage{
		CreditsCharged:   charged,
		RemainingBalance: remaining,
		CostUSD:          charged.Float() * s.deps.USDPerCredit,
		CacheHit:         cached,
	}
}

func (s *server) observeSettlement(orgID, model string, usage gateway.Usage, charged gateway.Credits) {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.TokensProcessed.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
	s.deps.Metrics.TokensProcessed.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
	s.deps.Metrics.CreditsSettled.WithLabelValues(orgID).Add(charged.Float())
}

func (s *server) recordUsage(identity *gateway.Identity, model, providerID string, usage gateway.Usage,
	charged gateway.Credits, finish string, cached bool, meta *gateway.RequestMetadata, latency time.Duration, status int, requestID string) {

	if s.deps.Usage == nil {
		return
	}
	s.deps.Usage.Record(gateway.UsageRecord{
		KeyID:            identity.KeyID,
		OrgID:            identity.OrgID,
		TeamID:           identity.TeamID,
		UserID:           identity.UserID,
		WalletID:         identity.WalletID,
		ProjectID:        meta.ProjectID,
		Model:            model,
		ProviderID:       providerID,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		CreditsCharged:   charged,
		FinishReason:     finish,
		Cached:           cached,
		PrivacyStrict:    meta.PrivacyStrict,
		LatencyMs:        int(latency.Milliseconds()),
		StatusCode:       status,
		RequestID:        requestID,
		CreatedAt:        time.Now().UTC(),
	})
}

func targetPrice(t *router.Target) metering.Price {
	return metering.Price{InRate: t.InRate, OutRate: t.OutRate}
}

func estTotal(est metering.Estimate) int64 {
	return int64(est.PromptTokens + est.ExpectedCompletionTokens)
}

// cachePrompt builds the canonical prompt text the cache digests: the model
// and every message in order. Sampling parameters are deliberately excluded;
// near-duplicate prompts should hit regardless of temperature.
func cachePrompt(req *gateway.ChatRequest) string {
	var b strings.Builder
	b.WriteString(req.Model)
	for i := range req.Messages {
		m := &req.Messages[i]
		b.WriteByte('\x1e')
		b.WriteString(m.Role)
		b.WriteByte(':')
		b.Write(m.Content)
	}
	return b.String()
}

// assistantText extracts the first choice's text content. Content is a JSON
// value; a plain string is the common case, anything else replays as-is.
func assistantText(resp *gateway.ChatResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	raw := resp.Choices[0].Message.Content
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return string(raw)
}
