package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gateway "github.com/AlfredDev/alfred/internal"
	"github.com/AlfredDev/alfred/internal/cache"
	"github.com/AlfredDev/alfred/internal/guardrail"
	"github.com/AlfredDev/alfred/internal/metering"
	"github.com/AlfredDev/alfred/internal/provider/sseutil"
	"github.com/AlfredDev/alfred/internal/router"
)

const keepAliveInterval = 15 * time.Second

// streamOutcome captures how a stream ended for settlement and audit. A
// non-nil retryErr means the upstream died before any delta reached the
// client and the rest of the chain may be redialed.
type streamOutcome struct {
	finish     string
	usage      gateway.Usage
	text       string
	clientGone bool
	retryErr   error
}

// streamChat runs the streaming path: open the upstream with failover, relay
// chunks under the guardrails, then settle on whatever was actually consumed.
// A client disconnect cancels the upstream and settles the partial.
func (s *server) streamChat(w http.ResponseWriter, r *http.Request, req *gateway.ChatRequest,
	identity *gateway.Identity, decision *router.Decision, est metering.Estimate, resID, family, prompt string) {

	requestID := gateway.RequestIDFromContext(r.Context())
	start := time.Now()

	// Upstream lifetime is owned here so guardrail violations and client
	// disconnects tear the provider stream down promptly.
	upCtx, cancel := context.WithCancel(r.Context())
	defer cancel()

	dialer := &streamDialer{s: s, req: req, d: decision}
	ch, target, attemptCancel, err := dialer.next(upCtx)
	if err != nil {
		s.deps.Wallet.Refund(r.Context(), resID)
		s.adjustTokens(identity, chatEndpoint, estTotal(est), 0)
		s.recordUsage(identity, req.Model, "", gateway.Usage{}, 0, gateway.FinishError, false, &req.Metadata,
			time.Since(start), gateway.KindOf(err).HTTPStatus(), requestID)
		writeError(w, r, err)
		return
	}

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		attemptCancel()
		s.deps.Wallet.Refund(r.Context(), resID)
		return
	}
	flusher.Flush()

	gcfg := s.guardrails()
	if decision.MaxOutputTokens > 0 {
		gcfg.MaxOutputTokens = decision.MaxOutputTokens
	}

	// Each attempt gets a fresh relay; a stream that fails before its first
	// forwarded delta redials the rest of the chain. Once the client has seen
	// output the stream is committed and upstream errors are terminal.
	var st *relayState
	var outcome streamOutcome
	for {
		st = &relayState{
			requestID: requestID,
			model:     target.Model,
			acc:       metering.NewAccumulator(s.deps.Tokenizers.Lookup(target.Tokenizer), est.PromptTokens),
			guard:     guardrail.New(gcfg),
			privacy:   req.Metadata.PrivacyStrict,
		}
		outcome = s.relayStream(w, r, flusher, ch, attemptCancel, st)
		if outcome.retryErr == nil {
			break
		}
		if !dialer.fail(target, outcome.retryErr) {
			outcome = s.terminalStreamError(w, flusher, st, outcome)
			break
		}
		ch, target, attemptCancel, err = dialer.next(upCtx)
		if err != nil {
			outcome = s.terminalStreamError(w, flusher, st, outcome)
			break
		}
	}

	if p := outcome.usage.CompletionTokens; p > 0 && !metering.WithinTolerance(st.acc.CompletionTokens(), p) {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "token count divergence",
			slog.Int("local", st.acc.CompletionTokens()),
			slog.Int("provider", p),
			slog.String("request_id", requestID),
		)
	}

	// Settle against actual consumption. The reservation already bounds the
	// charge; a runaway provider count cannot exceed the hold.
	settleCtx := context.WithoutCancel(r.Context())
	actual := targetPrice(target).Cost(outcome.usage.PromptTokens, outcome.usage.CompletionTokens)
	s.deps.Wallet.Settle(settleCtx, resID, actual)
	s.adjustTokens(identity, chatEndpoint, estTotal(est), int64(outcome.usage.TotalTokens))
	s.observeSettlement(identity.OrgID, req.Model, outcome.usage, actual)
	s.recordUsage(identity, req.Model, target.Provider, outcome.usage, actual, outcome.finish, false,
		&req.Metadata, time.Since(start), http.StatusOK, requestID)

	if s.deps.Cache != nil && !req.Metadata.PrivacyStrict &&
		outcome.finish == gateway.FinishStop && outcome.text != "" {
		body := syntheticResponse(requestID, target.Model, outcome.text, outcome.usage)
		entry := &cache.Entry{Response: body, Text: outcome.text, Model: target.Model, Usage: outcome.usage}
		if decision.CacheTTL > 0 {
			entry.ExpiresAt = time.Now().Add(decision.CacheTTL)
		}
		s.deps.Cache.Store(settleCtx, identity.OrgID, family, prompt, entry)
	}

	if !outcome.clientGone {
		s.writeAlfredUsageEvent(w, s.alfredUsage(identity.WalletID, actual, false))
		writeSSEDone(w)
		flusher.Flush()
	}
}

// terminalStreamError ends a stream whose chain is exhausted. Headers are
// already on the wire, so the error goes out as a finish chunk rather than an
// error envelope.
func (s *server) terminalStreamError(w http.ResponseWriter, flusher http.Flusher,
	st *relayState, outcome streamOutcome) streamOutcome {

	writeSSEData(w, sseutil.BuildFinishChunk(st.requestID, st.model, gateway.FinishError))
	flusher.Flush()
	outcome.finish = gateway.FinishError
	outcome.retryErr = nil
	return outcome
}

type relayState struct {
	requestID string
	model     string
	acc       *metering.Accumulator
	guard     *guardrail.Guard
	privacy   bool
}

// relayStream forwards upstream chunks in order, metering and guarding each
// delta. It returns once the stream reaches a terminal condition; the caller
// settles and emits the trailing frames.
func (s *server) relayStream(w http.ResponseWriter, r *http.Request, flusher http.Flusher,
	ch <-chan gateway.StreamChunk, cancel context.CancelFunc, st *relayState) streamOutcome {

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	var text strings.Builder
	finish := ""
	forwarded := false

	finalize := func(clientGone bool) streamOutcome {
		cancel()
		if finish == "" {
			finish = gateway.FinishStop
		}
		return streamOutcome{
			finish:     finish,
			usage:      st.acc.Final(),
			text:       text.String(),
			clientGone: clientGone,
		}
	}

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return finalize(false)
			}
			if chunk.Err != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
					slog.String("error", chunk.Err.Error()),
				)
				if !forwarded && gateway.KindOf(chunk.Err).Retryable() {
					out := finalize(false)
					out.retryErr = chunk.Err
					return out
				}
				finish = gateway.FinishError
				writeSSEData(w, sseutil.BuildFinishChunk(st.requestID, st.model, gateway.FinishError))
				flusher.Flush()
				return finalize(false)
			}
			if chunk.Done {
				return finalize(false)
			}

			st.acc.Add(&chunk)
			if !st.privacy && chunk.Delta != "" {
				text.WriteString(chunk.Delta)
			}
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}
			if len(chunk.Data) > 0 {
				writeSSEData(w, chunk.Data)
				flusher.Flush()
				forwarded = true
			}

			if v := st.guard.Observe(chunk.Delta, st.acc.CompletionTokens()); v != nil {
				slog.LogAttrs(r.Context(), slog.LevelWarn, "guardrail tripped",
					slog.String("reason", v.Message),
					slog.String("request_id", st.requestID),
				)
				finish = v.FinishReason
				writeSSEData(w, sseutil.BuildFinishChunk(st.requestID, st.model, v.FinishReason))
				flusher.Flush()
				return finalize(false)
			}

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			finish = gateway.FinishCancelled
			return finalize(true)
		}
	}
}

// writeAlfredUsageEvent emits the credit accounting as a trailing SSE event
// before the [DONE] sentinel.
func (s *server) writeAlfredUsageEvent(w http.ResponseWriter, au *gateway.AlfredUsage) {
	payload, err := json.Marshal(struct {
		AlfredUsage *gateway.AlfredUsage `json:"alfred_usage"`
	}{au})
	if err != nil {
		return
	}
	writeSSEData(w, payload)
}

// syntheticResponse builds the canonical non-streaming response body stored
// for a completed stream, so cache hits replay identically for both modes.
func syntheticResponse(id, model, text string, usage gateway.Usage) []byte {
	content, _ := json.Marshal(text)
	resp := gateway.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []gateway.Choice{{
			Message:      gateway.Message{Role: "assistant", Content: content},
			FinishReason: gateway.FinishStop,
		}},
		Usage: &usage,
	}
	body, _ := json.Marshal(&resp)
	return body
}
