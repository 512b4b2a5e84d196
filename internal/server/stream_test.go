package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gateway "github.com/AlfredDev/alfred/internal"
	"github.com/AlfredDev/alfred/internal/guardrail"
	"github.com/AlfredDev/alfred/internal/router"
	"github.com/AlfredDev/alfred/internal/testutil"
)

const streamBody = `{"model":"test-model","messages":[{"role":"user","content":"hello"}],"stream":true}`

func TestStreamChat(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	before := available(t, env, "wal-user-1")
	h := env.handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/chat/completions", streamBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	body := rec.Body.String()
	for _, want := range []string{"hel", "lo", "alfred_usage", "data: [DONE]"} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q, got:\n%s", want, body)
		}
	}
	if hi := strings.Index(body, "hel"); hi > strings.Index(body, "data: [DONE]") {
		t.Error("delta appeared after the [DONE] sentinel")
	}

	// Provider-reported usage (10/5) settles at 2.0 credits.
	wantCharge := gateway.Credits(2 * gateway.CreditScale)
	if got := before - available(t, env, "wal-user-1"); got != wantCharge {
		t.Errorf("wallet delta = %v, want %v", got, wantCharge)
	}
	wal, err := env.engine.Get("wal-user-1")
	if err != nil {
		t.Fatal(err)
	}
	if wal.ReservedCredits != 0 {
		t.Errorf("reserved = %v after settlement, want 0", wal.ReservedCredits)
	}
}

func TestStreamGuardrailByteBudget(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.deps.Guardrails = guardrail.Config{
		NGramBytes:     24,
		LoopThreshold:  6,
		MaxOutputBytes: 4,
	}
	h := env.handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/chat/completions", streamBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"finish_reason":"length"`) {
		t.Errorf("stream missing length finish chunk, got:\n%s", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Errorf("stream missing [DONE] after guardrail stop, got:\n%s", body)
	}

	recs := env.usage.all()
	if len(recs) != 1 || recs[0].FinishReason != gateway.FinishLength {
		t.Errorf("usage records = %+v, want one with finish length", recs)
	}
}

func TestStreamClientDisconnect(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	env.providers.Register("fake", &testutil.FakeProvider{
		ProviderName: "fake",
		StreamFn: func(ctx context.Context, _ *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
			ch := make(chan gateway.StreamChunk, 2)
			go func() {
				defer close(ch)
				ch <- gateway.StreamChunk{
					Data:  []byte(`{"id":"1","choices":[{"delta":{"content":"hi"}}]}`),
					Delta: "hi",
				}
				<-ctx.Done()
			}()
			return ch, nil
		},
	})
	h := env.handler()

	ctx, cancel := context.WithCancel(context.Background())
	req := authedRequest(http.MethodPost, "/v1/chat/completions", streamBody).WithContext(ctx)

	done := make(chan struct{})
	rec := httptest.NewRecorder()
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after context cancel")
	}

	// Settlement must survive the disconnect: the hold is released and the
	// partial is recorded as cancelled.
	wal, err := env.engine.Get("wal-user-1")
	if err != nil {
		t.Fatal(err)
	}
	if wal.ReservedCredits != 0 {
		t.Errorf("reserved = %v after disconnect, want 0", wal.ReservedCredits)
	}
	recs := env.usage.all()
	if len(recs) != 1 || recs[0].FinishReason != gateway.FinishCancelled {
		t.Errorf("usage records = %+v, want one with finish cancelled", recs)
	}
	if strings.Contains(rec.Body.String(), "data: [DONE]") {
		t.Error("no [DONE] should be written to a disconnected client")
	}
}

func TestStreamUpstreamErrorRefunds(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	env.providers.Register("fake", &testutil.FakeProvider{
		ProviderName: "fake",
		StreamFn: func(context.Context, *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
			return nil, gateway.E(gateway.KindUpstreamPermanent, "stream rejected")
		},
	})
	before := available(t, env, "wal-user-1")
	h := env.handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/chat/completions", streamBody))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502; body = %s", rec.Code, rec.Body.String())
	}
	if got := available(t, env, "wal-user-1"); got != before {
		t.Errorf("wallet delta = %v after refund, want 0", before-got)
	}
}

func TestApplyLimitsSwapsGuardrails(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	sv := New(env.deps)

	rec := httptest.NewRecorder()
	sv.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/chat/completions", streamBody))
	if body := rec.Body.String(); strings.Contains(body, `"finish_reason":"length"`) {
		t.Fatalf("default limits should let the stream finish, got:\n%s", body)
	}

	// Tighten the byte budget without rebuilding the handler; the next
	// stream runs under the new snapshot.
	sv.ApplyLimits(guardrail.Config{
		NGramBytes:     24,
		LoopThreshold:  6,
		MaxOutputBytes: 4,
	}, 1)

	rec = httptest.NewRecorder()
	sv.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/chat/completions", streamBody))
	if body := rec.Body.String(); !strings.Contains(body, `"finish_reason":"length"`) {
		t.Errorf("swapped limits should cap the stream, got:\n%s", body)
	}
}

func TestStreamFailsOverBeforeFirstDelta(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	// The primary accepts the stream but dies before producing any delta;
	// the fallback answers with the canned response.
	env.providers.Register("flaky", &testutil.FakeProvider{
		ProviderName: "flaky",
		StreamFn: func(context.Context, *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
			return testutil.FakeStreamChan(
				gateway.StreamChunk{Err: gateway.E(gateway.KindUpstreamTransient, "connection reset")},
			), nil
		},
	})
	env.rt.Swap([]router.Rule{{
		Name:  "default",
		Chain: []router.Target{testTarget("flaky"), testTarget("fake")},
	}}, map[string]string{"test-model": "general"})
	before := available(t, env, "wal-user-1")
	h := env.handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/chat/completions", streamBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	for _, want := range []string{"hel", "lo", "data: [DONE]"} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q, got:\n%s", want, body)
		}
	}
	if strings.Contains(body, `"finish_reason":"error"`) {
		t.Errorf("fallback stream leaked an error frame, got:\n%s", body)
	}

	wantCharge := gateway.Credits(2 * gateway.CreditScale)
	if got := before - available(t, env, "wal-user-1"); got != wantCharge {
		t.Errorf("wallet delta = %v, want %v", got, wantCharge)
	}
	recs := env.usage.all()
	if len(recs) != 1 || recs[0].FinishReason != gateway.FinishStop {
		t.Errorf("usage records = %+v, want one with finish stop", recs)
	}
}

func TestStreamCommittedAfterFirstDelta(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	// Once a delta has reached the client the stream may not restart on a
	// different target; a later upstream error ends it with an error frame.
	env.providers.Register("flaky", &testutil.FakeProvider{
		ProviderName: "flaky",
		StreamFn: func(context.Context, *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
			return testutil.FakeStreamChan(
				gateway.StreamChunk{
					Data:  []byte(`{"id":"1","choices":[{"delta":{"content":"par"}}]}`),
					Delta: "par",
				},
				gateway.StreamChunk{Err: gateway.E(gateway.KindUpstreamTransient, "connection reset")},
			), nil
		},
	})
	var fallbackDialed atomic.Bool
	env.providers.Register("fake", &testutil.FakeProvider{
		ProviderName: "fake",
		StreamFn: func(context.Context, *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
			fallbackDialed.Store(true)
			return nil, gateway.E(gateway.KindUpstreamTransient, "unexpected dial")
		},
	})
	env.rt.Swap([]router.Rule{{
		Name:  "default",
		Chain: []router.Target{testTarget("flaky"), testTarget("fake")},
	}}, map[string]string{"test-model": "general"})
	h := env.handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/chat/completions", streamBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "par") {
		t.Errorf("stream missing forwarded delta, got:\n%s", body)
	}
	if !strings.Contains(body, `"finish_reason":"error"`) {
		t.Errorf("stream missing error finish chunk, got:\n%s", body)
	}
	if fallbackDialed.Load() {
		t.Error("fallback target was dialed after the stream was committed")
	}
	recs := env.usage.all()
	if len(recs) != 1 || recs[0].FinishReason != gateway.FinishError {
		t.Errorf("usage records = %+v, want one with finish error", recs)
	}
}
