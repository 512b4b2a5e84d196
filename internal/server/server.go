// Package server implements the HTTP transport layer for the Alfred gateway:
// the OpenAI-compatible inference surface, wallet and audit endpoints, and the
// SSE streaming proxy with guardrails.
package server

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/AlfredDev/alfred/internal"
	"github.com/AlfredDev/alfred/internal/cache"
	"github.com/AlfredDev/alfred/internal/circuitbreaker"
	"github.com/AlfredDev/alfred/internal/guardrail"
	"github.com/AlfredDev/alfred/internal/metering"
	"github.com/AlfredDev/alfred/internal/provider"
	"github.com/AlfredDev/alfred/internal/ratelimit"
	"github.com/AlfredDev/alfred/internal/router"
	"github.com/AlfredDev/alfred/internal/storage"
	"github.com/AlfredDev/alfred/internal/telemetry"
	"github.com/AlfredDev/alfred/internal/wallet"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// UsageSink records API usage asynchronously.
type UsageSink interface {
	Record(gateway.UsageRecord)
}

// Journal appends audit entries. Implemented by ledger.Appender.
type Journal interface {
	Append(walletID string, kind gateway.EntryKind, amount gateway.Credits, refID string) gateway.LedgerEntry
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth       gateway.Authenticator
	Providers  *provider.Registry
	Router     *router.Router
	Wallet     *wallet.Engine
	Store      storage.Store
	Journal    Journal
	Tokenizers *metering.Registry

	Cache    *cache.Semantic        // nil = no caching
	Limits   *ratelimit.Registry    // nil = no rate limiting
	Breakers *circuitbreaker.Registry // nil = no breaker gating
	Metrics  *telemetry.Metrics     // nil = no metrics
	Usage    UsageSink              // nil = no usage recording

	MetricsHandler http.Handler // GET /metrics; nil = not mounted
	ReadyCheck     ReadyChecker // nil = always ready (for tests)

	DefaultLimits ratelimit.Limits // applied when a key carries no limits
	Guardrails    guardrail.Config // initial per-stream output limits, swappable via ApplyLimits
	USDPerCredit  float64          // USD conversion for alfred_usage.cost_usd
	MaxRetries    int              // initial failover budget per request, default 2
}

// Server is the wired HTTP surface. It serves the route mux and lets the
// caller swap the stream guardrails and failover budget at runtime.
type Server struct {
	s   *server
	mux http.Handler
}

func (sv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sv.mux.ServeHTTP(w, r)
}

// ApplyLimits swaps the guardrail limits and failover budget. In-flight
// requests finish under the snapshot they started with; zero values fall
// back to the defaults, same as at construction.
func (sv *Server) ApplyLimits(guard guardrail.Config, maxRetries int) {
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	if guard == (guardrail.Config{}) {
		guard = guardrail.DefaultConfig()
	}
	sv.s.limits.Store(&hotLimits{guard: guard, maxRetries: maxRetries})
}

const defaultMaxRetries = 2

// hotLimits is the atomically swapped snapshot read on each request.
type hotLimits struct {
	guard      guardrail.Config
	maxRetries int
}

// New creates a Server with all routes and middleware wired.
func New(deps Deps) *Server {
	s := &server{
		deps:   deps,
		tracer: telemetry.Tracer("alfred/server"),
	}
	sv := &Server{s: s}
	sv.ApplyLimits(deps.Guardrails, deps.MaxRetries)

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Inference endpoints. Admission happens inside the handlers because the
	// token estimate needs the parsed body.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Post("/v1/embeddings", s.handleEmbeddings)
	})

	// Governance endpoints: request-count limiting only.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Get("/v1/models", s.handleListModels)
		r.Post("/v1/wallet/transfer", s.handleWalletTransfer)
		r.Get("/v1/wallet/balance", s.handleWalletBalance)
		r.Get("/v1/audit", s.handleAuditList)
		r.Get("/v1/audit/verify", s.handleAuditVerify)
		r.Delete("/v1/cache/{namespace}", s.handleCacheFlush)
	})

	sv.mux = r
	return sv
}

type server struct {
	deps   Deps
	tracer trace.Tracer
	limits atomic.Pointer[hotLimits]
}

func (s *server) maxRetries() int { return s.limits.Load().maxRetries }

func (s *server) guardrails() guardrail.Config { return s.limits.Load().guard }

// limitsFor resolves the effective rate limits for an identity, falling back
// to the configured defaults when the key carries none.
func (s *server) limitsFor(id *gateway.Identity) ratelimit.Limits {
	l := s.deps.DefaultLimits
	if id.RPMLimit > 0 {
		l.RPM = id.RPMLimit
	}
	if id.TPMLimit > 0 {
		l.TPM = id.TPMLimit
	}
	return l
}

// admit runs rate limit admission for the identity and endpoint. On rejection
// it writes the 429 response with Retry-After and returns false.
func (s *server) admit(w http.ResponseWriter, id *gateway.Identity, endpoint string, estimatedTokens int64) bool {
	if s.deps.Limits == nil {
		return true
	}
	res := s.deps.Limits.Allow(id.OrgID, endpoint, s.limitsFor(id), estimatedTokens)
	if res.Allowed {
		return true
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RateLimitRejects.WithLabelValues(endpoint).Inc()
	}
	writeRateLimited(w, res)
	return false
}

// adjustTokens corrects the TPM bucket with the actual token count after the
// response completes.
func (s *server) adjustTokens(id *gateway.Identity, endpoint string, estimated, actual int64) {
	if s.deps.Limits == nil {
		return
	}
	s.deps.Limits.AdjustTokens(id.OrgID, endpoint, estimated-actual)
}
