package server

import (
	"context"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/AlfredDev/alfred/internal"
	"github.com/AlfredDev/alfred/internal/circuitbreaker"
	"github.com/AlfredDev/alfred/internal/router"
)

const (
	backoffBase  = 100 * time.Millisecond
	backoffTotal = time.Second // max added latency across all retries
)

// dispatch walks the failover chain for a non-streaming request: breaker-open
// targets are skipped, transient and protocol errors fail over to the next
// target with jittered backoff, permanent errors return immediately. At most
// MaxRetries extra targets are tried.
func (s *server) dispatch(ctx context.Context, req *gateway.ChatRequest, d *router.Decision) (*gateway.ChatResponse, *router.Target, error) {
	var lastErr error
	attempts := 0

	for i := range d.Chain {
		target := &d.Chain[i]
		if attempts > s.maxRetries() {
			break
		}

		br := s.breakerFor(target)
		if br != nil && !br.Allow() {
			continue
		}

		p, err := s.deps.Providers.Get(target.Provider)
		if err != nil {
			lastErr = err
			continue
		}

		if attempts > 0 {
			if !s.backoff(ctx, attempts) {
				break
			}
			if s.deps.Metrics != nil {
				s.deps.Metrics.FailoverTotal.WithLabelValues(d.Rule).Inc()
			}
		}

		sub := *req
		sub.Model = target.Model

		callCtx, span := s.tracer.Start(ctx, "upstream.chat",
			trace.WithAttributes(
				attribute.String("provider", target.Provider),
				attribute.String("model", target.Model),
			))
		start := time.Now()
		resp, err := p.ChatCompletion(callCtx, &sub)
		s.observeUpstream(target, time.Since(start), err)
		if err != nil {
			span.RecordError(err)
		}
		span.End()

		if err == nil {
			if br != nil {
				br.RecordSuccess()
			}
			return resp, target, nil
		}
		if br != nil {
			br.RecordError(circuitbreaker.ClassifyError(err))
		}
		lastErr = err
		if !gateway.KindOf(err).Retryable() {
			return nil, nil, err
		}
		attempts++
	}

	if lastErr == nil {
		lastErr = gateway.E(gateway.KindUpstreamTransient, "no healthy target in chain")
	}
	return nil, nil, lastErr
}

// streamDialer walks the failover chain for a streaming request. It keeps its
// position between calls, so a stream that dies before any delta reached the
// client can redial the remainder of the chain. Once a delta has been
// forwarded the stream is committed to its target and the dialer is done.
type streamDialer struct {
	s        *server
	req      *gateway.ChatRequest
	d        *router.Decision
	idx      int
	attempts int
	lastErr  error
}

// next dials targets from the current chain position until one accepts the
// stream. The returned cancel tears down that attempt's upstream only, so a
// redial does not disturb the request context.
func (sd *streamDialer) next(ctx context.Context) (<-chan gateway.StreamChunk, *router.Target, context.CancelFunc, error) {
	for ; sd.idx < len(sd.d.Chain); sd.idx++ {
		target := &sd.d.Chain[sd.idx]
		if sd.attempts > sd.s.maxRetries() {
			break
		}

		br := sd.s.breakerFor(target)
		if br != nil && !br.Allow() {
			continue
		}

		p, err := sd.s.deps.Providers.Get(target.Provider)
		if err != nil {
			sd.lastErr = err
			continue
		}

		if sd.attempts > 0 {
			if !sd.s.backoff(ctx, sd.attempts) {
				break
			}
			if sd.s.deps.Metrics != nil {
				sd.s.deps.Metrics.FailoverTotal.WithLabelValues(sd.d.Rule).Inc()
			}
		}

		sub := *sd.req
		sub.Model = target.Model

		attemptCtx, cancel := context.WithCancel(ctx)
		ch, err := p.ChatCompletionStream(attemptCtx, &sub)
		if err == nil {
			sd.idx++
			return ch, target, cancel, nil
		}
		cancel()
		if br != nil {
			br.RecordError(circuitbreaker.ClassifyError(err))
		}
		sd.s.observeUpstream(target, 0, err)
		sd.lastErr = err
		if !gateway.KindOf(err).Retryable() {
			return nil, nil, nil, err
		}
		sd.attempts++
	}

	if sd.lastErr == nil {
		sd.lastErr = gateway.E(gateway.KindUpstreamTransient, "no healthy target in chain")
	}
	return nil, nil, nil, sd.lastErr
}

// fail records an upstream error that arrived after the dial succeeded but
// before any delta reached the client, and reports whether redialing the rest
// of the chain is worthwhile.
func (sd *streamDialer) fail(target *router.Target, err error) bool {
	if br := sd.s.breakerFor(target); br != nil {
		br.RecordError(circuitbreaker.ClassifyError(err))
	}
	sd.s.observeUpstream(target, 0, err)
	sd.lastErr = err
	if !gateway.KindOf(err).Retryable() {
		return false
	}
	sd.attempts++
	return sd.attempts <= sd.s.maxRetries() && sd.idx < len(sd.d.Chain)
}

func (s *server) breakerFor(t *router.Target) *circuitbreaker.Breaker {
	if s.deps.Breakers == nil {
		return nil
	}
	return s.deps.Breakers.GetOrCreate(circuitbreaker.Key(t.Provider, t.Region))
}

// backoff sleeps for the jittered exponential delay before a retry, capped so
// the chain never adds more than backoffTotal of latency. Returns false when
// the context is cancelled or the budget is spent.
func (s *server) backoff(ctx context.Context, attempt int) bool {
	delay := backoffBase << (attempt - 1)
	delay += rand.N(backoffBase)
	if delay > backoffTotal {
		return false
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *server) observeUpstream(t *router.Target, elapsed time.Duration, err error) {
	if s.deps.Metrics == nil {
		return
	}
	if elapsed > 0 {
		s.deps.Metrics.UpstreamDuration.WithLabelValues(t.Provider, t.Model).Observe(elapsed.Seconds())
	}
	if err != nil {
		s.deps.Metrics.UpstreamErrors.WithLabelValues(t.Provider, string(gateway.KindOf(err))).Inc()
	}
}
