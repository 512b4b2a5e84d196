package circuitbreaker

import (
	"context"
	"errors"
	"net"
	"os"

	gateway "github.com/AlfredDev/alfred/internal"
)

// httpStatusError is satisfied by provider.APIError; checking the raw
// upstream status keeps 429 at half weight even though it classifies as a
// transient kind for failover purposes.
type httpStatusError interface {
	HTTPStatus() int
}

// ClassifyError returns the error weight for circuit breaker tracking.
//
// Weights:
//   - upstream 429 or rate_limited -> 0.5
//   - upstream 5xx, upstream_transient, upstream_protocol -> 1.0
//   - timeout (deadline exceeded) -> 1.5
//   - upstream 4xx, invalid_request, cancelled -> 0.0 (not provider health)
//   - untyped network errors -> 1.0
//   - nil -> 0.0
func ClassifyError(err error) float64 {
	if err == nil {
		return 0
	}

	// Timeouts weigh heaviest: the provider held a connection for the full
	// deadline before failing.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return 1.5
	}

	// A raw upstream status is more precise than the mapped kind.
	var he httpStatusError
	if errors.As(err, &he) {
		return classifyStatus(he.HTTPStatus())
	}

	var gerr *gateway.Error
	if errors.As(err, &gerr) {
		switch gerr.Kind {
		case gateway.KindRateLimited:
			return 0.5
		case gateway.KindUpstreamTransient, gateway.KindUpstreamProtocol:
			return 1.0
		case gateway.KindCancelled, gateway.KindInvalidRequest, gateway.KindUpstreamPermanent:
			// Client faults and hard provider rejections say nothing about
			// provider availability.
			return 0.0
		default:
			return 0.0
		}
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return 1.0
	}

	// Untyped errors from the transport layer count as provider faults.
	return 1.0
}

func classifyStatus(code int) float64 {
	switch {
	case code == 429:
		return 0.5
	case code >= 500:
		return 1.0
	default:
		return 0.0
	}
}
