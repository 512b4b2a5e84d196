package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	gateway "github.com/AlfredDev/alfred/internal"
)

// APIError represents an error response from an upstream LLM provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

// Error returns a formatted error string including provider, status, and body.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus returns the upstream HTTP status code for breaker weighting.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// KindForStatus maps an upstream HTTP status to the gateway error taxonomy.
// 408, 429 and every 5xx are transient and eligible for failover; other 4xx
// are permanent provider rejections.
func KindForStatus(code int) gateway.Kind {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return gateway.KindUpstreamTransient
	default:
		return gateway.KindUpstreamPermanent
	}
}

// ParseAPIError reads up to 4KB from the response body and returns a
// kind-classified error wrapping the raw upstream failure.
func ParseAPIError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	cause := &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: string(body)}
	return gateway.Wrap(KindForStatus(resp.StatusCode), "upstream error", cause).
		With("provider", provider).
		With("status", resp.StatusCode)
}

// WrapTransportError classifies a transport-level failure from an adapter's
// HTTP call: context cancellation maps to cancelled, everything else (DNS,
// dial, TLS, timeouts) is transient and eligible for failover.
func WrapTransportError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return gateway.Wrap(gateway.KindCancelled, "request cancelled", err)
	}
	return gateway.Wrap(gateway.KindUpstreamTransient, "upstream unreachable", err).
		With("provider", provider)
}

// ProtocolError classifies a malformed upstream payload (bad SSE frame,
// invalid JSON) so the failover loop may retry on another provider.
func ProtocolError(provider string, err error) error {
	return gateway.Wrap(gateway.KindUpstreamProtocol, "malformed upstream response", err).
		With("provider", provider)
}
