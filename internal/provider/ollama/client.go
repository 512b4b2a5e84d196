// Package ollama implements the gateway.Provider adapter for local Ollama
// instances via their OpenAI-compatible endpoint.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"

	gateway "github.com/AlfredDev/alfred/internal"
	"github.com/AlfredDev/alfred/internal/provider"
	"github.com/AlfredDev/alfred/internal/provider/sseutil"
)

const (
	defaultBaseURL = "http://localhost:11434"
	providerName   = "ollama"
)

var _ gateway.Provider = (*Client)(nil)

// Client is an Ollama provider adapter that implements gateway.Provider.
// It delegates translated (OpenAI-format) requests to Ollama's
// OpenAI-compatible endpoint.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// New creates an Ollama Client with a tuned http.Client.
// If baseURL is empty, it defaults to "http://localhost:11434".
// If resolver is non-nil, it wraps the transport's DialContext with cached DNS lookups.
func New(apiKey, baseURL string, resolver *dnscache.Resolver) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   false, // Ollama is typically HTTP/1.1
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    &http.Client{Transport: t},
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return providerName }

// openaiURL returns the OpenAI-compatible API base URL for Ollama.
func (c *Client) openaiURL() string { return c.baseURL + "/v1" }

// ChatCompletion sends a non-streaming chat completion request via Ollama's
// OpenAI-compatible endpoint.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInvalidRequest, "ollama: marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.openaiURL()+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "ollama: create request", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.WrapTransportError(providerName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	var out gateway.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, provider.ProtocolError(providerName, err)
	}
	for i := range out.Choices {
		out.Choices[i].FinishReason = sseutil.CanonicalFinish(out.Choices[i].FinishReason)
	}
	return &out, nil
}

// ChatCompletionStream sends a streaming chat completion request via Ollama's
// OpenAI-compatible endpoint. The SSE payload is OpenAI chunk format, so the
// shared reader handles delta and finish extraction.
func (c *Client) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	outReq := *req
	outReq.Stream = true

	body, err := json.Marshal(&outReq)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInvalidRequest, "ollama: marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.openaiURL()+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "ollama: create request", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.WrapTransportError(providerName, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(providerName, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go sseutil.ReadSSEStream(ctx, providerName, resp, ch)
	return ch, nil
}

// Embeddings sends an embedding request via Ollama's OpenAI-compatible endpoint.
func (c *Client) Embeddings(ctx context.Context, req *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInvalidRequest, "ollama: marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.openaiURL()+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "ollama: create request", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.WrapTransportError(providerName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	var out gateway.EmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, provider.ProtocolError(providerName, err)
	}
	return &out, nil
}

// ListModels returns available models from the Ollama instance.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "ollama: create request", err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.WrapTransportError(providerName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, provider.ProtocolError(providerName, err)
	}

	var ids []string
	gjson.GetBytes(respBody, "models").ForEach(func(_, model gjson.Result) bool {
		ids = append(ids, model.Get("name").String())
		return true
	})
	return ids, nil
}

// HealthCheck verifies connectivity to the Ollama instance.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

// setHeaders applies common headers to an outbound request.
func (c *Client) setHeaders(r *http.Request) {
	if c.apiKey != "" {
		r.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	r.Header.Set("Content-Type", "application/json")
}
