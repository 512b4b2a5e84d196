// Package openai implements the gateway.Provider adapter for the OpenAI API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	gateway "github.com/AlfredDev/alfred/internal"
	"github.com/AlfredDev/alfred/internal/provider"
	"github.com/AlfredDev/alfred/internal/provider/sseutil"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

var _ gateway.Provider = (*Client)(nil)

// Client is an OpenAI provider adapter that implements gateway.Provider.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
	hosting string // "", "azure"
}

// New creates an OpenAI Client for direct API access.
// name is the instance identifier; baseURL configures the upstream.
// If baseURL is empty, it defaults to "https://api.openai.com/v1".
// The provided client should have auth configured via its transport chain.
func New(name, baseURL string, client *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
	}
}

// NewWithHosting creates an OpenAI Client for a specific hosting platform.
// For hosting="azure", ListModels returns nil since deployment URLs have no
// models endpoint.
func NewWithHosting(name, baseURL string, client *http.Client, hosting string) *Client {
	c := New(name, baseURL, client)
	c.hosting = hosting
	return c
}

// Name returns the instance identifier.
func (c *Client) Name() string { return c.name }

// ChatCompletion sends a non-streaming chat completion request to the OpenAI API.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInvalidRequest, "openai: marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "openai: create request", err)
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

// ChatCompletionStream sends a streaming chat completion request to the OpenAI API.
// It returns a channel of StreamChunk. The raw SSE data payloads are forwarded
// as-is in StreamChunk.Data; delta text and finish reason are extracted for
// metering and guardrails. The channel is closed after a Done sentinel or an
// error chunk.
func (c *Client) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	// Force stream=true and request usage in the final chunk.
	outReq := *req
	outReq.Stream = true
	if outReq.StreamOptions == nil {
		outReq.StreamOptions = &gateway.StreamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(&outReq)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInvalidRequest, "openai: marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "openai: create request", err)
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

// Embeddings sends an embedding request to the OpenAI API.
func (c *Client) Embeddings(ctx context.Context, req *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInvalidRequest, "openai: marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "openai: create request", err)
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

// listModelsResponse is the envelope returned by GET /models.
type listModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels returns the IDs of all models available from the OpenAI API.
// For Azure hosting, the models endpoint is not available at the deployment URL,
// so this returns a nil slice with no error.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	if c.hosting == "azure" {
		// Azure deployment URLs don't support GET /models.
		return nil, nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "openai: create request", err)
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

	var out listModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, provider.ProtocolError(providerName, err)
	}

	ids := make([]string, len(out.Data))
	for i, m := range out.Data {
		ids[i] = m.ID
	}
	return ids, nil
}

// HealthCheck verifies connectivity. For Azure, sends a lightweight HEAD
// request since the models endpoint is not available.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.hosting == "azure" {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL, nil)
		if err != nil {
			return gateway.Wrap(gateway.KindInternal, "openai: create health check request", err)
		}
		resp, err := c.http.Do(httpReq)
		if err != nil {
			return provider.WrapTransportError(providerName, err)
		}
		resp.Body.Close()
		return nil
	}
	_, err := c.ListModels(ctx)
	return err
}

// setHeaders applies content-type to an outbound request.
// Auth is handled by the transport chain.
func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
}
