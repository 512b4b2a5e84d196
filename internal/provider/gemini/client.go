package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"

	gateway "github.com/AlfredDev/alfred/internal"
	"github.com/AlfredDev/alfred/internal/provider"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"
)

var _ gateway.Provider = (*Client)(nil)

// Client is a Gemini provider adapter that implements gateway.Provider.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// New creates a Gemini Client with a tuned http.Client.
// If baseURL is empty, it defaults to the Gemini API endpoint.
// If resolver is non-nil, it wraps the transport's DialContext with cached DNS lookups.
func New(apiKey, baseURL string, resolver *dnscache.Resolver) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: provider.NewTransport(resolver, true)},
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return providerName }

func (c *Client) newRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "gemini: create request", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("x-goog-api-key", c.apiKey)
	return httpReq, nil
}

// ChatCompletion sends a non-streaming chat completion request to the Gemini API.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	body, err := json.Marshal(translateRequest(req))
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInvalidRequest, "gemini: marshal request", err)
	}

	u := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, req.Model)
	httpReq, err := c.newRequest(ctx, http.MethodPost, u, body)
	if err != nil {
		return nil, err
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

	return translateResponse(respBody, req.Model)
}

// ChatCompletionStream sends a streaming chat completion request to the Gemini API.
func (c *Client) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	body, err := json.Marshal(translateRequest(req))
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInvalidRequest, "gemini: marshal request", err)
	}

	u := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", c.baseURL, req.Model)
	httpReq, err := c.newRequest(ctx, http.MethodPost, u, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.WrapTransportError(providerName, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(providerName, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go readStream(ctx, resp.Body, ch, req.Model)
	return ch, nil
}

// Embeddings sends an embedding request to the Gemini API and converts the
// result to the OpenAI embedding response shape.
func (c *Client) Embeddings(ctx context.Context, req *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, error) {
	var inputText string
	if err := json.Unmarshal(req.Input, &inputText); err != nil {
		var inputs []string
		if err := json.Unmarshal(req.Input, &inputs); err != nil {
			return nil, gateway.Wrap(gateway.KindInvalidRequest, "gemini: unsupported input format", err)
		}
		if len(inputs) > 0 {
			inputText = inputs[0]
		}
	}

	gReq := map[string]any{
		"model": "models/" + req.Model,
		"content": map[string]any{
			"parts": []map[string]any{{"text": inputText}},
		},
	}
	body, err := json.Marshal(gReq)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInvalidRequest, "gemini: marshal request", err)
	}

	u := fmt.Sprintf("%s/models/%s:embedContent", c.baseURL, req.Model)
	httpReq, err := c.newRequest(ctx, http.MethodPost, u, body)
	if err != nil {
		return nil, err
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

	embValues := gjson.GetBytes(respBody, "embedding.values").Raw
	embData, _ := json.Marshal([]map[string]any{{
		"object":    "embedding",
		"index":     0,
		"embedding": json.RawMessage(embValues),
	}})

	return &gateway.EmbeddingResponse{
		Object: "list",
		Data:   embData,
		Model:  req.Model,
	}, nil
}

// ListModels returns the available Gemini model IDs.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, err
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
		name := model.Get("name").String()
		if after, ok := strings.CutPrefix(name, "models/"); ok {
			ids = append(ids, after)
		} else {
			ids = append(ids, name)
		}
		return true
	})
	return ids, nil
}

// HealthCheck verifies connectivity to the Gemini API.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}
