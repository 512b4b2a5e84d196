// Package cache implements the semantic response cache. Responses are keyed
// by an embedding of the prompt digest, scoped to (tenant, namespace), with
// an exact-digest fast path in front of the vector search. Each tenant owns
// an isolated index with a byte budget enforced by LRU eviction.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/AlfredDev/alfred/internal"
)

// Embedder produces a vector for a piece of text. Implementations must
// respect the context deadline; the cache bounds every call.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedderFunc adapts a function to the Embedder interface.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// ProviderEmbedder backs the cache with a provider's embeddings endpoint.
type ProviderEmbedder struct {
	provider gateway.Provider
	model    string
}

// NewProviderEmbedder returns an Embedder that calls provider with model.
func NewProviderEmbedder(provider gateway.Provider, model string) *ProviderEmbedder {
	return &ProviderEmbedder{provider: provider, model: model}
}

func (p *ProviderEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	input, err := json.Marshal([]string{text})
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "marshal embed input", err)
	}
	resp, err := p.provider.Embeddings(ctx, &gateway.EmbeddingRequest{
		Model: p.model,
		Input: input,
	})
	if err != nil {
		return nil, err
	}
	raw := gjson.GetBytes(resp.Data, "0.embedding")
	if !raw.Exists() {
		return nil, gateway.E(gateway.KindUpstreamProtocol, "embedding response missing vector")
	}
	values := raw.Array()
	vec := make([]float32, len(values))
	for i, v := range values {
		vec[i] = float32(v.Float())
	}
	return vec, nil
}

// Config controls cache behaviour. Zero values fall back to defaults.
type Config struct {
	// Threshold is the minimum cosine similarity for a semantic hit.
	Threshold float64
	// TTL is the default lifetime of a stored response.
	TTL time.Duration
	// EmbedTimeout bounds the embedding call; on timeout the cache is skipped.
	EmbedTimeout time.Duration
	// TenantMaxBytes is the per-tenant byte budget. LRU entries are evicted
	// once a tenant's index exceeds it.
	TenantMaxBytes int64
	// ExactMaxEntries caps the exact-digest fast path.
	ExactMaxEntries int
	// HitFee is the flat credit fee debited for serving a cached response.
	HitFee gateway.Credits
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:       0.95,
		TTL:             10 * time.Minute,
		EmbedTimeout:    200 * time.Millisecond,
		TenantMaxBytes:  16 << 20,
		ExactMaxEntries: 50_000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = d.EmbedTimeout
	}
	if c.TenantMaxBytes <= 0 {
		c.TenantMaxBytes = d.TenantMaxBytes
	}
	if c.ExactMaxEntries <= 0 {
		c.ExactMaxEntries = d.ExactMaxEntries
	}
	return c
}
