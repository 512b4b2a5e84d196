// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"

	gateway "github.com/AlfredDev/alfred/internal"
)

// FakeProvider is a configurable gateway.Provider for testing. Zero-value
// callbacks fall back to canned successful responses.
type FakeProvider struct {
	ProviderName string
	ChatFn       func(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error)
	StreamFn     func(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error)
	EmbedFn      func(ctx context.Context, req *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, error)
	ModelsFn     func(ctx context.Context) ([]string, error)
	HealthErr    error
}

var _ gateway.Provider = (*FakeProvider)(nil)

// NewFakeProvider returns a FakeProvider answering with canned responses.
func NewFakeProvider(name string) *FakeProvider {
	return &FakeProvider{ProviderName: name}
}

// Name returns the configured provider name.
func (f *FakeProvider) Name() string { return f.ProviderName }

// ChatCompletion delegates to ChatFn or returns a default response.
func (f *FakeProvider) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	if f.ChatFn != nil {
		return f.ChatFn(ctx, req)
	}
	return &gateway.ChatResponse{
		ID:      "chatcmpl-fake",
		Object:  "chat.completion",
		Created: 1700000000,
		Model:   req.Model,
		Choices: []gateway.Choice{{
			Index:        0,
			Message:      gateway.Message{Role: "assistant", Content: []byte(`"hello"`)},
			FinishReason: gateway.FinishStop,
		}},
		Usage: &gateway.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

// ChatCompletionStream delegates to StreamFn or streams the canned response
// as two deltas followed by usage and the terminal marker.
func (f *FakeProvider) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	if f.StreamFn != nil {
		return f.StreamFn(ctx, req)
	}
	return FakeStreamChan(
		gateway.StreamChunk{Data: deltaPayload(req.Model, "hel", ""), Delta: "hel"},
		gateway.StreamChunk{Data: deltaPayload(req.Model, "lo", gateway.FinishStop), Delta: "lo", FinishReason: gateway.FinishStop},
		gateway.StreamChunk{Usage: &gateway.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
	), nil
}

// Embeddings delegates to EmbedFn or returns a fixed three-dimensional vector.
func (f *FakeProvider) Embeddings(ctx context.Context, req *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, error) {
	if f.EmbedFn != nil {
		return f.EmbedFn(ctx, req)
	}
	return &gateway.EmbeddingResponse{
		Object: "list",
		Data:   json.RawMessage(`[{"object":"embedding","index":0,"embedding":[0.1,0.2,0.3]}]`),
		Model:  req.Model,
		Usage:  &gateway.Usage{PromptTokens: 4, TotalTokens: 4},
	}, nil
}

// ListModels delegates to ModelsFn or returns a default list.
func (f *FakeProvider) ListModels(ctx context.Context) ([]string, error) {
	if f.ModelsFn != nil {
		return f.ModelsFn(ctx)
	}
	return []string{"fake-model"}, nil
}

// HealthCheck returns HealthErr.
func (f *FakeProvider) HealthCheck(context.Context) error { return f.HealthErr }

// FakeStreamChan returns a channel pre-loaded with the given chunks, followed
// by a Done sentinel. The channel is closed after all chunks are sent.
func FakeStreamChan(chunks ...gateway.StreamChunk) <-chan gateway.StreamChunk {
	ch := make(chan gateway.StreamChunk, len(chunks)+1)
	for _, c := range chunks {
		ch <- c
	}
	ch <- gateway.StreamChunk{Done: true}
	close(ch)
	return ch
}

func deltaPayload(model, delta, finish string) []byte {
	finishJSON := "null"
	if finish != "" {
		finishJSON = fmt.Sprintf("%q", finish)
	}
	return fmt.Appendf(nil,
		`{"id":"chatcmpl-fake","object":"chat.completion.chunk","model":%q,"choices":[{"index":0,"delta":{"content":%q},"finish_reason":%s}]}`,
		model, delta, finishJSON)
}
