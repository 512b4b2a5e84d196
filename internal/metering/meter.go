package metering

import (
	gateway "github.com/AlfredDev/alfred/internal"
)

// Estimate is the pre-request token projection used to size a reservation.
type Estimate struct {
	PromptTokens             int
	ExpectedCompletionTokens int
}

// EstimateRequest projects the token cost of a request before dispatch.
// Expected completion tokens are the client's max_tokens clamped by policyCap.
func EstimateRequest(c *Counter, req *gateway.ChatRequest, policyCap int) Estimate {
	expected := policyCap
	if req.MaxTokens != nil && *req.MaxTokens < expected {
		expected = *req.MaxTokens
	}
	if expected < 1 {
		expected = 1
	}
	return Estimate{
		PromptTokens:             c.EstimateRequest(req.Messages),
		ExpectedCompletionTokens: expected,
	}
}

// Accumulator counts completion tokens across a stream using the tokenizer
// bound to the dispatched (provider, model). Not safe for concurrent use;
// each request owns one accumulator.
type Accumulator struct {
	counter          *Counter
	promptTokens     int
	completionTokens int
	providerUsage    *gateway.Usage
}

// NewAccumulator creates an accumulator seeded with the prompt estimate.
func NewAccumulator(c *Counter, promptTokens int) *Accumulator {
	return &Accumulator{counter: c, promptTokens: promptTokens}
}

// Add counts the chunk's delta text and records provider-reported usage if
// present. It returns the delta token count for this chunk.
func (a *Accumulator) Add(chunk *gateway.StreamChunk) int {
	if chunk.Usage != nil && chunk.Usage.TotalTokens > 0 {
		a.providerUsage = chunk.Usage
	}
	if chunk.Delta == "" {
		return 0
	}
	n := a.counter.CountText(chunk.Delta)
	a.completionTokens += n
	return n
}

// CompletionTokens returns the locally accumulated completion token count.
func (a *Accumulator) CompletionTokens() int { return a.completionTokens }

// Final returns the usage to settle against. A provider-reported final count
// is authoritative; otherwise the local count stands.
func (a *Accumulator) Final() gateway.Usage {
	if u := a.providerUsage; u != nil {
		return *u
	}
	return gateway.Usage{
		PromptTokens:     a.promptTokens,
		CompletionTokens: a.completionTokens,
		TotalTokens:      a.promptTokens + a.completionTokens,
	}
}
