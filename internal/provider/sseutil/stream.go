package sseutil

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/tidwall/gjson"

	gateway "github.com/AlfredDev/alfred/internal"
)

// CanonicalFinish translates a provider-native finish reason into the
// gateway's closed set. Unknown non-empty reasons map to stop rather than
// leaking provider vocabulary to clients.
func CanonicalFinish(reason string) string {
	switch reason {
	case "":
		return ""
	case "stop", "end_turn", "stop_sequence", "tool_calls", "tool_use", "function_call", "STOP":
		return gateway.FinishStop
	case "length", "max_tokens", "MAX_TOKENS", "model_length":
		return gateway.FinishLength
	case "content_filter", "refusal", "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return gateway.FinishContentFilter
	case "error":
		return gateway.FinishError
	default:
		return gateway.FinishStop
	}
}

// ReadSSEStream reads OpenAI-format SSE lines from resp and sends them as
// StreamChunks on ch. Delta text, finish reason, and final usage are
// extracted with gjson so the raw payload is forwarded without a full
// unmarshal. The channel is closed after the Done sentinel or an error chunk.
func ReadSSEStream(ctx context.Context, providerName string, resp *http.Response, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	scanner := NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		_, data, ok := ParseSSELine(line)
		if !ok {
			continue
		}
		if data == "[DONE]" {
			ch <- gateway.StreamChunk{Done: true}
			return
		}

		chunk := gateway.StreamChunk{Data: []byte(data)}
		if d := gjson.GetBytes(chunk.Data, "choices.0.delta.content"); d.Exists() {
			chunk.Delta = d.String()
		}
		if f := gjson.GetBytes(chunk.Data, "choices.0.finish_reason"); f.Exists() && f.Type == gjson.String {
			chunk.FinishReason = CanonicalFinish(f.String())
		}
		// Extract usage from the final chunk if present.
		if u := gjson.GetBytes(chunk.Data, "usage"); u.Exists() && u.Type == gjson.JSON {
			var usage gateway.Usage
			if json.Unmarshal([]byte(u.Raw), &usage) == nil && usage.TotalTokens > 0 {
				chunk.Usage = &usage
			}
		}

		select {
		case ch <- chunk:
		case <-ctx.Done():
			ch <- gateway.StreamChunk{Err: gateway.Wrap(gateway.KindCancelled, "stream cancelled", ctx.Err())}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		kind := gateway.KindUpstreamProtocol
		if ctx.Err() != nil {
			kind = gateway.KindCancelled
		}
		ch <- gateway.StreamChunk{Err: gateway.Wrap(kind, providerName+": read stream", err)}
	}
}
