package gemini

import (
	"context"
	"io"

	"github.com/tidwall/gjson"

	gateway "github.com/AlfredDev/alfred/internal"
	"github.com/AlfredDev/alfred/internal/provider"
	"github.com/AlfredDev/alfred/internal/provider/sseutil"
)

// readStream reads Gemini SSE events and emits OpenAI-format StreamChunks.
// Gemini streaming has no "event:" field and no "[DONE]" sentinel, the
// stream is EOF-terminated. Each "data:" line contains a full JSON response
// chunk. Usage is cumulative; we track the last seen values and emit them
// at the end.
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.StreamChunk, model string) {
	defer close(ch)
	defer body.Close()

	scanner := sseutil.NewScanner(body)

	var lastUsage *gateway.Usage
	for scanner.Scan() {
		line := scanner.Text()
		_, data, ok := sseutil.ParseSSELine(line)
		if !ok || data == "" {
			continue
		}

		r := gjson.Parse(data)

		text := r.Get("candidates.0.content.parts.0.text").String()
		finishReason := mapStopReason(r.Get("candidates.0.finishReason").String())

		if u := r.Get("usageMetadata"); u.Exists() {
			lastUsage = &gateway.Usage{
				PromptTokens:     int(u.Get("promptTokenCount").Int()),
				CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
				TotalTokens:      int(u.Get("totalTokenCount").Int()),
			}
		}

		var out gateway.StreamChunk
		switch {
		case text != "":
			out = gateway.StreamChunk{
				Data:         sseutil.BuildDeltaChunk("gemini-"+model, model, map[string]any{"content": text}, finishReason),
				Delta:        text,
				FinishReason: finishReason,
			}
		case finishReason != "":
			out = gateway.StreamChunk{
				Data:         sseutil.BuildFinishChunk("gemini-"+model, model, finishReason),
				FinishReason: finishReason,
			}
		default:
			continue
		}

		select {
		case ch <- out:
		case <-ctx.Done():
			ch <- gateway.StreamChunk{Err: gateway.Wrap(gateway.KindCancelled, "stream cancelled", ctx.Err())}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			ch <- gateway.StreamChunk{Err: gateway.Wrap(gateway.KindCancelled, "stream cancelled", ctx.Err())}
		} else {
			ch <- gateway.StreamChunk{Err: provider.ProtocolError(providerName, err)}
		}
		return
	}

	if lastUsage != nil {
		usageData := sseutil.BuildUsageChunk("gemini-"+model, model, lastUsage)
		ch <- gateway.StreamChunk{Data: usageData, Usage: lastUsage}
	}
	ch <- gateway.StreamChunk{Done: true}
}
