package cache

import (
	gateway "github.com/AlfredDev/alfred/internal"
	"github.com/AlfredDev/alfred/internal/provider/sseutil"
)

// ReplayChunks renders a cached entry as a synthetic stream: one delta chunk
// carrying the full text, a usage chunk, and the terminal marker. Streaming
// clients that hit the cache see the same wire shape as a live response.
func ReplayChunks(requestID string, e *Entry) []gateway.StreamChunk {
	usage := e.Usage
	return []gateway.StreamChunk{
		{
			Data:         sseutil.BuildDeltaChunk(requestID, e.Model, map[string]any{"content": e.Text}, gateway.FinishStop),
			Delta:        e.Text,
			FinishReason: gateway.FinishStop,
		},
		{
			Data:  sseutil.BuildUsageChunk(requestID, e.Model, &usage),
			Usage: &usage,
		},
		{Done: true},
	}
}
