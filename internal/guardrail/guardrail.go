// Package guardrail enforces per-stream output limits: a repeated-text loop
// detector, a completion token cap, and a raw byte budget. The stream
// orchestrator consults the guard on every delta and terminates the upstream
// stream on the first violation; the client sees a normal finish reason.
package guardrail

import (
	"bytes"
	"fmt"

	gateway "github.com/AlfredDev/alfred/internal"
)

// Config bounds a single stream. Zero values disable the corresponding check.
type Config struct {
	// NGramBytes is the window compared for repetition, in bytes.
	NGramBytes int
	// LoopThreshold terminates the stream when the trailing n-gram occurs
	// this many times in the recent output.
	LoopThreshold int
	// MaxOutputTokens caps locally counted completion tokens.
	MaxOutputTokens int
	// MaxOutputBytes caps total streamed bytes.
	MaxOutputBytes int64
}

// DefaultConfig returns the limits applied when a route sets none.
func DefaultConfig() Config {
	return Config{
		NGramBytes:      24,
		LoopThreshold:   6,
		MaxOutputTokens: 0,
		MaxOutputBytes:  4 << 20,
	}
}

// Violation describes a tripped guardrail. FinishReason is the value emitted
// to the client in the terminal chunk.
type Violation struct {
	FinishReason string
	Message      string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("guardrail: %s (%s)", v.Message, v.FinishReason)
}

// Guard tracks one stream's output. Not safe for concurrent use; each stream
// owns its guard.
type Guard struct {
	cfg     Config
	tail    []byte
	tailCap int
	bytes   int64
}

// New creates a guard for one stream.
func New(cfg Config) *Guard {
	tailCap := cfg.NGramBytes * cfg.LoopThreshold * 4
	if tailCap < 1024 {
		tailCap = 1024
	}
	return &Guard{cfg: cfg, tailCap: tailCap}
}

// Observe records a streamed delta and the running completion token count.
// It returns a Violation when a limit is exceeded, nil otherwise.
func (g *Guard) Observe(delta string, completionTokens int) *Violation {
	g.bytes += int64(len(delta))
	if g.cfg.MaxOutputBytes > 0 && g.bytes > g.cfg.MaxOutputBytes {
		return &Violation{
			FinishReason: gateway.FinishLength,
			Message:      fmt.Sprintf("output byte budget %d exceeded", g.cfg.MaxOutputBytes),
		}
	}
	if g.cfg.MaxOutputTokens > 0 && completionTokens > g.cfg.MaxOutputTokens {
		return &Violation{
			FinishReason: gateway.FinishLength,
			Message:      fmt.Sprintf("output token cap %d exceeded", g.cfg.MaxOutputTokens),
		}
	}
	if v := g.observeLoop(delta); v != nil {
		return v
	}
	return nil
}

// observeLoop appends the delta to the bounded tail and checks whether the
// trailing n-gram repeats often enough to call the stream degenerate.
func (g *Guard) observeLoop(delta string) *Violation {
	if g.cfg.NGramBytes <= 0 || g.cfg.LoopThreshold <= 0 {
		return nil
	}
	g.tail = append(g.tail, delta...)
	if len(g.tail) > g.tailCap {
		g.tail = g.tail[len(g.tail)-g.tailCap:]
	}
	n := g.cfg.NGramBytes
	if len(g.tail) < n*g.cfg.LoopThreshold {
		return nil
	}
	gram := g.tail[len(g.tail)-n:]
	if bytes.Count(g.tail, gram) >= g.cfg.LoopThreshold {
		return &Violation{
			FinishReason: gateway.FinishContentFilter,
			Message:      "repeated output loop detected",
		}
	}
	return nil
}

// BytesSeen returns the total streamed bytes so far.
func (g *Guard) BytesSeen() int64 { return g.bytes }
