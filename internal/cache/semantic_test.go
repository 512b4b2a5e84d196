package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	gateway "github.com/AlfredDev/alfred/internal"
)

// fakeEmbedder returns canned vectors by input; unknown inputs get the
// default vector so any two unknown prompts look identical to the index.
type fakeEmbedder struct {
	vectors map[string][]float32
	def     []float32
	calls   int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls++
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return f.def, nil
}

// slowEmbedder blocks until the context is cancelled.
type slowEmbedder struct{}

func (slowEmbedder) Embed(ctx context.Context, _ string) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestCache(t *testing.T, embed Embedder, cfg Config) *Semantic {
	t.Helper()
	s, err := NewSemantic(embed, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func entry(text string, size int) *Entry {
	return &Entry{
		Response: make([]byte, size),
		Text:     text,
		Model:    "gpt-4o",
		Usage:    gateway.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func TestLookupExactHit(t *testing.T) {
	t.Parallel()
	embed := &fakeEmbedder{def: []float32{1, 0, 0}}
	s := newTestCache(t, embed, Config{})
	ctx := context.Background()

	s.Store(ctx, "org-1", "chat-default", "what is the capital of france", entry("Paris.", 64))

	hit, ok := s.Lookup(ctx, "org-1", "chat-default", "what is the capital of france")
	if !ok {
		t.Fatal("expected exact hit")
	}
	if !hit.Exact {
		t.Error("hit should be exact")
	}
	if hit.Similarity != 1 {
		t.Errorf("similarity = %v, want 1", hit.Similarity)
	}
	if hit.Entry.Text != "Paris." {
		t.Errorf("text = %q", hit.Entry.Text)
	}
}

func TestLookupSemanticHit(t *testing.T) {
	t.Parallel()
	embed := &fakeEmbedder{
		vectors: map[string][]float32{
			"what is the capital of france": {1, 0, 0},
			"capital city of france?":       {0.99, 0.14, 0}, // cosine ~0.990 against stored
		},
	}
	s := newTestCache(t, embed, Config{Threshold: 0.9})
	ctx := context.Background()

	s.Store(ctx, "org-1", "chat-default", "what is the capital of france", entry("Paris.", 64))

	hit, ok := s.Lookup(ctx, "org-1", "chat-default", "capital city of france?")
	if !ok {
		t.Fatal("expected semantic hit")
	}
	if hit.Exact {
		t.Error("hit should not be exact")
	}
	if hit.Similarity < 0.9 {
		t.Errorf("similarity = %v, want >= 0.9", hit.Similarity)
	}
	if hit.Entry.Text != "Paris." {
		t.Errorf("text = %q", hit.Entry.Text)
	}
}

func TestLookupBelowThresholdMisses(t *testing.T) {
	t.Parallel()
	embed := &fakeEmbedder{
		vectors: map[string][]float32{
			"prompt a": {1, 0, 0},
			"prompt b": {0, 1, 0}, // orthogonal
		},
	}
	s := newTestCache(t, embed, Config{Threshold: 0.9})
	ctx := context.Background()

	s.Store(ctx, "org-1", "chat-default", "prompt a", entry("A", 8))

	if _, ok := s.Lookup(ctx, "org-1", "chat-default", "prompt b"); ok {
		t.Error("orthogonal vectors should miss")
	}
	if got := s.Stats().Misses.Load(); got != 1 {
		t.Errorf("misses = %d, want 1", got)
	}
}

// wordEmbedder builds a bag-of-words vector over a fixed vocabulary, so
// prompts sharing most of their words score high cosine similarity the way a
// real text embedding would.
type wordEmbedder struct {
	vocab []string
}

func (w *wordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, len(w.vocab))
	for i, word := range w.vocab {
		if strings.Contains(text, word) {
			vec[i] = 1
		}
	}
	return vec, nil
}

func TestLookupEmbedsPromptText(t *testing.T) {
	t.Parallel()
	embed := &wordEmbedder{vocab: []string{"what", "is", "the", "capital", "of", "france", "city", "paris"}}
	s := newTestCache(t, embed, Config{Threshold: 0.80})
	ctx := context.Background()

	s.Store(ctx, "org-1", "chat-default", "what is the capital of france", entry("Paris.", 64))

	// One word apart: identical digests are impossible, so only a prompt-text
	// embedding can carry the two within the threshold.
	hit, ok := s.Lookup(ctx, "org-1", "chat-default", "what is the capital city of france")
	if !ok {
		t.Fatal("near-identical prompt should hit semantically")
	}
	if hit.Exact {
		t.Error("hit should come from the vector index, not the digest path")
	}
	if hit.Entry.Text != "Paris." {
		t.Errorf("text = %q", hit.Entry.Text)
	}

	// An unrelated prompt over the same vocabulary stays below the threshold.
	if _, ok := s.Lookup(ctx, "org-1", "chat-default", "paris city"); ok {
		t.Error("unrelated prompt should miss")
	}
}

func TestTenantIsolation(t *testing.T) {
	t.Parallel()
	embed := &fakeEmbedder{def: []float32{1, 0, 0}}
	s := newTestCache(t, embed, Config{Threshold: 0.5})
	ctx := context.Background()

	s.Store(ctx, "org-1", "chat-default", "shared prompt", entry("org-1 answer", 16))

	// Same prompt, same namespace, different tenant: must miss even though
	// the embedder returns identical vectors.
	if _, ok := s.Lookup(ctx, "org-2", "chat-default", "shared prompt"); ok {
		t.Fatal("tenant org-2 must not see org-1 entries")
	}
}

func TestNamespaceScoping(t *testing.T) {
	t.Parallel()
	embed := &fakeEmbedder{def: []float32{1, 0, 0}}
	s := newTestCache(t, embed, Config{Threshold: 0.5})
	ctx := context.Background()

	s.Store(ctx, "org-1", "chat-default", "prompt", entry("chat answer", 16))

	if _, ok := s.Lookup(ctx, "org-1", "embed-small", "prompt"); ok {
		t.Error("entries must not leak across namespaces")
	}
}

func TestEmbedTimeoutSkipsCache(t *testing.T) {
	t.Parallel()
	s := newTestCache(t, slowEmbedder{}, Config{EmbedTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	s.Store(ctx, "org-1", "chat-default", "prompt a", &Entry{Text: "A"})

	// Exact path still works: storing never depends on the embedder.
	if _, ok := s.Lookup(ctx, "org-1", "chat-default", "prompt a"); !ok {
		t.Error("exact path should survive a dead embedder")
	}

	// A different prompt forces the semantic path, which must give up
	// within the bound instead of erroring.
	start := time.Now()
	if _, ok := s.Lookup(ctx, "org-1", "chat-default", "prompt b"); ok {
		t.Error("semantic path should miss when embedding times out")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("lookup blocked for %v, want bounded by embed timeout", elapsed)
	}
	if got := s.Stats().EmbedSkips.Load(); got == 0 {
		t.Error("embed skip should be counted")
	}
}

func TestByteBudgetEvictsLRU(t *testing.T) {
	t.Parallel()
	embed := &fakeEmbedder{
		vectors: map[string][]float32{
			"p1": {1, 0, 0},
			"p2": {0, 1, 0},
			"p3": {0, 0, 1},
		},
	}
	// Each entry is ~1KB of response plus vector overhead; budget holds two.
	s := newTestCache(t, embed, Config{Threshold: 0.99, TenantMaxBytes: 2200})
	ctx := context.Background()

	s.Store(ctx, "org-1", "ns", "p1", entry("one", 1000))
	s.Store(ctx, "org-1", "ns", "p2", entry("two", 1000))

	// Touch p1 so p2 becomes the LRU victim.
	if _, ok := s.Lookup(ctx, "org-1", "ns", "p1"); !ok {
		t.Fatal("p1 should hit")
	}

	s.Store(ctx, "org-1", "ns", "p3", entry("three", 1000))

	if got := s.Stats().Evictions.Load(); got == 0 {
		t.Fatal("over-budget store should evict")
	}
	if _, ok := s.Lookup(ctx, "org-1", "ns", "p2"); ok {
		t.Error("p2 should have been evicted as LRU")
	}
	if _, ok := s.Lookup(ctx, "org-1", "ns", "p1"); !ok {
		t.Error("recently used p1 should survive")
	}
}

func TestFlushNamespace(t *testing.T) {
	t.Parallel()
	embed := &fakeEmbedder{def: []float32{1, 0, 0}}
	s := newTestCache(t, embed, Config{Threshold: 0.5})
	ctx := context.Background()

	s.Store(ctx, "org-1", "chat-default", "p1", entry("one", 16))
	s.Store(ctx, "org-1", "chat-default", "p2", entry("two", 16))
	s.Store(ctx, "org-1", "embed-small", "p3", entry("three", 16))

	if n := s.Flush("org-1", "chat-default"); n != 2 {
		t.Errorf("flushed = %d, want 2", n)
	}

	if _, ok := s.Lookup(ctx, "org-1", "chat-default", "p1"); ok {
		t.Error("flushed entry should miss")
	}
	if _, ok := s.Lookup(ctx, "org-1", "embed-small", "p3"); !ok {
		t.Error("other namespace should survive the flush")
	}

	if n := s.Flush("org-2", "chat-default"); n != 0 {
		t.Errorf("flush of empty tenant = %d, want 0", n)
	}
}

func TestExpiredEntryMisses(t *testing.T) {
	t.Parallel()
	embed := &fakeEmbedder{def: []float32{1, 0, 0}}
	s := newTestCache(t, embed, Config{Threshold: 0.5})
	ctx := context.Background()

	e := entry("stale", 16)
	e.ExpiresAt = time.Now().Add(-time.Minute)
	s.Store(ctx, "org-1", "ns", "p1", e)

	if _, ok := s.Lookup(ctx, "org-1", "ns", "p1"); ok {
		t.Error("expired entry should miss on the exact path")
	}
	if _, ok := s.Lookup(ctx, "org-1", "ns", "p1 variant"); ok {
		t.Error("expired entry should miss on the semantic path")
	}
}

func TestReplayChunks(t *testing.T) {
	t.Parallel()
	e := &Entry{
		Text:  "Paris.",
		Model: "gpt-4o",
		Usage: gateway.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12},
	}

	chunks := ReplayChunks("req-1", e)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if chunks[0].Delta != "Paris." {
		t.Errorf("delta = %q", chunks[0].Delta)
	}
	if chunks[0].FinishReason != gateway.FinishStop {
		t.Errorf("finish = %q, want stop", chunks[0].FinishReason)
	}
	if chunks[1].Usage == nil || chunks[1].Usage.TotalTokens != 12 {
		t.Error("usage chunk should carry totals")
	}
	if !chunks[2].Done {
		t.Error("final chunk should be the terminal marker")
	}
}

func TestHitFee(t *testing.T) {
	t.Parallel()
	embed := &fakeEmbedder{def: []float32{1}}
	s := newTestCache(t, embed, Config{HitFee: gateway.CreditsFromFloat(0.01)})
	if s.HitFee() != gateway.CreditsFromFloat(0.01) {
		t.Errorf("hit fee = %v", s.HitFee())
	}
}
