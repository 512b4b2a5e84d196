package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/AlfredDev/alfred/internal"
)

// Entry is a cached response plus the pieces needed to replay it as a
// synthetic stream and meter the hit.
type Entry struct {
	Namespace string
	Digest    string
	Response  []byte // canonical ChatResponse JSON
	Text      string // assistant text, replayed as a single delta
	Model     string
	Usage     gateway.Usage
	ExpiresAt time.Time
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Hit describes a cache hit. Exact hits bypass the vector search.
type Hit struct {
	Entry      *Entry
	Exact      bool
	Similarity float64
}

// Stats counts cache outcomes for the metrics exporter.
type Stats struct {
	ExactHits    atomic.Int64
	SemanticHits atomic.Int64
	Misses       atomic.Int64
	EmbedSkips   atomic.Int64
	Evictions    atomic.Int64
}

// Semantic is the tenant-scoped semantic cache. The exact-digest fast path
// lives in an otter cache; near matches go through per-tenant vector indexes
// guarded by their own locks, so tenants never see each other's entries.
type Semantic struct {
	cfg   Config
	embed Embedder
	exact *otter.Cache[string, *Entry]

	mu      sync.RWMutex
	tenants map[string]*tenantIndex

	stats Stats
	now   func() time.Time
}

// NewSemantic returns a Semantic cache using embed for vector lookups.
func NewSemantic(embed Embedder, cfg Config) (*Semantic, error) {
	cfg = cfg.withDefaults()
	exact, err := otter.New(&otter.Options[string, *Entry]{
		MaximumSize:      cfg.ExactMaxEntries,
		ExpiryCalculator: otter.ExpiryWriting[string, *Entry](cfg.TTL),
	})
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "create exact cache", err)
	}
	return &Semantic{
		cfg:     cfg,
		embed:   embed,
		exact:   exact,
		tenants: make(map[string]*tenantIndex),
		now:     time.Now,
	}, nil
}

// HitFee returns the flat credit fee for serving a cached response.
func (s *Semantic) HitFee() gateway.Credits { return s.cfg.HitFee }

// Stats exposes the cache counters.
func (s *Semantic) Stats() *Stats { return &s.stats }

// Digest returns the canonical prompt digest used as the cache key.
func Digest(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// Lookup checks the cache for a response to prompt within the tenant's
// namespace. The exact digest path is tried first; otherwise the prompt is
// embedded (bounded by EmbedTimeout) and matched against the tenant index.
// An embedding failure or timeout is a miss, never an error.
func (s *Semantic) Lookup(ctx context.Context, tenant, namespace, prompt string) (*Hit, bool) {
	digest := Digest(prompt)
	now := s.now()

	if e, ok := s.exact.GetIfPresent(exactKey(tenant, namespace, digest)); ok {
		if e.expired(now) {
			s.exact.Invalidate(exactKey(tenant, namespace, digest))
		} else {
			s.touch(tenant, namespace, digest)
			s.stats.ExactHits.Add(1)
			return &Hit{Entry: e, Exact: true, Similarity: 1}, true
		}
	}

	idx := s.tenant(tenant, false)
	if idx == nil {
		s.stats.Misses.Add(1)
		return nil, false
	}

	vec, err := s.embedBounded(ctx, prompt)
	if err != nil {
		s.stats.EmbedSkips.Add(1)
		return nil, false
	}

	best, sim := idx.nearest(namespace, vec, now)
	if best == nil || sim < s.cfg.Threshold {
		s.stats.Misses.Add(1)
		return nil, false
	}
	s.stats.SemanticHits.Add(1)
	return &Hit{Entry: best, Similarity: sim}, true
}

// Store records a response for prompt. The exact path is always populated;
// the vector index only when the embedding succeeds within its bound.
func (s *Semantic) Store(ctx context.Context, tenant, namespace, prompt string, e *Entry) {
	digest := Digest(prompt)
	e.Namespace = namespace
	e.Digest = digest
	if e.ExpiresAt.IsZero() {
		e.ExpiresAt = s.now().Add(s.cfg.TTL)
	}
	s.exact.Set(exactKey(tenant, namespace, digest), e)

	vec, err := s.embedBounded(ctx, prompt)
	if err != nil {
		s.stats.EmbedSkips.Add(1)
		return
	}

	idx := s.tenant(tenant, true)
	evicted := idx.insert(namespace, digest, vec, e, s.cfg.TenantMaxBytes)
	for _, key := range evicted {
		s.exact.Invalidate(tenant + sep + key)
		s.stats.Evictions.Add(1)
	}
}

// Flush drops every entry in the tenant's namespace and returns how many
// were removed. The caller records the audit entry.
func (s *Semantic) Flush(tenant, namespace string) int {
	idx := s.tenant(tenant, false)
	if idx == nil {
		return 0
	}
	removed := idx.flush(namespace)
	for _, key := range removed {
		s.exact.Invalidate(tenant + sep + key)
	}
	return len(removed)
}

func (s *Semantic) embedBounded(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.EmbedTimeout)
	defer cancel()
	return s.embed.Embed(ctx, text)
}

func (s *Semantic) tenant(tenant string, create bool) *tenantIndex {
	s.mu.RLock()
	idx, ok := s.tenants[tenant]
	s.mu.RUnlock()
	if ok || !create {
		return idx
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok = s.tenants[tenant]; ok {
		return idx
	}
	idx = newTenantIndex()
	s.tenants[tenant] = idx
	return idx
}

func (s *Semantic) touch(tenant, namespace, digest string) {
	if idx := s.tenant(tenant, false); idx != nil {
		idx.touch(indexKey(namespace, digest))
	}
}

const sep = "\x1f"

func exactKey(tenant, namespace, digest string) string {
	return tenant + sep + namespace + sep + digest
}

func indexKey(namespace, digest string) string {
	return namespace + sep + digest
}

// tenantIndex is one tenant's vector index with LRU byte accounting.
// Entry count per tenant stays small enough that a linear cosine scan beats
// the bookkeeping cost of an approximate index.
type tenantIndex struct {
	mu    sync.Mutex
	bytes int64
	byKey map[string]*list.Element
	lru   *list.List // of *vecEntry, front is most recently used
}

type vecEntry struct {
	key       string
	namespace string
	vec       []float32
	entry     *Entry
	size      int64
}

func newTenantIndex() *tenantIndex {
	return &tenantIndex{
		byKey: make(map[string]*list.Element),
		lru:   list.New(),
	}
}

func (t *tenantIndex) insert(namespace, digest string, vec []float32, e *Entry, budget int64) []string {
	key := indexKey(namespace, digest)
	size := int64(len(e.Response)+len(e.Text)) + int64(4*len(vec))

	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.byKey[key]; ok {
		old := el.Value.(*vecEntry)
		t.bytes += size - old.size
		old.vec, old.entry, old.size = vec, e, size
		t.lru.MoveToFront(el)
	} else {
		ve := &vecEntry{key: key, namespace: namespace, vec: vec, entry: e, size: size}
		t.byKey[key] = t.lru.PushFront(ve)
		t.bytes += size
	}

	var evicted []string
	for t.bytes > budget && t.lru.Len() > 1 {
		back := t.lru.Back()
		ve := back.Value.(*vecEntry)
		t.removeLocked(back, ve)
		evicted = append(evicted, ve.key)
	}
	return evicted
}

func (t *tenantIndex) nearest(namespace string, vec []float32, now time.Time) (*Entry, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		best    *list.Element
		bestSim = -1.0
		stale   []*list.Element
	)
	for el := t.lru.Front(); el != nil; el = el.Next() {
		ve := el.Value.(*vecEntry)
		if ve.namespace != namespace {
			continue
		}
		if ve.entry.expired(now) {
			stale = append(stale, el)
			continue
		}
		if sim := cosine(vec, ve.vec); sim > bestSim {
			best, bestSim = el, sim
		}
	}
	for _, el := range stale {
		t.removeLocked(el, el.Value.(*vecEntry))
	}
	if best == nil {
		return nil, 0
	}
	t.lru.MoveToFront(best)
	return best.Value.(*vecEntry).entry, bestSim
}

func (t *tenantIndex) touch(key string) {
	t.mu.Lock()
	if el, ok := t.byKey[key]; ok {
		t.lru.MoveToFront(el)
	}
	t.mu.Unlock()
}

func (t *tenantIndex) flush(namespace string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []string
	var next *list.Element
	for el := t.lru.Front(); el != nil; el = next {
		next = el.Next()
		ve := el.Value.(*vecEntry)
		if ve.namespace != namespace {
			continue
		}
		t.removeLocked(el, ve)
		removed = append(removed, ve.key)
	}
	return removed
}

func (t *tenantIndex) removeLocked(el *list.Element, ve *vecEntry) {
	t.lru.Remove(el)
	delete(t.byKey, ve.key)
	t.bytes -= ve.size
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
