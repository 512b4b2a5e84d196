package circuitbreaker

import (
	"sync"
	"time"
)

// Key builds the registry key for a provider target. Breakers are tracked
// per provider and region so a regional outage does not open the breaker
// for the provider's other regions.
func Key(provider, region string) string {
	if region == "" {
		return provider
	}
	return provider + "/" + region
}

// Registry manages per-target Breaker instances.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry creates a new circuit breaker registry with the given config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// Get returns the breaker for the given key, or nil if none exists.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b := r.breakers[key]
	r.mu.RUnlock()
	return b
}

// GetOrCreate returns the breaker for key, creating one if needed.
// Uses double-check locking to minimize write-lock contention.
func (r *Registry) GetOrCreate(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock.
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b = NewBreaker(r.config)
	r.breakers[key] = b
	return b
}

// States returns a snapshot of every tracked breaker's state, keyed by
// target. Used by the metrics collector and the readiness endpoint.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for k, b := range r.breakers {
		out[k] = b.State()
	}
	return out
}

// EvictStale removes breakers not used since cutoff.
// Phase 1: RLock to snapshot stale keys. Phase 2: Lock to delete them.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.RLock()
	var staleKeys []string
	for k, b := range r.breakers {
		if b.LastUsed().Before(cutoff) {
			staleKeys = append(staleKeys, k)
		}
	}
	r.mu.RUnlock()

	if len(staleKeys) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for _, k := range staleKeys {
		if b, ok := r.breakers[k]; ok {
			if b.LastUsed().Before(cutoff) {
				delete(r.breakers, k)
				evicted++
			}
		}
	}
	return evicted
}
