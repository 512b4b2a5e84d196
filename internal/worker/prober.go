package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gateway "github.com/AlfredDev/alfred/internal"
	"github.com/AlfredDev/alfred/internal/circuitbreaker"
)

const probeTimeout = 5 * time.Second

// ProviderDirectory resolves registered providers. Implemented by the
// provider registry.
type ProviderDirectory interface {
	List() []string
	Get(name string) (gateway.Provider, error)
}

// BreakerStates reads breaker state for the metrics gauges. Implemented by
// the circuit breaker registry.
type BreakerStates interface {
	States() map[string]circuitbreaker.State
}

// HealthProber periodically health-checks every registered provider and
// refreshes the breaker state gauges. Probe failures are logged, not acted
// on; the breakers trip from real traffic.
type HealthProber struct {
	providers ProviderDirectory
	breakers  BreakerStates
	interval  time.Duration
	observe   func(map[string]circuitbreaker.State) // may be nil

	mu      sync.RWMutex
	healthy map[string]bool
}

// NewHealthProber creates a HealthProber probing every interval. observe
// receives breaker states after each round; pass nil to skip.
func NewHealthProber(providers ProviderDirectory, breakers BreakerStates, interval time.Duration, observe func(map[string]circuitbreaker.State)) *HealthProber {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthProber{
		providers: providers,
		breakers:  breakers,
		interval:  interval,
		observe:   observe,
		healthy:   make(map[string]bool),
	}
}

// Name returns the worker identifier.
func (p *HealthProber) Name() string { return "health_prober" }

// Run probes until ctx is cancelled.
func (p *HealthProber) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *HealthProber) probe(ctx context.Context) {
	for _, name := range p.providers.List() {
		prov, err := p.providers.Get(name)
		if err != nil {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err = prov.HealthCheck(probeCtx)
		cancel()

		ok := err == nil
		p.mu.Lock()
		prev, seen := p.healthy[name]
		p.healthy[name] = ok
		p.mu.Unlock()

		// Log transitions only, not every probe.
		if !seen || prev != ok {
			if ok {
				slog.Info("provider healthy", "provider", name)
			} else {
				slog.Warn("provider unhealthy", "provider", name, "err", err)
			}
		}
	}

	if p.observe != nil && p.breakers != nil {
		p.observe(p.breakers.States())
	}
}

// Healthy reports the last probe outcome for a provider. Unknown providers
// are treated as healthy until proven otherwise.
func (p *HealthProber) Healthy(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ok, seen := p.healthy[name]
	return !seen || ok
}
