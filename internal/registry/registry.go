// Package registry holds the configured provider adapters and implements
// ordered selection with fallback and parallel health probing.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/robinkiplangat/metrrik-llm-gateway/internal/provider"
)

// Strategy is an ordered primary-plus-fallback list of providers, with
// optional selection criteria.
type Strategy struct {
	Primary   string
	Fallbacks []string
	Criteria  *Criteria
}

// Criteria narrows candidates during selection. Zero values mean
// "no constraint".
type Criteria struct {
	MaxInputCostPer1M float64
	MaxLatencyMs      int64
	RequiredCaps      provider.Capabilities
}

func (s Strategy) candidates() []string {
	out := make([]string, 0, 1+len(s.Fallbacks))
	if s.Primary != "" {
		out = append(out, s.Primary)
	}
	return append(out, s.Fallbacks...)
}

type Registry struct {
	mu        sync.RWMutex
	providers map[string]provider.Provider
	breakers  map[string]*gobreaker.CircuitBreaker
	latencies map[string]int64 // last observed dispatch latency per provider
	logger    *zap.Logger
}

func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		providers: make(map[string]provider.Provider),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		latencies: make(map[string]int64),
		logger:    logger,
	}
}

// Add stores an adapter under its identity with a fresh circuit breaker.
// Re-adding the same identity replaces the prior instance.
func (r *Registry) Add(p provider.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	r.providers[name] = p
	r.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
}

func (r *Registry) Get(name string) (provider.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// Select walks [primary, fallbacks...] in order and returns the first
// registered, breaker-closed, available candidate. Probing is sequential
// and short-circuits on the first hit; there is no backoff between
// candidates. All candidates exhausted means ErrProviderUnavailable.
func (r *Registry) Select(ctx context.Context, s Strategy) (provider.Provider, error) {
	for _, name := range s.candidates() {
		p, ok := r.Get(name)
		if !ok {
			continue
		}
		if r.breakerOpen(name) {
			r.logger.Debug("skipping provider with open breaker", zap.String("provider", name))
			continue
		}
		if s.Criteria != nil && !r.meets(ctx, p, s.Criteria) {
			continue
		}
		if p.Available(ctx) {
			return p, nil
		}
		r.logger.Warn("provider failed availability probe", zap.String("provider", name))
	}
	return nil, provider.ErrProviderUnavailable
}

// HealthCheck probes every registered provider concurrently and waits for
// all probes before returning the snapshot. Used for status reporting;
// routing re-probes synchronously at call time.
func (r *Registry) HealthCheck(ctx context.Context) map[string]bool {
	r.mu.RLock()
	providers := make(map[string]provider.Provider, len(r.providers))
	for name, p := range r.providers {
		providers[name] = p
	}
	r.mu.RUnlock()

	results := make(map[string]bool, len(providers))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, p := range providers {
		wg.Add(1)
		go func(name string, p provider.Provider) {
			defer wg.Done()
			ok := p.Available(ctx)
			mu.Lock()
			results[name] = ok
			mu.Unlock()
		}(name, p)
	}
	wg.Wait()
	return results
}

// ReportResult feeds a dispatch outcome into the provider's circuit
// breaker so repeatedly failing providers drop out of future selection.
func (r *Registry) ReportResult(name string, latencyMs int64, callErr error) {
	r.mu.Lock()
	cb := r.breakers[name]
	if callErr == nil {
		r.latencies[name] = latencyMs
	}
	r.mu.Unlock()

	if cb == nil {
		return
	}
	_, _ = cb.Execute(func() (interface{}, error) {
		return nil, callErr
	})
}

func (r *Registry) breakerOpen(name string) bool {
	r.mu.RLock()
	cb := r.breakers[name]
	r.mu.RUnlock()
	return cb != nil && cb.State() == gobreaker.StateOpen
}

// meets checks the optional selection criteria against the provider's
// model catalog and last observed latency.
func (r *Registry) meets(ctx context.Context, p provider.Provider, c *Criteria) bool {
	if c.MaxLatencyMs > 0 {
		r.mu.RLock()
		last, seen := r.latencies[p.Name()]
		r.mu.RUnlock()
		if seen && last > c.MaxLatencyMs {
			return false
		}
	}

	if c.MaxInputCostPer1M == 0 && c.RequiredCaps == (provider.Capabilities{}) {
		return true
	}

	models, err := p.Models(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		if c.MaxInputCostPer1M > 0 && m.InputCostPer1M > c.MaxInputCostPer1M {
			continue
		}
		if !hasCaps(m.Capabilities, c.RequiredCaps) {
			continue
		}
		return true
	}
	return false
}

func hasCaps(have, want provider.Capabilities) bool {
	if want.Chat && !have.Chat {
		return false
	}
	if want.Vision && !have.Vision {
		return false
	}
	if want.Streaming && !have.Streaming {
		return false
	}
	if want.FunctionCalling && !have.FunctionCalling {
		return false
	}
	return true
}
