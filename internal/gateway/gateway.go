// Package gateway orchestrates cache lookup, provider selection, adapter
// dispatch, cache population and asynchronous usage recording.
package gateway

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/robinkiplangat/metrrik-llm-gateway/internal/cache"
	"github.com/robinkiplangat/metrrik-llm-gateway/internal/metrics"
	"github.com/robinkiplangat/metrrik-llm-gateway/internal/provider"
	"github.com/robinkiplangat/metrrik-llm-gateway/internal/registry"
	"github.com/robinkiplangat/metrrik-llm-gateway/internal/tracker"
)

// Options control one generate call.
type Options struct {
	// Provider pins an explicit provider; selection is skipped.
	Provider string
	// TaskType drives default routing and cache TTL. Empty means default.
	TaskType provider.TaskType
	// DisableCache skips cache read and write for this call.
	DisableCache bool
	// CacheTTL overrides the task-type TTL when positive.
	CacheTTL time.Duration
	// DisableTracking skips the usage record for this call.
	DisableTracking bool
	// UserID and ProjectID attribute the usage record.
	UserID    string
	ProjectID string
	// Strategy overrides the task-derived selection strategy.
	Strategy *registry.Strategy
}

func (o Options) task() provider.TaskType {
	if o.TaskType == "" {
		return provider.TaskDefault
	}
	return o.TaskType
}

type Gateway struct {
	registry     *registry.Registry
	cache        cache.ResponseCache
	tracker      *tracker.Tracker
	strategies   *StrategyTable
	cacheEnabled bool
	tracer       trace.Tracer
	logger       *zap.Logger
}

func New(reg *registry.Registry, c cache.ResponseCache, t *tracker.Tracker, strategies *StrategyTable, cacheEnabled bool, tracer trace.Tracer, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		registry:     reg,
		cache:        c,
		tracker:      t,
		strategies:   strategies,
		cacheEnabled: cacheEnabled,
		tracer:       tracer,
		logger:       logger,
	}
}

// Generate runs one synchronous generation call.
func (g *Gateway) Generate(ctx context.Context, req *provider.Request, opts Options) (*provider.Response, error) {
	if err := provider.ValidateRequest(req); err != nil {
		return nil, err
	}

	ctx, span := g.tracer.Start(ctx, "gateway.generate")
	defer span.End()

	task := opts.task()
	useCache := g.cacheEnabled && !opts.DisableCache
	key := g.cacheKey(req, opts)

	span.SetAttributes(
		attribute.String("task", string(task)),
		attribute.String("model", req.Model),
	)

	if useCache {
		if cached, ok := g.cache.Get(ctx, key); ok {
			metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
			// latency stays the original call's; this lookup is not
			// re-measured
			resp := *cached
			resp.Cached = true
			span.SetAttributes(attribute.Bool("cache_hit", true))
			g.record(&resp, opts, task)
			metrics.RecordResponse(resp.Provider, resp.Model, resp.InputTokens, resp.OutputTokens, 0, float64(resp.LatencyMs)/1000, true)
			return &resp, nil
		}
		metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
	}

	p, err := g.resolveProvider(ctx, req, opts, task)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("provider", p.Name()))

	start := time.Now()
	resp, err := p.Generate(ctx, req)
	latencyMs := time.Since(start).Milliseconds()
	g.registry.ReportResult(p.Name(), latencyMs, err)

	if err != nil {
		// no fallback retry after dispatch: the failure propagates and
		// the breaker drops the provider out of future selection
		metrics.RequestsTotal.WithLabelValues(p.Name(), "error").Inc()
		g.record(&provider.Response{
			Provider:     p.Name(),
			Model:        req.Model,
			LatencyMs:    latencyMs,
			FinishReason: provider.FinishError,
		}, opts, task)
		return nil, err
	}

	if useCache && !resp.Cached {
		ttl := opts.CacheTTL
		if ttl <= 0 {
			ttl = cache.TTLFor(task)
		}
		g.cache.Set(ctx, key, resp, ttl)
	}

	g.record(resp, opts, task)
	metrics.RecordResponse(resp.Provider, resp.Model, resp.InputTokens, resp.OutputTokens, resp.CostUSD, float64(resp.LatencyMs)/1000, false)
	return resp, nil
}

// GenerateStream runs one streaming call. Streams bypass the cache
// entirely; partial responses are never stored.
func (g *Gateway) GenerateStream(ctx context.Context, req *provider.Request, opts Options) (<-chan *provider.Chunk, error) {
	if err := provider.ValidateRequest(req); err != nil {
		return nil, err
	}

	ctx, span := g.tracer.Start(ctx, "gateway.generate_stream")
	defer span.End()

	task := opts.task()
	p, err := g.resolveProvider(ctx, req, opts, task)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("provider", p.Name()))

	if !declaresStreaming(ctx, p) {
		return nil, fmt.Errorf("provider %s: %w", p.Name(), provider.ErrUnsupportedOperation)
	}

	start := time.Now()
	upstream, err := p.GenerateStream(ctx, req)
	if err != nil {
		g.registry.ReportResult(p.Name(), 0, err)
		metrics.RequestsTotal.WithLabelValues(p.Name(), "error").Inc()
		return nil, err
	}

	out := make(chan *provider.Chunk)
	go func() {
		defer close(out)
		var text string
		var streamErr error
		for chunk := range upstream {
			if chunk.Err != nil {
				streamErr = chunk.Err
			} else {
				text += chunk.Delta
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}

		latencyMs := time.Since(start).Milliseconds()
		g.registry.ReportResult(p.Name(), latencyMs, streamErr)

		finish := provider.FinishStop
		status := "success"
		if streamErr != nil {
			finish = provider.FinishError
			status = "error"
		}
		metrics.RequestsTotal.WithLabelValues(p.Name(), status).Inc()

		// streaming vendors report no usage; estimate both sides
		in := provider.EstimateTokens(req.Prompt + req.System)
		outTok := provider.EstimateTokens(text)
		g.record(&provider.Response{
			Provider:     p.Name(),
			Model:        req.Model,
			InputTokens:  in,
			OutputTokens: outTok,
			TotalTokens:  in + outTok,
			LatencyMs:    latencyMs,
			FinishReason: finish,
		}, opts, task)
	}()
	return out, nil
}

// EstimateCost returns the pre-flight USD estimate. An empty provider
// name resolves to the task-default primary.
func (g *Gateway) EstimateCost(ctx context.Context, req *provider.Request, providerName, modelID string) (float64, error) {
	if providerName == "" {
		providerName = g.strategies.For(provider.TaskDefault).Primary
	}
	p, ok := g.registry.Get(providerName)
	if !ok {
		return 0, &provider.ConfigurationError{Reason: fmt.Sprintf("provider %q is not registered", providerName)}
	}
	return p.EstimateCost(req, modelID)
}

// HealthCheck probes all registered providers concurrently.
func (g *Gateway) HealthCheck(ctx context.Context) map[string]bool {
	snapshot := g.registry.HealthCheck(ctx)
	for name, up := range snapshot {
		v := 0.0
		if up {
			v = 1.0
		}
		metrics.ProviderUp.WithLabelValues(name).Set(v)
	}
	return snapshot
}

// AvailableModels aggregates descriptors across all registered providers.
// A provider that fails to enumerate its models is skipped.
func (g *Gateway) AvailableModels(ctx context.Context) []provider.ModelDescriptor {
	var out []provider.ModelDescriptor
	for _, name := range g.registry.Names() {
		p, ok := g.registry.Get(name)
		if !ok {
			continue
		}
		models, err := p.Models(ctx)
		if err != nil {
			g.logger.Warn("model enumeration failed", zap.String("provider", name), zap.Error(err))
			continue
		}
		out = append(out, models...)
	}
	return out
}

// Tracker exposes the cost tracker for the operational surface.
func (g *Gateway) Tracker() *tracker.Tracker { return g.tracker }

func (g *Gateway) resolveProvider(ctx context.Context, req *provider.Request, opts Options, task provider.TaskType) (provider.Provider, error) {
	if opts.Provider != "" {
		p, ok := g.registry.Get(opts.Provider)
		if !ok {
			return nil, &provider.ConfigurationError{Reason: fmt.Sprintf("provider %q is not registered", opts.Provider)}
		}
		return p, nil
	}

	strategy := g.strategies.For(task)
	if opts.Strategy != nil {
		strategy = *opts.Strategy
	}
	return g.registry.Select(ctx, strategy)
}

// cacheKey resolves the model component of the key before selection has
// run: an explicit model wins, otherwise the strategy primary stands in
// so logically-equivalent requests keep colliding.
func (g *Gateway) cacheKey(req *provider.Request, opts Options) string {
	model := req.Model
	if model == "" {
		if opts.Provider != "" {
			model = "auto/" + opts.Provider
		} else if opts.Strategy != nil {
			model = "auto/" + opts.Strategy.Primary
		} else {
			model = "auto/" + g.strategies.For(opts.task()).Primary
		}
	}
	return cache.Key(req, model)
}

// record dispatches the usage log as a best-effort side effect off the
// caller's critical path.
func (g *Gateway) record(resp *provider.Response, opts Options, task provider.TaskType) {
	if g.tracker == nil || opts.DisableTracking {
		return
	}
	rec := &tracker.Record{
		UserID:       opts.UserID,
		ProjectID:    opts.ProjectID,
		Provider:     resp.Provider,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		TotalTokens:  resp.TotalTokens,
		CostUSD:      resp.CostUSD,
		LatencyMs:    resp.LatencyMs,
		Cached:       resp.Cached,
		TaskType:     string(task),
	}
	if rec.Cached {
		// a cache hit spends nothing new
		rec.CostUSD = 0
	}
	go g.tracker.TrackUsage(context.Background(), rec)
}

// declaresStreaming checks the provider's catalog for any
// streaming-capable model before touching the generation endpoint.
func declaresStreaming(ctx context.Context, p provider.Provider) bool {
	models, err := p.Models(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m.Capabilities.Streaming {
			return true
		}
	}
	return false
}
