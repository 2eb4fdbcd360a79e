package gateway

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/robinkiplangat/metrrik-llm-gateway/internal/cache"
	"github.com/robinkiplangat/metrrik-llm-gateway/internal/provider"
	"github.com/robinkiplangat/metrrik-llm-gateway/internal/registry"
	"github.com/robinkiplangat/metrrik-llm-gateway/internal/tracker"
)

// MockProvider is a scriptable test double covering dispatch, streaming
// and catalog behavior.
type MockProvider struct {
	name        string
	generates   atomic.Int32
	streams     atomic.Int32
	generateErr error
	streaming   bool
	text        string
}

func (m *MockProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	m.generates.Add(1)
	if m.generateErr != nil {
		return nil, m.generateErr
	}
	text := m.text
	if text == "" {
		text = "mock response"
	}
	return &provider.Response{
		Text: text, Model: "mock-model", Provider: m.name,
		InputTokens: 10, OutputTokens: 20, TotalTokens: 30,
		CostUSD: 0.05, LatencyMs: 12, FinishReason: provider.FinishStop,
	}, nil
}

func (m *MockProvider) GenerateStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	m.streams.Add(1)
	ch := make(chan *provider.Chunk, 3)
	ch <- &provider.Chunk{Delta: "str"}
	ch <- &provider.Chunk{Delta: "eam"}
	ch <- &provider.Chunk{Done: true}
	close(ch)
	return ch, nil
}

func (m *MockProvider) Models(ctx context.Context) ([]provider.ModelDescriptor, error) {
	return []provider.ModelDescriptor{{
		ID: "mock-model", Provider: m.name, InputCostPer1M: 1, OutputCostPer1M: 2,
		Capabilities: provider.Capabilities{Chat: true, Streaming: m.streaming},
	}}, nil
}

func (m *MockProvider) EstimateCost(req *provider.Request, modelID string) (float64, error) {
	return 0.01, nil
}

func (m *MockProvider) Available(ctx context.Context) bool { return true }

func (m *MockProvider) Name() string { return m.name }

type fixture struct {
	gw    *Gateway
	store *tracker.MemoryStore
	mock  *MockProvider
}

func newFixture(t *testing.T, mock *MockProvider) *fixture {
	t.Helper()

	reg := registry.New(nil)
	reg.Add(mock)

	c := cache.NewMemory(100, 0, nil)
	t.Cleanup(c.Close)

	store := tracker.NewMemoryStore()
	tr := tracker.New(store, true, 1000, nil)

	strategies := BuildStrategies([]string{mock.name}, mock.name, nil)
	tracer := noop.NewTracerProvider().Tracer("test")

	return &fixture{
		gw:    New(reg, c, tr, strategies, true, tracer, nil),
		store: store,
		mock:  mock,
	}
}

// waitRecords polls for asynchronous usage records.
func waitRecords(t *testing.T, store *tracker.MemoryStore, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for store.Len() < want && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.Len() < want {
		t.Fatalf("expected %d usage records, got %d", want, store.Len())
	}
}

func TestGenerate_Success(t *testing.T) {
	f := newFixture(t, &MockProvider{name: "ollama"})

	resp, err := f.gw.Generate(context.Background(), &provider.Request{Prompt: "Hello"}, Options{UserID: "alice"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Cached {
		t.Error("first call must not be cached")
	}
	if resp.Provider != "ollama" {
		t.Errorf("unexpected provider: %s", resp.Provider)
	}

	waitRecords(t, f.store, 1)
	recs, _ := f.store.Query(context.Background(), tracker.Filter{})
	if recs[0].UserID != "alice" || recs[0].Provider != "ollama" || recs[0].CostUSD != 0.05 {
		t.Errorf("unexpected usage record: %+v", recs[0])
	}
}

func TestGenerate_SecondCallHitsCache(t *testing.T) {
	f := newFixture(t, &MockProvider{name: "ollama"})
	ctx := context.Background()
	req := &provider.Request{Prompt: "Hello"}

	first, err := f.gw.Generate(ctx, req, Options{})
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}

	second, err := f.gw.Generate(ctx, req, Options{})
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if !second.Cached {
		t.Error("second identical call must be served from cache")
	}
	if second.Text != first.Text {
		t.Errorf("cached text diverged: %q vs %q", second.Text, first.Text)
	}
	if second.LatencyMs != first.LatencyMs {
		t.Error("cache hit must keep the original call's latency")
	}
	if f.mock.generates.Load() != 1 {
		t.Errorf("provider must be dispatched once, got %d", f.mock.generates.Load())
	}

	// one record per call, cache hits cost nothing
	waitRecords(t, f.store, 2)
	recs, _ := f.store.Query(ctx, tracker.Filter{})
	var cachedCost float64 = -1
	for _, r := range recs {
		if r.Cached {
			cachedCost = r.CostUSD
		}
	}
	if cachedCost != 0 {
		t.Errorf("cache-hit record must cost zero, got %f", cachedCost)
	}
}

func TestGenerate_DisableCacheDispatchesEveryTime(t *testing.T) {
	f := newFixture(t, &MockProvider{name: "ollama"})
	ctx := context.Background()
	req := &provider.Request{Prompt: "Hello"}

	for i := 0; i < 2; i++ {
		if _, err := f.gw.Generate(ctx, req, Options{DisableCache: true}); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}
	if f.mock.generates.Load() != 2 {
		t.Errorf("expected 2 dispatches with cache disabled, got %d", f.mock.generates.Load())
	}
}

func TestGenerate_ExpiredEntryDispatchesAgain(t *testing.T) {
	f := newFixture(t, &MockProvider{name: "ollama"})
	ctx := context.Background()
	req := &provider.Request{Prompt: "Hello"}
	opts := Options{CacheTTL: 10 * time.Millisecond}

	if _, err := f.gw.Generate(ctx, req, opts); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	resp, err := f.gw.Generate(ctx, req, opts)
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if resp.Cached {
		t.Error("expired entry must not be served")
	}
	if f.mock.generates.Load() != 2 {
		t.Errorf("expected fresh dispatch after expiry, got %d", f.mock.generates.Load())
	}
}

func TestGenerate_ValidationRejectsBeforeDispatch(t *testing.T) {
	f := newFixture(t, &MockProvider{name: "ollama"})

	_, err := f.gw.Generate(context.Background(), &provider.Request{Prompt: ""}, Options{})
	var valErr *provider.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if f.mock.generates.Load() != 0 {
		t.Error("invalid request must not reach a provider")
	}
}

func TestGenerate_PinnedUnregisteredProvider(t *testing.T) {
	f := newFixture(t, &MockProvider{name: "ollama"})

	_, err := f.gw.Generate(context.Background(), &provider.Request{Prompt: "hi"}, Options{Provider: "no-such"})
	var cfgErr *provider.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestGenerate_DispatchFailurePropagatesAndRecords(t *testing.T) {
	upstream := &provider.ProviderError{Provider: "ollama", Code: provider.CodeUpstream, Message: "boom", Status: 500}
	f := newFixture(t, &MockProvider{name: "ollama", generateErr: upstream})

	_, err := f.gw.Generate(context.Background(), &provider.Request{Prompt: "hi"}, Options{})
	var perr *provider.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if f.mock.generates.Load() != 1 {
		t.Errorf("a failed dispatch must not be retried, got %d calls", f.mock.generates.Load())
	}

	waitRecords(t, f.store, 1)
	recs, _ := f.store.Query(context.Background(), tracker.Filter{})
	if recs[0].CostUSD != 0 || recs[0].TotalTokens != 0 {
		t.Errorf("failure record must carry zero usage: %+v", recs[0])
	}
}

func TestGenerate_FailureNotCached(t *testing.T) {
	mock := &MockProvider{name: "ollama", generateErr: errors.New("boom")}
	f := newFixture(t, mock)
	ctx := context.Background()
	req := &provider.Request{Prompt: "hi"}

	_, _ = f.gw.Generate(ctx, req, Options{})
	mock.generateErr = nil

	resp, err := f.gw.Generate(ctx, req, Options{})
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if resp.Cached {
		t.Error("a failed call must not populate the cache")
	}
}

func TestGenerate_DisableTracking(t *testing.T) {
	f := newFixture(t, &MockProvider{name: "ollama"})

	if _, err := f.gw.Generate(context.Background(), &provider.Request{Prompt: "hi"}, Options{DisableTracking: true}); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if f.store.Len() != 0 {
		t.Errorf("tracking disabled, expected no records, got %d", f.store.Len())
	}
}

func TestGenerateStream_Success(t *testing.T) {
	f := newFixture(t, &MockProvider{name: "ollama", streaming: true})

	ch, err := f.gw.GenerateStream(context.Background(), &provider.Request{Prompt: "hi"}, Options{})
	if err != nil {
		t.Fatalf("GenerateStream failed: %v", err)
	}

	var content string
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		content += chunk.Delta
	}
	if content != "stream" {
		t.Errorf("expected assembled 'stream', got %q", content)
	}

	// one estimated-usage record after the stream drains
	waitRecords(t, f.store, 1)
	recs, _ := f.store.Query(context.Background(), tracker.Filter{})
	if recs[0].TotalTokens == 0 {
		t.Error("stream record should carry estimated tokens")
	}
}

func TestGenerateStream_UnsupportedProvider(t *testing.T) {
	f := newFixture(t, &MockProvider{name: "huggingface", streaming: false})

	_, err := f.gw.GenerateStream(context.Background(), &provider.Request{Prompt: "hi"}, Options{})
	if !errors.Is(err, provider.ErrUnsupportedOperation) {
		t.Fatalf("expected ErrUnsupportedOperation, got %v", err)
	}
	if f.mock.streams.Load() != 0 {
		t.Error("capability check must run before any stream dispatch")
	}
}

func TestGenerateStream_NeverCaches(t *testing.T) {
	f := newFixture(t, &MockProvider{name: "ollama", streaming: true})
	ctx := context.Background()
	req := &provider.Request{Prompt: "hi"}

	ch, err := f.gw.GenerateStream(ctx, req, Options{})
	if err != nil {
		t.Fatalf("GenerateStream failed: %v", err)
	}
	for range ch {
	}

	resp, err := f.gw.Generate(ctx, req, Options{})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Cached {
		t.Error("a stream must not populate the cache for later calls")
	}
}

func TestEstimateCost(t *testing.T) {
	f := newFixture(t, &MockProvider{name: "ollama"})

	cost, err := f.gw.EstimateCost(context.Background(), &provider.Request{Prompt: "hi"}, "", "")
	if err != nil {
		t.Fatalf("EstimateCost failed: %v", err)
	}
	if cost != 0.01 {
		t.Errorf("unexpected estimate: %f", cost)
	}

	if _, err := f.gw.EstimateCost(context.Background(), &provider.Request{Prompt: "hi"}, "no-such", ""); err == nil {
		t.Error("expected error for unregistered provider")
	}
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t, &MockProvider{name: "ollama"})

	snapshot := f.gw.HealthCheck(context.Background())
	if !snapshot["ollama"] {
		t.Errorf("expected healthy snapshot, got %v", snapshot)
	}
}

func TestAvailableModels(t *testing.T) {
	f := newFixture(t, &MockProvider{name: "ollama"})

	models := f.gw.AvailableModels(context.Background())
	if len(models) != 1 || models[0].ID != "mock-model" {
		t.Errorf("unexpected models: %+v", models)
	}
}
