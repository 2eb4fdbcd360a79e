package tracker

import (
	"context"
	"errors"
	"testing"
	"time"
)

type failingStore struct{}

func (failingStore) Append(ctx context.Context, rec *Record) error {
	return errors.New("disk full")
}

func (failingStore) Query(ctx context.Context, f Filter) ([]*Record, error) {
	return nil, errors.New("disk full")
}

func seed(t *testing.T, tr *Tracker, recs ...*Record) {
	t.Helper()
	ctx := context.Background()
	for _, r := range recs {
		tr.TrackUsage(ctx, r)
	}
}

func TestTrackUsage_FillsDefaults(t *testing.T) {
	store := NewMemoryStore()
	tr := New(store, true, 1000, nil)

	tr.TrackUsage(context.Background(), &Record{
		Provider: "gemini", Model: "gemini-2.0-flash",
		InputTokens: 10, OutputTokens: 5, CostUSD: 0.01,
	})

	recs, err := store.Query(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one record, got %d", len(recs))
	}
	r := recs[0]
	if r.ID == "" {
		t.Error("ID should be generated")
	}
	if r.CreatedAt.IsZero() {
		t.Error("CreatedAt should be filled")
	}
	if r.TotalTokens != 15 {
		t.Errorf("TotalTokens should be derived, got %d", r.TotalTokens)
	}
}

func TestTrackUsage_DisabledIsNoop(t *testing.T) {
	store := NewMemoryStore()
	tr := New(store, false, 1000, nil)

	tr.TrackUsage(context.Background(), &Record{Provider: "gemini", CostUSD: 1})
	if store.Len() != 0 {
		t.Error("disabled tracker must not record")
	}
}

func TestTrackUsage_StoreFailureSwallowed(t *testing.T) {
	tr := New(failingStore{}, true, 1000, nil)
	tr.TrackUsage(context.Background(), &Record{Provider: "gemini"})
}

func TestGetCostStats(t *testing.T) {
	tr := New(NewMemoryStore(), true, 1000, nil)
	seed(t, tr,
		&Record{Provider: "gemini", Model: "flash", CostUSD: 0.10, TotalTokens: 100, LatencyMs: 200},
		&Record{Provider: "gemini", Model: "flash", CostUSD: 0.30, TotalTokens: 300, LatencyMs: 400},
		&Record{Provider: "openai", Model: "gpt-4o", CostUSD: 0.60, TotalTokens: 200, LatencyMs: 600, Cached: true},
	)

	stats, err := tr.GetCostStats(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("GetCostStats failed: %v", err)
	}
	if stats.TotalRequests != 3 {
		t.Errorf("expected 3 requests, got %d", stats.TotalRequests)
	}
	if diff := stats.TotalCostUSD - 1.0; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected total cost 1.0, got %f", stats.TotalCostUSD)
	}
	if stats.TotalTokens != 600 {
		t.Errorf("expected 600 tokens, got %d", stats.TotalTokens)
	}
	if stats.AvgLatencyMs != 400 {
		t.Errorf("expected avg latency 400, got %f", stats.AvgLatencyMs)
	}
	if diff := stats.CacheHitRate - 1.0/3.0; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected hit rate 1/3, got %f", stats.CacheHitRate)
	}
	if diff := stats.ByProvider["gemini"] - 0.40; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("unexpected gemini total: %f", stats.ByProvider["gemini"])
	}
	if diff := stats.ByModel["gpt-4o"] - 0.60; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("unexpected gpt-4o total: %f", stats.ByModel["gpt-4o"])
	}
}

func TestGetCostStats_EmptyWindow(t *testing.T) {
	tr := New(NewMemoryStore(), true, 1000, nil)

	stats, err := tr.GetCostStats(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("GetCostStats failed: %v", err)
	}
	if stats.TotalRequests != 0 || stats.AvgCostUSD != 0 || stats.CacheHitRate != 0 {
		t.Errorf("empty window should produce zero stats: %+v", stats)
	}
}

func TestGetCostStats_FilterByProvider(t *testing.T) {
	tr := New(NewMemoryStore(), true, 1000, nil)
	seed(t, tr,
		&Record{Provider: "gemini", CostUSD: 0.10},
		&Record{Provider: "openai", CostUSD: 0.50},
	)

	stats, err := tr.GetCostStats(context.Background(), Filter{Provider: "openai"})
	if err != nil {
		t.Fatalf("GetCostStats failed: %v", err)
	}
	if stats.TotalRequests != 1 {
		t.Errorf("expected provider filter to apply, got %d requests", stats.TotalRequests)
	}
}

func TestGetCostStats_WindowExcludesOldRecords(t *testing.T) {
	store := NewMemoryStore()
	tr := New(store, true, 1000, nil)

	old := &Record{Provider: "gemini", CostUSD: 5, CreatedAt: time.Now().AddDate(0, 0, -40)}
	recent := &Record{Provider: "gemini", CostUSD: 1}
	seed(t, tr, old, recent)

	stats, err := tr.GetCostStats(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("GetCostStats failed: %v", err)
	}
	if stats.TotalRequests != 1 {
		t.Errorf("records outside the trailing 30 days must be excluded, got %d", stats.TotalRequests)
	}
}

func TestGetCostByUser_SortedDescending(t *testing.T) {
	tr := New(NewMemoryStore(), true, 1000, nil)
	seed(t, tr,
		&Record{UserID: "alice", CostUSD: 0.10, Provider: "gemini"},
		&Record{UserID: "bob", CostUSD: 0.50, Provider: "gemini"},
		&Record{UserID: "alice", CostUSD: 0.05, Provider: "openai"},
	)

	totals, err := tr.GetCostByUser(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("GetCostByUser failed: %v", err)
	}
	if len(totals) != 2 {
		t.Fatalf("expected two users, got %d", len(totals))
	}
	if totals[0].Key != "bob" {
		t.Errorf("expected highest spender first, got %s", totals[0].Key)
	}
	if diff := totals[1].CostUSD - 0.15; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected alice total 0.15, got %f", totals[1].CostUSD)
	}
}

func TestGetCostByProject(t *testing.T) {
	tr := New(NewMemoryStore(), true, 1000, nil)
	seed(t, tr,
		&Record{ProjectID: "p1", CostUSD: 0.20, Provider: "gemini"},
		&Record{ProjectID: "p2", CostUSD: 0.80, Provider: "gemini"},
	)

	totals, err := tr.GetCostByProject(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("GetCostByProject failed: %v", err)
	}
	if len(totals) != 2 || totals[0].Key != "p2" {
		t.Errorf("unexpected totals: %+v", totals)
	}
}

func TestCheckCostThreshold(t *testing.T) {
	tr := New(NewMemoryStore(), true, 1000, nil)
	seed(t, tr, &Record{UserID: "alice", CostUSD: 1001, Provider: "claude"})

	status, err := tr.CheckCostThreshold(context.Background(), "alice", 1000)
	if err != nil {
		t.Fatalf("CheckCostThreshold failed: %v", err)
	}
	if !status.Exceeded {
		t.Error("1001 against a 1000 threshold must be exceeded")
	}
	if status.CurrentCost != 1001 || status.Threshold != 1000 {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestCheckCostThreshold_ExactlyAtThresholdNotExceeded(t *testing.T) {
	tr := New(NewMemoryStore(), true, 1000, nil)
	seed(t, tr, &Record{UserID: "alice", CostUSD: 1000, Provider: "claude"})

	status, err := tr.CheckCostThreshold(context.Background(), "alice", 1000)
	if err != nil {
		t.Fatalf("CheckCostThreshold failed: %v", err)
	}
	if status.Exceeded {
		t.Error("cost equal to the threshold is not exceeded")
	}
}

func TestCheckCostThreshold_DefaultsWhenZero(t *testing.T) {
	tr := New(NewMemoryStore(), true, 50, nil)
	seed(t, tr, &Record{UserID: "alice", CostUSD: 60, Provider: "claude"})

	status, err := tr.CheckCostThreshold(context.Background(), "alice", 0)
	if err != nil {
		t.Fatalf("CheckCostThreshold failed: %v", err)
	}
	if status.Threshold != 50 || !status.Exceeded {
		t.Errorf("expected configured default threshold, got %+v", status)
	}
}

func TestCheckCostThreshold_StoreError(t *testing.T) {
	tr := New(failingStore{}, true, 1000, nil)
	if _, err := tr.CheckCostThreshold(context.Background(), "alice", 100); err == nil {
		t.Fatal("expected store error to propagate from a query")
	}
}
