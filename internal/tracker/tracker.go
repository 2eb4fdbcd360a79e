// Package tracker records per-call usage and aggregates cost, latency and
// cache-hit telemetry. Recording is a best-effort side effect: failures
// are logged and never surfaced to the caller's generation request.
package tracker

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Record is one append-only usage log entry.
type Record struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id,omitempty"`
	ProjectID    string    `json:"project_id,omitempty"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	TotalTokens  int       `json:"total_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMs    int64     `json:"latency_ms"`
	Cached       bool      `json:"cached"`
	TaskType     string    `json:"task_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// Filter bounds a usage query. Zero From/To default to the trailing
// 30 days.
type Filter struct {
	UserID    string
	ProjectID string
	Provider  string
	From      time.Time
	To        time.Time
}

func (f Filter) window() (time.Time, time.Time) {
	from, to := f.From, f.To
	if to.IsZero() {
		to = time.Now()
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -30)
	}
	return from, to
}

// Store is the durable backend for usage records.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	Query(ctx context.Context, f Filter) ([]*Record, error)
}

// Stats aggregates a bounded window of usage records.
type Stats struct {
	TotalCostUSD  float64            `json:"total_cost_usd"`
	TotalRequests int                `json:"total_requests"`
	TotalTokens   int                `json:"total_tokens"`
	AvgCostUSD    float64            `json:"avg_cost_usd"`
	AvgLatencyMs  float64            `json:"avg_latency_ms"`
	CacheHitRate  float64            `json:"cache_hit_rate"`
	ByProvider    map[string]float64 `json:"by_provider"`
	ByModel       map[string]float64 `json:"by_model"`
	From          time.Time          `json:"from"`
	To            time.Time          `json:"to"`
}

// GroupTotal is one grouped cost row, sorted descending by cost.
type GroupTotal struct {
	Key     string  `json:"key"`
	CostUSD float64 `json:"cost_usd"`
}

// ThresholdStatus reports a trailing-30-day cost against the alert
// threshold.
type ThresholdStatus struct {
	Exceeded    bool    `json:"exceeded"`
	CurrentCost float64 `json:"current_cost"`
	Threshold   float64 `json:"threshold"`
}

type Tracker struct {
	store            Store
	enabled          bool
	defaultThreshold float64
	logger           *zap.Logger
}

func New(store Store, enabled bool, defaultThreshold float64, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:            store,
		enabled:          enabled,
		defaultThreshold: defaultThreshold,
		logger:           logger,
	}
}

// TrackUsage appends one record. A telemetry failure must not fail the
// caller's request, so errors are logged and swallowed.
func (t *Tracker) TrackUsage(ctx context.Context, rec *Record) {
	if !t.enabled || rec == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.TotalTokens == 0 {
		rec.TotalTokens = rec.InputTokens + rec.OutputTokens
	}

	if err := t.store.Append(ctx, rec); err != nil {
		t.logger.Warn("usage tracking failed",
			zap.String("provider", rec.Provider),
			zap.Error(err))
	}
}

func (t *Tracker) GetCostStats(ctx context.Context, f Filter) (*Stats, error) {
	f.From, f.To = f.window()
	recs, err := t.store.Query(ctx, f)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		ByProvider: make(map[string]float64),
		ByModel:    make(map[string]float64),
		From:       f.From,
		To:         f.To,
	}

	var totalLatency int64
	hits := 0
	for _, r := range recs {
		stats.TotalCostUSD += r.CostUSD
		stats.TotalRequests++
		stats.TotalTokens += r.TotalTokens
		totalLatency += r.LatencyMs
		stats.ByProvider[r.Provider] += r.CostUSD
		stats.ByModel[r.Model] += r.CostUSD
		if r.Cached {
			hits++
		}
	}
	if stats.TotalRequests > 0 {
		stats.AvgCostUSD = stats.TotalCostUSD / float64(stats.TotalRequests)
		stats.AvgLatencyMs = float64(totalLatency) / float64(stats.TotalRequests)
		stats.CacheHitRate = float64(hits) / float64(stats.TotalRequests)
	}
	return stats, nil
}

// GetCostByUser returns per-user cost totals, highest first.
func (t *Tracker) GetCostByUser(ctx context.Context, f Filter) ([]GroupTotal, error) {
	return t.groupBy(ctx, f, func(r *Record) string { return r.UserID })
}

// GetCostByProject returns per-project cost totals, highest first.
func (t *Tracker) GetCostByProject(ctx context.Context, f Filter) ([]GroupTotal, error) {
	return t.groupBy(ctx, f, func(r *Record) string { return r.ProjectID })
}

func (t *Tracker) groupBy(ctx context.Context, f Filter, key func(*Record) string) ([]GroupTotal, error) {
	f.From, f.To = f.window()
	recs, err := t.store.Query(ctx, f)
	if err != nil {
		return nil, err
	}

	totals := make(map[string]float64)
	for _, r := range recs {
		totals[key(r)] += r.CostUSD
	}

	out := make([]GroupTotal, 0, len(totals))
	for k, v := range totals {
		out = append(out, GroupTotal{Key: k, CostUSD: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CostUSD > out[j].CostUSD })
	return out, nil
}

// CheckCostThreshold compares trailing-30-day cost (optionally scoped to
// one user) against the alert threshold. Operational alerting only; it
// never blocks a generation call.
func (t *Tracker) CheckCostThreshold(ctx context.Context, userID string, threshold float64) (*ThresholdStatus, error) {
	if threshold <= 0 {
		threshold = t.defaultThreshold
	}

	stats, err := t.GetCostStats(ctx, Filter{UserID: userID})
	if err != nil {
		return nil, err
	}
	return &ThresholdStatus{
		Exceeded:    stats.TotalCostUSD > threshold,
		CurrentCost: stats.TotalCostUSD,
		Threshold:   threshold,
	}, nil
}
