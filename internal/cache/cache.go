// Package cache is a content-addressed store of prior responses with
// per-task TTL and size-bounded eviction.
package cache

import (
	"context"
	"time"

	"github.com/robinkiplangat/metrrik-llm-gateway/internal/provider"
)

// ResponseCache is the pluggable cache seam. The in-memory implementation
// is the single-process default; the redis implementation is the shared
// backend for multi-instance deployments. Implementations swallow their
// own failures: a broken cache must never fail a generation request.
type ResponseCache interface {
	// Get returns the cached response if present and unexpired. An expired
	// entry is deleted on access and reported as a miss.
	Get(ctx context.Context, key string) (*provider.Response, bool)

	// Set stores the response under key for ttl.
	Set(ctx context.Context, key string, resp *provider.Response, ttl time.Duration)

	Delete(ctx context.Context, key string)
	Len() int
	Close()
}

// Task-type TTLs: embeddings rarely change, interactive chat goes stale
// fastest, vision/analysis sit in between.
var taskTTLs = map[provider.TaskType]time.Duration{
	provider.TaskEmbedding: 24 * time.Hour,
	provider.TaskVision:    time.Hour,
	provider.TaskAnalysis:  time.Hour,
	provider.TaskChat:      5 * time.Minute,
	provider.TaskDefault:   15 * time.Minute,
}

// TTLFor maps a task type to its cache TTL.
func TTLFor(task provider.TaskType) time.Duration {
	if ttl, ok := taskTTLs[task]; ok {
		return ttl
	}
	return taskTTLs[provider.TaskDefault]
}
