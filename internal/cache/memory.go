package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/robinkiplangat/metrrik-llm-gateway/internal/provider"
)

type entry struct {
	resp       *provider.Response
	insertedAt time.Time
	ttl        time.Duration
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.insertedAt) >= e.ttl
}

// Memory is the single-process in-memory cache: a mutex-guarded map with
// lazy expiry on access, oldest-insertion eviction when full, and an
// independent periodic sweep that bounds the steady-state footprint even
// under low traffic. It does not coordinate across processes.
type Memory struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	maxEntries int
	logger     *zap.Logger
	stopSweep  chan struct{}
	stopOnce   sync.Once
}

func NewMemory(maxEntries int, sweepEvery time.Duration, logger *zap.Logger) *Memory {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Memory{
		entries:    make(map[string]*entry),
		maxEntries: maxEntries,
		logger:     logger,
		stopSweep:  make(chan struct{}),
	}
	if sweepEvery > 0 {
		go m.sweepLoop(sweepEvery)
	}
	return m
}

func (m *Memory) Get(ctx context.Context, key string) (*provider.Response, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if e.expired(time.Now()) {
		m.mu.Lock()
		// re-check under the write lock; Set may have replaced the entry
		if cur, ok := m.entries[key]; ok && cur.expired(time.Now()) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false
	}
	return e.resp, true
}

func (m *Memory) Set(ctx context.Context, key string, resp *provider.Response, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) >= m.maxEntries {
		m.evictOldestLocked()
	}
	m.entries[key] = &entry{resp: resp, insertedAt: time.Now(), ttl: ttl}
}

func (m *Memory) Delete(ctx context.Context, key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) Close() {
	m.stopOnce.Do(func() { close(m.stopSweep) })
}

// evictOldestLocked removes the oldest 10% of entries by insertion time
// (at least one). Insertion order, not access order: a hot entry inserted
// early still goes.
func (m *Memory) evictOldestLocked() {
	n := len(m.entries) / 10
	if n < 1 {
		n = 1
	}

	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(m.entries))
	for k, e := range m.entries {
		all = append(all, aged{key: k, at: e.insertedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })

	for i := 0; i < n && i < len(all); i++ {
		delete(m.entries, all[i].key)
	}
	m.logger.Debug("evicted oldest cache entries", zap.Int("count", n))
}

func (m *Memory) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Memory) sweep() {
	now := time.Now()
	m.mu.Lock()
	removed := 0
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
			removed++
		}
	}
	m.mu.Unlock()
	if removed > 0 {
		m.logger.Debug("cache sweep removed expired entries", zap.Int("count", removed))
	}
}
