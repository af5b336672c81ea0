package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iago/feedback-pipeline/internal/domain"
)

type entry struct {
	value     json.RawMessage
	createdAt time.Time
	expiresAt time.Time
}

type MemoryConfig struct {
	TTL        time.Duration
	MaxEntries int
	Clock      func() time.Time
}

type MemoryInsightCache struct {
	mu         sync.RWMutex
	entries    map[string]entry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

func NewMemoryInsightCache(config MemoryConfig) *MemoryInsightCache {
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 2000
	}
	if config.Clock == nil {
		config.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryInsightCache{
		entries:    make(map[string]entry),
		ttl:        config.TTL,
		maxEntries: config.MaxEntries,
		now:        config.Clock,
	}
}

func (c *MemoryInsightCache) Get(_ context.Context, key string) (domain.InsightReport, bool, error) {
	c.mu.RLock()
	item, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		return domain.InsightReport{}, false, nil
	}
	if c.now().After(item.expiresAt) {
		c.mu.Lock()
		// A concurrent Set may have refreshed the key since the read lock.
		if current, ok := c.entries[key]; ok && current.expiresAt.Equal(item.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return domain.InsightReport{}, false, nil
	}

	var report domain.InsightReport
	if err := json.Unmarshal(item.value, &report); err != nil {
		return domain.InsightReport{}, false, fmt.Errorf("decode cached report: %w", err)
	}
	return report, true, nil
}

func (c *MemoryInsightCache) Set(_ context.Context, key string, report domain.InsightReport) error {
	encoded, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[key] = entry{value: encoded, createdAt: now, expiresAt: now.Add(c.ttl)}
	return nil
}

func (c *MemoryInsightCache) evictOldest() {
	if len(c.entries) == 0 {
		return
	}

	type pair struct {
		key   string
		value entry
	}
	pairs := make([]pair, 0, len(c.entries))
	for key, value := range c.entries {
		pairs = append(pairs, pair{key: key, value: value})
	}
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].value.createdAt.Before(pairs[j].value.createdAt)
	})
	delete(c.entries, pairs[0].key)
}
