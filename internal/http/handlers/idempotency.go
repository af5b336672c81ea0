package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

const idempotencyTTL = 24 * time.Hour

var errIdempotencyConflict = errors.New("idempotency key reused with a different payload")

type replayEntry struct {
	fingerprint string
	jobID       string
	storedAt    time.Time
	// inflight is closed once the reserving request has committed or released
	// the key. Nil after commit.
	inflight chan struct{}
}

// replayCache remembers which job an Idempotency-Key produced, per process.
type replayCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]*replayEntry
}

func newReplayCache(ttl time.Duration) *replayCache {
	return &replayCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*replayEntry),
	}
}

// do runs create at most once per live key. Concurrent callers with the same
// fingerprint wait for the first one and replay its job; a failed create frees
// the key so the next caller runs create itself. replayed reports whether the
// job came from an earlier request. A live key with another fingerprint yields
// errIdempotencyConflict.
func (c *replayCache) do(ctx context.Context, key, fingerprint string, create func() (string, error)) (jobID string, replayed bool, err error) {
	for {
		c.mu.Lock()
		entry, ok := c.entries[key]
		if ok && entry.inflight == nil && c.now().Sub(entry.storedAt) > c.ttl {
			delete(c.entries, key)
			ok = false
		}
		if !ok {
			entry = &replayEntry{fingerprint: fingerprint, inflight: make(chan struct{})}
			c.entries[key] = entry
			c.mu.Unlock()
			jobID, err = c.settle(key, entry, create)
			return jobID, false, err
		}
		if entry.fingerprint != fingerprint {
			c.mu.Unlock()
			return "", false, errIdempotencyConflict
		}
		if entry.inflight == nil {
			jobID = entry.jobID
			c.mu.Unlock()
			return jobID, true, nil
		}
		wait := entry.inflight
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-wait:
		}
	}
}

// settle runs create for a reserved entry and then commits or releases it.
func (c *replayCache) settle(key string, entry *replayEntry, create func() (string, error)) (jobID string, err error) {
	committed := false
	defer func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		wait := entry.inflight
		if committed {
			now := c.now()
			entry.jobID = jobID
			entry.storedAt = now
			entry.inflight = nil
			c.sweepLocked(now)
		} else if c.entries[key] == entry {
			delete(c.entries, key)
		}
		close(wait)
	}()

	jobID, err = create()
	committed = err == nil
	return jobID, err
}

func (c *replayCache) sweepLocked(now time.Time) {
	for stored, entry := range c.entries {
		if entry.inflight == nil && now.Sub(entry.storedAt) > c.ttl {
			delete(c.entries, stored)
		}
	}
}

func fingerprint(value any) string {
	encoded, _ := json.Marshal(value)
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}
