package pipeline

import (
	"context"
	"encoding/json"
	"time"
)

// outcomePrefix is shared by the result cache and the idempotency
// guard: both read and write the same key space so an outcome recorded
// by one path is immediately visible to the other. Only the retention
// window differs per writer.
const outcomePrefix = "outcome"

// pendingMarker reserves a key while the original request is still
// executing. It is deliberately not valid JSON so it can never be
// confused with a recorded outcome.
const pendingMarker = "!pending"

// ResultCache stores completed request outcomes so repeat reads can be
// served without touching the store of record.
type ResultCache struct {
	kv  KV
	ttl time.Duration
}

// NewResultCache returns a cache retaining outcomes for ttl.
func NewResultCache(kv KV, ttl time.Duration) *ResultCache {
	return &ResultCache{kv: kv, ttl: ttl}
}

// Get returns the cached outcome for key, tagged as a cache hit.
// Expired entries and in-flight reservations behave as absent.
func (c *ResultCache) Get(ctx context.Context, key string) (*Outcome, bool, error) {
	raw, ok, err := c.kv.Get(ctx, outcomePrefix+":"+key)
	if err != nil || !ok {
		return nil, false, err
	}
	if raw == pendingMarker {
		return nil, false, nil
	}

	var outcome Outcome
	if err := json.Unmarshal([]byte(raw), &outcome); err != nil {
		return nil, false, err
	}
	outcome.Cached = true
	return &outcome, true, nil
}

// Put records outcome under key for the cache's TTL.
func (c *ResultCache) Put(ctx context.Context, key string, outcome *Outcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	return c.kv.Set(ctx, outcomePrefix+":"+key, string(data), c.ttl)
}

// Invalidate drops the entry for key. Called synchronously after a
// delete so a stale redirect is never served from cache.
func (c *ResultCache) Invalidate(ctx context.Context, key string) error {
	return c.kv.Del(ctx, outcomePrefix+":"+key)
}
