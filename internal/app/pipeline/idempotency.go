package pipeline

import (
	"context"
	"encoding/json"
	"time"
)

// Reservation is the result of an idempotency check.
type Reservation int

const (
	// Fresh means the key was unseen and is now reserved; the caller
	// must execute the operation and then Record or Release.
	Fresh Reservation = iota
	// Duplicate means the key was seen and its outcome is available.
	Duplicate
	// InFlight means the original request holding the key has not
	// completed yet.
	InFlight
)

// IdempotencyGuard suppresses re-execution of mutating requests that
// retry with the same derived key inside the retention window. It
// shares the outcome key space with ResultCache but retains entries
// for its own window.
type IdempotencyGuard struct {
	kv  KV
	ttl time.Duration
}

// NewIdempotencyGuard returns a guard retaining outcomes for ttl.
func NewIdempotencyGuard(kv KV, ttl time.Duration) *IdempotencyGuard {
	return &IdempotencyGuard{kv: kv, ttl: ttl}
}

// CheckAndReserve atomically claims key for this request. The SetNX
// either reserves the key (Fresh) or loses to a prior request, in
// which case the recorded outcome is returned unchanged (Duplicate)
// or the original is still executing (InFlight).
func (g *IdempotencyGuard) CheckAndReserve(ctx context.Context, key string) (Reservation, *Outcome, error) {
	storeKey := outcomePrefix + ":" + key

	ok, err := g.kv.SetNX(ctx, storeKey, pendingMarker, g.ttl)
	if err != nil {
		return Fresh, nil, err
	}
	if ok {
		return Fresh, nil, nil
	}

	raw, found, err := g.kv.Get(ctx, storeKey)
	if err != nil {
		return Fresh, nil, err
	}
	if !found {
		// The prior entry expired between the SetNX and the Get;
		// claim it now. Losing this second claim means a concurrent
		// retry beat us to it, so only one of the racers executes.
		claimed, err := g.kv.SetNX(ctx, storeKey, pendingMarker, g.ttl)
		if err != nil {
			return Fresh, nil, err
		}
		if !claimed {
			return InFlight, nil, nil
		}
		return Fresh, nil, nil
	}
	if raw == pendingMarker {
		return InFlight, nil, nil
	}

	var outcome Outcome
	if err := json.Unmarshal([]byte(raw), &outcome); err != nil {
		return Fresh, nil, err
	}
	outcome.Cached = true
	return Duplicate, &outcome, nil
}

// Record replaces the pending marker with the final outcome in a
// single write, so a concurrent duplicate check sees either the
// reservation or the complete outcome, never a partial state.
func (g *IdempotencyGuard) Record(ctx context.Context, key string, outcome *Outcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	return g.kv.Set(ctx, outcomePrefix+":"+key, string(data), g.ttl)
}

// Release drops the reservation after a failed operation so a later
// retry executes instead of replaying a failure.
func (g *IdempotencyGuard) Release(ctx context.Context, key string) error {
	return g.kv.Del(ctx, outcomePrefix+":"+key)
}
