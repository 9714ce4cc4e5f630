package pipeline

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Request identifies one inbound request to the pipeline.
type Request struct {
	// ClientID is the caller's identity (IP or equivalent), used for
	// rate limiting and, unless Shared is set, key derivation.
	ClientID string
	// Route is the request route with path parameters filled in,
	// e.g. "/shorten/aB3xK9pQr2".
	Route string
	// Pattern is the route shape with parameter placeholders,
	// e.g. "/shorten/:code". It labels metrics so cardinality stays
	// bounded; an empty Pattern falls back to Route.
	Pattern string
	// RawQuery is the unparsed query string.
	RawQuery string
	// Mutating routes the request through the idempotency guard
	// instead of the result cache.
	Mutating bool
	// Shared derives the key without the client identity so the
	// outcome is cached once for all callers. Only safe for reads.
	Shared bool
	// Key overrides the derived key, e.g. from an Idempotency-Key
	// header supplied by the client.
	Key string
}

func (r Request) metricRoute() string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return r.Route
}

// Operation executes the request against the store of record. It is
// invoked only when the pipeline cannot short-circuit the request.
type Operation func(ctx context.Context) (*Outcome, error)

// Dependencies bundles the collaborators of a Pipeline.
type Dependencies struct {
	Logger         *zap.Logger
	KV             KV
	RateLimitCount int
	RateWindow     time.Duration
	CacheTTL       time.Duration
	IdempotencyTTL time.Duration
	Metrics        *Metrics
}

// Pipeline coalesces retried requests, enforces per-client budgets and
// serves recently computed outcomes before work reaches the store of
// record.
type Pipeline struct {
	logger  *zap.Logger
	limiter *RateLimiter
	cache   *ResultCache
	guard   *IdempotencyGuard
	metrics *Metrics
}

// New builds a Pipeline from its dependencies.
func New(deps Dependencies) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		logger:  logger,
		limiter: NewRateLimiter(deps.KV, deps.RateLimitCount, deps.RateWindow),
		cache:   NewResultCache(deps.KV, deps.CacheTTL),
		guard:   NewIdempotencyGuard(deps.KV, deps.IdempotencyTTL),
		metrics: deps.Metrics,
	}
}

// RateLimit returns the per-window budget, for response headers.
func (p *Pipeline) RateLimit() int {
	return p.limiter.Limit()
}

// Do runs req through the pipeline: derive the key, admit the client,
// replay a recorded outcome when one exists, otherwise execute op and
// record its outcome before returning it.
func (p *Pipeline) Do(ctx context.Context, req Request, op Operation) (*Outcome, error) {
	key := req.Key
	if key == "" {
		keyClient := req.ClientID
		if req.Shared {
			keyClient = ""
		}
		key = DeriveKey(keyClient, req.Route, req.RawQuery)
	}

	admitted, _, err := p.limiter.Admit(ctx, req.ClientID)
	if err != nil {
		// Fail open: the budget is protection, not correctness.
		p.logger.Warn("rate limiter unavailable, admitting request",
			zap.Error(err), zap.String("client", req.ClientID))
	} else if !admitted {
		if p.metrics != nil {
			p.metrics.RateLimited.Inc()
		}
		return ErrorOutcome(http.StatusTooManyRequests, "rate limit exceeded"), nil
	}

	if req.Mutating {
		return p.doMutation(ctx, req, key, op)
	}
	return p.doRead(ctx, req, key, op)
}

func (p *Pipeline) doRead(ctx context.Context, req Request, key string, op Operation) (*Outcome, error) {
	outcome, hit, err := p.cache.Get(ctx, key)
	if err != nil {
		p.logger.Warn("result cache read failed", zap.Error(err), zap.String("key", key))
	} else if hit {
		if p.metrics != nil {
			p.metrics.CacheHits.Inc()
		}
		return outcome, nil
	}

	if p.metrics != nil {
		p.metrics.Executions.WithLabelValues(req.metricRoute()).Inc()
	}

	outcome, err = op(ctx)
	if err != nil {
		return nil, err
	}

	if outcome.cacheable() {
		if err := p.cache.Put(ctx, key, outcome); err != nil {
			p.logger.Warn("result cache write failed", zap.Error(err), zap.String("key", key))
		}
	}
	return outcome, nil
}

func (p *Pipeline) doMutation(ctx context.Context, req Request, key string, op Operation) (*Outcome, error) {
	reservation, prior, err := p.guard.CheckAndReserve(ctx, key)
	if err != nil {
		// Without the guard the mutation still executes; a lost
		// reservation only costs duplicate protection.
		p.logger.Warn("idempotency guard unavailable", zap.Error(err), zap.String("key", key))
		reservation = Fresh
	}

	switch reservation {
	case Duplicate:
		if p.metrics != nil {
			p.metrics.Duplicates.Inc()
		}
		return prior, nil
	case InFlight:
		if p.metrics != nil {
			p.metrics.Duplicates.Inc()
		}
		return ErrorOutcome(http.StatusConflict, "identical request already in progress"), nil
	}

	if p.metrics != nil {
		p.metrics.Executions.WithLabelValues(req.metricRoute()).Inc()
	}

	outcome, err := op(ctx)
	if err != nil {
		if relErr := p.guard.Release(ctx, key); relErr != nil {
			p.logger.Warn("failed to release idempotency reservation",
				zap.Error(relErr), zap.String("key", key))
		}
		return nil, err
	}

	if outcome.storable() {
		if err := p.guard.Record(ctx, key, outcome); err != nil {
			p.logger.Warn("failed to record outcome", zap.Error(err), zap.String("key", key))
		}
	} else if err := p.guard.Release(ctx, key); err != nil {
		p.logger.Warn("failed to release idempotency reservation",
			zap.Error(err), zap.String("key", key))
	}

	return outcome, nil
}

// InvalidateRead drops the shared cached outcome for a read route.
// Called synchronously after a successful delete so stale redirects
// are never served.
func (p *Pipeline) InvalidateRead(ctx context.Context, route string) error {
	return p.cache.Invalidate(ctx, DeriveKey("", route, ""))
}
