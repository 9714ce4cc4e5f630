package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kmetts/shrinkray/internal/app/model"
	"github.com/kmetts/shrinkray/internal/app/pipeline"
	"github.com/kmetts/shrinkray/internal/app/repository"
	"github.com/kmetts/shrinkray/internal/app/service"
	"go.uber.org/zap"
)

// IdempotencyKeyHeader lets clients pin the key used for duplicate
// detection instead of relying on the derived one.
const IdempotencyKeyHeader = "Idempotency-Key"

// URLDeps groups dependencies required by the URL handlers.
type URLDeps struct {
	Logger   *zap.Logger
	URLs     service.URLService
	Pipeline *pipeline.Pipeline
}

// URLHandler implements the shorten/resolve/update/delete endpoints.
type URLHandler struct {
	logger *zap.Logger
	urls   service.URLService
	pipe   *pipeline.Pipeline
}

// NewURLHandler creates a URL handler with the provided dependencies.
func NewURLHandler(deps URLDeps) *URLHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &URLHandler{
		logger: logger,
		urls:   deps.URLs,
		pipe:   deps.Pipeline,
	}
}

// Register wires URL routes onto the provided router.
func (h *URLHandler) Register(router fiber.Router) {
	router.Get("/", h.Health)
	router.Get("/health", h.Health)

	shorten := router.Group("/shorten")
	{
		shorten.Post("/", h.Shorten)
		shorten.Post("/batch", h.ShortenBatch)
		shorten.Get("/", h.ListActive)
		shorten.Get("/:code", h.Resolve)
		shorten.Get("/:code/stats", h.Stats)
		shorten.Patch("/:code", h.Update)
		shorten.Delete("/:code", h.Delete)
	}
}

// Health is a simple liveness endpoint.
func (h *URLHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"service": "shrinkray",
		"status":  "ok",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// ShortenRequest represents the request body for creating a short URL.
type ShortenRequest struct {
	URL       string `json:"url"`
	ShortCode string `json:"short_code,omitempty"`
}

// ShortenBatchRequest represents the request body for batch creation.
type ShortenBatchRequest struct {
	URLs []ShortenRequest `json:"urls"`
}

// UpdateRequest represents the request body for updating a short URL.
type UpdateRequest struct {
	URL       *string `json:"url,omitempty"`
	ShortCode *string `json:"short_code,omitempty"`
}

// Shorten handles POST /shorten
func (h *URLHandler) Shorten(c *fiber.Ctx) error {
	var req ShortenRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if req.URL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "url is required",
		})
	}

	preq := pipeline.Request{
		ClientID: c.IP(),
		Route:    "/shorten",
		Pattern:  "/shorten",
		RawQuery: shortenQuery(req),
		Mutating: true,
		Key:      c.Get(IdempotencyKeyHeader),
	}

	return h.run(c, preq, func(ctx context.Context) (*pipeline.Outcome, error) {
		created, err := h.urls.Shorten(ctx, service.ShortenInput{
			OriginalURL: req.URL,
			ShortCode:   req.ShortCode,
		})
		if err != nil {
			return outcomeFromError(err)
		}
		return pipeline.NewOutcome(fiber.StatusCreated, created)
	})
}

// ShortenBatch handles POST /shorten/batch
func (h *URLHandler) ShortenBatch(c *fiber.Ctx) error {
	var req ShortenBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if len(req.URLs) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "urls is required",
		})
	}
	for _, item := range req.URLs {
		if item.URL == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "every entry needs a url",
			})
		}
	}

	preq := pipeline.Request{
		ClientID: c.IP(),
		Route:    "/shorten/batch",
		Pattern:  "/shorten/batch",
		RawQuery: batchQuery(req),
		Mutating: true,
		Key:      c.Get(IdempotencyKeyHeader),
	}

	return h.run(c, preq, func(ctx context.Context) (*pipeline.Outcome, error) {
		inputs := make([]service.ShortenInput, len(req.URLs))
		for i, item := range req.URLs {
			inputs[i] = service.ShortenInput{OriginalURL: item.URL, ShortCode: item.ShortCode}
		}

		created, err := h.urls.ShortenBatch(ctx, inputs)
		if err != nil {
			return outcomeFromError(err)
		}
		return pipeline.NewOutcome(fiber.StatusCreated, fiber.Map{
			"urls":  created,
			"count": len(created),
		})
	})
}

// Resolve handles GET /shorten/:code and redirects to the original URL.
func (h *URLHandler) Resolve(c *fiber.Ctx) error {
	code := c.Params("code")
	if code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "code is required",
		})
	}

	preq := pipeline.Request{
		ClientID: c.IP(),
		Route:    "/shorten/" + code,
		Pattern:  "/shorten/:code",
		Shared:   true,
	}

	outcome, err := h.pipe.Do(userContext(c), preq, func(ctx context.Context) (*pipeline.Outcome, error) {
		resolved, err := h.urls.Resolve(ctx, code)
		if err != nil {
			return outcomeFromError(err)
		}
		return pipeline.NewOutcome(fiber.StatusTemporaryRedirect, resolved)
	})
	if err != nil {
		return h.internalError(c, err, "/shorten/"+code)
	}

	// A cached outcome skipped the store, so count the view here;
	// every successful resolve increments exactly once.
	if outcome.Cached && outcome.Status == fiber.StatusTemporaryRedirect {
		if err := h.urls.RecordView(userContext(c), code); err != nil {
			h.logger.Warn("failed to count cached view",
				zap.Error(err), zap.String("code", code))
		}
	}

	h.setPipelineHeaders(c, outcome)

	if outcome.Status == fiber.StatusTemporaryRedirect {
		var resolved model.URL
		if err := json.Unmarshal(outcome.Body, &resolved); err != nil {
			return h.internalError(c, err, "/shorten/"+code)
		}
		return c.Redirect(resolved.OriginalURL, fiber.StatusTemporaryRedirect)
	}

	return h.send(c, outcome)
}

// Stats handles GET /shorten/:code/stats
func (h *URLHandler) Stats(c *fiber.Ctx) error {
	code := c.Params("code")

	preq := pipeline.Request{
		ClientID: c.IP(),
		Route:    "/shorten/" + code + "/stats",
		Pattern:  "/shorten/:code/stats",
		Shared:   true,
	}

	return h.run(c, preq, func(ctx context.Context) (*pipeline.Outcome, error) {
		stats, err := h.urls.Stats(ctx, code)
		if err != nil {
			return outcomeFromError(err)
		}
		return pipeline.NewOutcome(fiber.StatusOK, stats)
	})
}

// Update handles PATCH /shorten/:code
func (h *URLHandler) Update(c *fiber.Ctx) error {
	code := c.Params("code")

	var req UpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if req.URL == nil && req.ShortCode == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "nothing to update",
		})
	}

	preq := pipeline.Request{
		ClientID: c.IP(),
		Route:    "/shorten/" + code,
		Pattern:  "/shorten/:code",
		RawQuery: updateQuery(req),
		Mutating: true,
		Key:      c.Get(IdempotencyKeyHeader),
	}

	return h.run(c, preq, func(ctx context.Context) (*pipeline.Outcome, error) {
		updated, err := h.urls.Update(ctx, code, service.UpdateInput{
			OriginalURL: req.URL,
			ShortCode:   req.ShortCode,
		})
		if err != nil {
			return outcomeFromError(err)
		}

		// The cached redirect and stats for either code are stale now.
		h.invalidateReads(ctx, code)
		if updated.ShortCode != code {
			h.invalidateReads(ctx, updated.ShortCode)
		}

		return pipeline.NewOutcome(fiber.StatusOK, updated)
	})
}

// Delete handles DELETE /shorten/:code
func (h *URLHandler) Delete(c *fiber.Ctx) error {
	code := c.Params("code")

	preq := pipeline.Request{
		ClientID: c.IP(),
		Route:    "/shorten/" + code,
		Pattern:  "/shorten/:code",
		RawQuery: "op=delete",
		Mutating: true,
		Key:      c.Get(IdempotencyKeyHeader),
	}

	return h.run(c, preq, func(ctx context.Context) (*pipeline.Outcome, error) {
		deleted, err := h.urls.Delete(ctx, code)
		if err != nil {
			return outcomeFromError(err)
		}

		// Synchronous: the cached redirect must be gone before the
		// client sees the delete succeed.
		h.invalidateReads(ctx, code)

		return pipeline.NewOutcome(fiber.StatusOK, deleted)
	})
}

// ListActive handles GET /shorten — the administrative listing of all
// active records.
func (h *URLHandler) ListActive(c *fiber.Ctx) error {
	ctx := userContext(c)

	urls := make([]*model.URL, 0)
	for u, err := range h.urls.ListActive(ctx) {
		if err != nil {
			return h.internalError(c, err, "/shorten")
		}
		urls = append(urls, u)
	}

	return c.JSON(fiber.Map{
		"urls":  urls,
		"count": len(urls),
	})
}

// run sends the request through the pipeline and renders the outcome.
func (h *URLHandler) run(c *fiber.Ctx, preq pipeline.Request, op pipeline.Operation) error {
	outcome, err := h.pipe.Do(userContext(c), preq, op)
	if err != nil {
		return h.internalError(c, err, preq.Route)
	}

	h.setPipelineHeaders(c, outcome)
	return h.send(c, outcome)
}

func (h *URLHandler) send(c *fiber.Ctx, outcome *pipeline.Outcome) error {
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(outcome.Status).Send(outcome.Body)
}

func (h *URLHandler) setPipelineHeaders(c *fiber.Ctx, outcome *pipeline.Outcome) {
	c.Set("X-RateLimit-Limit", strconv.Itoa(h.pipe.RateLimit()))
	if outcome.Cached {
		c.Set("X-Cache", "HIT")
	} else {
		c.Set("X-Cache", "MISS")
	}
}

func (h *URLHandler) invalidateReads(ctx context.Context, code string) {
	for _, route := range []string{"/shorten/" + code, "/shorten/" + code + "/stats"} {
		if err := h.pipe.InvalidateRead(ctx, route); err != nil {
			h.logger.Warn("failed to invalidate cached read",
				zap.Error(err), zap.String("route", route))
		}
	}
}

func (h *URLHandler) internalError(c *fiber.Ctx, err error, route string) error {
	h.logger.Error("request failed", zap.Error(err), zap.String("route", route))
	// Persistence errors stay internal; the caller gets a generic
	// failure.
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "internal server error",
	})
}

// outcomeFromError maps expected service errors onto tagged outcomes.
// Anything unrecognized propagates as an internal failure.
func outcomeFromError(err error) (*pipeline.Outcome, error) {
	switch {
	case errors.Is(err, repository.ErrURLNotFound):
		return pipeline.ErrorOutcome(fiber.StatusNotFound, "short url not found"), nil
	case errors.Is(err, repository.ErrShortCodeExists):
		return pipeline.ErrorOutcome(fiber.StatusConflict, "short code already in use"), nil
	case errors.Is(err, service.ErrMaxRetriesExceeded):
		return pipeline.ErrorOutcome(fiber.StatusConflict, "could not allocate a short code"), nil
	default:
		return nil, err
	}
}

// shortenQuery folds the request payload into canonical query form so
// the derived key distinguishes different payloads on the same route.
func shortenQuery(req ShortenRequest) string {
	values := url.Values{}
	values.Set("url", req.URL)
	if req.ShortCode != "" {
		values.Set("short_code", req.ShortCode)
	}
	return values.Encode()
}

func batchQuery(req ShortenBatchRequest) string {
	values := url.Values{}
	for _, item := range req.URLs {
		values.Add("url", item.URL)
		if item.ShortCode != "" {
			values.Add("short_code", item.ShortCode)
		}
	}
	return values.Encode()
}

func updateQuery(req UpdateRequest) string {
	values := url.Values{}
	if req.URL != nil {
		values.Set("url", *req.URL)
	}
	if req.ShortCode != nil {
		values.Set("short_code", *req.ShortCode)
	}
	return values.Encode()
}

func userContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}
