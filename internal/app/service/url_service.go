package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/kmetts/shrinkray/internal/app/model"
	"github.com/kmetts/shrinkray/internal/app/repository"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
)

// codeAlphabet matches the generated short code character set: ten
// characters uniform over upper, lower and digits.
const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

const maxGenerateRetries = 5

// ErrMaxRetriesExceeded signals that code generation kept colliding.
var ErrMaxRetriesExceeded = errors.New("maximum retries exceeded generating a short code")

// URLService defines behaviour-level operations on short URLs.
type URLService interface {
	Shorten(ctx context.Context, input ShortenInput) (*model.URL, error)
	ShortenBatch(ctx context.Context, inputs []ShortenInput) ([]*model.URL, error)
	Resolve(ctx context.Context, code string) (*model.URL, error)
	RecordView(ctx context.Context, code string) error
	Stats(ctx context.Context, code string) (*model.URL, error)
	Update(ctx context.Context, code string, input UpdateInput) (*model.URL, error)
	Delete(ctx context.Context, code string) (*model.URL, error)
	ListActive(ctx context.Context) iter.Seq2[*model.URL, error]
}

// ShortenInput captures data required to create a short URL. An empty
// ShortCode requests a generated one.
type ShortenInput struct {
	OriginalURL string
	ShortCode   string
}

// UpdateInput captures fields that can be changed on an existing URL.
type UpdateInput struct {
	OriginalURL *string
	ShortCode   *string
}

// Dependencies bundles collaborators of the URL service.
type Dependencies struct {
	Logger     *zap.Logger
	Repo       repository.URLRepository
	Events     *EventPublisher
	CodeLength int
}

type urlService struct {
	logger     *zap.Logger
	repo       repository.URLRepository
	events     *EventPublisher
	codeLength int

	// filter front-runs resolve lookups for codes that were never
	// created. False positives fall through to the store; a stale
	// positive after delete is answered correctly by the store too.
	// Until filterReady is set the filter has not seen pre-existing
	// records and must not answer.
	filterMu    sync.RWMutex
	filter      *bloom.BloomFilter
	filterReady atomic.Bool
}

// NewURLService returns a service implementation backed by the given
// repository.
func NewURLService(deps Dependencies) URLService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	codeLength := deps.CodeLength
	if codeLength <= 0 {
		codeLength = 10
	}
	return &urlService{
		logger:     logger,
		repo:       deps.Repo,
		events:     deps.Events,
		codeLength: codeLength,
		filter:     bloom.NewWithEstimates(1_000_000, 0.01),
	}
}

// WarmFilter seeds the negative-lookup filter from the active records.
// Meant to run once at startup; resolve works correctly without it,
// just without the fast path.
func WarmFilter(ctx context.Context, svc URLService) error {
	s, ok := svc.(*urlService)
	if !ok {
		return nil
	}

	count := 0
	for url, err := range s.repo.ListActive(ctx, 500) {
		if err != nil {
			return fmt.Errorf("warm filter: %w", err)
		}
		s.rememberCode(url.ShortCode)
		count++
	}
	s.filterReady.Store(true)
	s.logger.Info("negative-lookup filter warmed", zap.Int("codes", count))
	return nil
}

func (s *urlService) rememberCode(code string) {
	s.filterMu.Lock()
	s.filter.AddString(code)
	s.filterMu.Unlock()
}

func (s *urlService) mightExist(code string) bool {
	// An unwarmed filter knows nothing about pre-existing records;
	// every lookup falls through to the store until warming succeeds.
	if !s.filterReady.Load() {
		return true
	}
	s.filterMu.RLock()
	defer s.filterMu.RUnlock()
	return s.filter.TestString(code)
}

func (s *urlService) Shorten(ctx context.Context, input ShortenInput) (*model.URL, error) {
	if input.ShortCode != "" {
		url := &model.URL{OriginalURL: input.OriginalURL, ShortCode: input.ShortCode}
		if err := s.repo.Create(ctx, url); err != nil {
			return nil, fmt.Errorf("create url: %w", err)
		}
		s.finishCreate(url)
		return url, nil
	}

	// Generated codes retry on collision; the store's uniqueness
	// constraint is the arbiter, not a pre-check.
	for i := 0; i < maxGenerateRetries; i++ {
		code, err := gonanoid.Generate(codeAlphabet, s.codeLength)
		if err != nil {
			return nil, fmt.Errorf("generate short code: %w", err)
		}

		url := &model.URL{OriginalURL: input.OriginalURL, ShortCode: code}
		err = s.repo.Create(ctx, url)
		if err == nil {
			s.finishCreate(url)
			return url, nil
		}
		if !errors.Is(err, repository.ErrShortCodeExists) {
			return nil, fmt.Errorf("create url: %w", err)
		}
	}

	return nil, ErrMaxRetriesExceeded
}

func (s *urlService) finishCreate(url *model.URL) {
	s.rememberCode(url.ShortCode)
	s.publish(model.EventCreated, url.ShortCode)
}

// ShortenBatch creates all entries in one transaction: a conflict on
// any entry rolls back the whole batch. Generated-code collisions
// regenerate and retry the batch; an explicit-code conflict is final.
func (s *urlService) ShortenBatch(ctx context.Context, inputs []ShortenInput) ([]*model.URL, error) {
	if len(inputs) == 0 {
		return []*model.URL{}, nil
	}

	allGenerated := true
	for _, input := range inputs {
		if input.ShortCode != "" {
			allGenerated = false
		}
	}

	for attempt := 0; attempt < maxGenerateRetries; attempt++ {
		urls := make([]*model.URL, len(inputs))
		for i, input := range inputs {
			code := input.ShortCode
			if code == "" {
				generated, err := gonanoid.Generate(codeAlphabet, s.codeLength)
				if err != nil {
					return nil, fmt.Errorf("generate short code: %w", err)
				}
				code = generated
			}
			urls[i] = &model.URL{OriginalURL: input.OriginalURL, ShortCode: code}
		}

		err := s.repo.CreateBatch(ctx, urls)
		if err == nil {
			for _, url := range urls {
				s.finishCreate(url)
			}
			return urls, nil
		}
		if !errors.Is(err, repository.ErrShortCodeExists) || !allGenerated {
			return nil, fmt.Errorf("create batch: %w", err)
		}
	}

	return nil, ErrMaxRetriesExceeded
}

func (s *urlService) Resolve(ctx context.Context, code string) (*model.URL, error) {
	if !s.mightExist(code) {
		return nil, repository.ErrURLNotFound
	}

	url, err := s.repo.IncrementViews(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("resolve url: %w", err)
	}

	s.publish(model.EventResolved, code)
	return url, nil
}

// RecordView counts one resolve without returning the record, used
// when the redirect itself was served from cache. A record deleted
// since the cache write is not an error here.
func (s *urlService) RecordView(ctx context.Context, code string) error {
	_, err := s.repo.IncrementViews(ctx, code)
	if errors.Is(err, repository.ErrURLNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record view: %w", err)
	}

	s.publish(model.EventResolved, code)
	return nil
}

func (s *urlService) Stats(ctx context.Context, code string) (*model.URL, error) {
	url, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("url stats: %w", err)
	}
	return url, nil
}

func (s *urlService) Update(ctx context.Context, code string, input UpdateInput) (*model.URL, error) {
	url, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("load url: %w", err)
	}

	originalURL := url.OriginalURL
	if input.OriginalURL != nil {
		originalURL = *input.OriginalURL
	}
	shortCode := url.ShortCode
	if input.ShortCode != nil && *input.ShortCode != "" {
		shortCode = *input.ShortCode
	}

	updated, err := s.repo.Update(ctx, url.ID, originalURL, shortCode)
	if err != nil {
		return nil, fmt.Errorf("update url: %w", err)
	}

	s.rememberCode(updated.ShortCode)
	s.publish(model.EventUpdated, updated.ShortCode)
	return updated, nil
}

func (s *urlService) Delete(ctx context.Context, code string) (*model.URL, error) {
	url, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("load url: %w", err)
	}

	deleted, err := s.repo.SoftDelete(ctx, url.ID)
	if err != nil {
		return nil, fmt.Errorf("delete url: %w", err)
	}

	s.publish(model.EventDeleted, deleted.ShortCode)
	return deleted, nil
}

func (s *urlService) ListActive(ctx context.Context) iter.Seq2[*model.URL, error] {
	return s.repo.ListActive(ctx, 100)
}

func (s *urlService) publish(eventType, code string) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(eventType, code); err != nil {
		s.logger.Error("failed to publish lifecycle event",
			zap.Error(err), zap.String("type", eventType), zap.String("code", code))
	}
}
