package service

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/kmetts/shrinkray/internal/app/model"
	"github.com/kmetts/shrinkray/internal/app/repository"
	"gorm.io/gorm"
)

type mockURLRepository struct {
	createFn         func(ctx context.Context, url *model.URL) error
	createBatchFn    func(ctx context.Context, urls []*model.URL) error
	getByCodeFn      func(ctx context.Context, code string) (*model.URL, error)
	getByIDFn        func(ctx context.Context, id int64) (*model.URL, error)
	updateFn         func(ctx context.Context, id int64, originalURL, shortCode string) (*model.URL, error)
	incrementViewsFn func(ctx context.Context, code string) (*model.URL, error)
	softDeleteFn     func(ctx context.Context, id int64) (*model.URL, error)
	listActiveFn     func(ctx context.Context, batchSize int) iter.Seq2[*model.URL, error]
}

func (m *mockURLRepository) Create(ctx context.Context, url *model.URL) error {
	if m.createFn != nil {
		return m.createFn(ctx, url)
	}
	return nil
}

func (m *mockURLRepository) CreateBatch(ctx context.Context, urls []*model.URL) error {
	if m.createBatchFn != nil {
		return m.createBatchFn(ctx, urls)
	}
	for _, url := range urls {
		if err := m.Create(ctx, url); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockURLRepository) GetByCode(ctx context.Context, code string) (*model.URL, error) {
	if m.getByCodeFn != nil {
		return m.getByCodeFn(ctx, code)
	}
	return nil, repository.ErrURLNotFound
}

func (m *mockURLRepository) GetByID(ctx context.Context, id int64) (*model.URL, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return nil, repository.ErrURLNotFound
}

func (m *mockURLRepository) Update(ctx context.Context, id int64, originalURL, shortCode string) (*model.URL, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, id, originalURL, shortCode)
	}
	return nil, repository.ErrURLNotFound
}

func (m *mockURLRepository) IncrementViews(ctx context.Context, code string) (*model.URL, error) {
	if m.incrementViewsFn != nil {
		return m.incrementViewsFn(ctx, code)
	}
	return nil, repository.ErrURLNotFound
}

func (m *mockURLRepository) SoftDelete(ctx context.Context, id int64) (*model.URL, error) {
	if m.softDeleteFn != nil {
		return m.softDeleteFn(ctx, id)
	}
	return nil, repository.ErrURLNotFound
}

func (m *mockURLRepository) ListActive(ctx context.Context, batchSize int) iter.Seq2[*model.URL, error] {
	if m.listActiveFn != nil {
		return m.listActiveFn(ctx, batchSize)
	}
	return func(yield func(*model.URL, error) bool) {}
}

func newTestService(repo repository.URLRepository) URLService {
	return NewURLService(Dependencies{Repo: repo, CodeLength: 10})
}

func isAlphanumeric(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

func TestURLService_Shorten_GeneratesCode(t *testing.T) {
	repo := &mockURLRepository{
		createFn: func(ctx context.Context, url *model.URL) error {
			if len(url.ShortCode) != 10 {
				t.Fatalf("generated code length = %d, want 10", len(url.ShortCode))
			}
			if !isAlphanumeric(url.ShortCode) {
				t.Fatalf("generated code %q is not alphanumeric", url.ShortCode)
			}
			url.ID = 1
			return nil
		},
	}

	svc := newTestService(repo)
	url, err := svc.Shorten(context.Background(), ShortenInput{OriginalURL: "https://example.com"})
	if err != nil {
		t.Fatalf("Shorten returned error: %v", err)
	}
	if url.Views != 0 {
		t.Fatalf("new record views = %d, want 0", url.Views)
	}
	if url.DeletedAt.Valid {
		t.Fatal("new record should not be soft-deleted")
	}
}

func TestURLService_Shorten_RetriesOnCollision(t *testing.T) {
	calls := 0
	repo := &mockURLRepository{
		createFn: func(ctx context.Context, url *model.URL) error {
			calls++
			if calls < 3 {
				return repository.ErrShortCodeExists
			}
			return nil
		},
	}

	svc := newTestService(repo)
	if _, err := svc.Shorten(context.Background(), ShortenInput{OriginalURL: "https://example.com"}); err != nil {
		t.Fatalf("Shorten returned error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("create called %d times, want 3", calls)
	}
}

func TestURLService_Shorten_GivesUpAfterRetries(t *testing.T) {
	repo := &mockURLRepository{
		createFn: func(ctx context.Context, url *model.URL) error {
			return repository.ErrShortCodeExists
		},
	}

	svc := newTestService(repo)
	_, err := svc.Shorten(context.Background(), ShortenInput{OriginalURL: "https://example.com"})
	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Fatalf("expected ErrMaxRetriesExceeded, got %v", err)
	}
}

func TestURLService_Shorten_CustomCodeConflict(t *testing.T) {
	calls := 0
	repo := &mockURLRepository{
		createFn: func(ctx context.Context, url *model.URL) error {
			calls++
			return repository.ErrShortCodeExists
		},
	}

	svc := newTestService(repo)
	_, err := svc.Shorten(context.Background(), ShortenInput{
		OriginalURL: "https://example.com",
		ShortCode:   "taken12345",
	})
	if !errors.Is(err, repository.ErrShortCodeExists) {
		t.Fatalf("expected ErrShortCodeExists, got %v", err)
	}
	// An explicit code is never retried with a different one.
	if calls != 1 {
		t.Fatalf("create called %d times, want 1", calls)
	}
}

func TestURLService_ShortenBatch(t *testing.T) {
	created := 0
	repo := &mockURLRepository{
		createFn: func(ctx context.Context, url *model.URL) error {
			created++
			url.ID = int64(created)
			return nil
		},
	}

	svc := newTestService(repo)
	urls, err := svc.ShortenBatch(context.Background(), []ShortenInput{
		{OriginalURL: "https://example.com/a"},
		{OriginalURL: "https://example.com/b", ShortCode: "custom1234"},
	})
	if err != nil {
		t.Fatalf("ShortenBatch returned error: %v", err)
	}
	if len(urls) != 2 || created != 2 {
		t.Fatalf("created %d records, want 2", created)
	}
}

func TestURLService_ShortenBatch_ConflictCommitsNothing(t *testing.T) {
	var committed []string
	repo := &mockURLRepository{
		createFn: func(ctx context.Context, url *model.URL) error {
			t.Fatal("batch must not fall back to row-at-a-time creates")
			return nil
		},
		createBatchFn: func(ctx context.Context, urls []*model.URL) error {
			for _, url := range urls {
				if url.ShortCode == "taken56789" {
					return repository.ErrShortCodeExists
				}
			}
			for _, url := range urls {
				committed = append(committed, url.ShortCode)
			}
			return nil
		},
	}

	svc := newTestService(repo)
	_, err := svc.ShortenBatch(context.Background(), []ShortenInput{
		{OriginalURL: "https://example.com/a", ShortCode: "keep123456"},
		{OriginalURL: "https://example.com/b", ShortCode: "taken56789"},
	})
	if !errors.Is(err, repository.ErrShortCodeExists) {
		t.Fatalf("expected ErrShortCodeExists, got %v", err)
	}
	if len(committed) != 0 {
		t.Fatalf("failed batch committed %d rows: %v", len(committed), committed)
	}
}

func TestURLService_ShortenBatch_RegeneratesOnCollision(t *testing.T) {
	attempts := 0
	var firstCodes, secondCodes []string
	repo := &mockURLRepository{
		createBatchFn: func(ctx context.Context, urls []*model.URL) error {
			attempts++
			for _, url := range urls {
				if attempts == 1 {
					firstCodes = append(firstCodes, url.ShortCode)
				} else {
					secondCodes = append(secondCodes, url.ShortCode)
				}
			}
			if attempts == 1 {
				return repository.ErrShortCodeExists
			}
			return nil
		},
	}

	svc := newTestService(repo)
	urls, err := svc.ShortenBatch(context.Background(), []ShortenInput{
		{OriginalURL: "https://example.com/a"},
		{OriginalURL: "https://example.com/b"},
	})
	if err != nil {
		t.Fatalf("ShortenBatch returned error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("batch attempted %d times, want 2", attempts)
	}
	if len(urls) != 2 {
		t.Fatalf("created %d records, want 2", len(urls))
	}
	// The colliding attempt's codes are discarded, not reused.
	for _, code := range secondCodes {
		for _, old := range firstCodes {
			if code == old {
				t.Fatalf("retry reused code %q from the failed attempt", code)
			}
		}
	}
}

func TestURLService_ShortenBatch_ExplicitConflictNotRetried(t *testing.T) {
	attempts := 0
	repo := &mockURLRepository{
		createBatchFn: func(ctx context.Context, urls []*model.URL) error {
			attempts++
			return repository.ErrShortCodeExists
		},
	}

	svc := newTestService(repo)
	_, err := svc.ShortenBatch(context.Background(), []ShortenInput{
		{OriginalURL: "https://example.com/a"},
		{OriginalURL: "https://example.com/b", ShortCode: "taken56789"},
	})
	if !errors.Is(err, repository.ErrShortCodeExists) {
		t.Fatalf("expected ErrShortCodeExists, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("explicit-code conflict retried %d times, want 1 attempt", attempts)
	}
}

func TestURLService_Resolve_IncrementsViews(t *testing.T) {
	repo := &mockURLRepository{
		incrementViewsFn: func(ctx context.Context, code string) (*model.URL, error) {
			return &model.URL{ID: 1, ShortCode: code, OriginalURL: "https://example.com", Views: 1}, nil
		},
	}

	svc := newTestService(repo)

	// Seed the negative-lookup filter via create.
	if _, err := svc.Shorten(context.Background(), ShortenInput{
		OriginalURL: "https://example.com", ShortCode: "abcde12345",
	}); err != nil {
		t.Fatalf("Shorten returned error: %v", err)
	}

	url, err := svc.Resolve(context.Background(), "abcde12345")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if url.Views != 1 {
		t.Fatalf("views = %d, want 1", url.Views)
	}
}

func TestURLService_Resolve_UnknownCodeSkipsStore(t *testing.T) {
	repo := &mockURLRepository{
		incrementViewsFn: func(ctx context.Context, code string) (*model.URL, error) {
			t.Fatal("store queried for a code the filter never saw")
			return nil, nil
		},
	}

	svc := newTestService(repo)
	if err := WarmFilter(context.Background(), svc); err != nil {
		t.Fatalf("WarmFilter returned error: %v", err)
	}

	_, err := svc.Resolve(context.Background(), "neverseen1")
	if !errors.Is(err, repository.ErrURLNotFound) {
		t.Fatalf("expected ErrURLNotFound, got %v", err)
	}
}

func TestURLService_Resolve_UnwarmedFilterFallsThroughToStore(t *testing.T) {
	// Until warming succeeds the filter has not seen pre-existing
	// records, so it must never answer NotFound on its own.
	queried := false
	repo := &mockURLRepository{
		incrementViewsFn: func(ctx context.Context, code string) (*model.URL, error) {
			queried = true
			return &model.URL{ID: 1, ShortCode: code, OriginalURL: "https://example.com", Views: 1}, nil
		},
	}

	svc := newTestService(repo)
	url, err := svc.Resolve(context.Background(), "existing12")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if !queried {
		t.Fatal("store never queried for a pre-existing record")
	}
	if url.ShortCode != "existing12" {
		t.Fatalf("resolved code = %q", url.ShortCode)
	}
}

func TestURLService_Resolve_FailedWarmKeepsFilterBypassed(t *testing.T) {
	repo := &mockURLRepository{
		listActiveFn: func(ctx context.Context, batchSize int) iter.Seq2[*model.URL, error] {
			return func(yield func(*model.URL, error) bool) {
				yield(nil, errors.New("connection refused"))
			}
		},
		incrementViewsFn: func(ctx context.Context, code string) (*model.URL, error) {
			return &model.URL{ID: 1, ShortCode: code, OriginalURL: "https://example.com", Views: 1}, nil
		},
	}

	svc := newTestService(repo)
	if err := WarmFilter(context.Background(), svc); err == nil {
		t.Fatal("expected WarmFilter to surface the listing error")
	}

	if _, err := svc.Resolve(context.Background(), "existing12"); err != nil {
		t.Fatalf("Resolve after failed warm returned error: %v", err)
	}
}

func TestURLService_RecordView_ToleratesDeletedRecord(t *testing.T) {
	repo := &mockURLRepository{
		incrementViewsFn: func(ctx context.Context, code string) (*model.URL, error) {
			return nil, repository.ErrURLNotFound
		},
	}

	svc := newTestService(repo)
	if err := svc.RecordView(context.Background(), "gone123456"); err != nil {
		t.Fatalf("RecordView returned error: %v", err)
	}
}

func TestURLService_Update(t *testing.T) {
	now := time.Now()
	repo := &mockURLRepository{
		getByCodeFn: func(ctx context.Context, code string) (*model.URL, error) {
			return &model.URL{ID: 7, ShortCode: code, OriginalURL: "https://old.example.com"}, nil
		},
		updateFn: func(ctx context.Context, id int64, originalURL, shortCode string) (*model.URL, error) {
			if id != 7 {
				t.Fatalf("update id = %d, want 7", id)
			}
			if originalURL != "https://new.example.com" {
				t.Fatalf("update url = %q", originalURL)
			}
			if shortCode != "abc" {
				t.Fatalf("unchanged code rewritten to %q", shortCode)
			}
			return &model.URL{ID: id, ShortCode: shortCode, OriginalURL: originalURL, UpdatedAt: &now}, nil
		},
	}

	svc := newTestService(repo)
	newURL := "https://new.example.com"
	updated, err := svc.Update(context.Background(), "abc", UpdateInput{OriginalURL: &newURL})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if updated.UpdatedAt == nil {
		t.Fatal("expected UpdatedAt to be set after update")
	}
}

func TestURLService_Update_NotFound(t *testing.T) {
	svc := newTestService(&mockURLRepository{})
	newURL := "https://new.example.com"
	_, err := svc.Update(context.Background(), "missing", UpdateInput{OriginalURL: &newURL})
	if !errors.Is(err, repository.ErrURLNotFound) {
		t.Fatalf("expected ErrURLNotFound, got %v", err)
	}
}

func TestURLService_Delete(t *testing.T) {
	repo := &mockURLRepository{
		getByCodeFn: func(ctx context.Context, code string) (*model.URL, error) {
			return &model.URL{ID: 3, ShortCode: code}, nil
		},
		softDeleteFn: func(ctx context.Context, id int64) (*model.URL, error) {
			return &model.URL{ID: id, DeletedAt: gorm.DeletedAt{Time: time.Now(), Valid: true}}, nil
		},
	}

	svc := newTestService(repo)
	deleted, err := svc.Delete(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if deleted.Active() {
		t.Fatal("deleted record still reports active")
	}
}

func TestURLService_Delete_AlreadyDeleted(t *testing.T) {
	// The code lookup excludes soft-deleted rows, so a second delete
	// reports not found.
	svc := newTestService(&mockURLRepository{})
	_, err := svc.Delete(context.Background(), "gone")
	if !errors.Is(err, repository.ErrURLNotFound) {
		t.Fatalf("expected ErrURLNotFound, got %v", err)
	}
}

func TestURLService_ListActive(t *testing.T) {
	repo := &mockURLRepository{
		listActiveFn: func(ctx context.Context, batchSize int) iter.Seq2[*model.URL, error] {
			return func(yield func(*model.URL, error) bool) {
				for _, code := range []string{"a", "b", "c"} {
					if !yield(&model.URL{ShortCode: code}, nil) {
						return
					}
				}
			}
		},
	}

	svc := newTestService(repo)
	var codes []string
	for url, err := range svc.ListActive(context.Background()) {
		if err != nil {
			t.Fatalf("ListActive yielded error: %v", err)
		}
		codes = append(codes, url.ShortCode)
	}
	if len(codes) != 3 {
		t.Fatalf("listed %d records, want 3", len(codes))
	}
}
