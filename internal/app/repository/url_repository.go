package repository

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kmetts/shrinkray/internal/app/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrURLNotFound signals that no active record matches the lookup.
	ErrURLNotFound = errors.New("url not found")
	// ErrShortCodeExists signals a short code collision with an active record.
	ErrShortCodeExists = errors.New("short code already exists")
)

const uniqueViolationCode = "23505"

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation, which the partial index raises when a short code collides
// with an active row.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// URLRepository defines the data access contract for short URLs. All
// lookups and mutations are scoped to active (not soft-deleted) rows;
// uniqueness of the short code among active rows is enforced by the
// storage engine, never by a check-then-act in this layer.
type URLRepository interface {
	Create(ctx context.Context, url *model.URL) error
	CreateBatch(ctx context.Context, urls []*model.URL) error
	GetByCode(ctx context.Context, code string) (*model.URL, error)
	GetByID(ctx context.Context, id int64) (*model.URL, error)
	Update(ctx context.Context, id int64, originalURL, shortCode string) (*model.URL, error)
	IncrementViews(ctx context.Context, code string) (*model.URL, error)
	SoftDelete(ctx context.Context, id int64) (*model.URL, error)
	ListActive(ctx context.Context, batchSize int) iter.Seq2[*model.URL, error]
}

type urlRepository struct {
	db *gorm.DB
}

// NewURLRepository returns a GORM-backed URLRepository.
func NewURLRepository(db *gorm.DB) URLRepository {
	return &urlRepository{db: db}
}

func (r *urlRepository) Create(ctx context.Context, url *model.URL) error {
	if err := r.db.WithContext(ctx).Create(url).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrShortCodeExists
		}
		return err
	}
	return nil
}

// CreateBatch inserts all rows in one transaction. A conflict on any
// row rolls back the whole batch, so rows never commit partially.
func (r *urlRepository) CreateBatch(ctx context.Context, urls []*model.URL) error {
	if len(urls) == 0 {
		return nil
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, url := range urls {
			if err := tx.Create(url).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return ErrShortCodeExists
		}
		return err
	}
	return nil
}

func (r *urlRepository) GetByCode(ctx context.Context, code string) (*model.URL, error) {
	var url model.URL
	if err := r.db.WithContext(ctx).Where("short_code = ?", code).First(&url).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrURLNotFound
		}
		return nil, err
	}
	return &url, nil
}

func (r *urlRepository) GetByID(ctx context.Context, id int64) (*model.URL, error) {
	var url model.URL
	if err := r.db.WithContext(ctx).First(&url, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrURLNotFound
		}
		return nil, err
	}
	return &url, nil
}

func (r *urlRepository) Update(ctx context.Context, id int64, originalURL, shortCode string) (*model.URL, error) {
	url := model.URL{ID: id}
	result := r.db.WithContext(ctx).
		Model(&url).
		Clauses(clause.Returning{}).
		Updates(map[string]interface{}{
			"original_url": originalURL,
			"short_code":   shortCode,
			"updated_at":   time.Now(),
		})

	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return nil, ErrShortCodeExists
		}
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrURLNotFound
	}

	return &url, nil
}

func (r *urlRepository) IncrementViews(ctx context.Context, code string) (*model.URL, error) {
	var url model.URL
	result := r.db.WithContext(ctx).
		Model(&url).
		Clauses(clause.Returning{}).
		Where("short_code = ?", code).
		UpdateColumn("views", gorm.Expr("views + 1"))

	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrURLNotFound
	}

	return &url, nil
}

func (r *urlRepository) SoftDelete(ctx context.Context, id int64) (*model.URL, error) {
	var url model.URL
	result := r.db.WithContext(ctx).
		Clauses(clause.Returning{}).
		Where("id = ?", id).
		Delete(&url)

	if result.Error != nil {
		return nil, result.Error
	}
	// Deleting an already-deleted id reports not found: the soft-delete
	// scope hides the row, so the update matches nothing.
	if result.RowsAffected == 0 {
		return nil, ErrURLNotFound
	}

	return &url, nil
}

func (r *urlRepository) ListActive(ctx context.Context, batchSize int) iter.Seq2[*model.URL, error] {
	if batchSize <= 0 {
		batchSize = 100
	}

	return func(yield func(*model.URL, error) bool) {
		var lastID int64
		for {
			var batch []model.URL
			err := r.db.WithContext(ctx).
				Where("id > ?", lastID).
				Order("id").
				Limit(batchSize).
				Find(&batch).Error
			if err != nil {
				yield(nil, err)
				return
			}
			for i := range batch {
				if !yield(&batch[i], nil) {
					return
				}
			}
			if len(batch) < batchSize {
				return
			}
			lastID = batch[len(batch)-1].ID
		}
	}
}
