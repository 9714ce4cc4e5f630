package model

import (
	"time"

	"gorm.io/gorm"
)

// URL describes the persisted alias-to-URL mapping stored in Postgres.
//
// A row is soft-deleted by setting DeletedAt; deletion is terminal. The
// short code is unique among rows where DeletedAt is null, enforced by a
// partial unique index, so a deleted code may be claimed again by a new
// row.
type URL struct {
	ID          int64          `json:"id" gorm:"primaryKey"`
	OriginalURL string         `json:"original_url" gorm:"type:text;not null"`
	ShortCode   string         `json:"short_code" gorm:"size:32;not null;index"`
	Views       int64          `json:"views" gorm:"not null;default:0"`
	CreatedAt   time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   *time.Time     `json:"updated_at" gorm:"autoUpdateTime:false"`
	DeletedAt   gorm.DeletedAt `json:"deleted_at" gorm:"index"`
}

// TableName pins the table name so raw queries and the ORM agree.
func (URL) TableName() string {
	return "urls"
}

// Active reports whether the record has not been soft-deleted.
func (u *URL) Active() bool {
	return !u.DeletedAt.Valid
}
