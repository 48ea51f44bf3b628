package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Story is a generated story owned by a user. InLibrary marks stories the
// user explicitly saved (a metered operation separate from generation).
type Story struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	UUID      string         `gorm:"type:varchar(36);uniqueIndex" json:"uuid"`
	UserID    uint           `gorm:"not null;index" json:"user_id"`
	Title     string         `gorm:"type:varchar(200);not null" json:"title"`
	Prompt    string         `gorm:"type:text;not null" json:"prompt"`
	Content   string         `gorm:"type:longtext;not null" json:"content"`
	InLibrary bool           `gorm:"default:false;index" json:"in_library"`
	SavedAt   *time.Time     `gorm:"type:timestamp;default:null" json:"saved_at,omitempty"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate assigns the public UUID when missing.
func (s *Story) BeforeCreate(tx *gorm.DB) error {
	if s.UUID == "" {
		s.UUID = uuid.New().String()
	}
	return nil
}
