package repository

import (
	"gorm.io/gorm"

	"github.com/fablefox/FableFox/app/models"
)

// UserRepository defines the interface for user-related database operations
type UserRepository interface {
	Create(user *models.User) error
	GetByID(id uint) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
	Update(user *models.User) error
	Delete(id uint) error
	List(offset, limit int) ([]models.User, error)
	Count() (int64, error)
}

// StoryRepository defines the interface for story-related database operations
type StoryRepository interface {
	Create(story *models.Story) error
	GetByID(id uint) (*models.Story, error)
	GetByUUID(uuid string) (*models.Story, error)
	GetByUserID(userID uint, offset, limit int) ([]models.Story, error)
	GetLibraryByUserID(userID uint, offset, limit int) ([]models.Story, error)
	MarkSaved(id uint) (bool, error)
	Update(story *models.Story) error
	Delete(id uint) error
	CountByUserID(userID uint) (int64, error)
}

// Repositories holds all repository instances
type Repositories struct {
	User  UserRepository
	Story StoryRepository
}

// NewRepositories creates all repositories sharing one DB handle
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:  NewUserRepository(db),
		Story: NewStoryRepository(db),
	}
}
