package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/fablefox/FableFox/app/models"
)

// storyRepository implements the StoryRepository interface
type storyRepository struct {
	db *gorm.DB
}

// NewStoryRepository creates a new story repository instance
func NewStoryRepository(db *gorm.DB) StoryRepository {
	return &storyRepository{db: db}
}

// Create creates a new story in the database
func (r *storyRepository) Create(story *models.Story) error {
	return r.db.Create(story).Error
}

// GetByID retrieves a story by its ID
func (r *storyRepository) GetByID(id uint) (*models.Story, error) {
	var story models.Story
	err := r.db.First(&story, id).Error
	if err != nil {
		return nil, err
	}
	return &story, nil
}

// GetByUUID retrieves a story by its UUID
func (r *storyRepository) GetByUUID(uuid string) (*models.Story, error) {
	var story models.Story
	err := r.db.Where("uuid = ?", uuid).First(&story).Error
	if err != nil {
		return nil, err
	}
	return &story, nil
}

// GetByUserID retrieves a paginated list of a user's stories
func (r *storyRepository) GetByUserID(userID uint, offset, limit int) ([]models.Story, error) {
	var stories []models.Story
	err := r.db.Where("user_id = ?", userID).
		Offset(offset).Limit(limit).Order("created_at DESC").Find(&stories).Error
	return stories, err
}

// GetLibraryByUserID retrieves the user's saved stories
func (r *storyRepository) GetLibraryByUserID(userID uint, offset, limit int) ([]models.Story, error) {
	var stories []models.Story
	err := r.db.Where("user_id = ? AND in_library = ?", userID, true).
		Offset(offset).Limit(limit).Order("saved_at DESC").Find(&stories).Error
	return stories, err
}

// MarkSaved flips a story into the library. The in_library guard makes the
// flip idempotent and tells the caller whether this call did the saving, so
// a repeated save never burns a second quota unit.
func (r *storyRepository) MarkSaved(id uint) (bool, error) {
	now := time.Now()
	tx := r.db.Model(&models.Story{}).
		Where("id = ? AND in_library = ?", id, false).
		Updates(map[string]interface{}{
			"in_library": true,
			"saved_at":   &now,
		})
	return tx.RowsAffected > 0, tx.Error
}

// Update updates an existing story in the database
func (r *storyRepository) Update(story *models.Story) error {
	return r.db.Save(story).Error
}

// Delete soft deletes a story by its ID
func (r *storyRepository) Delete(id uint) error {
	return r.db.Delete(&models.Story{}, id).Error
}

// CountByUserID returns the number of stories a user owns
func (r *storyRepository) CountByUserID(userID uint) (int64, error) {
	var count int64
	err := r.db.Model(&models.Story{}).Where("user_id = ?", userID).Count(&count).Error
	return count, err
}
