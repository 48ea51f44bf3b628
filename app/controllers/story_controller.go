package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/fablefox/FableFox/app/models"
	"github.com/fablefox/FableFox/app/repository"
	"github.com/fablefox/FableFox/internal/pkg/entitlements"
	"github.com/fablefox/FableFox/internal/pkg/generation"
	"github.com/fablefox/FableFox/internal/pkg/usercontext"
)

// StoryController gates the metered operations (generate, save to library)
// behind the quota evaluator before doing any expensive work.
type StoryController struct {
	gen   generation.Generator
	quota *entitlements.Evaluator
}

// NewStoryController wires the controller.
func NewStoryController(gen generation.Generator, quota *entitlements.Evaluator) *StoryController {
	return &StoryController{gen: gen, quota: quota}
}

type generateRequest struct {
	Prompt   string `json:"prompt"`
	Audience string `json:"audience"`
}

// HandleGenerate creates a new story. The quota unit is consumed before the
// generation call; a failed generation is still a consumed unit.
func (sc *StoryController) HandleGenerate(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	var req generateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Malformed JSON body"})
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "validation_failed", "message": "Prompt is required"})
	}
	if sc.gen == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "generator_not_configured"})
	}

	decision, err := sc.quota.CheckAndConsume(userCtx.UserID, userCtx.Role, entitlements.ResourceGeneration, time.Now())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Quota check failed"})
	}
	if !decision.Allowed {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":   strings.ToLower(decision.Code),
			"code":    decision.Code,
			"message": "Story generation limit reached for this period",
			"limit":   decision.Limit,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	result, err := sc.gen.GenerateStory(ctx, generation.StoryRequest{
		Prompt:   req.Prompt,
		Audience: req.Audience,
	})
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "generation_failed", "message": "Story generation failed"})
	}

	story := &models.Story{
		UserID:  userCtx.UserID,
		Title:   result.Title,
		Prompt:  strings.TrimSpace(req.Prompt),
		Content: result.Content,
	}
	if err := repository.GetGlobalFactory().GetStoryRepository().Create(story); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to store story"})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"uuid":    story.UUID,
		"title":   story.Title,
		"content": story.Content,
	})
}

// HandleSave puts a story into the user's library. Saving an already-saved
// story is a no-op and consumes nothing.
func (sc *StoryController) HandleSave(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	uuid := c.Params("uuid")

	repo := repository.GetGlobalFactory().GetStoryRepository()
	story, err := repo.GetByUUID(uuid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Story not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load story"})
	}
	if story.UserID != userCtx.UserID {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Story not found"})
	}
	if story.InLibrary {
		return c.JSON(fiber.Map{"ok": true, "already_saved": true})
	}

	decision, err := sc.quota.CheckAndConsume(userCtx.UserID, userCtx.Role, entitlements.ResourceLibrarySave, time.Now())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Quota check failed"})
	}
	if !decision.Allowed {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":   strings.ToLower(decision.Code),
			"code":    decision.Code,
			"message": "Library save limit reached for this period",
			"limit":   decision.Limit,
		})
	}

	saved, err := repo.MarkSaved(story.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to save story"})
	}
	return c.JSON(fiber.Map{"ok": true, "already_saved": !saved})
}

// HandleList returns the caller's stories, newest first.
func (sc *StoryController) HandleList(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	offset := c.QueryInt("offset", 0)
	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}

	repo := repository.GetGlobalFactory().GetStoryRepository()
	var (
		stories []models.Story
		err     error
	)
	if c.QueryBool("library", false) {
		stories, err = repo.GetLibraryByUserID(userCtx.UserID, offset, limit)
	} else {
		stories, err = repo.GetByUserID(userCtx.UserID, offset, limit)
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to list stories"})
	}

	items := make([]fiber.Map, 0, len(stories))
	for _, s := range stories {
		items = append(items, fiber.Map{
			"uuid":       s.UUID,
			"title":      s.Title,
			"in_library": s.InLibrary,
			"created_at": s.CreatedAt.UTC().Format(time.RFC3339),
			"saved_at":   formatTimePtr(s.SavedAt),
		})
	}
	return c.JSON(fiber.Map{"stories": items})
}

// HandleGet returns a single story with its full content.
func (sc *StoryController) HandleGet(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	uuid := c.Params("uuid")

	story, err := repository.GetGlobalFactory().GetStoryRepository().GetByUUID(uuid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Story not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load story"})
	}
	if story.UserID != userCtx.UserID {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Story not found"})
	}

	return c.JSON(fiber.Map{
		"uuid":       story.UUID,
		"title":      story.Title,
		"prompt":     story.Prompt,
		"content":    story.Content,
		"in_library": story.InLibrary,
		"created_at": story.CreatedAt.UTC().Format(time.RFC3339),
		"saved_at":   formatTimePtr(story.SavedAt),
	})
}
