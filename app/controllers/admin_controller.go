package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/fablefox/FableFox/internal/pkg/billing"
)

// AdminController exposes the manual entitlement overrides.
type AdminController struct {
	svc *billing.Service
}

// NewAdminController wires the controller.
func NewAdminController(svc *billing.Service) *AdminController {
	return &AdminController{svc: svc}
}

type overrideRequest struct {
	Status    string     `json:"status"`
	Plan      string     `json:"plan"`
	PeriodEnd *time.Time `json:"period_end"`
}

// HandleOverridePlan force-sets a user's entitlement. It runs through the
// same conditional upsert as remote observations, so the next webhook or
// sync with a fresher observation time can supersede it.
func (ac *AdminController) HandleOverridePlan(c *fiber.Ctx) error {
	userID, err := c.ParamsInt("id")
	if err != nil || userID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Invalid user id"})
	}

	var req overrideRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Malformed JSON body"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ac.svc.AdminOverridePlan(ctx, uint(userID), req.Status, req.Plan, req.PeriodEnd); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "override_failed", "message": err.Error()})
	}
	return c.JSON(fiber.Map{"ok": true})
}

// HandleResetCustomerLink severs a user's remote billing identity and
// returns them to the free tier.
func (ac *AdminController) HandleResetCustomerLink(c *fiber.Ctx) error {
	userID, err := c.ParamsInt("id")
	if err != nil || userID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Invalid user id"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ac.svc.ResetCustomerLink(ctx, uint(userID)); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "reset_failed", "message": "Failed to reset billing link"})
	}
	return c.JSON(fiber.Map{"ok": true})
}
