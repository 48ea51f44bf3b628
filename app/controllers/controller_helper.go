package controllers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/fablefox/FableFox/internal/pkg/usercontext"
)

// Session keys shared with the middleware layer
const (
	USER_ID   = usercontext.KeyUserID
	USER_NAME = usercontext.KeyUsername
	USER_ROLE = usercontext.KeyUserRole
)

func isLoggedIn(c *fiber.Ctx) bool {
	return usercontext.IsLoggedIn(c)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
