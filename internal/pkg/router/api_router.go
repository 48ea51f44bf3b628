package router

import (
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/fablefox/FableFox/app/controllers"
	"github.com/fablefox/FableFox/internal/pkg/billing"
	"github.com/fablefox/FableFox/internal/pkg/database"
	"github.com/fablefox/FableFox/internal/pkg/entitlements"
	"github.com/fablefox/FableFox/internal/pkg/generation"
	"github.com/fablefox/FableFox/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{Max: 60}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	var gen generation.Generator
	if g, err := generation.NewOpenAIGeneratorFromEnv(); err != nil {
		log.Printf("Warning: story generator not configured: %v", err)
	} else {
		gen = g
	}
	quota := entitlements.NewEvaluator(billing.NewCounterStore(database.GetDB()))
	storyController := controllers.NewStoryController(gen, quota)
	adminController := controllers.NewAdminController(billingSvc)

	v1 := api.Group("/v1")

	v1.Post("/auth/register", controllers.HandleRegister)
	v1.Post("/auth/login", controllers.HandleLogin)
	v1.Post("/auth/logout", controllers.HandleLogout)

	stories := v1.Group("/stories", middleware.RequireAPISessionAuth)
	stories.Post("/", storyController.HandleGenerate)
	stories.Get("/", storyController.HandleList)
	stories.Get("/:uuid", storyController.HandleGet)
	stories.Post("/:uuid/save", storyController.HandleSave)

	billingGroup := v1.Group("/billing", middleware.RequireAPISessionAuth)
	billingGroup.Post("/checkout", billingController.HandleCheckout)
	billingGroup.Post("/portal", billingController.HandlePortal)
	billingGroup.Post("/sync", billingController.HandleSync)
	billingGroup.Get("/quota", billingController.HandleQuotaStatus)

	admin := v1.Group("/admin", middleware.RequireAPIAdmin)
	admin.Put("/users/:id/entitlement", adminController.HandleOverridePlan)
	admin.Delete("/users/:id/billing-link", adminController.HandleResetCustomerLink)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
