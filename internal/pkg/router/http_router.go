package router

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/fablefox/FableFox/app/controllers"
	"github.com/fablefox/FableFox/internal/pkg/billing"
	"github.com/fablefox/FableFox/internal/pkg/database"
	"github.com/fablefox/FableFox/internal/pkg/env"
	"github.com/fablefox/FableFox/internal/pkg/middleware"
	"github.com/fablefox/FableFox/internal/pkg/session"
)

type HttpRouter struct {
}

// billingSvc and billingController are shared between the webhook route
// installed here and the API routes; built once so misconfiguration
// surfaces at boot.
var (
	billingSvc        *billing.Service
	billingController *controllers.BillingController
)

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// init session
	session.NewSessionStore()

	// Apply UserContext middleware globally as first middleware
	app.Use(middleware.UserContextMiddleware)

	var gateway billing.Gateway
	gw, plans, err := billing.NewStripeGatewayFromEnv()
	if err != nil {
		log.Printf("Warning: billing gateway not configured: %v", err)
	} else {
		gateway = gw
	}
	billingSvc = billing.NewServiceFromDB(database.GetDB(), gateway, plans)
	billingController = controllers.NewBillingController(billingSvc, env.GetEnv("STRIPE_WEBHOOK_SECRET", ""))

	// Provider callbacks live outside the rate-limited /api group.
	app.Post("/webhook/stripe", billingController.HandleStripeWebhook)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}
