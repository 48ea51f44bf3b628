package controllers

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/fablefox/FableFox/app/models"
	"github.com/fablefox/FableFox/internal/pkg/billing"
	"github.com/fablefox/FableFox/internal/pkg/entitlements"
	"github.com/fablefox/FableFox/internal/pkg/usercontext"
)

// BillingController carries the billing service and webhook secret. It is
// constructed once at router setup so configuration problems surface at
// boot instead of on the first webhook delivery.
type BillingController struct {
	svc           *billing.Service
	webhookSecret string
}

// NewBillingController wires the controller.
func NewBillingController(svc *billing.Service, webhookSecret string) *BillingController {
	return &BillingController{svc: svc, webhookSecret: webhookSecret}
}

type checkoutRequest struct {
	Plan string `json:"plan"`
}

// HandleStripeWebhook ingests provider events. Order matters: verify the
// signature against the raw body, persist to the dedup ledger, then apply.
// Only a ledger persistence failure earns a non-2xx for a verified event,
// so the provider retries exactly the deliveries we failed to record.
func (bc *BillingController) HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	sigHeader := strings.TrimSpace(c.Get("Stripe-Signature"))

	event, err := webhook.ConstructEventWithOptions(rawBody, sigHeader, bc.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer cancel()

	created, stored, err := bc.svc.RecordWebhookEvent(ctx, billing.WebhookEventInput{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		PayloadJSON:     string(rawBody),
		SignatureValid:  true,
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	if !created {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}

	if !billing.IsHandledEvent(string(event.Type)) {
		_ = bc.svc.MarkWebhookProcessed(ctx, stored.ID, nil)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
	}

	procErr := bc.svc.ProcessEvent(ctx, string(event.Type), payloadOf(event))
	_ = bc.svc.MarkWebhookProcessed(ctx, stored.ID, procErr)
	if procErr != nil {
		if errors.Is(procErr, billing.ErrMissingCorrelation) || errors.Is(procErr, billing.ErrNoLocalMatch) {
			// Unattributable; redelivery would never change the outcome.
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
		}
		// Canonical fetch kept failing; the periodic sync will catch up.
		log.Printf("billing: dropped webhook event %s (%s): %v", event.ID, event.Type, procErr)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "dropped": true})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}

// HandleCheckout creates a hosted checkout session for the requested plan.
func (bc *BillingController) HandleCheckout(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	var req checkoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Malformed JSON body"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	url, err := bc.svc.CheckoutURL(ctx, userCtx.UserID, req.Plan)
	if err != nil {
		if errors.Is(err, billing.ErrNotConfigured) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "billing_not_configured"})
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "checkout_failed", "message": err.Error()})
	}
	return c.JSON(fiber.Map{"url": url})
}

// HandlePortal creates a billing portal session; 404 when the user never
// checked out.
func (bc *BillingController) HandlePortal(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	url, err := bc.svc.PortalURL(ctx, userCtx.UserID)
	if err != nil {
		if errors.Is(err, billing.ErrNoCustomer) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no_billing_account", "message": "No billing account linked yet"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "portal_failed"})
	}
	return c.JSON(fiber.Map{"url": url})
}

// HandleSync pulls the latest remote subscription state for the caller.
func (bc *BillingController) HandleSync(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer cancel()

	res, err := bc.svc.SyncFromRemote(ctx, userCtx.UserID)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "sync_failed", "message": "Could not reach billing provider"})
	}
	return c.JSON(fiber.Map{
		"status": res.Status,
		"plan":   res.Plan,
		"found":  res.Found,
	})
}

// HandleQuotaStatus reports the caller's entitlement and remaining quota.
func (bc *BillingController) HandleQuotaStatus(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e, err := bc.svc.Entitlement(ctx, userCtx.UserID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load entitlement"})
	}

	return c.JSON(fiber.Map{
		"status":     e.Status,
		"plan":       e.PlanType,
		"is_premium": e.IsPremium(),
		"period_end": formatTimePtr(e.CurrentPeriodEnd),
		"usage": fiber.Map{
			"generations": fiber.Map{
				"used":  e.GenerationCount,
				"limit": entitlements.LimitFor(userCtx.Role, e.Status, entitlements.ResourceGeneration),
			},
			"library_saves": fiber.Map{
				"used":  e.LibrarySaveCount,
				"limit": entitlements.LimitFor(userCtx.Role, e.Status, entitlements.ResourceLibrarySave),
			},
			"resets_at": e.UsageResetAt.UTC().Format(time.RFC3339),
		},
	})
}

func payloadOf(event stripe.Event) []byte {
	if event.Data != nil {
		return event.Data.Raw
	}
	return nil
}
