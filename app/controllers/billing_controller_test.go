package controllers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/fablefox/FableFox/app/models"
	"github.com/fablefox/FableFox/internal/pkg/billing"
)

const testWebhookSecret = "whsec_test_secret"

// memBillingRepo is a minimal in-memory billing.Repository for handler tests.
type memBillingRepo struct {
	mu           sync.Mutex
	entitlements map[uint]*models.Entitlement
	events       map[string]*models.BillingWebhookEvent
	nextID       uint
}

func newMemBillingRepo() *memBillingRepo {
	return &memBillingRepo{
		entitlements: make(map[uint]*models.Entitlement),
		events:       make(map[string]*models.BillingWebhookEvent),
	}
}

func (r *memBillingRepo) GetUserByID(userID uint) (*models.User, error) {
	return &models.User{ID: userID, Email: fmt.Sprintf("u%d@example.com", userID)}, nil
}

func (r *memBillingRepo) GetEntitlementByUserID(userID uint) (*models.Entitlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entitlements[userID]; ok {
		cp := *e
		return &cp, nil
	}
	e := &models.Entitlement{
		UserID:       userID,
		Status:       models.EntitlementStatusFree,
		UsageResetAt: time.Now().AddDate(0, 1, 0),
	}
	r.entitlements[userID] = e
	cp := *e
	return &cp, nil
}

func (r *memBillingRepo) GetEntitlementByCustomerID(customerID string) (*models.Entitlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entitlements {
		if customerID != "" && e.StripeCustomerID == customerID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memBillingRepo) SetCustomerIDIfEmpty(userID uint, customerID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entitlements[userID]
	if !ok {
		e = &models.Entitlement{UserID: userID, Status: models.EntitlementStatusFree, UsageResetAt: time.Now().AddDate(0, 1, 0)}
		r.entitlements[userID] = e
	}
	if e.StripeCustomerID != "" {
		return false, nil
	}
	e.StripeCustomerID = customerID
	return true, nil
}

func (r *memBillingRepo) ApplyRemoteState(userID uint, up billing.EntitlementUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entitlements[userID]
	if !ok {
		e = &models.Entitlement{UserID: userID, UsageResetAt: time.Now().AddDate(0, 1, 0)}
		r.entitlements[userID] = e
	}
	if e.RemoteSyncedAt != nil && e.RemoteSyncedAt.After(up.ObservedAt) {
		return false, nil
	}
	if up.CustomerID != "" && e.StripeCustomerID == "" {
		e.StripeCustomerID = up.CustomerID
	}
	e.StripeSubscriptionID = up.SubscriptionID
	e.Status = up.Status
	e.PlanType = up.PlanType
	e.CurrentPeriodEnd = up.PeriodEnd
	observed := up.ObservedAt
	e.RemoteSyncedAt = &observed
	return true, nil
}

func (r *memBillingRepo) ResetCustomerLink(userID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entitlements[userID]; ok {
		e.StripeCustomerID = ""
		e.StripeSubscriptionID = ""
		e.Status = models.EntitlementStatusFree
		e.PlanType = ""
		e.CurrentPeriodEnd = nil
		e.RemoteSyncedAt = nil
	}
	return nil
}

func (r *memBillingRepo) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := event.Provider + "/" + event.ProviderEventID
	if stored, ok := r.events[key]; ok {
		cp := *stored
		return false, &cp, nil
	}
	r.nextID++
	event.ID = r.nextID
	r.events[key] = event
	cp := *event
	return true, &cp, nil
}

func (r *memBillingRepo) MarkWebhookProcessed(id uint, processingError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ID == id {
			now := time.Now()
			e.ProcessedAt = &now
			e.ProcessingError = processingError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (r *memBillingRepo) entitlement(userID uint) models.Entitlement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.entitlements[userID]
}

func (r *memBillingRepo) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newWebhookTestApp(repo billing.Repository) *fiber.App {
	svc := billing.NewService(repo, nil, billing.PlanMap{"price_monthly": models.PlanTypeMonthly})
	bc := NewBillingController(svc, testWebhookSecret)

	app := fiber.New()
	app.Post("/webhook/stripe", bc.HandleStripeWebhook)
	return app
}

// signStripePayload builds a Stripe-Signature header the verifier accepts:
// HMAC-SHA256 of "<timestamp>.<payload>" keyed with the endpoint secret.
func signStripePayload(payload []byte, secret string, ts time.Time) string {
	signed := fmt.Sprintf("%d.%s", ts.Unix(), payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signed))
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func stripeEventBody(t *testing.T, id, eventType string, object map[string]interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"api_version": "2025-03-31.basil",
		"type":        eventType,
		"data":        map[string]interface{}{"object": json.RawMessage(raw)},
	})
	require.NoError(t, err)
	return body
}

func postWebhook(t *testing.T, app *fiber.App, body []byte, signature string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest("POST", "/webhook/stripe", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var parsed map[string]interface{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &parsed))
	return resp.StatusCode, parsed
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	repo := newMemBillingRepo()
	app := newWebhookTestApp(repo)

	body := stripeEventBody(t, "evt_bad_sig", "customer.subscription.deleted", map[string]interface{}{
		"id": "sub_x", "customer": "cus_x", "status": "canceled",
	})

	status, resp := postWebhook(t, app, body, signStripePayload(body, "whsec_wrong", time.Now()))
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid_signature", resp["error"])
	// Unverified payloads never reach the ledger.
	assert.Equal(t, 0, repo.eventCount())
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	repo := newMemBillingRepo()
	app := newWebhookTestApp(repo)

	body := stripeEventBody(t, "evt_no_sig", "customer.subscription.deleted", map[string]interface{}{
		"id": "sub_x", "customer": "cus_x",
	})

	status, _ := postWebhook(t, app, body, "")
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestWebhookSubscriptionDeletedCancelsEntitlement(t *testing.T) {
	repo := newMemBillingRepo()
	_, err := repo.SetCustomerIDIfEmpty(9, "cus_9")
	require.NoError(t, err)
	_, err = repo.ApplyRemoteState(9, billing.EntitlementUpdate{
		SubscriptionID: "sub_9",
		Status:         models.EntitlementStatusActive,
		PlanType:       models.PlanTypeMonthly,
		ObservedAt:     time.Now().Add(-time.Second),
	})
	require.NoError(t, err)

	app := newWebhookTestApp(repo)
	body := stripeEventBody(t, "evt_del_9", "customer.subscription.deleted", map[string]interface{}{
		"id": "sub_9", "customer": "cus_9", "status": "canceled",
	})

	status, resp := postWebhook(t, app, body, signStripePayload(body, testWebhookSecret, time.Now()))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, resp["ok"])

	e := repo.entitlement(9)
	assert.Equal(t, models.EntitlementStatusCanceled, e.Status)
	assert.Equal(t, "", e.PlanType)
}

func TestWebhookDuplicateDeliveryAcknowledgedWithoutReprocessing(t *testing.T) {
	repo := newMemBillingRepo()
	_, err := repo.SetCustomerIDIfEmpty(9, "cus_9")
	require.NoError(t, err)

	app := newWebhookTestApp(repo)
	body := stripeEventBody(t, "evt_dup", "customer.subscription.deleted", map[string]interface{}{
		"id": "sub_9", "customer": "cus_9", "status": "canceled",
	})
	sig := signStripePayload(body, testWebhookSecret, time.Now())

	status, _ := postWebhook(t, app, body, sig)
	assert.Equal(t, fiber.StatusOK, status)

	status, resp := postWebhook(t, app, body, sig)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, resp["duplicate"])
	assert.Equal(t, 1, repo.eventCount())
}

func TestWebhookIgnoresUnhandledEventTypes(t *testing.T) {
	repo := newMemBillingRepo()
	app := newWebhookTestApp(repo)

	body := stripeEventBody(t, "evt_other", "customer.created", map[string]interface{}{"id": "cus_1"})
	status, resp := postWebhook(t, app, body, signStripePayload(body, testWebhookSecret, time.Now()))

	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, resp["ignored"])
	assert.Equal(t, 1, repo.eventCount())
}

func TestWebhookUnattributableEventAcknowledged(t *testing.T) {
	repo := newMemBillingRepo()
	app := newWebhookTestApp(repo)

	// Deletion for a customer we never linked.
	body := stripeEventBody(t, "evt_unknown_cus", "customer.subscription.deleted", map[string]interface{}{
		"id": "sub_z", "customer": "cus_never_seen", "status": "canceled",
	})
	status, resp := postWebhook(t, app, body, signStripePayload(body, testWebhookSecret, time.Now()))

	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, resp["ignored"])
}
