package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/fablefox/FableFox/app/models"
)

// ensureCustomerGroup serializes customer creation per user across the
// whole process. The DB-side set-if-empty write covers multi-process races.
var ensureCustomerGroup singleflight.Group

// Service owns entitlement reconciliation: it is the only code path that
// writes subscription state, and it always writes what a canonical remote
// fetch reported, never what a client or an event payload claimed.
type Service struct {
	repo  Repository
	gw    Gateway
	plans PlanMap
}

// NewService creates a billing service from injected collaborators.
func NewService(repo Repository, gw Gateway, plans PlanMap) *Service {
	return &Service{repo: repo, gw: gw, plans: plans}
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, gw Gateway, plans PlanMap) *Service {
	return NewService(NewRepository(db), gw, plans)
}

// Entitlement returns the user's entitlement record, creating the free
// default if missing.
func (s *Service) Entitlement(ctx context.Context, userID uint) (*models.Entitlement, error) {
	_ = ctx
	return s.repo.GetEntitlementByUserID(userID)
}

// EnsureCustomer returns the user's remote customer id, creating the remote
// customer lazily exactly once. Concurrent callers for the same user share
// a single flight; on a lost DB race the already-stored id wins and the
// freshly created remote customer is simply referenced by nobody (the
// idempotency key keeps even that from duplicating under SDK retries).
// On remote failure nothing is written locally.
func (s *Service) EnsureCustomer(ctx context.Context, userID uint) (string, error) {
	if userID == 0 {
		return "", errors.New("user_id is required")
	}
	if s.gw == nil {
		return "", ErrNotConfigured
	}

	v, err, _ := ensureCustomerGroup.Do(fmt.Sprintf("user:%d", userID), func() (interface{}, error) {
		e, err := s.repo.GetEntitlementByUserID(userID)
		if err != nil {
			return "", err
		}
		if e.StripeCustomerID != "" {
			return e.StripeCustomerID, nil
		}

		user, err := s.repo.GetUserByID(userID)
		if err != nil {
			return "", err
		}

		customerID, err := s.gw.CreateCustomer(ctx, userID, user.Email)
		if err != nil {
			return "", err
		}

		set, err := s.repo.SetCustomerIDIfEmpty(userID, customerID)
		if err != nil {
			return "", err
		}
		if !set {
			// Another writer linked an id first; re-read and keep theirs.
			e, err := s.repo.GetEntitlementByUserID(userID)
			if err != nil {
				return "", err
			}
			if e.StripeCustomerID == "" {
				return "", errors.New("billing: customer id vanished during linking")
			}
			return e.StripeCustomerID, nil
		}
		return customerID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// applyState maps a canonical SubscriptionState to local terms and runs it
// through the conditional upsert. This is the shared primitive of the event
// processor, the reconciliation sync and the admin override.
func (s *Service) applyState(userID uint, state *SubscriptionState) error {
	status := MapRemoteStatus(state.Status)
	planType := s.plans.Resolve(state.PriceID)
	if !statusKeepsPlan(status) {
		planType = ""
	}

	up := EntitlementUpdate{
		CustomerID:     state.CustomerID,
		SubscriptionID: state.SubscriptionID,
		Status:         status,
		PlanType:       planType,
		PeriodEnd:      state.PeriodEnd,
		ObservedAt:     state.ObservedAt,
	}
	if _, err := s.repo.ApplyRemoteState(userID, up); err != nil {
		return fmt.Errorf("apply remote state: %w", err)
	}
	return nil
}

// SyncFromRemote is the pull-based drift correction: it fetches the most
// recent subscription for the user's remote customer and applies it through
// the same upsert path the webhook handlers use. Without a linked customer
// it answers locally and performs zero gateway calls. Calling it twice with
// an unchanged remote leaves the record untouched the second time.
func (s *Service) SyncFromRemote(ctx context.Context, userID uint) (*SyncResult, error) {
	e, err := s.repo.GetEntitlementByUserID(userID)
	if err != nil {
		return nil, err
	}
	if e.StripeCustomerID == "" {
		return &SyncResult{Status: models.EntitlementStatusFree, Found: false}, nil
	}
	if s.gw == nil {
		return nil, ErrNotConfigured
	}

	var state *SubscriptionState
	err = retryFetch(ctx, func() error {
		var ferr error
		state, ferr = s.gw.LatestSubscription(ctx, e.StripeCustomerID)
		return ferr
	})
	if err != nil {
		if errors.Is(err, ErrNoSubscription) {
			return &SyncResult{Status: e.Status, Plan: e.PlanType, Found: false}, nil
		}
		return nil, err
	}

	if err := s.applyState(userID, state); err != nil {
		return nil, err
	}

	e, err = s.repo.GetEntitlementByUserID(userID)
	if err != nil {
		return nil, err
	}
	return &SyncResult{Status: e.Status, Plan: e.PlanType, Found: true}, nil
}

// CheckoutURL links the remote customer if needed and creates a hosted
// checkout session for the requested plan.
func (s *Service) CheckoutURL(ctx context.Context, userID uint, planType string) (string, error) {
	plan := normalizePlanType(planType)
	if plan == "" {
		return "", fmt.Errorf("invalid plan type %q", planType)
	}
	priceID := s.plans.PriceFor(plan)
	if priceID == "" {
		return "", fmt.Errorf("%w: no price for plan %q", ErrNotConfigured, plan)
	}

	customerID, err := s.EnsureCustomer(ctx, userID)
	if err != nil {
		return "", err
	}
	return s.gw.CheckoutURL(ctx, customerID, priceID, plan, userID)
}

// PortalURL creates a billing-portal session. ErrNoCustomer when the user
// never went through checkout (mapped to 404 by the controller).
func (s *Service) PortalURL(ctx context.Context, userID uint) (string, error) {
	e, err := s.repo.GetEntitlementByUserID(userID)
	if err != nil {
		return "", err
	}
	if e.StripeCustomerID == "" {
		return "", ErrNoCustomer
	}
	if s.gw == nil {
		return "", ErrNotConfigured
	}
	return s.gw.PortalURL(ctx, e.StripeCustomerID)
}

// RecordWebhookEvent persists webhook payloads idempotently. The bool
// reports whether this delivery was the first one.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.BillingWebhookEvent, error) {
	_ = ctx
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.BillingWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}
	return s.repo.CreateWebhookEventIfNotExists(event)
}

// MarkWebhookProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	_ = ctx
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(webhookEventID, errMsg)
}

// AdminOverridePlan is the administrative escape hatch. It still routes
// through the shared upsert primitive, so the plan/status invariant holds:
// a free or canceled override always clears the plan type.
func (s *Service) AdminOverridePlan(ctx context.Context, userID uint, status string, planType string, periodEnd *time.Time) error {
	_ = ctx
	switch status {
	case models.EntitlementStatusFree, models.EntitlementStatusActive, models.EntitlementStatusTrialing,
		models.EntitlementStatusPastDue, models.EntitlementStatusCanceled:
	default:
		return fmt.Errorf("invalid status %q", status)
	}

	plan := normalizePlanType(planType)
	if statusKeepsPlan(status) && plan == "" {
		return fmt.Errorf("status %q requires a plan type", status)
	}
	if !statusKeepsPlan(status) {
		plan = ""
		periodEnd = nil
	}

	e, err := s.repo.GetEntitlementByUserID(userID)
	if err != nil {
		return err
	}

	up := EntitlementUpdate{
		SubscriptionID: e.StripeSubscriptionID,
		Status:         status,
		PlanType:       plan,
		PeriodEnd:      periodEnd,
		ObservedAt:     time.Now(),
	}
	if _, err := s.repo.ApplyRemoteState(userID, up); err != nil {
		return err
	}
	return nil
}

// ResetCustomerLink severs the remote billing identity (admin only).
func (s *Service) ResetCustomerLink(ctx context.Context, userID uint) error {
	_ = ctx
	return s.repo.ResetCustomerLink(userID)
}
