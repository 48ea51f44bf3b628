package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Event types we react to. Everything else is recorded in the ledger and
// acknowledged without side effects.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventInvoicePaid         = "invoice.payment_succeeded"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// IsHandledEvent reports whether an event type drives local state.
func IsHandledEvent(eventType string) bool {
	switch eventType {
	case EventCheckoutCompleted, EventInvoicePaid, EventSubscriptionUpdated, EventSubscriptionDeleted:
		return true
	default:
		return false
	}
}

// Minimal payload shapes. Events are treated as notifications only: we pull
// out just enough to correlate, then fetch the canonical object from the
// API. Field values beyond ids never flow into local state.
type checkoutSessionPayload struct {
	ID                string `json:"id"`
	ClientReferenceID string `json:"client_reference_id"`
	Customer          string `json:"customer"`
	Subscription      string `json:"subscription"`
	Metadata          struct {
		UserID string `json:"user_id"`
	} `json:"metadata"`
}

type invoicePayload struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Parent   struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Subscription string `json:"subscription"`
		} `json:"data"`
	} `json:"lines"`
}

type subscriptionPayload struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
	Items    struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// ProcessEvent applies a verified, deduplicated webhook event to local
// state. ErrMissingCorrelation and ErrNoLocalMatch mean the event cannot be
// attributed to any local user; callers acknowledge those instead of asking
// the provider to redeliver something that will never match.
func (s *Service) ProcessEvent(ctx context.Context, eventType string, payload []byte) error {
	switch eventType {
	case EventCheckoutCompleted:
		return s.handleCheckoutCompleted(ctx, payload)
	case EventInvoicePaid:
		return s.handleInvoicePaid(ctx, payload)
	case EventSubscriptionUpdated:
		return s.handleSubscriptionUpdated(ctx, payload)
	case EventSubscriptionDeleted:
		return s.handleSubscriptionDeleted(ctx, payload)
	default:
		return fmt.Errorf("%w: %s", ErrUnhandledEvent, eventType)
	}
}

// handleCheckoutCompleted correlates the session back to the local user via
// client_reference_id (metadata.user_id as fallback), then reconciles from
// the canonical subscription object.
func (s *Service) handleCheckoutCompleted(ctx context.Context, payload []byte) error {
	var sess checkoutSessionPayload
	if err := json.Unmarshal(payload, &sess); err != nil {
		return fmt.Errorf("decode checkout session: %w", err)
	}

	ref := strings.TrimSpace(sess.ClientReferenceID)
	if ref == "" {
		ref = strings.TrimSpace(sess.Metadata.UserID)
	}
	if ref == "" {
		return fmt.Errorf("%w: checkout session %s carries no user reference", ErrMissingCorrelation, sess.ID)
	}
	userID64, err := strconv.ParseUint(ref, 10, 32)
	if err != nil || userID64 == 0 {
		return fmt.Errorf("%w: checkout session %s has malformed user reference %q", ErrMissingCorrelation, sess.ID, ref)
	}
	userID := uint(userID64)

	if sess.Subscription == "" {
		return fmt.Errorf("%w: checkout session %s completed without subscription", ErrMissingCorrelation, sess.ID)
	}

	state, err := s.fetchSubscriptionState(ctx, sess.Subscription)
	if err != nil {
		return err
	}
	if state.CustomerID == "" {
		state.CustomerID = sess.Customer
	}
	return s.applyState(userID, state)
}

// handleInvoicePaid covers renewals. The invoice only tells us which
// subscription was paid; the resulting status and period end come from the
// canonical fetch.
func (s *Service) handleInvoicePaid(ctx context.Context, payload []byte) error {
	var inv invoicePayload
	if err := json.Unmarshal(payload, &inv); err != nil {
		return fmt.Errorf("decode invoice: %w", err)
	}

	subID := strings.TrimSpace(inv.Parent.SubscriptionDetails.Subscription)
	if subID == "" && len(inv.Lines.Data) > 0 {
		subID = strings.TrimSpace(inv.Lines.Data[0].Subscription)
	}
	if subID == "" {
		// One-off invoices carry no subscription; nothing to reconcile.
		return fmt.Errorf("%w: invoice %s is not tied to a subscription", ErrMissingCorrelation, inv.ID)
	}

	state, err := s.fetchSubscriptionState(ctx, subID)
	if err != nil {
		return err
	}
	return s.applyStateByCustomer(state)
}

// handleSubscriptionUpdated reconciles plan changes, trial transitions and
// payment-state flips from the canonical object.
func (s *Service) handleSubscriptionUpdated(ctx context.Context, payload []byte) error {
	var sub subscriptionPayload
	if err := json.Unmarshal(payload, &sub); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}
	if sub.ID == "" {
		return fmt.Errorf("%w: subscription event without id", ErrMissingCorrelation)
	}

	state, err := s.fetchSubscriptionState(ctx, sub.ID)
	if err != nil {
		return err
	}
	if state.CustomerID == "" {
		state.CustomerID = sub.Customer
	}
	return s.applyStateByCustomer(state)
}

// handleSubscriptionDeleted is the one handler that does not re-fetch: the
// object is gone, and its terminal meaning is fixed. The canceled state is
// written with the current time as observation time so a stale earlier
// update can no longer override it.
func (s *Service) handleSubscriptionDeleted(ctx context.Context, payload []byte) error {
	_ = ctx
	var sub subscriptionPayload
	if err := json.Unmarshal(payload, &sub); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}
	if sub.Customer == "" {
		return fmt.Errorf("%w: subscription delete without customer", ErrMissingCorrelation)
	}

	state := &SubscriptionState{
		CustomerID:     sub.Customer,
		SubscriptionID: sub.ID,
		Status:         "canceled",
		ObservedAt:     time.Now(),
	}
	return s.applyStateByCustomer(state)
}

// fetchSubscriptionState wraps the canonical fetch in the shared retry loop.
func (s *Service) fetchSubscriptionState(ctx context.Context, subscriptionID string) (*SubscriptionState, error) {
	if s.gw == nil {
		return nil, ErrNotConfigured
	}
	var state *SubscriptionState
	err := retryFetch(ctx, func() error {
		var ferr error
		state, ferr = s.gw.FetchSubscription(ctx, subscriptionID)
		return ferr
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// applyStateByCustomer routes a canonical state to the local user owning the
// customer id. Events for customers we never linked are reported as
// ErrNoLocalMatch and dropped without touching any row.
func (s *Service) applyStateByCustomer(state *SubscriptionState) error {
	if state.CustomerID == "" {
		return fmt.Errorf("%w: canonical state without customer id", ErrMissingCorrelation)
	}
	e, err := s.repo.GetEntitlementByCustomerID(state.CustomerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: customer %s", ErrNoLocalMatch, state.CustomerID)
		}
		return err
	}
	return s.applyState(e.UserID, state)
}
