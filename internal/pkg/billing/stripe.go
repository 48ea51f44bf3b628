package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/fablefox/FableFox/app/models"
	"github.com/fablefox/FableFox/internal/pkg/env"
)

// StripeGateway implements Gateway against the Stripe API.
type StripeGateway struct {
	SuccessURL string
	CancelURL  string
	ReturnURL  string
}

// NewStripeGatewayFromEnv configures the global Stripe key and builds the
// gateway plus the price-to-plan mapping. Missing key or price IDs are a
// configuration error surfaced on first use, not a partial setup.
func NewStripeGatewayFromEnv() (*StripeGateway, PlanMap, error) {
	key := strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", ""))
	if key == "" {
		return nil, nil, fmt.Errorf("%w: STRIPE_SECRET_KEY missing", ErrNotConfigured)
	}
	stripe.Key = key

	priceMonthly := strings.TrimSpace(env.GetEnv("STRIPE_PRICE_MONTHLY", ""))
	priceYearly := strings.TrimSpace(env.GetEnv("STRIPE_PRICE_YEARLY", ""))
	if priceMonthly == "" || priceYearly == "" {
		return nil, nil, fmt.Errorf("%w: STRIPE_PRICE_MONTHLY/STRIPE_PRICE_YEARLY missing", ErrNotConfigured)
	}
	plans := PlanMap{
		priceMonthly: models.PlanTypeMonthly,
		priceYearly:  models.PlanTypeYearly,
	}

	base := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", "http://localhost:4000"), "/")
	gw := &StripeGateway{
		SuccessURL: base + "/billing/success",
		CancelURL:  base + "/billing/cancel",
		ReturnURL:  base + "/billing",
	}
	return gw, plans, nil
}

// CreateCustomer creates the remote customer tagged with the local user id.
// The idempotency key is derived from the user id so a network-level retry
// by the SDK can never mint a second customer for the same user.
func (g *StripeGateway) CreateCustomer(ctx context.Context, userID uint, email string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(strings.TrimSpace(email)),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(fmt.Sprintf("customer-create-user-%d", userID))
	params.AddMetadata("user_id", strconv.FormatUint(uint64(userID), 10))

	cust, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe customer create: %w", err)
	}
	return cust.ID, nil
}

// FetchSubscription retrieves the canonical subscription object.
func (g *StripeGateway) FetchSubscription(ctx context.Context, subscriptionID string) (*SubscriptionState, error) {
	id := strings.TrimSpace(subscriptionID)
	if id == "" {
		return nil, ErrNoSubscription
	}

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := subscription.Get(id, params)
	if err != nil {
		if isStripeNotFound(err) {
			return nil, ErrNoSubscription
		}
		return nil, fmt.Errorf("stripe subscription get: %w", err)
	}
	return subscriptionToState(sub), nil
}

// LatestSubscription returns the most recently created subscription of a
// customer, in any status, or ErrNoSubscription when none exists.
func (g *StripeGateway) LatestSubscription(ctx context.Context, customerID string) (*SubscriptionState, error) {
	cid := strings.TrimSpace(customerID)
	if cid == "" {
		return nil, ErrNoCustomer
	}

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(cid),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(10)

	var latest *stripe.Subscription
	iter := subscription.List(params)
	for iter.Next() {
		sub := iter.Subscription()
		if latest == nil || sub.Created > latest.Created {
			latest = sub
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("stripe subscription list: %w", err)
	}
	if latest == nil {
		return nil, ErrNoSubscription
	}
	return subscriptionToState(latest), nil
}

// CheckoutURL creates a subscription-mode hosted checkout session. The local
// user id rides along as client_reference_id so the completion event can be
// correlated back; the plan type is mirrored into metadata.
func (g *StripeGateway) CheckoutURL(ctx context.Context, customerID string, priceID string, planType string, userID uint) (string, error) {
	if strings.TrimSpace(priceID) == "" {
		return "", fmt.Errorf("%w: no price configured for plan %q", ErrNotConfigured, planType)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(customerID),
		SuccessURL:        stripe.String(g.SuccessURL),
		CancelURL:         stripe.String(g.CancelURL),
		ClientReferenceID: stripe.String(strconv.FormatUint(uint64(userID), 10)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx
	params.AddMetadata("user_id", strconv.FormatUint(uint64(userID), 10))
	params.AddMetadata("plan", planType)

	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe checkout session: %w", err)
	}
	return sess.URL, nil
}

// PortalURL creates a self-service billing portal session.
func (g *StripeGateway) PortalURL(ctx context.Context, customerID string) (string, error) {
	if strings.TrimSpace(customerID) == "" {
		return "", ErrNoCustomer
	}

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(g.ReturnURL),
	}
	params.Context = ctx

	sess, err := portalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe portal session: %w", err)
	}
	return sess.URL, nil
}

func subscriptionToState(sub *stripe.Subscription) *SubscriptionState {
	state := &SubscriptionState{
		SubscriptionID: sub.ID,
		Status:         string(sub.Status),
		ObservedAt:     time.Now(),
	}
	if sub.Customer != nil {
		state.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			state.PriceID = item.Price.ID
		}
		// current_period_end lives on the subscription item since the
		// 2025-03-31 API version stripe-go/v82 targets.
		if item.CurrentPeriodEnd > 0 {
			t := time.Unix(item.CurrentPeriodEnd, 0).UTC()
			state.PeriodEnd = &t
		}
	}
	return state
}

func isStripeNotFound(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.HTTPStatusCode == 404
	}
	return false
}
