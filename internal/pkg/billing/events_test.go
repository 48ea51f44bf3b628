package billing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablefox/FableFox/app/models"
)

func TestIsHandledEvent(t *testing.T) {
	t.Parallel()

	assert.True(t, IsHandledEvent(EventCheckoutCompleted))
	assert.True(t, IsHandledEvent(EventInvoicePaid))
	assert.True(t, IsHandledEvent(EventSubscriptionUpdated))
	assert.True(t, IsHandledEvent(EventSubscriptionDeleted))
	assert.False(t, IsHandledEvent("customer.created"))
	assert.False(t, IsHandledEvent(""))
}

func TestProcessEventUnhandledType(t *testing.T) {
	svc := NewService(newFakeRepository(), newFakeGateway(), testPlans())

	err := svc.ProcessEvent(context.Background(), "customer.created", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnhandledEvent)
}

func TestCheckoutCompletedAppliesCanonicalState(t *testing.T) {
	repo := newFakeRepository()
	gw := newFakeGateway()
	gw.subscriptions["sub_100"] = &SubscriptionState{
		CustomerID:     "cus_100",
		SubscriptionID: "sub_100",
		Status:         "active",
		PriceID:        "price_yearly",
		ObservedAt:     time.Now(),
	}
	svc := NewService(repo, gw, testPlans())

	payload := []byte(`{"id":"cs_1","client_reference_id":"100","customer":"cus_100","subscription":"sub_100"}`)
	require.NoError(t, svc.ProcessEvent(context.Background(), EventCheckoutCompleted, payload))

	e := repo.entitlement(100)
	assert.Equal(t, models.EntitlementStatusActive, e.Status)
	assert.Equal(t, models.PlanTypeYearly, e.PlanType)
	assert.Equal(t, "cus_100", e.StripeCustomerID)
	assert.Equal(t, "sub_100", e.StripeSubscriptionID)
}

func TestCheckoutCompletedFallsBackToMetadata(t *testing.T) {
	repo := newFakeRepository()
	gw := newFakeGateway()
	gw.subscriptions["sub_101"] = &SubscriptionState{
		CustomerID:     "cus_101",
		SubscriptionID: "sub_101",
		Status:         "trialing",
		PriceID:        "price_monthly",
		ObservedAt:     time.Now(),
	}
	svc := NewService(repo, gw, testPlans())

	payload := []byte(`{"id":"cs_2","customer":"cus_101","subscription":"sub_101","metadata":{"user_id":"101"}}`)
	require.NoError(t, svc.ProcessEvent(context.Background(), EventCheckoutCompleted, payload))

	e := repo.entitlement(101)
	assert.Equal(t, models.EntitlementStatusTrialing, e.Status)
	assert.Equal(t, models.PlanTypeMonthly, e.PlanType)
}

func TestCheckoutCompletedMissingCorrelation(t *testing.T) {
	svc := NewService(newFakeRepository(), newFakeGateway(), testPlans())

	tests := []struct {
		name    string
		payload string
	}{
		{name: "no reference at all", payload: `{"id":"cs_3","subscription":"sub_1"}`},
		{name: "malformed reference", payload: `{"id":"cs_4","client_reference_id":"abc","subscription":"sub_1"}`},
		{name: "zero reference", payload: `{"id":"cs_5","client_reference_id":"0","subscription":"sub_1"}`},
		{name: "no subscription", payload: `{"id":"cs_6","client_reference_id":"5"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.ProcessEvent(context.Background(), EventCheckoutCompleted, []byte(tt.payload))
			assert.ErrorIs(t, err, ErrMissingCorrelation)
		})
	}
}

func TestInvoicePaidReconcilesByCustomer(t *testing.T) {
	repo := newFakeRepository()
	_, err := repo.SetCustomerIDIfEmpty(110, "cus_110")
	require.NoError(t, err)

	end := time.Now().Add(30 * 24 * time.Hour).UTC()
	gw := newFakeGateway()
	gw.subscriptions["sub_110"] = &SubscriptionState{
		CustomerID:     "cus_110",
		SubscriptionID: "sub_110",
		Status:         "active",
		PriceID:        "price_monthly",
		PeriodEnd:      &end,
		ObservedAt:     time.Now(),
	}
	svc := NewService(repo, gw, testPlans())

	payload := []byte(`{"id":"in_1","customer":"cus_110","parent":{"subscription_details":{"subscription":"sub_110"}}}`)
	require.NoError(t, svc.ProcessEvent(context.Background(), EventInvoicePaid, payload))

	e := repo.entitlement(110)
	assert.Equal(t, models.EntitlementStatusActive, e.Status)
	require.NotNil(t, e.CurrentPeriodEnd)
	assert.WithinDuration(t, end, *e.CurrentPeriodEnd, time.Second)
}

func TestInvoicePaidNoLocalMatchIsReported(t *testing.T) {
	gw := newFakeGateway()
	gw.subscriptions["sub_999"] = &SubscriptionState{
		CustomerID:     "cus_unknown",
		SubscriptionID: "sub_999",
		Status:         "active",
		PriceID:        "price_monthly",
		ObservedAt:     time.Now(),
	}
	svc := NewService(newFakeRepository(), gw, testPlans())

	payload := []byte(`{"id":"in_2","customer":"cus_unknown","parent":{"subscription_details":{"subscription":"sub_999"}}}`)
	err := svc.ProcessEvent(context.Background(), EventInvoicePaid, payload)
	assert.ErrorIs(t, err, ErrNoLocalMatch)
}

func TestSubscriptionUpdatedUsesCanonicalFetch(t *testing.T) {
	repo := newFakeRepository()
	_, err := repo.SetCustomerIDIfEmpty(120, "cus_120")
	require.NoError(t, err)

	gw := newFakeGateway()
	// The event payload claims active, the canonical object says past_due.
	gw.subscriptions["sub_120"] = &SubscriptionState{
		CustomerID:     "cus_120",
		SubscriptionID: "sub_120",
		Status:         "past_due",
		PriceID:        "price_yearly",
		ObservedAt:     time.Now(),
	}
	svc := NewService(repo, gw, testPlans())

	payload := []byte(`{"id":"sub_120","customer":"cus_120","status":"active"}`)
	require.NoError(t, svc.ProcessEvent(context.Background(), EventSubscriptionUpdated, payload))

	e := repo.entitlement(120)
	assert.Equal(t, models.EntitlementStatusPastDue, e.Status)
	// past_due keeps the plan recorded even though it meters at free caps.
	assert.Equal(t, models.PlanTypeYearly, e.PlanType)
}

func TestSubscriptionDeletedClearsPlanWithoutFetch(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, newFakeGateway(), testPlans())

	require.NoError(t, svc.applyState(130, &SubscriptionState{
		CustomerID:     "cus_130",
		SubscriptionID: "sub_130",
		Status:         "active",
		PriceID:        "price_monthly",
		ObservedAt:     time.Now().Add(-time.Second),
	}))

	gw := newFakeGateway() // fetch would fail; deletion must not need it
	svc = NewService(repo, gw, testPlans())

	payload := []byte(`{"id":"sub_130","customer":"cus_130","status":"canceled"}`)
	require.NoError(t, svc.ProcessEvent(context.Background(), EventSubscriptionDeleted, payload))

	e := repo.entitlement(130)
	assert.Equal(t, models.EntitlementStatusCanceled, e.Status)
	assert.Equal(t, "", e.PlanType)
	assert.Equal(t, 0, gw.fetchCalls)
}

func TestProcessEventIdempotentReplay(t *testing.T) {
	repo := newFakeRepository()
	gw := newFakeGateway()
	gw.subscriptions["sub_140"] = &SubscriptionState{
		CustomerID:     "cus_140",
		SubscriptionID: "sub_140",
		Status:         "active",
		PriceID:        "price_monthly",
		ObservedAt:     time.Now(),
	}
	svc := NewService(repo, gw, testPlans())

	payload := []byte(`{"id":"cs_7","client_reference_id":"140","customer":"cus_140","subscription":"sub_140"}`)
	require.NoError(t, svc.ProcessEvent(context.Background(), EventCheckoutCompleted, payload))
	first := repo.entitlement(140)

	// Replaying the same event converges to the same state.
	require.NoError(t, svc.ProcessEvent(context.Background(), EventCheckoutCompleted, payload))
	second := repo.entitlement(140)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.PlanType, second.PlanType)
	assert.Equal(t, first.StripeCustomerID, second.StripeCustomerID)
}

func TestCanonicalFetchRetriesTransientErrors(t *testing.T) {
	repo := newFakeRepository()
	_, err := repo.SetCustomerIDIfEmpty(150, "cus_150")
	require.NoError(t, err)

	gw := newFakeGateway()
	gw.fetchErr = fmt.Errorf("transient: %w", errors.New("connection reset"))
	gw.fetchErrLeft = 1
	gw.subscriptions["sub_150"] = &SubscriptionState{
		CustomerID:     "cus_150",
		SubscriptionID: "sub_150",
		Status:         "active",
		PriceID:        "price_monthly",
		ObservedAt:     time.Now(),
	}
	svc := NewService(repo, gw, testPlans())

	payload := []byte(`{"id":"sub_150","customer":"cus_150"}`)
	require.NoError(t, svc.ProcessEvent(context.Background(), EventSubscriptionUpdated, payload))
	assert.Equal(t, 2, gw.fetchCalls)
	assert.Equal(t, models.EntitlementStatusActive, repo.entitlement(150).Status)
}

func TestCanonicalFetchGivesUpAfterRetries(t *testing.T) {
	repo := newFakeRepository()
	_, err := repo.SetCustomerIDIfEmpty(151, "cus_151")
	require.NoError(t, err)
	before := repo.entitlement(151)

	gw := newFakeGateway()
	gw.fetchErr = errors.New("still down")
	gw.fetchErrLeft = -1 // never recover
	svc := NewService(repo, gw, testPlans())

	payload := []byte(`{"id":"sub_151","customer":"cus_151"}`)
	err = svc.ProcessEvent(context.Background(), EventSubscriptionUpdated, payload)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMissingCorrelation)
	assert.NotErrorIs(t, err, ErrNoLocalMatch)
	assert.Equal(t, fetchRetryAttempts, gw.fetchCalls)
	// Local state untouched on a dropped event.
	assert.Equal(t, before.Status, repo.entitlement(151).Status)
}
