package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/fablefox/FableFox/app/models"
)

// fakeRepository mirrors the conditional-write semantics of the SQL
// implementation in memory so service behavior can be tested without a DB.
type fakeRepository struct {
	mu           sync.Mutex
	users        map[uint]*models.User
	entitlements map[uint]*models.Entitlement
	events       map[string]*models.BillingWebhookEvent
	nextEventID  uint
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		users:        make(map[uint]*models.User),
		entitlements: make(map[uint]*models.Entitlement),
		events:       make(map[string]*models.BillingWebhookEvent),
	}
}

func (r *fakeRepository) addUser(id uint, email string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[id] = &models.User{ID: id, Name: fmt.Sprintf("user-%d", id), Email: email}
}

func (r *fakeRepository) GetUserByID(userID uint) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *fakeRepository) GetEntitlementByUserID(userID uint) (*models.Entitlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(userID), nil
}

func (r *fakeRepository) getOrCreateLocked(userID uint) *models.Entitlement {
	if e, ok := r.entitlements[userID]; ok {
		cp := *e
		return &cp
	}
	e := &models.Entitlement{
		UserID:       userID,
		Status:       models.EntitlementStatusFree,
		UsageResetAt: time.Now().AddDate(0, 1, 0),
	}
	r.entitlements[userID] = e
	cp := *e
	return &cp
}

func (r *fakeRepository) GetEntitlementByCustomerID(customerID string) (*models.Entitlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entitlements {
		if e.StripeCustomerID == customerID && customerID != "" {
			cp := *e
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepository) SetCustomerIDIfEmpty(userID uint, customerID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getOrCreateLocked(userID)
	e := r.entitlements[userID]
	if e.StripeCustomerID != "" {
		return false, nil
	}
	e.StripeCustomerID = customerID
	return true, nil
}

func (r *fakeRepository) ApplyRemoteState(userID uint, up EntitlementUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getOrCreateLocked(userID)
	e := r.entitlements[userID]
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

func (r *fakeRepository) ResetCustomerLink(userID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getOrCreateLocked(userID)
	e := r.entitlements[userID]
	e.StripeCustomerID = ""
	e.StripeSubscriptionID = ""
	e.Status = models.EntitlementStatusFree
	e.PlanType = ""
	e.CurrentPeriodEnd = nil
	e.RemoteSyncedAt = nil
	return nil
}

func (r *fakeRepository) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := event.Provider + "/" + event.ProviderEventID
	if stored, ok := r.events[key]; ok {
		cp := *stored
		return false, &cp, nil
	}
	r.nextEventID++
	event.ID = r.nextEventID
	r.events[key] = event
	cp := *event
	return true, &cp, nil
}

func (r *fakeRepository) MarkWebhookProcessed(id uint, processingError string) error {
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

func (r *fakeRepository) entitlement(userID uint) models.Entitlement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.entitlements[userID]
}

// fakeGateway is a scriptable Gateway with call counters.
type fakeGateway struct {
	mu sync.Mutex

	createCustomerCalls int
	createCustomerErr   error
	nextCustomerSeq     int

	subscriptions map[string]*SubscriptionState // by subscription id
	latest        map[string]*SubscriptionState // by customer id
	fetchErr      error
	fetchErrLeft  int // inject fetchErr for this many calls, then succeed
	fetchCalls    int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		subscriptions: make(map[string]*SubscriptionState),
		latest:        make(map[string]*SubscriptionState),
	}
}

func (g *fakeGateway) CreateCustomer(ctx context.Context, userID uint, email string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCustomerCalls++
	if g.createCustomerErr != nil {
		return "", g.createCustomerErr
	}
	g.nextCustomerSeq++
	return fmt.Sprintf("cus_fake_%d_%d", userID, g.nextCustomerSeq), nil
}

func (g *fakeGateway) FetchSubscription(ctx context.Context, subscriptionID string) (*SubscriptionState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetchCalls++
	if g.fetchErrLeft != 0 {
		if g.fetchErrLeft > 0 {
			g.fetchErrLeft--
		}
		return nil, g.fetchErr
	}
	state, ok := g.subscriptions[subscriptionID]
	if !ok {
		return nil, ErrNoSubscription
	}
	cp := *state
	return &cp, nil
}

func (g *fakeGateway) LatestSubscription(ctx context.Context, customerID string) (*SubscriptionState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetchCalls++
	if g.fetchErrLeft != 0 {
		if g.fetchErrLeft > 0 {
			g.fetchErrLeft--
		}
		return nil, g.fetchErr
	}
	state, ok := g.latest[customerID]
	if !ok {
		return nil, ErrNoSubscription
	}
	cp := *state
	return &cp, nil
}

func (g *fakeGateway) CheckoutURL(ctx context.Context, customerID string, priceID string, planType string, userID uint) (string, error) {
	return "https://checkout.example/" + customerID + "/" + priceID, nil
}

func (g *fakeGateway) PortalURL(ctx context.Context, customerID string) (string, error) {
	return "https://portal.example/" + customerID, nil
}

func testPlans() PlanMap {
	return PlanMap{
		"price_monthly": models.PlanTypeMonthly,
		"price_yearly":  models.PlanTypeYearly,
	}
}
