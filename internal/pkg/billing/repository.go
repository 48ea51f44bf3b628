package billing

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fablefox/FableFox/app/models"
	"github.com/fablefox/FableFox/internal/pkg/entitlements"
)

// Repository provides DB operations used by the billing service. All writes
// to an entitlement row go through here so the freshness fence and the
// write-once customer id rule hold for every caller.
type Repository interface {
	GetUserByID(userID uint) (*models.User, error)
	GetEntitlementByUserID(userID uint) (*models.Entitlement, error)
	GetEntitlementByCustomerID(customerID string) (*models.Entitlement, error)
	SetCustomerIDIfEmpty(userID uint, customerID string) (bool, error)
	ApplyRemoteState(userID uint, up EntitlementUpdate) (bool, error)
	ResetCustomerLink(userID uint) error
	CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(id uint, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetUserByID(userID uint) (*models.User, error) {
	var user models.User
	if err := r.db.First(&user, userID).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) GetEntitlementByUserID(userID uint) (*models.Entitlement, error) {
	return models.GetOrCreateEntitlement(r.db, userID)
}

func (r *gormRepository) GetEntitlementByCustomerID(customerID string) (*models.Entitlement, error) {
	var e models.Entitlement
	err := r.db.Where("stripe_customer_id = ?", customerID).First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// SetCustomerIDIfEmpty persists the remote customer id only when no id is
// stored yet. Returns false when a concurrent writer already set one; the
// caller must then re-read and use the stored id instead of its own.
func (r *gormRepository) SetCustomerIDIfEmpty(userID uint, customerID string) (bool, error) {
	tx := r.db.Model(&models.Entitlement{}).
		Where("user_id = ? AND stripe_customer_id = ''", userID).
		Update("stripe_customer_id", customerID)
	return tx.RowsAffected > 0, tx.Error
}

// ApplyRemoteState is the conditional upsert primitive. The WHERE clause is
// the ordering guarantee: a write based on an older canonical fetch than the
// one already stored matches zero rows and is discarded, so webhook- and
// sync-driven writes on the same user converge to the freshest observation
// regardless of apply order.
func (r *gormRepository) ApplyRemoteState(userID uint, up EntitlementUpdate) (bool, error) {
	updates := map[string]interface{}{
		"stripe_subscription_id": up.SubscriptionID,
		"status":                 up.Status,
		"plan_type":              up.PlanType,
		"current_period_end":     up.PeriodEnd,
		"remote_synced_at":       up.ObservedAt,
	}
	if up.CustomerID != "" {
		// Write-once: never replace an existing customer id.
		updates["stripe_customer_id"] = gorm.Expr("IF(stripe_customer_id = '', ?, stripe_customer_id)", up.CustomerID)
	}

	tx := r.db.Model(&models.Entitlement{}).
		Where("user_id = ? AND (remote_synced_at IS NULL OR remote_synced_at <= ?)", userID, up.ObservedAt).
		Updates(updates)
	return tx.RowsAffected > 0, tx.Error
}

// ResetCustomerLink is the administrative override that severs the remote
// identity. It clears the billing fields back to the free default in one
// statement so plan/status can never disagree mid-way.
func (r *gormRepository) ResetCustomerLink(userID uint) error {
	return r.db.Model(&models.Entitlement{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"stripe_customer_id":     "",
			"stripe_subscription_id": "",
			"status":                 models.EntitlementStatusFree,
			"plan_type":              "",
			"current_period_end":     nil,
			"remote_synced_at":       nil,
		}).Error
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

// counterColumns maps metered resource kinds to their counter columns.
var counterColumns = map[entitlements.ResourceKind]string{
	entitlements.ResourceGeneration:  "generation_count",
	entitlements.ResourceLibrarySave: "library_save_count",
}

// CounterStore is the quota evaluator's storage contract, implemented here
// so the increment shares the entitlement row and its transaction scope.
type counterStore struct {
	db *gorm.DB
}

// NewCounterStore creates the entitlements.CounterStore used by the quota
// evaluator, backed by the same entitlement rows the billing service owns.
func NewCounterStore(db *gorm.DB) entitlements.CounterStore {
	return &counterStore{db: db}
}

func (s *counterStore) GetEntitlement(userID uint) (*models.Entitlement, error) {
	return models.GetOrCreateEntitlement(s.db, userID)
}

// RolloverEpoch lazily resets the usage counters when the stored epoch
// boundary has passed. The compare-and-swap on usage_reset_at makes the
// reset race-free: concurrent callers race to the same UPDATE and only one
// matches.
func (s *counterStore) RolloverEpoch(userID uint, now time.Time) error {
	e, err := models.GetOrCreateEntitlement(s.db, userID)
	if err != nil {
		return err
	}
	if now.Before(e.UsageResetAt) {
		return nil
	}

	next := e.UsageResetAt
	for !next.After(now) {
		next = next.AddDate(0, 1, 0)
	}

	return s.db.Model(&models.Entitlement{}).
		Where("user_id = ? AND usage_reset_at = ?", userID, e.UsageResetAt).
		Updates(map[string]interface{}{
			"generation_count":   0,
			"library_save_count": 0,
			"usage_reset_at":     next,
		}).Error
}

// ConsumeIfUnder performs the atomic check-and-increment: the guard and the
// increment are one UPDATE, so two concurrent calls at limit-1 can never
// both succeed.
func (s *counterStore) ConsumeIfUnder(userID uint, kind entitlements.ResourceKind, limit int) (bool, error) {
	column, ok := counterColumns[kind]
	if !ok {
		return false, entitlements.ErrUnknownResource
	}

	tx := s.db.Model(&models.Entitlement{}).
		Where("user_id = ? AND "+column+" < ?", userID, limit).
		UpdateColumn(column, gorm.Expr(column+" + 1"))
	return tx.RowsAffected > 0, tx.Error
}
