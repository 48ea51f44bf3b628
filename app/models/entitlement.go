package models

import (
	"time"

	"gorm.io/gorm"
)

// Local subscription statuses cached from the billing provider.
const (
	EntitlementStatusFree     = "free"
	EntitlementStatusActive   = "active"
	EntitlementStatusTrialing = "trialing"
	EntitlementStatusPastDue  = "past_due"
	EntitlementStatusCanceled = "canceled"
)

// Plan intervals a paid subscription can be billed on.
const (
	PlanTypeMonthly = "monthly"
	PlanTypeYearly  = "yearly"
)

// Entitlement is the local cache of a user's subscription state plus the
// usage counters gating metered operations. Exactly one row per user.
//
// StripeCustomerID is set once by the identity linker and never overwritten
// by the reconciliation paths; only an explicit admin reset clears it.
// RemoteSyncedAt records when the canonical remote state backing the last
// write was fetched and fences out stale concurrent writes.
type Entitlement struct {
	ID                   uint       `gorm:"primaryKey" json:"id"`
	UserID               uint       `gorm:"uniqueIndex;not null" json:"user_id"`
	StripeCustomerID     string     `gorm:"type:varchar(191);not null;default:'';index" json:"stripe_customer_id"`
	StripeSubscriptionID string     `gorm:"type:varchar(191);not null;default:'';index" json:"stripe_subscription_id"`
	Status               string     `gorm:"type:varchar(32);not null;default:'free';index" json:"status"`
	PlanType             string     `gorm:"type:varchar(16);not null;default:''" json:"plan_type"`
	CurrentPeriodEnd     *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	RemoteSyncedAt       *time.Time `gorm:"type:timestamp;default:null" json:"-"`
	GenerationCount      int        `gorm:"not null;default:0" json:"generation_count"`
	LibrarySaveCount     int        `gorm:"not null;default:0" json:"library_save_count"`
	UsageResetAt         time.Time  `gorm:"not null" json:"usage_reset_at"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsPremium reports whether the cached status grants paid-tier quotas.
func (e *Entitlement) IsPremium() bool {
	return e.Status == EntitlementStatusActive
}

// GetOrCreateEntitlement returns the user's entitlement row, creating the
// free-tier default on first access (signup path).
func GetOrCreateEntitlement(db *gorm.DB, userID uint) (*Entitlement, error) {
	var e Entitlement
	if err := db.Where("user_id = ?", userID).First(&e).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			e = Entitlement{
				UserID:       userID,
				Status:       EntitlementStatusFree,
				UsageResetAt: time.Now().AddDate(0, 1, 0),
			}
			if err := db.Create(&e).Error; err != nil {
				return nil, err
			}
			return &e, nil
		}
		return nil, err
	}
	return &e, nil
}
