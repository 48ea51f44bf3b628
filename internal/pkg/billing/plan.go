package billing

import (
	"strings"

	"github.com/fablefox/FableFox/app/models"
)

// PlanMap maps provider price IDs to local plan types (monthly/yearly).
type PlanMap map[string]string

// Resolve returns the local plan type for a provider price id, or "" when
// the price is not mapped.
func (m PlanMap) Resolve(priceID string) string {
	return normalizePlanType(m[strings.TrimSpace(priceID)])
}

// PriceFor returns the provider price id configured for a plan type.
func (m PlanMap) PriceFor(planType string) string {
	want := normalizePlanType(planType)
	if want == "" {
		return ""
	}
	for priceID, plan := range m {
		if normalizePlanType(plan) == want {
			return priceID
		}
	}
	return ""
}

func normalizePlanType(plan string) string {
	switch strings.ToLower(strings.TrimSpace(plan)) {
	case models.PlanTypeMonthly:
		return models.PlanTypeMonthly
	case models.PlanTypeYearly:
		return models.PlanTypeYearly
	default:
		return ""
	}
}

// MapRemoteStatus maps a provider subscription status to the local enum.
// States without any entitling subscription fold into "free".
func MapRemoteStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return models.EntitlementStatusActive
	case "trialing":
		return models.EntitlementStatusTrialing
	case "past_due":
		return models.EntitlementStatusPastDue
	case "canceled", "unpaid", "incomplete_expired":
		return models.EntitlementStatusCanceled
	default:
		return models.EntitlementStatusFree
	}
}

// statusKeepsPlan reports whether a local status is allowed to carry a
// non-empty plan type. Free and canceled records must have the plan cleared.
func statusKeepsPlan(status string) bool {
	switch status {
	case models.EntitlementStatusActive, models.EntitlementStatusTrialing, models.EntitlementStatusPastDue:
		return true
	default:
		return false
	}
}
