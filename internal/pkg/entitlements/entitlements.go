package entitlements

import (
	"github.com/fablefox/FableFox/app/models"
)

// ResourceKind identifies a metered operation.
type ResourceKind string

const (
	ResourceGeneration  ResourceKind = "generation"
	ResourceLibrarySave ResourceKind = "library-save"
)

// Per-epoch caps by tier. Premium caps apply only while the subscription
// status is active; every other status meters at the free caps even when a
// plan type is still recorded (past_due, trialing).
const (
	FreeGenerationLimit     = 1
	FreeLibrarySaveLimit    = 1
	PremiumGenerationLimit  = 30
	PremiumLibrarySaveLimit = 30
)

// Unlimited marks tiers without a cap (admin role).
const Unlimited = -1

// LimitFor resolves the decision table: role first, then cached status,
// then resource kind.
func LimitFor(role string, status string, kind ResourceKind) int {
	if role == models.ROLE_ADMIN {
		return Unlimited
	}

	premium := status == models.EntitlementStatusActive
	switch kind {
	case ResourceGeneration:
		if premium {
			return PremiumGenerationLimit
		}
		return FreeGenerationLimit
	case ResourceLibrarySave:
		if premium {
			return PremiumLibrarySaveLimit
		}
		return FreeLibrarySaveLimit
	default:
		return 0
	}
}

// UsageFor picks the counter matching a resource kind off the record.
func UsageFor(e *models.Entitlement, kind ResourceKind) int {
	switch kind {
	case ResourceGeneration:
		return e.GenerationCount
	case ResourceLibrarySave:
		return e.LibrarySaveCount
	default:
		return 0
	}
}
