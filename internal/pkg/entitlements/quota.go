package entitlements

import (
	"errors"
	"time"

	"github.com/fablefox/FableFox/app/models"
)

// CodeLimitReached is the machine-readable denial code callers return to
// clients. It distinguishes quota exhaustion from every other failure.
const CodeLimitReached = "LIMIT_REACHED"

// ErrUnknownResource is returned for resource kinds outside the table.
var ErrUnknownResource = errors.New("entitlements: unknown resource kind")

// CounterStore is the storage contract the evaluator consumes. The
// implementation must make ConsumeIfUnder a single atomic guard-and-
// increment; the evaluator never does read-then-write on counters.
type CounterStore interface {
	GetEntitlement(userID uint) (*models.Entitlement, error)
	RolloverEpoch(userID uint, now time.Time) error
	ConsumeIfUnder(userID uint, kind ResourceKind, limit int) (bool, error)
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed bool
	Code    string // CodeLimitReached when denied over quota
	Limit   int    // resolved cap, Unlimited for admin
}

// Evaluator gates resource-creating operations against the entitlement
// record's counters.
type Evaluator struct {
	store CounterStore
}

// NewEvaluator creates a quota evaluator on top of a counter store.
func NewEvaluator(store CounterStore) *Evaluator {
	return &Evaluator{store: store}
}

// CheckAndConsume resolves the caller's cap and consumes one unit of the
// resource if and only if the counter is under it. A denied check never
// increments anything. The epoch rollover is evaluated lazily here rather
// than by a background sweep.
func (ev *Evaluator) CheckAndConsume(userID uint, role string, kind ResourceKind, now time.Time) (Decision, error) {
	if role == models.ROLE_ADMIN {
		return Decision{Allowed: true, Limit: Unlimited}, nil
	}

	if err := ev.store.RolloverEpoch(userID, now); err != nil {
		return Decision{}, err
	}

	e, err := ev.store.GetEntitlement(userID)
	if err != nil {
		return Decision{}, err
	}

	limit := LimitFor(role, e.Status, kind)
	ok, err := ev.store.ConsumeIfUnder(userID, kind, limit)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return Decision{Allowed: false, Code: CodeLimitReached, Limit: limit}, nil
	}
	return Decision{Allowed: true, Limit: limit}, nil
}
