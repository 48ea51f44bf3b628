package billing

import (
	"context"
	"errors"
	"time"
)

// Gateway wraps the remote billing provider. The provider is the system of
// record for subscription truth; everything local is a cache derived from
// what this interface returns.
//
// Reads are idempotent and may be retried; CreateCustomer is not and must
// carry a caller-scoped idempotency key instead of being retried blindly.
type Gateway interface {
	CreateCustomer(ctx context.Context, userID uint, email string) (string, error)
	FetchSubscription(ctx context.Context, subscriptionID string) (*SubscriptionState, error)
	LatestSubscription(ctx context.Context, customerID string) (*SubscriptionState, error)
	CheckoutURL(ctx context.Context, customerID string, priceID string, planType string, userID uint) (string, error)
	PortalURL(ctx context.Context, customerID string) (string, error)
}

const (
	fetchRetryAttempts = 3
	fetchRetryBaseWait = 200 * time.Millisecond
)

// retryFetch runs an idempotent gateway read with bounded exponential
// backoff. Context cancellation aborts between attempts.
func retryFetch(ctx context.Context, fn func() error) error {
	wait := fetchRetryBaseWait
	var err error
	for attempt := 0; attempt < fetchRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
		}
		if err = fn(); err == nil {
			return nil
		}
		// Definitive answers are not transient; retrying cannot change them.
		if errors.Is(err, ErrNoSubscription) || errors.Is(err, ErrNotConfigured) {
			return err
		}
	}
	return err
}
