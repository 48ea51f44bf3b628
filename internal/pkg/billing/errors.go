package billing

import "errors"

var (
	// ErrNotConfigured signals missing billing configuration (price IDs,
	// webhook secret, API key). Surfaces as a 500 with no state mutation.
	ErrNotConfigured = errors.New("billing: not configured")

	// ErrNoCustomer means the user has no linked remote billing identity.
	ErrNoCustomer = errors.New("billing: no remote customer")

	// ErrNoSubscription means the remote customer has no subscription at all.
	ErrNoSubscription = errors.New("billing: no subscription")

	// ErrMissingCorrelation marks an event that cannot be tied back to a
	// local user (e.g. checkout session without a client reference id).
	// Such events are acknowledged and dropped, never retried here.
	ErrMissingCorrelation = errors.New("billing: event missing user correlation")

	// ErrNoLocalMatch marks an event whose remote customer id matches no
	// local entitlement row. Treated as a no-op by webhook handlers.
	ErrNoLocalMatch = errors.New("billing: no local record for remote customer")

	// ErrUnhandledEvent marks event types this processor does not handle.
	ErrUnhandledEvent = errors.New("billing: unhandled event type")
)
