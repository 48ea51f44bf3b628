package billing

import "time"

// SubscriptionState is the canonical view of a remote subscription as
// fetched from the billing provider. Handlers never trust event-embedded
// subscription fields; they re-fetch and carry the result in this shape.
//
// ObservedAt is the time the canonical fetch happened. It travels with the
// state into the store, where it fences out writes based on older fetches.
type SubscriptionState struct {
	CustomerID     string
	SubscriptionID string
	Status         string // provider status string, e.g. "active", "past_due"
	PriceID        string
	PeriodEnd      *time.Time
	ObservedAt     time.Time
}

// EntitlementUpdate is the normalized input of the single upsert primitive
// every reconciliation path funnels through. Status and PlanType are local
// values (already mapped from provider terms).
type EntitlementUpdate struct {
	CustomerID     string // applied only when the stored id is still empty
	SubscriptionID string
	Status         string
	PlanType       string
	PeriodEnd      *time.Time
	ObservedAt     time.Time
}

// SyncResult is what the pull-based reconciliation reports back to callers.
type SyncResult struct {
	Status string `json:"status"`
	Plan   string `json:"plan,omitempty"`
	Found  bool   `json:"found"`
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
	SignatureValid  bool
}
