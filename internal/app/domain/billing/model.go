// Package billing defines inbound webhook events from the payment provider.
package billing

import "time"

// EventType is the provider event kind. Unknown kinds are stored and ignored.
type EventType string

const (
	EventInvoicePaid          EventType = "invoice.paid"
	EventCheckoutCompleted    EventType = "checkout.completed"
	EventSubscriptionCanceled EventType = "subscription.canceled"
)

// Outcome records how an event was handled.
type Outcome string

const (
	OutcomeGranted  Outcome = "granted"
	OutcomeRecorded Outcome = "recorded"
	OutcomeIgnored  Outcome = "ignored"
	OutcomeError    Outcome = "error"
)

// Event is a persisted webhook delivery. ProviderID is the provider's event
// identifier and the idempotency key for the whole pipeline: a replayed
// ProviderID returns the stored outcome without re-processing.
type Event struct {
	ID             string    `json:"id"`
	ProviderID     string    `json:"provider_id"`
	Type           EventType `json:"type"`
	UserExternalID string    `json:"user_external_id,omitempty"`
	PlanCode       string    `json:"plan_code,omitempty"`
	PeriodEnd      time.Time `json:"period_end,omitempty"`
	Payload        []byte    `json:"-"`
	Outcome        Outcome   `json:"outcome"`
	Error          string    `json:"error,omitempty"`
	ProcessedAt    time.Time `json:"processed_at,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
