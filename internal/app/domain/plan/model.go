// Package plan defines the purchasable credit catalog.
package plan

import "time"

// SubscriptionPlan grants a fixed credit allowance each billing cycle. The
// cycle grant expires at the end of the period it was issued for.
type SubscriptionPlan struct {
	ID         string    `json:"id"`
	Code       string    `json:"code"`
	Name       string    `json:"name"`
	Credits    int64     `json:"credits"`
	PeriodDays int       `json:"period_days"`
	PriceCents int64     `json:"price_cents"`
	Currency   string    `json:"currency"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TopUpPlan is a one-off credit pack. ExpiryDays of zero means the purchased
// credits never expire.
type TopUpPlan struct {
	ID         string    `json:"id"`
	Code       string    `json:"code"`
	Name       string    `json:"name"`
	Credits    int64     `json:"credits"`
	PriceCents int64     `json:"price_cents"`
	Currency   string    `json:"currency"`
	ExpiryDays int       `json:"expiry_days"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
