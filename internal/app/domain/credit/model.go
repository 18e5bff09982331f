// Package credit defines the grant and ledger types at the heart of the
// billing engine.
package credit

import "time"

// Source classifies where a grant's credits came from. Deduction order is
// subscription first, then promo, then topup. Refunds return credits to the
// grants they were taken from rather than minting new grants.
type Source string

const (
	SourceSubscription Source = "subscription"
	SourcePromo        Source = "promo"
	SourceTopUp        Source = "topup"
)

// deductionRank orders sources for consumption. Lower ranks spend first.
var deductionRank = map[Source]int{
	SourceSubscription: 0,
	SourcePromo:        1,
	SourceTopUp:        2,
}

// Rank returns the deduction priority of the source. Unknown sources rank
// last.
func (s Source) Rank() int {
	if r, ok := deductionRank[s]; ok {
		return r
	}
	return len(deductionRank)
}

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	_, ok := deductionRank[s]
	return ok
}

// Grant is a pool of credits issued to a user. Used never exceeds Amount.
// Version increments on every mutation and guards concurrent updates.
type Grant struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Source    Source    `json:"source"`
	PlanCode  string    `json:"plan_code,omitempty"`
	Amount    int64     `json:"amount"`
	Used      int64     `json:"used"`
	ExpiresAt time.Time `json:"expires_at,omitempty"` // zero value = never expires
	Revoked   bool      `json:"revoked"`
	Version   int64     `json:"version"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Available returns the credits still spendable from the grant, ignoring
// expiry.
func (g Grant) Available() int64 {
	return g.Amount - g.Used
}

// Expired reports whether the grant has passed its expiry at the given time.
// An expiry exactly at now counts as expired.
func (g Grant) Expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && !now.Before(g.ExpiresAt)
}

// Spendable reports whether the grant can fund a deduction at the given time.
func (g Grant) Spendable(now time.Time) bool {
	return !g.Revoked && g.Available() > 0 && !g.Expired(now)
}

// EntryType labels ledger entries.
type EntryType string

const (
	EntryGrant   EntryType = "grant"
	EntryDeduct  EntryType = "deduct"
	EntryHold    EntryType = "hold"
	EntryCapture EntryType = "capture"
	EntryRelease EntryType = "release"
	EntryExpire  EntryType = "expire"
	EntryRevoke  EntryType = "revoke"
)

// LedgerEntry is one append-only record of a balance-affecting event. Amount
// is positive for credits added and negative for credits removed.
type LedgerEntry struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	Type           EntryType         `json:"type"`
	Amount         int64             `json:"amount"`
	BalanceAfter   int64             `json:"balance_after"`
	GrantID        string            `json:"grant_id,omitempty"`
	Reference      string            `json:"reference,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Balance is a point-in-time view of a user's spendable credits.
type Balance struct {
	UserID       string    `json:"user_id"`
	Available    int64     `json:"available"`
	Reserved     int64     `json:"reserved"`
	ExpiringSoon int64     `json:"expiring_soon"`
	AsOf         time.Time `json:"as_of"`
}

// GrantPortion records how much of a deduction was taken from one grant.
type GrantPortion struct {
	GrantID string `json:"grant_id"`
	Amount  int64  `json:"amount"`
}
