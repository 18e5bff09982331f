// Package job defines render jobs and the credit quotes that fund them.
package job

import (
	"time"

	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/credit"
)

// QuoteStatus is the lifecycle of a price quote.
type QuoteStatus string

const (
	QuotePending  QuoteStatus = "pending"
	QuoteConsumed QuoteStatus = "consumed"
	QuoteExpired  QuoteStatus = "expired"
)

// Quote prices a prospective job. Once a job is started from the quote the
// held amount and its per-grant breakdown are recorded here so settlement can
// return credits to the grants they came from.
type Quote struct {
	ID        string                `json:"id"`
	UserID    string                `json:"user_id"`
	Kind      string                `json:"kind"`
	Units     int64                 `json:"units"`
	UnitCost  int64                 `json:"unit_cost"`
	Amount    int64                 `json:"amount"`
	Status    QuoteStatus           `json:"status"`
	Breakdown []credit.GrantPortion `json:"breakdown,omitempty"`
	ExpiresAt time.Time             `json:"expires_at"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// Expired reports whether the quote can no longer be consumed.
func (q Quote) Expired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && !now.Before(q.ExpiresAt)
}

// Status is the lifecycle of a job.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is a unit of billable work funded by a quote's credit hold.
type Job struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	QuoteID     string    `json:"quote_id"`
	Kind        string    `json:"kind"`
	Status      Status    `json:"status"`
	CostFinal   int64     `json:"cost_final"`
	Refunded    int64     `json:"refunded"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}
