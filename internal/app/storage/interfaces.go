package storage

import (
	"context"
	"errors"
	"time"

	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/billing"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/credit"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/job"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/plan"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/user"
)

// Sentinel errors shared by all store implementations.
var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned on unique-constraint violations.
	ErrDuplicate = errors.New("already exists")
	// ErrVersionConflict is returned when a version-guarded update loses the
	// race. Callers re-read and retry.
	ErrVersionConflict = errors.New("version conflict")
)

// IdempotencyRecord ties a caller-supplied key to the ledger entry it
// produced so retries can return the original result.
type IdempotencyRecord struct {
	Key           string
	Scope         string
	LedgerEntryID string
	CreatedAt     time.Time
}

// UserStore persists user records.
type UserStore interface {
	CreateUser(ctx context.Context, u user.User) (user.User, error)
	UpdateUser(ctx context.Context, u user.User) (user.User, error)
	GetUser(ctx context.Context, id string) (user.User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (user.User, error)
	ListUsers(ctx context.Context) ([]user.User, error)
	DeleteUser(ctx context.Context, id string) error
}

// PlanStore persists the credit catalog.
type PlanStore interface {
	CreateSubscriptionPlan(ctx context.Context, p plan.SubscriptionPlan) (plan.SubscriptionPlan, error)
	UpdateSubscriptionPlan(ctx context.Context, p plan.SubscriptionPlan) (plan.SubscriptionPlan, error)
	GetSubscriptionPlan(ctx context.Context, id string) (plan.SubscriptionPlan, error)
	GetSubscriptionPlanByCode(ctx context.Context, code string) (plan.SubscriptionPlan, error)
	ListSubscriptionPlans(ctx context.Context) ([]plan.SubscriptionPlan, error)

	CreateTopUpPlan(ctx context.Context, p plan.TopUpPlan) (plan.TopUpPlan, error)
	UpdateTopUpPlan(ctx context.Context, p plan.TopUpPlan) (plan.TopUpPlan, error)
	GetTopUpPlan(ctx context.Context, id string) (plan.TopUpPlan, error)
	GetTopUpPlanByCode(ctx context.Context, code string) (plan.TopUpPlan, error)
	ListTopUpPlans(ctx context.Context) ([]plan.TopUpPlan, error)
}

// CreditStore persists grants and the append-only ledger.
//
// UpdateGrant expects the grant's Version to match the stored row; on success
// the stored version is incremented and the updated grant returned, otherwise
// ErrVersionConflict.
type CreditStore interface {
	CreateGrant(ctx context.Context, g credit.Grant) (credit.Grant, error)
	UpdateGrant(ctx context.Context, g credit.Grant) (credit.Grant, error)
	GetGrant(ctx context.Context, id string) (credit.Grant, error)
	ListGrants(ctx context.Context, userID string) ([]credit.Grant, error)
	// ListSpendableGrants returns grants able to fund a deduction at the
	// given instant, already sorted in deduction priority order.
	ListSpendableGrants(ctx context.Context, userID string, now time.Time) ([]credit.Grant, error)
	// ListExpiredGrants returns grants past expiry that still hold credits.
	ListExpiredGrants(ctx context.Context, now time.Time, limit int) ([]credit.Grant, error)

	AppendLedger(ctx context.Context, entry credit.LedgerEntry) (credit.LedgerEntry, error)
	GetLedgerEntry(ctx context.Context, id string) (credit.LedgerEntry, error)
	ListLedger(ctx context.Context, userID string, limit int) ([]credit.LedgerEntry, error)
}

// JobStore persists quotes and jobs. Updates are guarded by the row's current
// status so concurrent transitions cannot both win: UpdateQuote and UpdateJob
// return ErrVersionConflict when the stored status no longer matches from.
type JobStore interface {
	CreateQuote(ctx context.Context, q job.Quote) (job.Quote, error)
	UpdateQuote(ctx context.Context, q job.Quote, from job.QuoteStatus) (job.Quote, error)
	GetQuote(ctx context.Context, id string) (job.Quote, error)
	ListQuotes(ctx context.Context, userID string) ([]job.Quote, error)
	ListExpiredQuotes(ctx context.Context, now time.Time, limit int) ([]job.Quote, error)

	CreateJob(ctx context.Context, j job.Job) (job.Job, error)
	UpdateJob(ctx context.Context, j job.Job, from job.Status) (job.Job, error)
	GetJob(ctx context.Context, id string) (job.Job, error)
	ListJobs(ctx context.Context, userID string) ([]job.Job, error)
}

// BillingStore persists webhook events. CreateEvent returns ErrDuplicate when
// the provider ID was already recorded.
type BillingStore interface {
	CreateEvent(ctx context.Context, e billing.Event) (billing.Event, error)
	UpdateEvent(ctx context.Context, e billing.Event) (billing.Event, error)
	GetEventByProviderID(ctx context.Context, providerID string) (billing.Event, error)
	ListEvents(ctx context.Context, limit int) ([]billing.Event, error)
}

// IdempotencyStore persists idempotency keys. PutIdempotencyKey returns
// ErrDuplicate when the key already exists.
type IdempotencyStore interface {
	PutIdempotencyKey(ctx context.Context, rec IdempotencyRecord) error
	GetIdempotencyKey(ctx context.Context, key string) (IdempotencyRecord, error)
	PurgeIdempotencyKeys(ctx context.Context, olderThan time.Time) (int, error)
}
