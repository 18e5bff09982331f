// Package jobs manages render jobs and the credit quotes that fund them.
// Creating a quote places a hold on the user's credits; settlement captures
// the final cost and refunds the remainder to the grants it came from.
package jobs

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/credit"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/job"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/services/credits"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/storage"
	svcerr "github.com/techninja0210-maker/Imaginify-sub001/internal/errors"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/logging"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/metrics"
)

// defaultQuoteTTL bounds how long a hold may sit unconsumed.
const defaultQuoteTTL = 15 * time.Minute

// Pricing maps a job kind to its per-unit credit cost.
type Pricing map[string]int64

// Service manages quotes and job settlement.
type Service struct {
	store    storage.JobStore
	credits  *credits.Service
	pricing  Pricing
	quoteTTL time.Duration
	log      *logging.Logger
	now      func() time.Time
}

// New constructs a job service. Pricing defines the billable job kinds; an
// empty pricing table rejects every quote.
func New(store storage.JobStore, creditSvc *credits.Service, pricing Pricing, quoteTTL time.Duration, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("jobs")
	}
	if quoteTTL <= 0 {
		quoteTTL = defaultQuoteTTL
	}
	return &Service{
		store:    store,
		credits:  creditSvc,
		pricing:  pricing,
		quoteTTL: quoteTTL,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateQuote prices a prospective job and places a hold on the user's
// credits. The hold's per-grant breakdown is stored on the quote so that
// settlement can refund to origin.
func (s *Service) CreateQuote(ctx context.Context, userID, kind string, units int64) (job.Quote, error) {
	userID = strings.TrimSpace(userID)
	kind = strings.TrimSpace(kind)

	if userID == "" {
		return job.Quote{}, svcerr.Validation("user_id is required")
	}
	if kind == "" {
		return job.Quote{}, svcerr.Validation("kind is required")
	}
	if units <= 0 {
		return job.Quote{}, svcerr.Validation("units must be positive")
	}
	unitCost, ok := s.pricing[kind]
	if !ok {
		return job.Quote{}, svcerr.Validation("unknown job kind: " + kind)
	}

	amount := units * unitCost

	q, err := s.store.CreateQuote(ctx, job.Quote{
		UserID:    userID,
		Kind:      kind,
		Units:     units,
		UnitCost:  unitCost,
		Amount:    amount,
		Status:    job.QuotePending,
		ExpiresAt: s.now().Add(s.quoteTTL),
	})
	if err != nil {
		return job.Quote{}, err
	}

	_, portions, err := s.credits.Hold(ctx, userID, amount, "quote:"+q.ID, "quote:"+q.ID)
	if err != nil {
		// The hold failed, so the quote can never be consumed.
		q.Status = job.QuoteExpired
		if _, uerr := s.store.UpdateQuote(ctx, q, job.QuotePending); uerr != nil {
			s.log.WithError(uerr).WithField("quote_id", q.ID).Error("failed to void quote after hold failure")
		}
		return job.Quote{}, err
	}

	q.Breakdown = portions
	q, err = s.store.UpdateQuote(ctx, q, job.QuotePending)
	if err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			// The quote left pending before its breakdown landed; release the hold.
			if _, rerr := s.credits.Refund(ctx, userID, portions, credit.EntryRelease, "quote:"+q.ID, "quote:"+q.ID+":release"); rerr != nil {
				s.log.WithError(rerr).WithField("quote_id", q.ID).Error("failed to release hold for lost quote")
			}
			return job.Quote{}, svcerr.Conflict("quote was modified concurrently")
		}
		return job.Quote{}, err
	}

	s.log.WithField("quote_id", q.ID).
		WithField("user_id", userID).
		WithField("kind", kind).
		WithField("amount", amount).
		Info("quote created")
	return q, nil
}

// GetQuote returns a quote by ID.
func (s *Service) GetQuote(ctx context.Context, id string) (job.Quote, error) {
	q, err := s.store.GetQuote(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return job.Quote{}, svcerr.NotFound("quote", id)
		}
		return job.Quote{}, err
	}
	return q, nil
}

// StartJob consumes a pending quote and opens a running job against its hold.
// The pending-to-consumed transition is guarded, so of two concurrent starts
// exactly one opens a job.
func (s *Service) StartJob(ctx context.Context, quoteID string) (job.Job, error) {
	q, err := s.GetQuote(ctx, quoteID)
	if err != nil {
		return job.Job{}, err
	}

	if q.Status == job.QuoteConsumed {
		return job.Job{}, svcerr.Conflict("quote already consumed")
	}
	if q.Status == job.QuoteExpired || q.Expired(s.now()) {
		return job.Job{}, svcerr.Conflict("quote has expired")
	}

	q.Status = job.QuoteConsumed
	if _, err := s.store.UpdateQuote(ctx, q, job.QuotePending); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return job.Job{}, svcerr.Conflict("quote already consumed")
		}
		return job.Job{}, err
	}

	j, err := s.store.CreateJob(ctx, job.Job{
		UserID:  q.UserID,
		QuoteID: q.ID,
		Kind:    q.Kind,
		Status:  job.StatusRunning,
	})
	if err != nil {
		return job.Job{}, err
	}

	s.log.WithField("job_id", j.ID).
		WithField("quote_id", q.ID).
		WithField("user_id", q.UserID).
		Info("job started")
	return j, nil
}

// CompleteJob settles a running job at its final cost. Unused held credits
// are refunded to the grants they were taken from, lowest-priority portions
// first so subscription credits stay spent. Settlement is idempotent per job:
// completing an already-completed job at the same cost returns it unchanged.
func (s *Service) CompleteJob(ctx context.Context, jobID string, costFinal int64) (job.Job, error) {
	j, q, err := s.settlementTarget(ctx, jobID)
	if err != nil {
		return job.Job{}, err
	}
	if costFinal < 0 {
		return job.Job{}, svcerr.Validation("cost_final cannot be negative")
	}
	if costFinal > q.Amount {
		return job.Job{}, svcerr.Validation("cost_final exceeds held amount")
	}
	if j.Status == job.StatusCompleted {
		if j.CostFinal == costFinal {
			return j, nil
		}
		return job.Job{}, svcerr.Conflict("job already completed at a different cost")
	}
	if j.Status == job.StatusFailed {
		return job.Job{}, svcerr.Conflict("job already failed")
	}

	refund := q.Amount - costFinal
	if _, err := s.credits.Refund(ctx, j.UserID, refundPortions(q.Breakdown, refund), credit.EntryCapture, "job:"+j.ID, "job:"+j.ID); err != nil {
		return job.Job{}, err
	}

	now := s.now()
	j.Status = job.StatusCompleted
	j.CostFinal = costFinal
	j.Refunded = refund
	j.CompletedAt = now
	j, err = s.store.UpdateJob(ctx, j, job.StatusRunning)
	if err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return s.settledAs(ctx, jobID, job.StatusCompleted, costFinal)
		}
		return job.Job{}, err
	}

	metrics.RecordJobSettlement("completed")
	s.log.WithField("job_id", j.ID).
		WithField("cost_final", costFinal).
		WithField("refunded", refund).
		Info("job completed")
	return j, nil
}

// FailJob settles a failed job. The full hold is refunded to its grants.
// Failing an already-failed job returns it unchanged.
func (s *Service) FailJob(ctx context.Context, jobID, reason string) (job.Job, error) {
	j, q, err := s.settlementTarget(ctx, jobID)
	if err != nil {
		return job.Job{}, err
	}
	if j.Status == job.StatusFailed {
		return j, nil
	}
	if j.Status == job.StatusCompleted {
		return job.Job{}, svcerr.Conflict("job already completed")
	}

	if _, err := s.credits.Refund(ctx, j.UserID, q.Breakdown, credit.EntryRelease, "job:"+j.ID, "job:"+j.ID); err != nil {
		return job.Job{}, err
	}

	j.Status = job.StatusFailed
	j.Refunded = q.Amount
	j.Error = strings.TrimSpace(reason)
	j.CompletedAt = s.now()
	j, err = s.store.UpdateJob(ctx, j, job.StatusRunning)
	if err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return s.settledAs(ctx, jobID, job.StatusFailed, 0)
		}
		return job.Job{}, err
	}

	metrics.RecordJobSettlement("failed")
	s.log.WithField("job_id", j.ID).
		WithField("reason", j.Error).
		WithField("refunded", q.Amount).
		Info("job failed, hold refunded")
	return j, nil
}

// GetJob returns a job by ID.
func (s *Service) GetJob(ctx context.Context, id string) (job.Job, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return job.Job{}, svcerr.NotFound("job", id)
		}
		return job.Job{}, err
	}
	return j, nil
}

// ListJobs returns a user's jobs, oldest first.
func (s *Service) ListJobs(ctx context.Context, userID string) ([]job.Job, error) {
	return s.store.ListJobs(ctx, userID)
}

// ListQuotes returns a user's quotes, oldest first.
func (s *Service) ListQuotes(ctx context.Context, userID string) ([]job.Quote, error) {
	return s.store.ListQuotes(ctx, userID)
}

// ReapExpiredQuotes releases holds on pending quotes past their expiry. It
// returns the number of quotes reaped.
func (s *Service) ReapExpiredQuotes(ctx context.Context, limit int) (int, error) {
	quotes, err := s.store.ListExpiredQuotes(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, q := range quotes {
		// The release carries an idempotency key so a sweep that dies between
		// the refund and the status write does not refund again on the next pass.
		if _, err := s.credits.Refund(ctx, q.UserID, q.Breakdown, credit.EntryRelease, "quote:"+q.ID, "quote:"+q.ID+":release"); err != nil {
			s.log.WithError(err).WithField("quote_id", q.ID).Error("failed to release expired quote hold")
			continue
		}
		q.Status = job.QuoteExpired
		if _, err := s.store.UpdateQuote(ctx, q, job.QuotePending); err != nil {
			s.log.WithError(err).WithField("quote_id", q.ID).Error("failed to mark quote expired")
			continue
		}
		reaped++
	}

	if reaped > 0 {
		s.log.WithField("count", reaped).Info("expired quote holds released")
	}
	return reaped, nil
}

// settlementTarget loads a job and its quote for settlement.
func (s *Service) settlementTarget(ctx context.Context, jobID string) (job.Job, job.Quote, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return job.Job{}, job.Quote{}, err
	}

	q, err := s.store.GetQuote(ctx, j.QuoteID)
	if err != nil {
		return job.Job{}, job.Quote{}, err
	}
	return j, q, nil
}

// settledAs re-reads a job after a lost settlement race and returns it when
// the winner settled it the same way.
func (s *Service) settledAs(ctx context.Context, jobID string, status job.Status, costFinal int64) (job.Job, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return job.Job{}, err
	}
	if j.Status == status && (status != job.StatusCompleted || j.CostFinal == costFinal) {
		return j, nil
	}
	return job.Job{}, svcerr.Conflict("job was settled concurrently")
}

// refundPortions selects which held portions to return for a partial refund.
// The breakdown is walked from the end so the highest-priority grants remain
// consumed.
func refundPortions(breakdown []credit.GrantPortion, refund int64) []credit.GrantPortion {
	if refund <= 0 {
		return nil
	}
	portions := make([]credit.GrantPortion, 0, len(breakdown))
	for i := len(breakdown) - 1; i >= 0 && refund > 0; i-- {
		amount := breakdown[i].Amount
		if amount > refund {
			amount = refund
		}
		portions = append(portions, credit.GrantPortion{GrantID: breakdown[i].GrantID, Amount: amount})
		refund -= amount
	}
	return portions
}
