// Package credits implements the credit accounting engine: grant issuance,
// priority-ordered deduction, holds and refunds, expiry, and the append-only
// ledger behind all of them.
package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/cache"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/credit"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/job"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/storage"
	svcerr "github.com/techninja0210-maker/Imaginify-sub001/internal/errors"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/logging"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/metrics"
)

// expiringSoonWindow is the balance view's warning horizon.
const expiringSoonWindow = 7 * 24 * time.Hour

// Service is the credit accounting engine. All balance-affecting writes go
// through it so every change lands in the ledger exactly once.
type Service struct {
	users    storage.UserStore
	store    storage.CreditStore
	quotes   storage.JobStore
	idem     storage.IdempotencyStore
	balances *cache.BalanceCache
	log      *logging.Logger
	now      func() time.Time
}

// New constructs the credit engine. The quotes store is optional and only
// feeds the reserved figure in balance views; the balance cache may be nil.
func New(users storage.UserStore, store storage.CreditStore, quotes storage.JobStore, idem storage.IdempotencyStore, balances *cache.BalanceCache, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("credits")
	}
	return &Service{
		users:    users,
		store:    store,
		quotes:   quotes,
		idem:     idem,
		balances: balances,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// GrantRequest describes a credit issuance.
type GrantRequest struct {
	UserID         string
	Source         credit.Source
	PlanCode       string
	Amount         int64
	ExpiresAt      time.Time
	Reference      string
	IdempotencyKey string
}

// GrantResult is the outcome of a grant. Replayed is true when the
// idempotency key had already been used and the original entry is returned.
type GrantResult struct {
	Grant    credit.Grant
	Entry    credit.LedgerEntry
	Replayed bool
}

// Grant issues credits to a user and records the issuance in the ledger.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (GrantResult, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.Reference = strings.TrimSpace(req.Reference)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	if req.UserID == "" {
		return GrantResult{}, svcerr.Validation("user_id is required")
	}
	if !req.Source.Valid() {
		return GrantResult{}, svcerr.Validation("source must be subscription, promo or topup")
	}
	if req.Amount <= 0 {
		return GrantResult{}, svcerr.Validation("amount must be positive")
	}
	if !req.ExpiresAt.IsZero() && !req.ExpiresAt.After(s.now()) {
		return GrantResult{}, svcerr.Validation("expires_at must be in the future")
	}

	if _, err := s.users.GetUser(ctx, req.UserID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return GrantResult{}, svcerr.NotFound("user", req.UserID)
		}
		return GrantResult{}, err
	}

	if req.IdempotencyKey != "" {
		if entry, ok, err := s.replay(ctx, req.IdempotencyKey); err != nil {
			return GrantResult{}, err
		} else if ok {
			grant, err := s.store.GetGrant(ctx, entry.GrantID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return GrantResult{}, err
			}
			return GrantResult{Grant: grant, Entry: entry, Replayed: true}, nil
		}
	}

	grant, err := s.store.CreateGrant(ctx, credit.Grant{
		UserID:    req.UserID,
		Source:    req.Source,
		PlanCode:  req.PlanCode,
		Amount:    req.Amount,
		ExpiresAt: req.ExpiresAt,
		Reference: req.Reference,
	})
	if err != nil {
		return GrantResult{}, err
	}

	balance, err := s.availableBalance(ctx, req.UserID)
	if err != nil {
		return GrantResult{}, err
	}

	entry, replayed, err := s.claimAndAppend(ctx, credit.LedgerEntry{
		UserID:         req.UserID,
		Type:           credit.EntryGrant,
		Amount:         req.Amount,
		BalanceAfter:   balance,
		GrantID:        grant.ID,
		Reference:      req.Reference,
		IdempotencyKey: req.IdempotencyKey,
	}, "grant")
	if err != nil {
		s.voidGrant(ctx, grant)
		return GrantResult{}, err
	}
	if replayed {
		// A concurrent request with the same key issued the credits first.
		s.voidGrant(ctx, grant)
		s.invalidate(ctx, req.UserID)
		original, err := s.store.GetGrant(ctx, entry.GrantID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return GrantResult{}, err
		}
		return GrantResult{Grant: original, Entry: entry, Replayed: true}, nil
	}

	s.invalidate(ctx, req.UserID)
	metrics.RecordGrant(string(req.Source))
	s.log.WithField("user_id", req.UserID).
		WithField("grant_id", grant.ID).
		WithField("source", string(req.Source)).
		WithField("amount", req.Amount).
		Info("credits granted")
	return GrantResult{Grant: grant, Entry: entry}, nil
}

// DeductRequest describes a direct spend against a user's balance.
type DeductRequest struct {
	UserID         string
	Amount         int64
	Reference      string
	IdempotencyKey string
}

// DeductResult is the outcome of a deduction.
type DeductResult struct {
	Entry    credit.LedgerEntry
	Portions []credit.GrantPortion
	Replayed bool
}

// Deduct spends credits immediately. Grants are consumed in priority order:
// subscription before promo before topup, earliest expiry first within a
// class, non-expiring grants last. A concurrent update triggers one re-read
// and retry before the deduction fails with a conflict.
func (s *Service) Deduct(ctx context.Context, req DeductRequest) (DeductResult, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	if req.UserID == "" {
		return DeductResult{}, svcerr.Validation("user_id is required")
	}
	if req.Amount <= 0 {
		return DeductResult{}, svcerr.Validation("amount must be positive")
	}

	if req.IdempotencyKey != "" {
		if entry, ok, err := s.replay(ctx, req.IdempotencyKey); err != nil {
			return DeductResult{}, err
		} else if ok {
			return DeductResult{Entry: entry, Replayed: true}, nil
		}
	}

	entry, portions, replayed, err := s.spend(ctx, req.UserID, req.Amount, credit.EntryDeduct, req.Reference, req.IdempotencyKey)
	if err != nil {
		metrics.RecordDeduction("error")
		return DeductResult{}, err
	}
	if replayed {
		return DeductResult{Entry: entry, Replayed: true}, nil
	}

	metrics.RecordDeduction("ok")
	s.log.WithField("user_id", req.UserID).
		WithField("amount", req.Amount).
		WithField("entry_id", entry.ID).
		Info("credits deducted")
	return DeductResult{Entry: entry, Portions: portions}, nil
}

// Hold reserves credits for a pending job quote. The credits are consumed
// from their grants immediately; the returned portions let settlement refund
// unused credits to the grants they came from. A replayed idempotency key
// returns the original entry with no portions.
func (s *Service) Hold(ctx context.Context, userID string, amount int64, reference, idemKey string) (credit.LedgerEntry, []credit.GrantPortion, error) {
	if amount <= 0 {
		return credit.LedgerEntry{}, nil, svcerr.Validation("amount must be positive")
	}
	entry, portions, _, err := s.spend(ctx, userID, amount, credit.EntryHold, reference, idemKey)
	return entry, portions, err
}

// Refund returns credits to the exact grants they were taken from. A grant
// that has since expired still receives its refund; the expiry sweep reclaims
// it on the next pass. Missing and revoked grants are skipped and excluded
// from the refunded total. The idempotency key is claimed before any grant is
// touched, so a retried refund is a no-op that returns the original entry.
func (s *Service) Refund(ctx context.Context, userID string, portions []credit.GrantPortion, entryType credit.EntryType, reference, idemKey string) (credit.LedgerEntry, error) {
	idemKey = strings.TrimSpace(idemKey)
	entryID := ""
	if idemKey != "" {
		if entry, ok, err := s.replay(ctx, idemKey); err != nil {
			return credit.LedgerEntry{}, err
		} else if ok {
			return entry, nil
		}
		entryID = uuid.NewString()
		err := s.idem.PutIdempotencyKey(ctx, storage.IdempotencyRecord{
			Key:           idemKey,
			Scope:         string(entryType),
			LedgerEntryID: entryID,
		})
		if err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				if entry, ok, rerr := s.replay(ctx, idemKey); rerr == nil && ok {
					return entry, nil
				}
				return credit.LedgerEntry{}, svcerr.Conflict("a refund with this idempotency key is in progress")
			}
			return credit.LedgerEntry{}, err
		}
	}

	var refunded int64
	for _, portion := range portions {
		if portion.Amount <= 0 {
			continue
		}
		if err := s.returnToGrant(ctx, portion.GrantID, portion.Amount); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.log.WithField("grant_id", portion.GrantID).Warn("refund target grant missing, skipping")
				continue
			}
			if errors.Is(err, errGrantRevoked) {
				s.log.WithField("grant_id", portion.GrantID).Warn("refund target grant revoked, skipping")
				continue
			}
			return credit.LedgerEntry{}, err
		}
		refunded += portion.Amount
	}

	balance, err := s.availableBalance(ctx, userID)
	if err != nil {
		return credit.LedgerEntry{}, err
	}

	entry, err := s.store.AppendLedger(ctx, credit.LedgerEntry{
		ID:             entryID,
		UserID:         userID,
		Type:           entryType,
		Amount:         refunded,
		BalanceAfter:   balance,
		Reference:      reference,
		IdempotencyKey: idemKey,
	})
	if err != nil {
		return credit.LedgerEntry{}, err
	}

	s.invalidate(ctx, userID)
	return entry, nil
}

// Balance returns the user's spendable balance, reserved holds and credits
// expiring within the warning window. Reads go through the cache.
func (s *Service) Balance(ctx context.Context, userID string) (credit.Balance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return credit.Balance{}, svcerr.Validation("user_id is required")
	}

	if balance, err := s.balances.Get(ctx, userID); err == nil {
		return balance, nil
	}

	if _, err := s.users.GetUser(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return credit.Balance{}, svcerr.NotFound("user", userID)
		}
		return credit.Balance{}, err
	}

	now := s.now()
	grants, err := s.store.ListSpendableGrants(ctx, userID, now)
	if err != nil {
		return credit.Balance{}, err
	}

	balance := credit.Balance{UserID: userID, AsOf: now}
	for _, g := range grants {
		balance.Available += g.Available()
		if !g.ExpiresAt.IsZero() && g.ExpiresAt.Sub(now) <= expiringSoonWindow {
			balance.ExpiringSoon += g.Available()
		}
	}

	if s.quotes != nil {
		quotes, err := s.quotes.ListQuotes(ctx, userID)
		if err != nil {
			return credit.Balance{}, err
		}
		for _, q := range quotes {
			if q.Status == job.QuotePending && !q.Expired(now) && len(q.Breakdown) > 0 {
				balance.Reserved += q.Amount
			}
		}
	}

	if err := s.balances.Set(ctx, balance); err != nil {
		s.log.WithError(err).Warn("balance cache write failed")
	}
	return balance, nil
}

// ListGrants returns a user's grants, oldest first.
func (s *Service) ListGrants(ctx context.Context, userID string) ([]credit.Grant, error) {
	return s.store.ListGrants(ctx, userID)
}

// ListLedger returns a user's most recent ledger entries.
func (s *Service) ListLedger(ctx context.Context, userID string, limit int) ([]credit.LedgerEntry, error) {
	return s.store.ListLedger(ctx, userID, limit)
}

// GetLedgerEntry returns a single ledger entry.
func (s *Service) GetLedgerEntry(ctx context.Context, id string) (credit.LedgerEntry, error) {
	entry, err := s.store.GetLedgerEntry(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return credit.LedgerEntry{}, svcerr.NotFound("ledger entry", id)
		}
		return credit.LedgerEntry{}, err
	}
	return entry, nil
}

// RevokeGrant voids a grant's remaining credits, recording the removal.
func (s *Service) RevokeGrant(ctx context.Context, grantID, reference string) (credit.Grant, error) {
	for attempt := 0; attempt < 2; attempt++ {
		g, err := s.store.GetGrant(ctx, grantID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return credit.Grant{}, svcerr.NotFound("grant", grantID)
			}
			return credit.Grant{}, err
		}
		if g.Revoked {
			return g, nil
		}

		remaining := g.Available()
		g.Used = g.Amount
		g.Revoked = true
		updated, err := s.store.UpdateGrant(ctx, g)
		if err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				continue
			}
			return credit.Grant{}, err
		}

		if remaining > 0 {
			balance, err := s.availableBalance(ctx, g.UserID)
			if err != nil {
				return credit.Grant{}, err
			}
			if _, err := s.store.AppendLedger(ctx, credit.LedgerEntry{
				UserID:       g.UserID,
				Type:         credit.EntryRevoke,
				Amount:       -remaining,
				BalanceAfter: balance,
				GrantID:      g.ID,
				Reference:    reference,
			}); err != nil {
				return credit.Grant{}, err
			}
		}

		s.invalidate(ctx, g.UserID)
		s.log.WithField("grant_id", g.ID).
			WithField("user_id", g.UserID).
			WithField("removed", remaining).
			Info("grant revoked")
		return updated, nil
	}
	return credit.Grant{}, svcerr.Conflict("grant is being modified concurrently")
}

// ExpireDue sweeps grants past their expiry, voiding leftover credits and
// recording each removal in the ledger. It returns the number of grants
// expired; grants that lose a version race are left for the next sweep.
func (s *Service) ExpireDue(ctx context.Context, limit int) (int, error) {
	now := s.now()
	grants, err := s.store.ListExpiredGrants(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, g := range grants {
		remaining := g.Available()
		g.Used = g.Amount
		if _, err := s.store.UpdateGrant(ctx, g); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				continue
			}
			return expired, err
		}

		balance, err := s.availableBalance(ctx, g.UserID)
		if err != nil {
			return expired, err
		}
		if _, err := s.store.AppendLedger(ctx, credit.LedgerEntry{
			UserID:       g.UserID,
			Type:         credit.EntryExpire,
			Amount:       -remaining,
			BalanceAfter: balance,
			GrantID:      g.ID,
		}); err != nil {
			return expired, err
		}

		s.invalidate(ctx, g.UserID)
		expired++
	}

	if expired > 0 {
		metrics.RecordGrantsExpired(expired)
		s.log.WithField("count", expired).Info("expired grants swept")
	}
	return expired, nil
}

// PurgeIdempotencyKeys drops keys older than the retention window.
func (s *Service) PurgeIdempotencyKeys(ctx context.Context, olderThan time.Time) (int, error) {
	return s.idem.PurgeIdempotencyKeys(ctx, olderThan)
}

// spend consumes amount from the user's grants in priority order and appends
// the ledger entry. On a version conflict the full deduction is retried once
// from a fresh read; portions already applied are compensated first. When a
// concurrent request with the same idempotency key wins the key claim, the
// portions are compensated and the original entry is returned with replayed
// set, leaving the double applied deduction fully undone.
func (s *Service) spend(ctx context.Context, userID string, amount int64, entryType credit.EntryType, reference, idemKey string) (credit.LedgerEntry, []credit.GrantPortion, bool, error) {
	now := s.now()

	for attempt := 0; attempt <= 1; attempt++ {
		grants, err := s.store.ListSpendableGrants(ctx, userID, now)
		if err != nil {
			return credit.LedgerEntry{}, nil, false, err
		}

		var total int64
		for _, g := range grants {
			total += g.Available()
		}
		if total < amount {
			return credit.LedgerEntry{}, nil, false, svcerr.InsufficientCredits(total, amount)
		}

		portions, conflict, err := s.applyPortions(ctx, grants, amount)
		if err != nil {
			return credit.LedgerEntry{}, nil, false, err
		}
		if conflict {
			metrics.RecordDeductionRetry()
			continue
		}

		entry, replayed, err := s.claimAndAppend(ctx, credit.LedgerEntry{
			UserID:         userID,
			Type:           entryType,
			Amount:         -amount,
			BalanceAfter:   total - amount,
			Reference:      reference,
			IdempotencyKey: idemKey,
		}, string(entryType))
		if err != nil {
			s.compensate(ctx, portions)
			return credit.LedgerEntry{}, nil, false, err
		}
		if replayed {
			s.compensate(ctx, portions)
			s.invalidate(ctx, userID)
			return entry, nil, true, nil
		}

		s.invalidate(ctx, userID)
		return entry, portions, false, nil
	}

	return credit.LedgerEntry{}, nil, false, svcerr.Conflict("balance is being modified concurrently, retry the request")
}

// applyPortions walks the sorted grants and consumes amount across them with
// version-guarded updates. On conflict it undoes the portions already applied
// and reports conflict so the caller can retry from a fresh read.
func (s *Service) applyPortions(ctx context.Context, grants []credit.Grant, amount int64) ([]credit.GrantPortion, bool, error) {
	remaining := amount
	portions := make([]credit.GrantPortion, 0, len(grants))

	for _, g := range grants {
		if remaining == 0 {
			break
		}
		take := g.Available()
		if take > remaining {
			take = remaining
		}
		if take == 0 {
			continue
		}

		g.Used += take
		if _, err := s.store.UpdateGrant(ctx, g); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				s.compensate(ctx, portions)
				return nil, true, nil
			}
			s.compensate(ctx, portions)
			return nil, false, err
		}

		portions = append(portions, credit.GrantPortion{GrantID: g.ID, Amount: take})
		remaining -= take
	}

	if remaining > 0 {
		// Another writer drained a grant between the read and the updates.
		s.compensate(ctx, portions)
		return nil, true, nil
	}
	return portions, false, nil
}

// compensate returns already-consumed portions to their grants after a failed
// multi-grant spend.
func (s *Service) compensate(ctx context.Context, portions []credit.GrantPortion) {
	for _, portion := range portions {
		if err := s.returnToGrant(ctx, portion.GrantID, portion.Amount); err != nil {
			s.log.WithError(err).
				WithField("grant_id", portion.GrantID).
				WithField("amount", portion.Amount).
				Error("failed to compensate partial deduction")
		}
	}
}

// errGrantRevoked marks a refund target whose grant was voided in the
// meantime. Credits never flow back into a revoked grant.
var errGrantRevoked = errors.New("grant revoked")

// returnToGrant adds amount back to a grant's spendable pool, retrying on
// version conflicts.
func (s *Service) returnToGrant(ctx context.Context, grantID string, amount int64) error {
	for attempt := 0; attempt < 3; attempt++ {
		g, err := s.store.GetGrant(ctx, grantID)
		if err != nil {
			return err
		}
		if g.Revoked {
			return errGrantRevoked
		}
		g.Used -= amount
		if g.Used < 0 {
			g.Used = 0
		}
		if _, err := s.store.UpdateGrant(ctx, g); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("grant %s: version conflicts exhausted", grantID)
}

// replay looks up an idempotency key and returns the original ledger entry.
func (s *Service) replay(ctx context.Context, key string) (credit.LedgerEntry, bool, error) {
	rec, err := s.idem.GetIdempotencyKey(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return credit.LedgerEntry{}, false, nil
		}
		return credit.LedgerEntry{}, false, err
	}
	entry, err := s.store.GetLedgerEntry(ctx, rec.LedgerEntryID)
	if err != nil {
		return credit.LedgerEntry{}, false, err
	}
	return entry, true, nil
}

// claimAndAppend claims the entry's idempotency key and then appends the
// ledger entry under a pre-generated ID, so the key is never observable
// without its entry eventually existing. A duplicate claim means another
// request with the same key raced in first; its entry is returned with
// replayed set and nothing is written.
func (s *Service) claimAndAppend(ctx context.Context, entry credit.LedgerEntry, scope string) (credit.LedgerEntry, bool, error) {
	if entry.IdempotencyKey == "" {
		appended, err := s.store.AppendLedger(ctx, entry)
		return appended, false, err
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	err := s.idem.PutIdempotencyKey(ctx, storage.IdempotencyRecord{
		Key:           entry.IdempotencyKey,
		Scope:         scope,
		LedgerEntryID: entry.ID,
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			original, ok, rerr := s.replay(ctx, entry.IdempotencyKey)
			if rerr != nil && !errors.Is(rerr, storage.ErrNotFound) {
				return credit.LedgerEntry{}, false, rerr
			}
			if ok {
				return original, true, nil
			}
			// Key claimed but its entry not yet appended.
			return credit.LedgerEntry{}, false, svcerr.Conflict("an operation with this idempotency key is in progress")
		}
		return credit.LedgerEntry{}, false, err
	}

	appended, err := s.store.AppendLedger(ctx, entry)
	if err != nil {
		return credit.LedgerEntry{}, false, err
	}
	return appended, false, nil
}

// voidGrant retires a grant that never made it into the ledger, so it can
// never be spent from.
func (s *Service) voidGrant(ctx context.Context, g credit.Grant) {
	for attempt := 0; attempt < 3; attempt++ {
		g.Used = g.Amount
		g.Revoked = true
		if _, err := s.store.UpdateGrant(ctx, g); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				fresh, gerr := s.store.GetGrant(ctx, g.ID)
				if gerr != nil {
					break
				}
				g = fresh
				continue
			}
			s.log.WithError(err).WithField("grant_id", g.ID).Error("failed to void unledgered grant")
		}
		return
	}
	s.log.WithField("grant_id", g.ID).Error("failed to void unledgered grant")
}

// availableBalance computes the spendable total without the cache.
func (s *Service) availableBalance(ctx context.Context, userID string) (int64, error) {
	grants, err := s.store.ListSpendableGrants(ctx, userID, s.now())
	if err != nil {
		return 0, err
	}
	var total int64
	for _, g := range grants {
		total += g.Available()
	}
	return total, nil
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	if err := s.balances.Invalidate(ctx, userID); err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("balance cache invalidation failed")
	}
}
