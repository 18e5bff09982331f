package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/billing"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/credit"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/job"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/plan"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/user"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and honours the same version-guard semantics as the
// Postgres store, which makes it suitable for tests and local development.
type Store struct {
	mu                sync.RWMutex
	nextID            int64
	users             map[string]user.User
	usersByExternalID map[string]string
	subPlans          map[string]plan.SubscriptionPlan
	subPlansByCode    map[string]string
	topupPlans        map[string]plan.TopUpPlan
	topupPlansByCode  map[string]string
	grants            map[string]credit.Grant
	ledger            []credit.LedgerEntry
	ledgerByID        map[string]credit.LedgerEntry
	quotes            map[string]job.Quote
	jobs              map[string]job.Job
	events            map[string]billing.Event
	eventsByProvider  map[string]string
	idempotency       map[string]storage.IdempotencyRecord
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.PlanStore = (*Store)(nil)
var _ storage.CreditStore = (*Store)(nil)
var _ storage.JobStore = (*Store)(nil)
var _ storage.BillingStore = (*Store)(nil)
var _ storage.IdempotencyStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:            1,
		users:             make(map[string]user.User),
		usersByExternalID: make(map[string]string),
		subPlans:          make(map[string]plan.SubscriptionPlan),
		subPlansByCode:    make(map[string]string),
		topupPlans:        make(map[string]plan.TopUpPlan),
		topupPlansByCode:  make(map[string]string),
		grants:            make(map[string]credit.Grant),
		ledgerByID:        make(map[string]credit.LedgerEntry),
		quotes:            make(map[string]job.Quote),
		jobs:              make(map[string]job.Job),
		events:            make(map[string]billing.Event),
		eventsByProvider:  make(map[string]string),
		idempotency:       make(map[string]storage.IdempotencyRecord),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// UserStore implementation ----------------------------------------------------

func (s *Store) CreateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == "" {
		u.ID = s.nextIDLocked()
	} else if _, exists := s.users[u.ID]; exists {
		return user.User{}, storage.ErrDuplicate
	}
	if u.ExternalID != "" {
		if _, exists := s.usersByExternalID[u.ExternalID]; exists {
			return user.User{}, storage.ErrDuplicate
		}
	}
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return user.User{}, storage.ErrDuplicate
		}
	}

	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	u.Metadata = cloneMap(u.Metadata)

	s.users[u.ID] = u
	if u.ExternalID != "" {
		s.usersByExternalID[u.ExternalID] = u.ID
	}
	return cloneUser(u), nil
}

func (s *Store) UpdateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.users[u.ID]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}

	u.ExternalID = original.ExternalID
	u.CreatedAt = original.CreatedAt
	u.UpdatedAt = time.Now().UTC()
	u.Metadata = cloneMap(u.Metadata)

	s.users[u.ID] = u
	return cloneUser(u), nil
}

func (s *Store) GetUser(_ context.Context, id string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *Store) GetUserByExternalID(_ context.Context, externalID string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.usersByExternalID[externalID]; ok {
		return cloneUser(s.users[id]), nil
	}
	return user.User{}, storage.ErrNotFound
}

func (s *Store) ListUsers(_ context.Context) ([]user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]user.User, 0, len(s.users))
	for _, u := range s.users {
		result = append(result, cloneUser(u))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	delete(s.users, id)
	if u.ExternalID != "" {
		delete(s.usersByExternalID, u.ExternalID)
	}
	return nil
}

// PlanStore implementation ----------------------------------------------------

func (s *Store) CreateSubscriptionPlan(_ context.Context, p plan.SubscriptionPlan) (plan.SubscriptionPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = s.nextIDLocked()
	} else if _, exists := s.subPlans[p.ID]; exists {
		return plan.SubscriptionPlan{}, storage.ErrDuplicate
	}
	if _, exists := s.subPlansByCode[p.Code]; exists {
		return plan.SubscriptionPlan{}, storage.ErrDuplicate
	}

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	s.subPlans[p.ID] = p
	s.subPlansByCode[p.Code] = p.ID
	return p, nil
}

func (s *Store) UpdateSubscriptionPlan(_ context.Context, p plan.SubscriptionPlan) (plan.SubscriptionPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.subPlans[p.ID]
	if !ok {
		return plan.SubscriptionPlan{}, storage.ErrNotFound
	}

	p.Code = original.Code
	p.CreatedAt = original.CreatedAt
	p.UpdatedAt = time.Now().UTC()

	s.subPlans[p.ID] = p
	return p, nil
}

func (s *Store) GetSubscriptionPlan(_ context.Context, id string) (plan.SubscriptionPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.subPlans[id]
	if !ok {
		return plan.SubscriptionPlan{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) GetSubscriptionPlanByCode(_ context.Context, code string) (plan.SubscriptionPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.subPlansByCode[code]; ok {
		return s.subPlans[id], nil
	}
	return plan.SubscriptionPlan{}, storage.ErrNotFound
}

func (s *Store) ListSubscriptionPlans(_ context.Context) ([]plan.SubscriptionPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]plan.SubscriptionPlan, 0, len(s.subPlans))
	for _, p := range s.subPlans {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) CreateTopUpPlan(_ context.Context, p plan.TopUpPlan) (plan.TopUpPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = s.nextIDLocked()
	} else if _, exists := s.topupPlans[p.ID]; exists {
		return plan.TopUpPlan{}, storage.ErrDuplicate
	}
	if _, exists := s.topupPlansByCode[p.Code]; exists {
		return plan.TopUpPlan{}, storage.ErrDuplicate
	}

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	s.topupPlans[p.ID] = p
	s.topupPlansByCode[p.Code] = p.ID
	return p, nil
}

func (s *Store) UpdateTopUpPlan(_ context.Context, p plan.TopUpPlan) (plan.TopUpPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.topupPlans[p.ID]
	if !ok {
		return plan.TopUpPlan{}, storage.ErrNotFound
	}

	p.Code = original.Code
	p.CreatedAt = original.CreatedAt
	p.UpdatedAt = time.Now().UTC()

	s.topupPlans[p.ID] = p
	return p, nil
}

func (s *Store) GetTopUpPlan(_ context.Context, id string) (plan.TopUpPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.topupPlans[id]
	if !ok {
		return plan.TopUpPlan{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) GetTopUpPlanByCode(_ context.Context, code string) (plan.TopUpPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.topupPlansByCode[code]; ok {
		return s.topupPlans[id], nil
	}
	return plan.TopUpPlan{}, storage.ErrNotFound
}

func (s *Store) ListTopUpPlans(_ context.Context) ([]plan.TopUpPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]plan.TopUpPlan, 0, len(s.topupPlans))
	for _, p := range s.topupPlans {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// CreditStore implementation --------------------------------------------------

func (s *Store) CreateGrant(_ context.Context, g credit.Grant) (credit.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g.ID == "" {
		g.ID = s.nextIDLocked()
	} else if _, exists := s.grants[g.ID]; exists {
		return credit.Grant{}, storage.ErrDuplicate
	}

	now := time.Now().UTC()
	g.CreatedAt = now
	g.UpdatedAt = now
	g.Version = 1

	s.grants[g.ID] = g
	return g, nil
}

func (s *Store) UpdateGrant(_ context.Context, g credit.Grant) (credit.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.grants[g.ID]
	if !ok {
		return credit.Grant{}, storage.ErrNotFound
	}
	if original.Version != g.Version {
		return credit.Grant{}, storage.ErrVersionConflict
	}

	g.UserID = original.UserID
	g.Source = original.Source
	g.CreatedAt = original.CreatedAt
	g.UpdatedAt = time.Now().UTC()
	g.Version = original.Version + 1

	s.grants[g.ID] = g
	return g, nil
}

func (s *Store) GetGrant(_ context.Context, id string) (credit.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.grants[id]
	if !ok {
		return credit.Grant{}, storage.ErrNotFound
	}
	return g, nil
}

func (s *Store) ListGrants(_ context.Context, userID string) ([]credit.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]credit.Grant, 0)
	for _, g := range s.grants {
		if userID == "" || g.UserID == userID {
			result = append(result, g)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) ListSpendableGrants(_ context.Context, userID string, now time.Time) ([]credit.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]credit.Grant, 0)
	for _, g := range s.grants {
		if g.UserID == userID && g.Spendable(now) {
			result = append(result, g)
		}
	}
	credit.SortForDeduction(result)
	return result, nil
}

func (s *Store) ListExpiredGrants(_ context.Context, now time.Time, limit int) ([]credit.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]credit.Grant, 0)
	for _, g := range s.grants {
		if !g.Revoked && g.Available() > 0 && g.Expired(now) {
			result = append(result, g)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(result[j].ExpiresAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) AppendLedger(_ context.Context, entry credit.LedgerEntry) (credit.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = s.nextIDLocked()
	} else if _, exists := s.ledgerByID[entry.ID]; exists {
		return credit.LedgerEntry{}, storage.ErrDuplicate
	}
	entry.CreatedAt = time.Now().UTC()
	entry.Metadata = cloneMap(entry.Metadata)

	s.ledger = append(s.ledger, entry)
	s.ledgerByID[entry.ID] = entry
	return entry, nil
}

func (s *Store) GetLedgerEntry(_ context.Context, id string) (credit.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.ledgerByID[id]
	if !ok {
		return credit.LedgerEntry{}, storage.ErrNotFound
	}
	return entry, nil
}

func (s *Store) ListLedger(_ context.Context, userID string, limit int) ([]credit.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]credit.LedgerEntry, 0)
	for i := len(s.ledger) - 1; i >= 0; i-- {
		entry := s.ledger[i]
		if userID == "" || entry.UserID == userID {
			result = append(result, entry)
			if limit > 0 && len(result) == limit {
				break
			}
		}
	}
	return result, nil
}

// JobStore implementation -----------------------------------------------------

func (s *Store) CreateQuote(_ context.Context, q job.Quote) (job.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q.ID == "" {
		q.ID = s.nextIDLocked()
	} else if _, exists := s.quotes[q.ID]; exists {
		return job.Quote{}, storage.ErrDuplicate
	}

	now := time.Now().UTC()
	q.CreatedAt = now
	q.UpdatedAt = now
	q.Breakdown = clonePortions(q.Breakdown)

	s.quotes[q.ID] = q
	return cloneQuote(q), nil
}

func (s *Store) UpdateQuote(_ context.Context, q job.Quote, from job.QuoteStatus) (job.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.quotes[q.ID]
	if !ok {
		return job.Quote{}, storage.ErrNotFound
	}
	if original.Status != from {
		return job.Quote{}, storage.ErrVersionConflict
	}

	q.UserID = original.UserID
	q.CreatedAt = original.CreatedAt
	q.UpdatedAt = time.Now().UTC()
	q.Breakdown = clonePortions(q.Breakdown)

	s.quotes[q.ID] = q
	return cloneQuote(q), nil
}

func (s *Store) GetQuote(_ context.Context, id string) (job.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotes[id]
	if !ok {
		return job.Quote{}, storage.ErrNotFound
	}
	return cloneQuote(q), nil
}

func (s *Store) ListQuotes(_ context.Context, userID string) ([]job.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]job.Quote, 0)
	for _, q := range s.quotes {
		if userID == "" || q.UserID == userID {
			result = append(result, cloneQuote(q))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) ListExpiredQuotes(_ context.Context, now time.Time, limit int) ([]job.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]job.Quote, 0)
	for _, q := range s.quotes {
		if q.Status == job.QuotePending && q.Expired(now) {
			result = append(result, cloneQuote(q))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(result[j].ExpiresAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateJob(_ context.Context, j job.Job) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.ID == "" {
		j.ID = s.nextIDLocked()
	} else if _, exists := s.jobs[j.ID]; exists {
		return job.Job{}, storage.ErrDuplicate
	}

	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now

	s.jobs[j.ID] = j
	return j, nil
}

func (s *Store) UpdateJob(_ context.Context, j job.Job, from job.Status) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.jobs[j.ID]
	if !ok {
		return job.Job{}, storage.ErrNotFound
	}
	if original.Status != from {
		return job.Job{}, storage.ErrVersionConflict
	}

	j.UserID = original.UserID
	j.QuoteID = original.QuoteID
	j.CreatedAt = original.CreatedAt
	j.UpdatedAt = time.Now().UTC()

	s.jobs[j.ID] = j
	return j, nil
}

func (s *Store) GetJob(_ context.Context, id string) (job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, storage.ErrNotFound
	}
	return j, nil
}

func (s *Store) ListJobs(_ context.Context, userID string) ([]job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]job.Job, 0)
	for _, j := range s.jobs {
		if userID == "" || j.UserID == userID {
			result = append(result, j)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// BillingStore implementation -------------------------------------------------

func (s *Store) CreateEvent(_ context.Context, e billing.Event) (billing.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.eventsByProvider[e.ProviderID]; exists {
		return billing.Event{}, storage.ErrDuplicate
	}
	if e.ID == "" {
		e.ID = s.nextIDLocked()
	}
	e.CreatedAt = time.Now().UTC()
	e.Payload = append([]byte(nil), e.Payload...)

	s.events[e.ID] = e
	s.eventsByProvider[e.ProviderID] = e.ID
	return e, nil
}

func (s *Store) UpdateEvent(_ context.Context, e billing.Event) (billing.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.events[e.ID]
	if !ok {
		return billing.Event{}, storage.ErrNotFound
	}

	e.ProviderID = original.ProviderID
	e.CreatedAt = original.CreatedAt
	e.Payload = append([]byte(nil), e.Payload...)

	s.events[e.ID] = e
	return e, nil
}

func (s *Store) GetEventByProviderID(_ context.Context, providerID string) (billing.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.eventsByProvider[providerID]; ok {
		return s.events[id], nil
	}
	return billing.Event{}, storage.ErrNotFound
}

func (s *Store) ListEvents(_ context.Context, limit int) ([]billing.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]billing.Event, 0, len(s.events))
	for _, e := range s.events {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// IdempotencyStore implementation ---------------------------------------------

func (s *Store) PutIdempotencyKey(_ context.Context, rec storage.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.idempotency[rec.Key]; exists {
		return storage.ErrDuplicate
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.idempotency[rec.Key] = rec
	return nil
}

func (s *Store) GetIdempotencyKey(_ context.Context, key string) (storage.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.idempotency[key]
	if !ok {
		return storage.IdempotencyRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

func (s *Store) PurgeIdempotencyKeys(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, rec := range s.idempotency {
		if rec.CreatedAt.Before(olderThan) {
			delete(s.idempotency, key)
			removed++
		}
	}
	return removed, nil
}

// Helpers ----------------------------------------------------------------------

func cloneMap(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneUser(u user.User) user.User {
	u.Metadata = cloneMap(u.Metadata)
	return u
}

func clonePortions(src []credit.GrantPortion) []credit.GrantPortion {
	if len(src) == 0 {
		return nil
	}
	return append([]credit.GrantPortion(nil), src...)
}

func cloneQuote(q job.Quote) job.Quote {
	q.Breakdown = clonePortions(q.Breakdown)
	return q
}
