// Package plans manages the purchasable credit catalog.
package plans

import (
	"context"
	"errors"
	"strings"

	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/plan"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/storage"
	svcerr "github.com/techninja0210-maker/Imaginify-sub001/internal/errors"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/logging"
)

// Service manages subscription and top-up plans.
type Service struct {
	store storage.PlanStore
	log   *logging.Logger
}

// New constructs a plan service.
func New(store storage.PlanStore, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("plans")
	}
	return &Service{store: store, log: log}
}

// CreateSubscriptionPlan registers a new subscription tier.
func (s *Service) CreateSubscriptionPlan(ctx context.Context, p plan.SubscriptionPlan) (plan.SubscriptionPlan, error) {
	p.Code = strings.ToLower(strings.TrimSpace(p.Code))
	p.Name = strings.TrimSpace(p.Name)

	if p.Code == "" {
		return plan.SubscriptionPlan{}, svcerr.Validation("code is required")
	}
	if p.Name == "" {
		return plan.SubscriptionPlan{}, svcerr.Validation("name is required")
	}
	if p.Credits <= 0 {
		return plan.SubscriptionPlan{}, svcerr.Validation("credits must be positive")
	}
	if p.PeriodDays <= 0 {
		return plan.SubscriptionPlan{}, svcerr.Validation("period_days must be positive")
	}
	if p.Currency == "" {
		p.Currency = "usd"
	}

	created, err := s.store.CreateSubscriptionPlan(ctx, p)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return plan.SubscriptionPlan{}, svcerr.Conflict("plan code already exists")
		}
		return plan.SubscriptionPlan{}, err
	}

	s.log.WithField("plan_code", created.Code).
		WithField("credits", created.Credits).
		Info("subscription plan created")
	return created, nil
}

// CreateTopUpPlan registers a new one-off credit pack.
func (s *Service) CreateTopUpPlan(ctx context.Context, p plan.TopUpPlan) (plan.TopUpPlan, error) {
	p.Code = strings.ToLower(strings.TrimSpace(p.Code))
	p.Name = strings.TrimSpace(p.Name)

	if p.Code == "" {
		return plan.TopUpPlan{}, svcerr.Validation("code is required")
	}
	if p.Name == "" {
		return plan.TopUpPlan{}, svcerr.Validation("name is required")
	}
	if p.Credits <= 0 {
		return plan.TopUpPlan{}, svcerr.Validation("credits must be positive")
	}
	if p.ExpiryDays < 0 {
		return plan.TopUpPlan{}, svcerr.Validation("expiry_days cannot be negative")
	}
	if p.Currency == "" {
		p.Currency = "usd"
	}

	created, err := s.store.CreateTopUpPlan(ctx, p)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return plan.TopUpPlan{}, svcerr.Conflict("plan code already exists")
		}
		return plan.TopUpPlan{}, err
	}

	s.log.WithField("plan_code", created.Code).
		WithField("credits", created.Credits).
		Info("topup plan created")
	return created, nil
}

// GetSubscriptionPlanByCode looks a subscription plan up by its code.
// Inactive plans still resolve so renewals for legacy subscribers keep
// granting.
func (s *Service) GetSubscriptionPlanByCode(ctx context.Context, code string) (plan.SubscriptionPlan, error) {
	p, err := s.store.GetSubscriptionPlanByCode(ctx, strings.ToLower(strings.TrimSpace(code)))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return plan.SubscriptionPlan{}, svcerr.NotFound("subscription plan", code)
		}
		return plan.SubscriptionPlan{}, err
	}
	return p, nil
}

// GetTopUpPlanByCode looks a top-up plan up by its code.
func (s *Service) GetTopUpPlanByCode(ctx context.Context, code string) (plan.TopUpPlan, error) {
	p, err := s.store.GetTopUpPlanByCode(ctx, strings.ToLower(strings.TrimSpace(code)))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return plan.TopUpPlan{}, svcerr.NotFound("topup plan", code)
		}
		return plan.TopUpPlan{}, err
	}
	return p, nil
}

// ListSubscriptionPlans returns the subscription catalog.
func (s *Service) ListSubscriptionPlans(ctx context.Context) ([]plan.SubscriptionPlan, error) {
	return s.store.ListSubscriptionPlans(ctx)
}

// ListTopUpPlans returns the top-up catalog.
func (s *Service) ListTopUpPlans(ctx context.Context) ([]plan.TopUpPlan, error) {
	return s.store.ListTopUpPlans(ctx)
}

// UpdateSubscriptionPlan edits a subscription plan. The code is immutable;
// nil fields keep their current value.
func (s *Service) UpdateSubscriptionPlan(ctx context.Context, id string, name *string, credits *int64, periodDays *int, priceCents *int64, active *bool) (plan.SubscriptionPlan, error) {
	p, err := s.store.GetSubscriptionPlan(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return plan.SubscriptionPlan{}, svcerr.NotFound("subscription plan", id)
		}
		return plan.SubscriptionPlan{}, err
	}

	if name != nil {
		if strings.TrimSpace(*name) == "" {
			return plan.SubscriptionPlan{}, svcerr.Validation("name cannot be empty")
		}
		p.Name = strings.TrimSpace(*name)
	}
	if credits != nil {
		if *credits <= 0 {
			return plan.SubscriptionPlan{}, svcerr.Validation("credits must be positive")
		}
		p.Credits = *credits
	}
	if periodDays != nil {
		if *periodDays <= 0 {
			return plan.SubscriptionPlan{}, svcerr.Validation("period_days must be positive")
		}
		p.PeriodDays = *periodDays
	}
	if priceCents != nil {
		p.PriceCents = *priceCents
	}
	if active != nil {
		p.Active = *active
	}

	updated, err := s.store.UpdateSubscriptionPlan(ctx, p)
	if err != nil {
		return plan.SubscriptionPlan{}, err
	}
	s.log.WithField("plan_code", updated.Code).Info("subscription plan updated")
	return updated, nil
}

// UpdateTopUpPlan edits a top-up plan. The code is immutable; nil fields keep
// their current value.
func (s *Service) UpdateTopUpPlan(ctx context.Context, id string, name *string, credits *int64, expiryDays *int, priceCents *int64, active *bool) (plan.TopUpPlan, error) {
	p, err := s.store.GetTopUpPlan(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return plan.TopUpPlan{}, svcerr.NotFound("topup plan", id)
		}
		return plan.TopUpPlan{}, err
	}

	if name != nil {
		if strings.TrimSpace(*name) == "" {
			return plan.TopUpPlan{}, svcerr.Validation("name cannot be empty")
		}
		p.Name = strings.TrimSpace(*name)
	}
	if credits != nil {
		if *credits <= 0 {
			return plan.TopUpPlan{}, svcerr.Validation("credits must be positive")
		}
		p.Credits = *credits
	}
	if expiryDays != nil {
		if *expiryDays < 0 {
			return plan.TopUpPlan{}, svcerr.Validation("expiry_days cannot be negative")
		}
		p.ExpiryDays = *expiryDays
	}
	if priceCents != nil {
		p.PriceCents = *priceCents
	}
	if active != nil {
		p.Active = *active
	}

	updated, err := s.store.UpdateTopUpPlan(ctx, p)
	if err != nil {
		return plan.TopUpPlan{}, err
	}
	s.log.WithField("plan_code", updated.Code).Info("topup plan updated")
	return updated, nil
}

// SetSubscriptionPlanActive flips a subscription plan's availability.
func (s *Service) SetSubscriptionPlanActive(ctx context.Context, id string, active bool) (plan.SubscriptionPlan, error) {
	p, err := s.store.GetSubscriptionPlan(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return plan.SubscriptionPlan{}, svcerr.NotFound("subscription plan", id)
		}
		return plan.SubscriptionPlan{}, err
	}
	p.Active = active
	return s.store.UpdateSubscriptionPlan(ctx, p)
}

// SetTopUpPlanActive flips a top-up plan's availability.
func (s *Service) SetTopUpPlanActive(ctx context.Context, id string, active bool) (plan.TopUpPlan, error) {
	p, err := s.store.GetTopUpPlan(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return plan.TopUpPlan{}, svcerr.NotFound("topup plan", id)
		}
		return plan.TopUpPlan{}, err
	}
	p.Active = active
	return s.store.UpdateTopUpPlan(ctx, p)
}
