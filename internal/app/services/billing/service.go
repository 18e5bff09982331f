// Package billing processes payment provider webhooks into credit grants.
// Deliveries are deduplicated by the provider's event ID: a replayed event
// returns the stored outcome without touching any balance.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/billing"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/credit"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/services/credits"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/services/plans"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/services/users"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/storage"
	svcerr "github.com/techninja0210-maker/Imaginify-sub001/internal/errors"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/logging"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/metrics"
)

// Service turns provider events into credit grants.
type Service struct {
	store   storage.BillingStore
	users   *users.Service
	plans   *plans.Service
	credits *credits.Service
	log     *logging.Logger
	now     func() time.Time
}

// New constructs a billing service.
func New(store storage.BillingStore, userSvc *users.Service, planSvc *plans.Service, creditSvc *credits.Service, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("billing")
	}
	return &Service{
		store:   store,
		users:   userSvc,
		plans:   planSvc,
		credits: creditSvc,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// webhookPayload is the provider's delivery envelope.
type webhookPayload struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		UserExternalID string    `json:"user_external_id"`
		PlanCode       string    `json:"plan_code"`
		PeriodEnd      time.Time `json:"period_end"`
	} `json:"data"`
}

// ParseEvent decodes a raw webhook body into an event record.
func (s *Service) ParseEvent(raw []byte) (billing.Event, error) {
	var payload webhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return billing.Event{}, svcerr.Validation("malformed webhook payload")
	}
	if strings.TrimSpace(payload.ID) == "" {
		return billing.Event{}, svcerr.Validation("event id is required")
	}
	if strings.TrimSpace(payload.Type) == "" {
		return billing.Event{}, svcerr.Validation("event type is required")
	}

	return billing.Event{
		ProviderID:     strings.TrimSpace(payload.ID),
		Type:           billing.EventType(strings.TrimSpace(payload.Type)),
		UserExternalID: strings.TrimSpace(payload.Data.UserExternalID),
		PlanCode:       strings.TrimSpace(payload.Data.PlanCode),
		PeriodEnd:      payload.Data.PeriodEnd,
		Payload:        raw,
	}, nil
}

// ProcessEvent records and handles a webhook delivery. Processing failures
// are captured on the event record rather than returned, so the provider
// sees success and does not retry a delivery that will never succeed; only
// storage faults surface as errors.
func (s *Service) ProcessEvent(ctx context.Context, e billing.Event) (billing.Event, error) {
	if e.ProviderID == "" {
		return billing.Event{}, svcerr.Validation("provider event id is required")
	}

	created, err := s.store.CreateEvent(ctx, e)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			existing, gerr := s.store.GetEventByProviderID(ctx, e.ProviderID)
			if gerr != nil {
				return billing.Event{}, gerr
			}
			s.log.WithField("provider_id", e.ProviderID).
				WithField("outcome", string(existing.Outcome)).
				Info("duplicate webhook delivery, returning stored outcome")
			metrics.RecordWebhookEvent(string(e.Type), "duplicate")
			return existing, nil
		}
		return billing.Event{}, err
	}

	outcome, procErr := s.handle(ctx, created)
	created.Outcome = outcome
	created.ProcessedAt = s.now()
	if procErr != nil {
		created.Error = procErr.Error()
		s.log.WithError(procErr).
			WithField("provider_id", created.ProviderID).
			WithField("type", string(created.Type)).
			Warn("webhook processing failed")
	}

	updated, err := s.store.UpdateEvent(ctx, created)
	if err != nil {
		return billing.Event{}, err
	}

	metrics.RecordWebhookEvent(string(created.Type), string(outcome))
	return updated, nil
}

// ListEvents returns recent webhook deliveries, newest first.
func (s *Service) ListEvents(ctx context.Context, limit int) ([]billing.Event, error) {
	return s.store.ListEvents(ctx, limit)
}

func (s *Service) handle(ctx context.Context, e billing.Event) (billing.Outcome, error) {
	switch e.Type {
	case billing.EventInvoicePaid:
		return s.grantSubscription(ctx, e)
	case billing.EventCheckoutCompleted:
		return s.grantTopUp(ctx, e)
	case billing.EventSubscriptionCanceled:
		// Already-issued credits run until their own expiry.
		s.log.WithField("external_id", e.UserExternalID).Info("subscription canceled")
		return billing.OutcomeRecorded, nil
	default:
		return billing.OutcomeIgnored, nil
	}
}

func (s *Service) grantSubscription(ctx context.Context, e billing.Event) (billing.Outcome, error) {
	u, err := s.users.GetByExternalID(ctx, e.UserExternalID)
	if err != nil {
		return billing.OutcomeError, err
	}
	p, err := s.plans.GetSubscriptionPlanByCode(ctx, e.PlanCode)
	if err != nil {
		return billing.OutcomeError, err
	}

	expiresAt := e.PeriodEnd
	if expiresAt.IsZero() {
		expiresAt = s.now().Add(time.Duration(p.PeriodDays) * 24 * time.Hour)
	}

	_, err = s.credits.Grant(ctx, credits.GrantRequest{
		UserID:         u.ID,
		Source:         credit.SourceSubscription,
		PlanCode:       p.Code,
		Amount:         p.Credits,
		ExpiresAt:      expiresAt,
		Reference:      "billing:" + e.ProviderID,
		IdempotencyKey: "billing:" + e.ProviderID,
	})
	if err != nil {
		return billing.OutcomeError, err
	}
	return billing.OutcomeGranted, nil
}

func (s *Service) grantTopUp(ctx context.Context, e billing.Event) (billing.Outcome, error) {
	u, err := s.users.GetByExternalID(ctx, e.UserExternalID)
	if err != nil {
		return billing.OutcomeError, err
	}
	p, err := s.plans.GetTopUpPlanByCode(ctx, e.PlanCode)
	if err != nil {
		return billing.OutcomeError, err
	}

	var expiresAt time.Time
	if p.ExpiryDays > 0 {
		expiresAt = s.now().Add(time.Duration(p.ExpiryDays) * 24 * time.Hour)
	}

	_, err = s.credits.Grant(ctx, credits.GrantRequest{
		UserID:         u.ID,
		Source:         credit.SourceTopUp,
		PlanCode:       p.Code,
		Amount:         p.Credits,
		ExpiresAt:      expiresAt,
		Reference:      "billing:" + e.ProviderID,
		IdempotencyKey: "billing:" + e.ProviderID,
	})
	if err != nil {
		return billing.OutcomeError, err
	}
	return billing.OutcomeGranted, nil
}
