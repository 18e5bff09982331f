package billing

import (
	"context"
	"testing"
	"time"

	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/billing"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/plan"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/user"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/services/credits"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/services/plans"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/services/users"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/storage/memory"
)

func newTestService(t *testing.T) (*Service, *credits.Service, user.User) {
	t.Helper()
	store := memory.New()
	userSvc := users.New(store, nil)
	planSvc := plans.New(store, nil)
	creditSvc := credits.New(store, store, store, store, nil, nil)
	svc := New(store, userSvc, planSvc, creditSvc, nil)

	ctx := context.Background()
	u, err := userSvc.Create(ctx, user.User{Email: "w@example.com", ExternalID: "sub-42"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := planSvc.CreateSubscriptionPlan(ctx, plan.SubscriptionPlan{
		Code: "pro", Name: "Pro", Credits: 500, PeriodDays: 30, Active: true,
	}); err != nil {
		t.Fatalf("create subscription plan: %v", err)
	}
	if _, err := planSvc.CreateTopUpPlan(ctx, plan.TopUpPlan{
		Code: "pack-1000", Name: "1000 credits", Credits: 1000, Active: true,
	}); err != nil {
		t.Fatalf("create topup plan: %v", err)
	}
	return svc, creditSvc, u
}

func TestParseEventRejectsBadPayloads(t *testing.T) {
	svc, _, _ := newTestService(t)

	for i, raw := range []string{"not json", `{}`, `{"id":"evt_1"}`} {
		if _, err := svc.ParseEvent([]byte(raw)); err == nil {
			t.Fatalf("case %d: expected error for %q", i, raw)
		}
	}
}

func TestInvoicePaidGrantsSubscriptionCredits(t *testing.T) {
	svc, creditSvc, u := newTestService(t)
	ctx := context.Background()

	periodEnd := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)
	e, err := svc.ParseEvent([]byte(`{
		"id": "evt_1",
		"type": "invoice.paid",
		"data": {"user_external_id": "sub-42", "plan_code": "pro", "period_end": "` + periodEnd.Format(time.RFC3339) + `"}
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	processed, err := svc.ProcessEvent(ctx, e)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if processed.Outcome != billing.OutcomeGranted {
		t.Fatalf("expected granted, got %s (%s)", processed.Outcome, processed.Error)
	}

	balance, err := creditSvc.Balance(ctx, u.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Available != 500 {
		t.Fatalf("expected 500 credits, got %d", balance.Available)
	}

	grants, err := creditSvc.ListGrants(ctx, u.ID)
	if err != nil {
		t.Fatalf("list grants: %v", err)
	}
	if !grants[0].ExpiresAt.Equal(periodEnd) {
		t.Fatalf("expected expiry %v, got %v", periodEnd, grants[0].ExpiresAt)
	}
}

func TestDuplicateDeliveryGrantsOnce(t *testing.T) {
	svc, creditSvc, u := newTestService(t)
	ctx := context.Background()

	e, err := svc.ParseEvent([]byte(`{
		"id": "evt_dup",
		"type": "checkout.completed",
		"data": {"user_external_id": "sub-42", "plan_code": "pack-1000"}
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	first, err := svc.ProcessEvent(ctx, e)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if first.Outcome != billing.OutcomeGranted {
		t.Fatalf("expected granted, got %s (%s)", first.Outcome, first.Error)
	}

	second, err := svc.ProcessEvent(ctx, e)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if second.Outcome != billing.OutcomeGranted {
		t.Fatalf("expected stored outcome on replay, got %s", second.Outcome)
	}

	balance, err := creditSvc.Balance(ctx, u.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Available != 1000 {
		t.Fatalf("expected credits granted once, got %d", balance.Available)
	}
}

func TestUnknownEventTypeIsIgnored(t *testing.T) {
	svc, _, _ := newTestService(t)

	e, err := svc.ParseEvent([]byte(`{"id": "evt_x", "type": "customer.updated", "data": {}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	processed, err := svc.ProcessEvent(context.Background(), e)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if processed.Outcome != billing.OutcomeIgnored {
		t.Fatalf("expected ignored, got %s", processed.Outcome)
	}
}

func TestProcessingFailureIsRecordedNotReturned(t *testing.T) {
	svc, _, _ := newTestService(t)

	e, err := svc.ParseEvent([]byte(`{
		"id": "evt_bad",
		"type": "invoice.paid",
		"data": {"user_external_id": "ghost", "plan_code": "pro"}
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	processed, err := svc.ProcessEvent(context.Background(), e)
	if err != nil {
		t.Fatalf("process should not fail: %v", err)
	}
	if processed.Outcome != billing.OutcomeError {
		t.Fatalf("expected error outcome, got %s", processed.Outcome)
	}
	if processed.Error == "" {
		t.Fatal("expected error message recorded on event")
	}
}

func TestSubscriptionCanceledIsRecorded(t *testing.T) {
	svc, _, _ := newTestService(t)

	e, err := svc.ParseEvent([]byte(`{
		"id": "evt_cancel",
		"type": "subscription.canceled",
		"data": {"user_external_id": "sub-42", "plan_code": "pro"}
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	processed, err := svc.ProcessEvent(context.Background(), e)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if processed.Outcome != billing.OutcomeRecorded {
		t.Fatalf("expected recorded, got %s", processed.Outcome)
	}
}
