package plans

import (
	"context"
	"testing"

	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/plan"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/storage/memory"
	svcerr "github.com/techninja0210-maker/Imaginify-sub001/internal/errors"
)

func TestCreateSubscriptionPlanValidation(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()

	cases := []plan.SubscriptionPlan{
		{Name: "Pro", Credits: 500, PeriodDays: 30},
		{Code: "pro", Credits: 500, PeriodDays: 30},
		{Code: "pro", Name: "Pro", PeriodDays: 30},
		{Code: "pro", Name: "Pro", Credits: 500},
	}
	for i, p := range cases {
		if _, err := svc.CreateSubscriptionPlan(ctx, p); !svcerr.Is(err, svcerr.CodeValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestCreateSubscriptionPlanDuplicateCode(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()

	p := plan.SubscriptionPlan{Code: "pro", Name: "Pro", Credits: 500, PeriodDays: 30, Active: true}
	if _, err := svc.CreateSubscriptionPlan(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.CreateSubscriptionPlan(ctx, p); !svcerr.Is(err, svcerr.CodeConflict) {
		t.Fatalf("expected conflict on duplicate code, got %v", err)
	}
}

func TestTopUpPlanLifecycle(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()

	created, err := svc.CreateTopUpPlan(ctx, plan.TopUpPlan{
		Code: "pack-1000", Name: "1000 credits", Credits: 1000, PriceCents: 999, Active: true,
	})
	if err != nil {
		t.Fatalf("create topup plan: %v", err)
	}
	if created.Currency != "usd" {
		t.Fatalf("expected default currency usd, got %q", created.Currency)
	}

	got, err := svc.GetTopUpPlanByCode(ctx, "pack-1000")
	if err != nil {
		t.Fatalf("get by code: %v", err)
	}
	if got.ID != created.ID {
		t.Fatalf("expected %s, got %s", created.ID, got.ID)
	}

	deactivated, err := svc.SetTopUpPlanActive(ctx, created.ID, false)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if deactivated.Active {
		t.Fatal("expected plan to be inactive")
	}
}

func TestPlanCodesAreLowercased(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()

	created, err := svc.CreateSubscriptionPlan(ctx, plan.SubscriptionPlan{
		Code: "  PRO-Monthly ", Name: "Pro", Credits: 500, PeriodDays: 30, Active: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Code != "pro-monthly" {
		t.Fatalf("code = %q, want pro-monthly", created.Code)
	}

	if _, err := svc.GetSubscriptionPlanByCode(ctx, "PRO-MONTHLY"); err != nil {
		t.Fatalf("get by uppercased code: %v", err)
	}
}

func TestUpdateSubscriptionPlan(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()

	created, err := svc.CreateSubscriptionPlan(ctx, plan.SubscriptionPlan{
		Code: "pro", Name: "Pro", Credits: 500, PeriodDays: 30, PriceCents: 1999, Active: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	name := "Pro Plus"
	credits := int64(750)
	updated, err := svc.UpdateSubscriptionPlan(ctx, created.ID, &name, &credits, nil, nil, nil)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "Pro Plus" || updated.Credits != 750 {
		t.Fatalf("updated = %+v", updated)
	}
	if updated.PeriodDays != 30 || updated.PriceCents != 1999 {
		t.Fatalf("untouched fields changed: %+v", updated)
	}

	bad := int64(0)
	if _, err := svc.UpdateSubscriptionPlan(ctx, created.ID, nil, &bad, nil, nil, nil); !svcerr.Is(err, svcerr.CodeValidation) {
		t.Fatalf("expected validation error for zero credits, got %v", err)
	}

	if _, err := svc.UpdateSubscriptionPlan(ctx, "missing", &name, nil, nil, nil, nil); !svcerr.Is(err, svcerr.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateTopUpPlan(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()

	created, err := svc.CreateTopUpPlan(ctx, plan.TopUpPlan{
		Code: "pack-100", Name: "100 credits", Credits: 100, PriceCents: 499, ExpiryDays: 365, Active: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	expiry := 0
	active := false
	updated, err := svc.UpdateTopUpPlan(ctx, created.ID, nil, nil, &expiry, nil, &active)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ExpiryDays != 0 || updated.Active {
		t.Fatalf("updated = %+v", updated)
	}
}
