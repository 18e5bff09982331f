package users

import (
	"context"
	"testing"

	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/user"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/storage/memory"
	svcerr "github.com/techninja0210-maker/Imaginify-sub001/internal/errors"
)

func TestCreateValidatesEmail(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()

	if _, err := svc.Create(ctx, user.User{}); !svcerr.Is(err, svcerr.CodeValidation) {
		t.Fatalf("expected validation error for empty email, got %v", err)
	}
	if _, err := svc.Create(ctx, user.User{Email: "not-an-email"}); !svcerr.Is(err, svcerr.CodeValidation) {
		t.Fatalf("expected validation error for malformed email, got %v", err)
	}
}

func TestCreateAndLookup(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, user.User{Email: "a@example.com", ExternalID: "sub-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated ID")
	}

	byExternal, err := svc.GetByExternalID(ctx, "sub-1")
	if err != nil {
		t.Fatalf("get by external id: %v", err)
	}
	if byExternal.ID != created.ID {
		t.Fatalf("expected %s, got %s", created.ID, byExternal.ID)
	}

	if _, err := svc.Create(ctx, user.User{Email: "a@example.com"}); !svcerr.Is(err, svcerr.CodeConflict) {
		t.Fatalf("expected conflict for duplicate email, got %v", err)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, user.User{Email: "b@example.com"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	name := "Renamed"
	updated, err := svc.Update(ctx, created.ID, nil, &name, nil)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.DisplayName != "Renamed" {
		t.Fatalf("expected display name update, got %q", updated.DisplayName)
	}

	if err := svc.Delete(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Get(ctx, created.ID); !svcerr.Is(err, svcerr.CodeNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}
