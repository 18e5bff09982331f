package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/credit"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/job"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/user"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/storage"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/platform/migrations"
)

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if err := migrations.Apply(db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	store := New(db)
	ctx := context.Background()

	u, err := store.CreateUser(ctx, user.User{Email: "it-" + time.Now().Format("150405.000") + "@example.com"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	expiry := time.Now().UTC().Add(30 * 24 * time.Hour)
	sub, err := store.CreateGrant(ctx, credit.Grant{
		UserID: u.ID, Source: credit.SourceSubscription, PlanCode: "pro",
		Amount: 500, ExpiresAt: expiry,
	})
	if err != nil {
		t.Fatalf("create subscription grant: %v", err)
	}
	topup, err := store.CreateGrant(ctx, credit.Grant{
		UserID: u.ID, Source: credit.SourceTopUp, PlanCode: "pack-1000", Amount: 1000,
	})
	if err != nil {
		t.Fatalf("create topup grant: %v", err)
	}

	spendable, err := store.ListSpendableGrants(ctx, u.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("list spendable: %v", err)
	}
	if len(spendable) != 2 || spendable[0].ID != sub.ID || spendable[1].ID != topup.ID {
		t.Fatalf("unexpected spendable order: %+v", spendable)
	}

	// Version guard: a stale update must lose.
	sub.Used = 100
	updated, err := store.UpdateGrant(ctx, sub)
	if err != nil {
		t.Fatalf("update grant: %v", err)
	}
	if updated.Version != sub.Version+1 {
		t.Fatalf("expected version bump, got %d", updated.Version)
	}
	if _, err := store.UpdateGrant(ctx, sub); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected version conflict on stale update, got %v", err)
	}

	entry, err := store.AppendLedger(ctx, credit.LedgerEntry{
		UserID: u.ID, Type: credit.EntryDeduct, Amount: -100,
		BalanceAfter: 1400, GrantID: sub.ID, IdempotencyKey: "it-key-" + u.ID,
	})
	if err != nil {
		t.Fatalf("append ledger: %v", err)
	}
	if err := store.PutIdempotencyKey(ctx, storage.IdempotencyRecord{
		Key: entry.IdempotencyKey, Scope: "deduct", LedgerEntryID: entry.ID,
	}); err != nil {
		t.Fatalf("put idempotency key: %v", err)
	}
	if err := store.PutIdempotencyKey(ctx, storage.IdempotencyRecord{
		Key: entry.IdempotencyKey, Scope: "deduct", LedgerEntryID: entry.ID,
	}); !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("expected duplicate idempotency key, got %v", err)
	}

	q, err := store.CreateQuote(ctx, job.Quote{
		UserID: u.ID, Kind: "video.render", Units: 10, UnitCost: 5, Amount: 50,
		Status: job.QuotePending, ExpiresAt: time.Now().UTC().Add(15 * time.Minute),
		Breakdown: []credit.GrantPortion{{GrantID: sub.ID, Amount: 50}},
	})
	if err != nil {
		t.Fatalf("create quote: %v", err)
	}
	got, err := store.GetQuote(ctx, q.ID)
	if err != nil {
		t.Fatalf("get quote: %v", err)
	}
	if len(got.Breakdown) != 1 || got.Breakdown[0].GrantID != sub.ID {
		t.Fatalf("breakdown did not round-trip: %+v", got.Breakdown)
	}
}
