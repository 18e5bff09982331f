package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/billing"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/credit"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/job"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestUpdateGrantVersionConflict(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	// Guarded update touches no rows, then the follow-up read finds the
	// grant, so the miss is a lost race rather than a missing row.
	mock.ExpectExec(`UPDATE credit_grants`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "source", "plan_code", "amount", "used",
		"expires_at", "revoked", "version", "reference", "created_at", "updated_at",
	}).AddRow("g1", "u1", "topup", "", int64(100), int64(0),
		nil, false, int64(3), "", time.Now(), time.Now())
	mock.ExpectQuery(`SELECT .+ FROM credit_grants WHERE id`).
		WillReturnRows(rows)

	_, err := store.UpdateGrant(ctx, credit.Grant{ID: "g1", Version: 2, Amount: 100, Used: 10})
	if !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateGrantMissingRow(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE credit_grants`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .+ FROM credit_grants WHERE id`).
		WillReturnError(sql.ErrNoRows)

	_, err := store.UpdateGrant(ctx, credit.Grant{ID: "missing", Version: 1})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateGrantIncrementsVersion(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE credit_grants`).
		WithArgs("g1", int64(2), int64(100), int64(40), sqlmock.AnyArg(), false, "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	updated, err := store.UpdateGrant(ctx, credit.Grant{ID: "g1", Version: 2, Amount: 100, Used: 40})
	if err != nil {
		t.Fatalf("update grant: %v", err)
	}
	if updated.Version != 3 {
		t.Fatalf("expected version 3 after update, got %d", updated.Version)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateQuoteGuardedByStatus(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// The update only matches rows still in the expected status; a miss with
	// the row present means another transition won.
	mock.ExpectExec(`UPDATE job_quotes`).
		WithArgs("q1", "consumed", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "kind", "units", "unit_cost", "amount",
		"status", "breakdown", "expires_at", "created_at", "updated_at",
	}).AddRow("q1", "u1", "video.render", int64(1), int64(10), int64(10),
		"expired", nil, nil, now, now)
	mock.ExpectQuery(`SELECT .+ FROM job_quotes WHERE id`).
		WillReturnRows(rows)

	_, err := store.UpdateQuote(ctx, job.Quote{ID: "q1", Status: job.QuoteConsumed}, job.QuotePending)
	if !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateJobGuardedByStatus(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE jobs`).
		WithArgs("j1", "completed", int64(7), int64(3), "", sqlmock.AnyArg(), sqlmock.AnyArg(), "running").
		WillReturnResult(sqlmock.NewResult(0, 1))

	updated, err := store.UpdateJob(ctx, job.Job{ID: "j1", Status: job.StatusCompleted, CostFinal: 7, Refunded: 3}, job.StatusRunning)
	if err != nil {
		t.Fatalf("update job: %v", err)
	}
	if updated.Status != job.StatusCompleted {
		t.Fatalf("expected completed job, got %s", updated.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateEventDuplicateProviderID(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO billing_events`).
		WillReturnError(&pq.Error{Code: uniqueViolation})

	_, err := store.CreateEvent(ctx, billing.Event{ProviderID: "evt_1", Type: billing.EventInvoicePaid})
	if !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
}

func TestPutIdempotencyKeyDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO idempotency_keys`).
		WillReturnError(&pq.Error{Code: uniqueViolation})

	err := store.PutIdempotencyKey(ctx, storage.IdempotencyRecord{Key: "k1", Scope: "deduct", LedgerEntryID: "l1"})
	if !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
}

func TestListSpendableGrantsOrdering(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "user_id", "source", "plan_code", "amount", "used",
		"expires_at", "revoked", "version", "reference", "created_at", "updated_at",
	}).
		AddRow("sub", "u1", "subscription", "pro", int64(500), int64(0), now.Add(24*time.Hour), false, int64(1), "", now, now).
		AddRow("topup", "u1", "topup", "pack", int64(200), int64(0), nil, false, int64(1), "", now, now)
	mock.ExpectQuery(`SELECT .+ FROM credit_grants`).
		WithArgs("u1", sqlmock.AnyArg()).
		WillReturnRows(rows)

	grants, err := store.ListSpendableGrants(ctx, "u1", now)
	if err != nil {
		t.Fatalf("list spendable grants: %v", err)
	}
	if len(grants) != 2 {
		t.Fatalf("expected 2 grants, got %d", len(grants))
	}
	if grants[0].Source != credit.SourceSubscription {
		t.Fatalf("expected subscription grant first, got %s", grants[0].Source)
	}
	if !grants[1].ExpiresAt.IsZero() {
		t.Fatalf("expected non-expiring topup grant, got expiry %v", grants[1].ExpiresAt)
	}
}
