// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/billing"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/credit"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/job"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/plan"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/user"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/storage"
)

const uniqueViolation = "23505"

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.PlanStore = (*Store)(nil)
var _ storage.CreditStore = (*Store)(nil)
var _ storage.JobStore = (*Store)(nil)
var _ storage.BillingStore = (*Store)(nil)
var _ storage.IdempotencyStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return storage.ErrDuplicate
	}
	return err
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}

// --- UserStore --------------------------------------------------------------

type userRow struct {
	ID          string         `db:"id"`
	ExternalID  string         `db:"external_id"`
	Email       string         `db:"email"`
	DisplayName string         `db:"display_name"`
	Metadata    sql.NullString `db:"metadata"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r userRow) toDomain() user.User {
	u := user.User{
		ID:          r.ID,
		ExternalID:  r.ExternalID,
		Email:       r.Email,
		DisplayName: r.DisplayName,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.Metadata.Valid && r.Metadata.String != "" {
		_ = json.Unmarshal([]byte(r.Metadata.String), &u.Metadata)
	}
	return u
}

func (s *Store) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	metadataJSON, err := json.Marshal(u.Metadata)
	if err != nil {
		return user.User{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, external_id, email, display_name, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, u.ID, u.ExternalID, u.Email, u.DisplayName, metadataJSON, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return user.User{}, mapError(err)
	}
	return u, nil
}

func (s *Store) UpdateUser(ctx context.Context, u user.User) (user.User, error) {
	existing, err := s.GetUser(ctx, u.ID)
	if err != nil {
		return user.User{}, err
	}

	u.ExternalID = existing.ExternalID
	u.CreatedAt = existing.CreatedAt
	u.UpdatedAt = time.Now().UTC()

	metadataJSON, err := json.Marshal(u.Metadata)
	if err != nil {
		return user.User{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET email = $2, display_name = $3, metadata = $4, updated_at = $5
		WHERE id = $1
	`, u.ID, u.Email, u.DisplayName, metadataJSON, u.UpdatedAt)
	if err != nil {
		return user.User{}, mapError(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return user.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, external_id, email, display_name, metadata, created_at, updated_at
		FROM users
		WHERE id = $1
	`, id)
	if err != nil {
		return user.User{}, mapError(err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetUserByExternalID(ctx context.Context, externalID string) (user.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, external_id, email, display_name, metadata, created_at, updated_at
		FROM users
		WHERE external_id = $1
	`, externalID)
	if err != nil {
		return user.User{}, mapError(err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListUsers(ctx context.Context) ([]user.User, error) {
	var rows []userRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, external_id, email, display_name, metadata, created_at, updated_at
		FROM users
		ORDER BY created_at
	`)
	if err != nil {
		return nil, mapError(err)
	}

	users := make([]user.User, 0, len(rows))
	for _, row := range rows {
		users = append(users, row.toDomain())
	}
	return users, nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- PlanStore --------------------------------------------------------------

type subscriptionPlanRow struct {
	ID         string    `db:"id"`
	Code       string    `db:"code"`
	Name       string    `db:"name"`
	Credits    int64     `db:"credits"`
	PeriodDays int       `db:"period_days"`
	PriceCents int64     `db:"price_cents"`
	Currency   string    `db:"currency"`
	Active     bool      `db:"active"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r subscriptionPlanRow) toDomain() plan.SubscriptionPlan {
	return plan.SubscriptionPlan(r)
}

func (s *Store) CreateSubscriptionPlan(ctx context.Context, p plan.SubscriptionPlan) (plan.SubscriptionPlan, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscription_plans (id, code, name, credits, period_days, price_cents, currency, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, p.ID, p.Code, p.Name, p.Credits, p.PeriodDays, p.PriceCents, p.Currency, p.Active, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return plan.SubscriptionPlan{}, mapError(err)
	}
	return p, nil
}

func (s *Store) UpdateSubscriptionPlan(ctx context.Context, p plan.SubscriptionPlan) (plan.SubscriptionPlan, error) {
	existing, err := s.GetSubscriptionPlan(ctx, p.ID)
	if err != nil {
		return plan.SubscriptionPlan{}, err
	}

	p.Code = existing.Code
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE subscription_plans
		SET name = $2, credits = $3, period_days = $4, price_cents = $5, currency = $6, active = $7, updated_at = $8
		WHERE id = $1
	`, p.ID, p.Name, p.Credits, p.PeriodDays, p.PriceCents, p.Currency, p.Active, p.UpdatedAt)
	if err != nil {
		return plan.SubscriptionPlan{}, mapError(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return plan.SubscriptionPlan{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) GetSubscriptionPlan(ctx context.Context, id string) (plan.SubscriptionPlan, error) {
	var row subscriptionPlanRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, code, name, credits, period_days, price_cents, currency, active, created_at, updated_at
		FROM subscription_plans
		WHERE id = $1
	`, id)
	if err != nil {
		return plan.SubscriptionPlan{}, mapError(err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetSubscriptionPlanByCode(ctx context.Context, code string) (plan.SubscriptionPlan, error) {
	var row subscriptionPlanRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, code, name, credits, period_days, price_cents, currency, active, created_at, updated_at
		FROM subscription_plans
		WHERE code = $1
	`, code)
	if err != nil {
		return plan.SubscriptionPlan{}, mapError(err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListSubscriptionPlans(ctx context.Context) ([]plan.SubscriptionPlan, error) {
	var rows []subscriptionPlanRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, code, name, credits, period_days, price_cents, currency, active, created_at, updated_at
		FROM subscription_plans
		ORDER BY created_at
	`)
	if err != nil {
		return nil, mapError(err)
	}

	plans := make([]plan.SubscriptionPlan, 0, len(rows))
	for _, row := range rows {
		plans = append(plans, row.toDomain())
	}
	return plans, nil
}

type topupPlanRow struct {
	ID         string    `db:"id"`
	Code       string    `db:"code"`
	Name       string    `db:"name"`
	Credits    int64     `db:"credits"`
	PriceCents int64     `db:"price_cents"`
	Currency   string    `db:"currency"`
	ExpiryDays int       `db:"expiry_days"`
	Active     bool      `db:"active"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r topupPlanRow) toDomain() plan.TopUpPlan {
	return plan.TopUpPlan(r)
}

func (s *Store) CreateTopUpPlan(ctx context.Context, p plan.TopUpPlan) (plan.TopUpPlan, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topup_plans (id, code, name, credits, price_cents, currency, expiry_days, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, p.ID, p.Code, p.Name, p.Credits, p.PriceCents, p.Currency, p.ExpiryDays, p.Active, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return plan.TopUpPlan{}, mapError(err)
	}
	return p, nil
}

func (s *Store) UpdateTopUpPlan(ctx context.Context, p plan.TopUpPlan) (plan.TopUpPlan, error) {
	existing, err := s.GetTopUpPlan(ctx, p.ID)
	if err != nil {
		return plan.TopUpPlan{}, err
	}

	p.Code = existing.Code
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE topup_plans
		SET name = $2, credits = $3, price_cents = $4, currency = $5, expiry_days = $6, active = $7, updated_at = $8
		WHERE id = $1
	`, p.ID, p.Name, p.Credits, p.PriceCents, p.Currency, p.ExpiryDays, p.Active, p.UpdatedAt)
	if err != nil {
		return plan.TopUpPlan{}, mapError(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return plan.TopUpPlan{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) GetTopUpPlan(ctx context.Context, id string) (plan.TopUpPlan, error) {
	var row topupPlanRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, code, name, credits, price_cents, currency, expiry_days, active, created_at, updated_at
		FROM topup_plans
		WHERE id = $1
	`, id)
	if err != nil {
		return plan.TopUpPlan{}, mapError(err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetTopUpPlanByCode(ctx context.Context, code string) (plan.TopUpPlan, error) {
	var row topupPlanRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, code, name, credits, price_cents, currency, expiry_days, active, created_at, updated_at
		FROM topup_plans
		WHERE code = $1
	`, code)
	if err != nil {
		return plan.TopUpPlan{}, mapError(err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListTopUpPlans(ctx context.Context) ([]plan.TopUpPlan, error) {
	var rows []topupPlanRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, code, name, credits, price_cents, currency, expiry_days, active, created_at, updated_at
		FROM topup_plans
		ORDER BY created_at
	`)
	if err != nil {
		return nil, mapError(err)
	}

	plans := make([]plan.TopUpPlan, 0, len(rows))
	for _, row := range rows {
		plans = append(plans, row.toDomain())
	}
	return plans, nil
}

// --- CreditStore ------------------------------------------------------------

type grantRow struct {
	ID        string       `db:"id"`
	UserID    string       `db:"user_id"`
	Source    string       `db:"source"`
	PlanCode  string       `db:"plan_code"`
	Amount    int64        `db:"amount"`
	Used      int64        `db:"used"`
	ExpiresAt sql.NullTime `db:"expires_at"`
	Revoked   bool         `db:"revoked"`
	Version   int64        `db:"version"`
	Reference string       `db:"reference"`
	CreatedAt time.Time    `db:"created_at"`
	UpdatedAt time.Time    `db:"updated_at"`
}

func (r grantRow) toDomain() credit.Grant {
	return credit.Grant{
		ID:        r.ID,
		UserID:    r.UserID,
		Source:    credit.Source(r.Source),
		PlanCode:  r.PlanCode,
		Amount:    r.Amount,
		Used:      r.Used,
		ExpiresAt: fromNullTime(r.ExpiresAt),
		Revoked:   r.Revoked,
		Version:   r.Version,
		Reference: r.Reference,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

const grantColumns = `id, user_id, source, plan_code, amount, used, expires_at, revoked, version, reference, created_at, updated_at`

func (s *Store) CreateGrant(ctx context.Context, g credit.Grant) (credit.Grant, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	g.CreatedAt = now
	g.UpdatedAt = now
	g.Version = 1

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_grants (`+grantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, g.ID, g.UserID, string(g.Source), g.PlanCode, g.Amount, g.Used, nullTime(g.ExpiresAt),
		g.Revoked, g.Version, g.Reference, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return credit.Grant{}, mapError(err)
	}
	return g, nil
}

// UpdateGrant applies a version-guarded update. The row is only written when
// the stored version matches the grant's Version; losing the race yields
// ErrVersionConflict so the caller can re-read and retry.
func (s *Store) UpdateGrant(ctx context.Context, g credit.Grant) (credit.Grant, error) {
	g.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE credit_grants
		SET amount = $3, used = $4, expires_at = $5, revoked = $6, reference = $7,
		    version = version + 1, updated_at = $8
		WHERE id = $1 AND version = $2
	`, g.ID, g.Version, g.Amount, g.Used, nullTime(g.ExpiresAt), g.Revoked, g.Reference, g.UpdatedAt)
	if err != nil {
		return credit.Grant{}, mapError(err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := s.GetGrant(ctx, g.ID); err != nil {
			return credit.Grant{}, err
		}
		return credit.Grant{}, storage.ErrVersionConflict
	}
	g.Version++
	return g, nil
}

func (s *Store) GetGrant(ctx context.Context, id string) (credit.Grant, error) {
	var row grantRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+grantColumns+` FROM credit_grants WHERE id = $1
	`, id)
	if err != nil {
		return credit.Grant{}, mapError(err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListGrants(ctx context.Context, userID string) ([]credit.Grant, error) {
	var rows []grantRow
	var err error
	if userID == "" {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT `+grantColumns+` FROM credit_grants ORDER BY created_at
		`)
	} else {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT `+grantColumns+` FROM credit_grants WHERE user_id = $1 ORDER BY created_at
		`, userID)
	}
	if err != nil {
		return nil, mapError(err)
	}

	grants := make([]credit.Grant, 0, len(rows))
	for _, row := range rows {
		grants = append(grants, row.toDomain())
	}
	return grants, nil
}

// ListSpendableGrants returns the user's live grants in deduction priority
// order: subscription before promo before topup, earliest expiry first with
// non-expiring grants last, oldest first on ties.
func (s *Store) ListSpendableGrants(ctx context.Context, userID string, now time.Time) ([]credit.Grant, error) {
	var rows []grantRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+grantColumns+`
		FROM credit_grants
		WHERE user_id = $1
		  AND NOT revoked
		  AND used < amount
		  AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY CASE source WHEN 'subscription' THEN 0 WHEN 'promo' THEN 1 ELSE 2 END,
		         expires_at ASC NULLS LAST,
		         created_at ASC
	`, userID, now)
	if err != nil {
		return nil, mapError(err)
	}

	grants := make([]credit.Grant, 0, len(rows))
	for _, row := range rows {
		grants = append(grants, row.toDomain())
	}
	return grants, nil
}

func (s *Store) ListExpiredGrants(ctx context.Context, now time.Time, limit int) ([]credit.Grant, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []grantRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+grantColumns+`
		FROM credit_grants
		WHERE NOT revoked
		  AND used < amount
		  AND expires_at IS NOT NULL
		  AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, mapError(err)
	}

	grants := make([]credit.Grant, 0, len(rows))
	for _, row := range rows {
		grants = append(grants, row.toDomain())
	}
	return grants, nil
}

type ledgerRow struct {
	ID             string         `db:"id"`
	UserID         string         `db:"user_id"`
	EntryType      string         `db:"entry_type"`
	Amount         int64          `db:"amount"`
	BalanceAfter   int64          `db:"balance_after"`
	GrantID        sql.NullString `db:"grant_id"`
	Reference      string         `db:"reference"`
	IdempotencyKey string         `db:"idempotency_key"`
	Metadata       sql.NullString `db:"metadata"`
	CreatedAt      time.Time      `db:"created_at"`
}

func (r ledgerRow) toDomain() credit.LedgerEntry {
	entry := credit.LedgerEntry{
		ID:             r.ID,
		UserID:         r.UserID,
		Type:           credit.EntryType(r.EntryType),
		Amount:         r.Amount,
		BalanceAfter:   r.BalanceAfter,
		GrantID:        r.GrantID.String,
		Reference:      r.Reference,
		IdempotencyKey: r.IdempotencyKey,
		CreatedAt:      r.CreatedAt,
	}
	if r.Metadata.Valid && r.Metadata.String != "" {
		_ = json.Unmarshal([]byte(r.Metadata.String), &entry.Metadata)
	}
	return entry
}

const ledgerColumns = `id, user_id, entry_type, amount, balance_after, grant_id, reference, idempotency_key, metadata, created_at`

func (s *Store) AppendLedger(ctx context.Context, entry credit.LedgerEntry) (credit.LedgerEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = time.Now().UTC()

	metadataJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return credit.LedgerEntry{}, err
	}

	var grantID any
	if entry.GrantID != "" {
		grantID = entry.GrantID
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credit_ledger (`+ledgerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.ID, entry.UserID, string(entry.Type), entry.Amount, entry.BalanceAfter,
		grantID, entry.Reference, entry.IdempotencyKey, metadataJSON, entry.CreatedAt)
	if err != nil {
		return credit.LedgerEntry{}, mapError(err)
	}
	return entry, nil
}

func (s *Store) GetLedgerEntry(ctx context.Context, id string) (credit.LedgerEntry, error) {
	var row ledgerRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+ledgerColumns+` FROM credit_ledger WHERE id = $1
	`, id)
	if err != nil {
		return credit.LedgerEntry{}, mapError(err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListLedger(ctx context.Context, userID string, limit int) ([]credit.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []ledgerRow
	var err error
	if userID == "" {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT `+ledgerColumns+` FROM credit_ledger ORDER BY created_at DESC LIMIT $1
		`, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT `+ledgerColumns+` FROM credit_ledger WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
		`, userID, limit)
	}
	if err != nil {
		return nil, mapError(err)
	}

	entries := make([]credit.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.toDomain())
	}
	return entries, nil
}

// --- JobStore ---------------------------------------------------------------

type quoteRow struct {
	ID        string         `db:"id"`
	UserID    string         `db:"user_id"`
	Kind      string         `db:"kind"`
	Units     int64          `db:"units"`
	UnitCost  int64          `db:"unit_cost"`
	Amount    int64          `db:"amount"`
	Status    string         `db:"status"`
	Breakdown sql.NullString `db:"breakdown"`
	ExpiresAt sql.NullTime   `db:"expires_at"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (r quoteRow) toDomain() job.Quote {
	q := job.Quote{
		ID:        r.ID,
		UserID:    r.UserID,
		Kind:      r.Kind,
		Units:     r.Units,
		UnitCost:  r.UnitCost,
		Amount:    r.Amount,
		Status:    job.QuoteStatus(r.Status),
		ExpiresAt: fromNullTime(r.ExpiresAt),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Breakdown.Valid && r.Breakdown.String != "" {
		_ = json.Unmarshal([]byte(r.Breakdown.String), &q.Breakdown)
	}
	return q
}

const quoteColumns = `id, user_id, kind, units, unit_cost, amount, status, breakdown, expires_at, created_at, updated_at`

func (s *Store) CreateQuote(ctx context.Context, q job.Quote) (job.Quote, error) {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	q.CreatedAt = now
	q.UpdatedAt = now

	breakdownJSON, err := json.Marshal(q.Breakdown)
	if err != nil {
		return job.Quote{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_quotes (`+quoteColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, q.ID, q.UserID, q.Kind, q.Units, q.UnitCost, q.Amount, string(q.Status),
		breakdownJSON, nullTime(q.ExpiresAt), q.CreatedAt, q.UpdatedAt)
	if err != nil {
		return job.Quote{}, mapError(err)
	}
	return q, nil
}

func (s *Store) UpdateQuote(ctx context.Context, q job.Quote, from job.QuoteStatus) (job.Quote, error) {
	q.UpdatedAt = time.Now().UTC()

	breakdownJSON, err := json.Marshal(q.Breakdown)
	if err != nil {
		return job.Quote{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE job_quotes
		SET status = $2, breakdown = $3, expires_at = $4, updated_at = $5
		WHERE id = $1 AND status = $6
	`, q.ID, string(q.Status), breakdownJSON, nullTime(q.ExpiresAt), q.UpdatedAt, string(from))
	if err != nil {
		return job.Quote{}, mapError(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		if _, getErr := s.GetQuote(ctx, q.ID); getErr != nil {
			return job.Quote{}, getErr
		}
		return job.Quote{}, storage.ErrVersionConflict
	}
	return q, nil
}

func (s *Store) GetQuote(ctx context.Context, id string) (job.Quote, error) {
	var row quoteRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+quoteColumns+` FROM job_quotes WHERE id = $1
	`, id)
	if err != nil {
		return job.Quote{}, mapError(err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListQuotes(ctx context.Context, userID string) ([]job.Quote, error) {
	var rows []quoteRow
	var err error
	if userID == "" {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT `+quoteColumns+` FROM job_quotes ORDER BY created_at
		`)
	} else {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT `+quoteColumns+` FROM job_quotes WHERE user_id = $1 ORDER BY created_at
		`, userID)
	}
	if err != nil {
		return nil, mapError(err)
	}

	quotes := make([]job.Quote, 0, len(rows))
	for _, row := range rows {
		quotes = append(quotes, row.toDomain())
	}
	return quotes, nil
}

func (s *Store) ListExpiredQuotes(ctx context.Context, now time.Time, limit int) ([]job.Quote, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []quoteRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+quoteColumns+`
		FROM job_quotes
		WHERE status = 'pending'
		  AND expires_at IS NOT NULL
		  AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, mapError(err)
	}

	quotes := make([]job.Quote, 0, len(rows))
	for _, row := range rows {
		quotes = append(quotes, row.toDomain())
	}
	return quotes, nil
}

type jobRow struct {
	ID          string       `db:"id"`
	UserID      string       `db:"user_id"`
	QuoteID     string       `db:"quote_id"`
	Kind        string       `db:"kind"`
	Status      string       `db:"status"`
	CostFinal   int64        `db:"cost_final"`
	Refunded    int64        `db:"refunded"`
	Error       string       `db:"error"`
	CreatedAt   time.Time    `db:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
}

func (r jobRow) toDomain() job.Job {
	return job.Job{
		ID:          r.ID,
		UserID:      r.UserID,
		QuoteID:     r.QuoteID,
		Kind:        r.Kind,
		Status:      job.Status(r.Status),
		CostFinal:   r.CostFinal,
		Refunded:    r.Refunded,
		Error:       r.Error,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		CompletedAt: fromNullTime(r.CompletedAt),
	}
}

const jobColumns = `id, user_id, quote_id, kind, status, cost_final, refunded, error, created_at, updated_at, completed_at`

func (s *Store) CreateJob(ctx context.Context, j job.Job) (job.Job, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, j.ID, j.UserID, j.QuoteID, j.Kind, string(j.Status), j.CostFinal, j.Refunded,
		j.Error, j.CreatedAt, j.UpdatedAt, nullTime(j.CompletedAt))
	if err != nil {
		return job.Job{}, mapError(err)
	}
	return j, nil
}

func (s *Store) UpdateJob(ctx context.Context, j job.Job, from job.Status) (job.Job, error) {
	j.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2, cost_final = $3, refunded = $4, error = $5, updated_at = $6, completed_at = $7
		WHERE id = $1 AND status = $8
	`, j.ID, string(j.Status), j.CostFinal, j.Refunded, j.Error, j.UpdatedAt, nullTime(j.CompletedAt), string(from))
	if err != nil {
		return job.Job{}, mapError(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		if _, getErr := s.GetJob(ctx, j.ID); getErr != nil {
			return job.Job{}, getErr
		}
		return job.Job{}, storage.ErrVersionConflict
	}
	return j, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (job.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+jobColumns+` FROM jobs WHERE id = $1
	`, id)
	if err != nil {
		return job.Job{}, mapError(err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListJobs(ctx context.Context, userID string) ([]job.Job, error) {
	var rows []jobRow
	var err error
	if userID == "" {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT `+jobColumns+` FROM jobs ORDER BY created_at
		`)
	} else {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 ORDER BY created_at
		`, userID)
	}
	if err != nil {
		return nil, mapError(err)
	}

	jobs := make([]job.Job, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, row.toDomain())
	}
	return jobs, nil
}

// --- BillingStore -----------------------------------------------------------

type eventRow struct {
	ID             string         `db:"id"`
	ProviderID     string         `db:"provider_id"`
	EventType      string         `db:"event_type"`
	UserExternalID string         `db:"user_external_id"`
	PlanCode       string         `db:"plan_code"`
	PeriodEnd      sql.NullTime   `db:"period_end"`
	Payload        sql.NullString `db:"payload"`
	Outcome        string         `db:"outcome"`
	Error          string         `db:"error"`
	ProcessedAt    sql.NullTime   `db:"processed_at"`
	CreatedAt      time.Time      `db:"created_at"`
}

func (r eventRow) toDomain() billing.Event {
	e := billing.Event{
		ID:             r.ID,
		ProviderID:     r.ProviderID,
		Type:           billing.EventType(r.EventType),
		UserExternalID: r.UserExternalID,
		PlanCode:       r.PlanCode,
		PeriodEnd:      fromNullTime(r.PeriodEnd),
		Outcome:        billing.Outcome(r.Outcome),
		Error:          r.Error,
		ProcessedAt:    fromNullTime(r.ProcessedAt),
		CreatedAt:      r.CreatedAt,
	}
	if r.Payload.Valid {
		e.Payload = []byte(r.Payload.String)
	}
	return e
}

const eventColumns = `id, provider_id, event_type, user_external_id, plan_code, period_end, payload, outcome, error, processed_at, created_at`

func (s *Store) CreateEvent(ctx context.Context, e billing.Event) (billing.Event, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = time.Now().UTC()

	var payload any
	if len(e.Payload) > 0 {
		payload = string(e.Payload)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.ProviderID, string(e.Type), e.UserExternalID, e.PlanCode, nullTime(e.PeriodEnd),
		payload, string(e.Outcome), e.Error, nullTime(e.ProcessedAt), e.CreatedAt)
	if err != nil {
		return billing.Event{}, mapError(err)
	}
	return e, nil
}

func (s *Store) UpdateEvent(ctx context.Context, e billing.Event) (billing.Event, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE billing_events
		SET outcome = $2, error = $3, processed_at = $4
		WHERE id = $1
	`, e.ID, string(e.Outcome), e.Error, nullTime(e.ProcessedAt))
	if err != nil {
		return billing.Event{}, mapError(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return billing.Event{}, storage.ErrNotFound
	}
	return e, nil
}

func (s *Store) GetEventByProviderID(ctx context.Context, providerID string) (billing.Event, error) {
	var row eventRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+eventColumns+` FROM billing_events WHERE provider_id = $1
	`, providerID)
	if err != nil {
		return billing.Event{}, mapError(err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListEvents(ctx context.Context, limit int) ([]billing.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+eventColumns+` FROM billing_events ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, mapError(err)
	}

	events := make([]billing.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.toDomain())
	}
	return events, nil
}

// --- IdempotencyStore -------------------------------------------------------

func (s *Store) PutIdempotencyKey(ctx context.Context, rec storage.IdempotencyRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, scope, ledger_entry_id, created_at)
		VALUES ($1, $2, $3, $4)
	`, rec.Key, rec.Scope, rec.LedgerEntryID, rec.CreatedAt)
	return mapError(err)
}

func (s *Store) GetIdempotencyKey(ctx context.Context, key string) (storage.IdempotencyRecord, error) {
	var rec storage.IdempotencyRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT key, scope, ledger_entry_id, created_at
		FROM idempotency_keys
		WHERE key = $1
	`, key).Scan(&rec.Key, &rec.Scope, &rec.LedgerEntryID, &rec.CreatedAt)
	if err != nil {
		return storage.IdempotencyRecord{}, mapError(err)
	}
	return rec, nil
}

func (s *Store) PurgeIdempotencyKeys(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys WHERE created_at < $1
	`, olderThan)
	if err != nil {
		return 0, mapError(err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}
