package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	app "github.com/techninja0210-maker/Imaginify-sub001/internal/app"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/credit"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/job"
	jobsvc "github.com/techninja0210-maker/Imaginify-sub001/internal/app/services/jobs"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/logging"
)

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()
	application, err := app.New(app.Stores{}, app.Options{
		Pricing:  jobsvc.Pricing{"video.render": 10},
		QuoteTTL: time.Minute,
	}, nil)
	if err != nil {
		t.Fatalf("build application: %v", err)
	}
	return NewRouter(application)
}

func doJSON(t *testing.T, router *mux.Router, method, path, role string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if role != "" {
		req = req.WithContext(context.WithValue(req.Context(), logging.RoleKey, role))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func createTestUser(t *testing.T, router *mux.Router) string {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/v1/users", "", map[string]interface{}{
		"external_id": "cus_123",
		"email":       "renderer@example.com",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create user status = %d, body %s", rec.Code, rec.Body.String())
	}
	var u struct {
		ID string `json:"id"`
	}
	decodeBody(t, rec, &u)
	return u.ID
}

func grantTestCredits(t *testing.T, router *mux.Router, userID, source string, amount int64) {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/v1/admin/grants", "admin", map[string]interface{}{
		"user_id": userID,
		"source":  source,
		"amount":  amount,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("grant status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/healthz", "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateAndGetUser(t *testing.T) {
	router := newTestRouter(t)
	id := createTestUser(t, router)

	rec := doJSON(t, router, http.MethodGet, "/v1/users/"+id, "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var u struct {
		Email string `json:"email"`
	}
	decodeBody(t, rec, &u)
	if u.Email != "renderer@example.com" {
		t.Fatalf("email = %q", u.Email)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/users/missing", "", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing user status = %d", rec.Code)
	}
}

func TestCreateUserRejectsUnknownFields(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/v1/users", "", map[string]interface{}{
		"email":   "a@b.c",
		"unknown": true,
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/v1/admin/grants", "api", map[string]interface{}{
		"user_id": "u1", "source": "promo", "amount": 10,
	}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestGrantAndBalance(t *testing.T) {
	router := newTestRouter(t)
	id := createTestUser(t, router)
	grantTestCredits(t, router, id, "subscription", 100)

	rec := doJSON(t, router, http.MethodGet, "/v1/users/"+id+"/balance", "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance status = %d", rec.Code)
	}
	var b credit.Balance
	decodeBody(t, rec, &b)
	if b.Available != 100 {
		t.Fatalf("available = %d, want 100", b.Available)
	}
}

func TestDeductIdempotencyReplay(t *testing.T) {
	router := newTestRouter(t)
	id := createTestUser(t, router)
	grantTestCredits(t, router, id, "subscription", 100)

	body := map[string]interface{}{"amount": 30, "reference": "render"}
	headers := map[string]string{"Idempotency-Key": "op-1"}

	rec := doJSON(t, router, http.MethodPost, "/v1/users/"+id+"/deduct", "", body, headers)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first deduct status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/users/"+id+"/deduct", "", body, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("replayed deduct status = %d, want 200", rec.Code)
	}
	var result struct {
		Replayed bool `json:"replayed"`
		Entry    struct {
			Amount int64 `json:"amount"`
		} `json:"entry"`
	}
	decodeBody(t, rec, &result)
	if !result.Replayed {
		t.Fatal("expected replayed result")
	}
	if result.Entry.Amount != -30 {
		t.Fatalf("entry amount = %d, want -30", result.Entry.Amount)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/users/"+id+"/balance", "", nil, nil)
	var b credit.Balance
	decodeBody(t, rec, &b)
	if b.Available != 70 {
		t.Fatalf("available = %d, want 70", b.Available)
	}
}

func TestDeductInsufficient(t *testing.T) {
	router := newTestRouter(t)
	id := createTestUser(t, router)
	grantTestCredits(t, router, id, "topup", 5)

	rec := doJSON(t, router, http.MethodPost, "/v1/users/"+id+"/deduct", "", map[string]interface{}{
		"amount": 10,
	}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	var resp struct {
		Code string `json:"code"`
	}
	decodeBody(t, rec, &resp)
	if resp.Code != "INSUFFICIENT_CREDITS" {
		t.Fatalf("error code = %q", resp.Code)
	}
}

func TestQuoteJobLifecycle(t *testing.T) {
	router := newTestRouter(t)
	id := createTestUser(t, router)
	grantTestCredits(t, router, id, "subscription", 100)

	rec := doJSON(t, router, http.MethodPost, "/v1/quotes", "", map[string]interface{}{
		"user_id": id,
		"kind":    "video.render",
		"units":   5,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("quote status = %d, body %s", rec.Code, rec.Body.String())
	}
	var q job.Quote
	decodeBody(t, rec, &q)
	if q.Amount != 50 {
		t.Fatalf("quote amount = %d, want 50", q.Amount)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/users/"+id+"/balance", "", nil, nil)
	var b credit.Balance
	decodeBody(t, rec, &b)
	if b.Available != 50 || b.Reserved != 50 {
		t.Fatalf("balance = %+v, want available 50 reserved 50", b)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/quotes/"+q.ID+"/start", "", nil, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("start status = %d, body %s", rec.Code, rec.Body.String())
	}
	var j job.Job
	decodeBody(t, rec, &j)
	if j.Status != job.StatusRunning {
		t.Fatalf("job status = %q", j.Status)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/jobs/"+j.ID+"/complete", "", map[string]interface{}{
		"cost_final": 30,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d, body %s", rec.Code, rec.Body.String())
	}
	var done job.Job
	decodeBody(t, rec, &done)
	if done.Status != job.StatusCompleted || done.CostFinal != 30 || done.Refunded != 20 {
		t.Fatalf("settled job = %+v", done)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/users/"+id+"/balance", "", nil, nil)
	decodeBody(t, rec, &b)
	if b.Available != 70 || b.Reserved != 0 {
		t.Fatalf("final balance = %+v, want available 70 reserved 0", b)
	}

	// Repeating the identical settlement replays it.
	rec = doJSON(t, router, http.MethodPost, "/v1/jobs/"+j.ID+"/complete", "", map[string]interface{}{
		"cost_final": 30,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("repeated settle status = %d, want 200", rec.Code)
	}
	decodeBody(t, rec, &done)
	if done.Status != job.StatusCompleted || done.CostFinal != 30 {
		t.Fatalf("repeated settlement = %+v", done)
	}

	// A contradictory settlement is rejected.
	rec = doJSON(t, router, http.MethodPost, "/v1/jobs/"+j.ID+"/complete", "", map[string]interface{}{
		"cost_final": 10,
	}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("conflicting settle status = %d, want 409", rec.Code)
	}
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	router := newTestRouter(t)
	createTestUser(t, router)

	rec := doJSON(t, router, http.MethodPost, "/v1/admin/plans/subscription", "admin", map[string]interface{}{
		"code":        "pro-monthly",
		"name":        "Pro Monthly",
		"credits":     500,
		"period_days": 30,
		"price_cents": 1999,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create plan status = %d, body %s", rec.Code, rec.Body.String())
	}

	event := map[string]interface{}{
		"id":   "evt_777",
		"type": "invoice.paid",
		"data": map[string]interface{}{
			"user_external_id": "cus_123",
			"plan_code":        "pro-monthly",
		},
	}
	for i := 0; i < 2; i++ {
		rec = doJSON(t, router, http.MethodPost, "/webhooks/billing", "", event, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery %d status = %d, body %s", i, rec.Code, rec.Body.String())
		}
		var resp map[string]string
		decodeBody(t, rec, &resp)
		if resp["outcome"] != "granted" {
			t.Fatalf("delivery %d outcome = %q", i, resp["outcome"])
		}
	}

	// Find the user and verify the duplicate delivery did not double-grant.
	rec = doJSON(t, router, http.MethodGet, "/v1/users", "", nil, nil)
	var users []struct {
		ID string `json:"id"`
	}
	decodeBody(t, rec, &users)
	if len(users) != 1 {
		t.Fatalf("users = %d", len(users))
	}
	rec = doJSON(t, router, http.MethodGet, fmt.Sprintf("/v1/users/%s/balance", users[0].ID), "", nil, nil)
	var b credit.Balance
	decodeBody(t, rec, &b)
	if b.Available != 500 {
		t.Fatalf("available = %d, want 500", b.Available)
	}
}

func TestListPlans(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/v1/admin/plans/topup", "admin", map[string]interface{}{
		"code":        "pack-100",
		"name":        "100 Credits",
		"credits":     100,
		"price_cents": 499,
		"expiry_days": 365,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create plan status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/plans", "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var plans struct {
		Subscription []json.RawMessage `json:"subscription"`
		TopUp        []json.RawMessage `json:"topup"`
	}
	decodeBody(t, rec, &plans)
	if len(plans.TopUp) != 1 {
		t.Fatalf("topup plans = %d", len(plans.TopUp))
	}
}

func TestRevokeGrant(t *testing.T) {
	router := newTestRouter(t)
	id := createTestUser(t, router)
	grantTestCredits(t, router, id, "promo", 40)

	rec := doJSON(t, router, http.MethodGet, "/v1/users/"+id+"/grants", "", nil, nil)
	var grants []credit.Grant
	decodeBody(t, rec, &grants)
	if len(grants) != 1 {
		t.Fatalf("grants = %d", len(grants))
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/admin/grants/"+grants[0].ID+"/revoke", "admin", map[string]interface{}{
		"reference": "fraud",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/users/"+id+"/balance", "", nil, nil)
	var b credit.Balance
	decodeBody(t, rec, &b)
	if b.Available != 0 {
		t.Fatalf("available = %d, want 0", b.Available)
	}
}

func TestAuditTrail(t *testing.T) {
	router := newTestRouter(t)
	id := createTestUser(t, router)
	grantTestCredits(t, router, id, "topup", 10)

	rec := doJSON(t, router, http.MethodGet, "/v1/admin/audit", "admin", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit status = %d", rec.Code)
	}
	var entries []auditEntry
	decodeBody(t, rec, &entries)
	if len(entries) < 2 {
		t.Fatalf("audit entries = %d, want at least 2", len(entries))
	}
	last := entries[len(entries)-1]
	if last.Role != "admin" || last.Path != "/v1/admin/grants" {
		t.Fatalf("last entry = %+v", last)
	}
}

func TestLedgerListing(t *testing.T) {
	router := newTestRouter(t)
	id := createTestUser(t, router)
	grantTestCredits(t, router, id, "subscription", 100)
	doJSON(t, router, http.MethodPost, "/v1/users/"+id+"/deduct", "", map[string]interface{}{"amount": 25}, nil)

	rec := doJSON(t, router, http.MethodGet, "/v1/users/"+id+"/ledger?limit=10", "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ledger status = %d", rec.Code)
	}
	var entries []credit.LedgerEntry
	decodeBody(t, rec, &entries)
	if len(entries) != 2 {
		t.Fatalf("ledger entries = %d, want 2", len(entries))
	}
	if entries[0].Type != credit.EntryDeduct || entries[0].BalanceAfter != 75 {
		t.Fatalf("newest entry = %+v", entries[0])
	}
}
