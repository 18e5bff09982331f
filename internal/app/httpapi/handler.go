// Package httpapi exposes the credit platform's REST API.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	app "github.com/techninja0210-maker/Imaginify-sub001/internal/app"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/credit"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/plan"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/user"
	creditsvc "github.com/techninja0210-maker/Imaginify-sub001/internal/app/services/credits"
	svcerr "github.com/techninja0210-maker/Imaginify-sub001/internal/errors"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/httputil"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/logging"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/metrics"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app   *app.Application
	audit *auditLog
}

// Option customises the handler.
type Option func(*handler)

// WithAuditSink persists audit entries to the given JSONL file.
func WithAuditSink(path string) Option {
	return func(h *handler) {
		sink, err := newFileAuditSink(path)
		if err == nil && sink != nil {
			h.audit = newAuditLog(0, sink)
		}
	}
}

// NewRouter returns a mux exposing the REST API. Middleware is applied by
// the caller; the router itself only maps routes to handlers.
func NewRouter(application *app.Application, opts ...Option) *mux.Router {
	h := &handler{app: application, audit: newAuditLog(0, nil)}
	for _, opt := range opts {
		opt(h)
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/users", h.createUser).Methods(http.MethodPost)
	v1.HandleFunc("/users", h.listUsers).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id}", h.getUser).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id}", h.updateUser).Methods(http.MethodPut)
	v1.HandleFunc("/users/{id}", h.deleteUser).Methods(http.MethodDelete)

	v1.HandleFunc("/users/{id}/balance", h.balance).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id}/grants", h.listGrants).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id}/ledger", h.listLedger).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id}/deduct", h.deduct).Methods(http.MethodPost)
	v1.HandleFunc("/users/{id}/jobs", h.listJobs).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id}/quotes", h.listQuotes).Methods(http.MethodGet)

	v1.HandleFunc("/plans", h.listPlans).Methods(http.MethodGet)

	v1.HandleFunc("/quotes", h.createQuote).Methods(http.MethodPost)
	v1.HandleFunc("/quotes/{id}", h.getQuote).Methods(http.MethodGet)
	v1.HandleFunc("/quotes/{id}/start", h.startJob).Methods(http.MethodPost)

	v1.HandleFunc("/jobs/{id}", h.getJob).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}/complete", h.completeJob).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{id}/fail", h.failJob).Methods(http.MethodPost)

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.Use(adminOnly)
	admin.HandleFunc("/plans/subscription", h.createSubscriptionPlan).Methods(http.MethodPost)
	admin.HandleFunc("/plans/subscription/{id}", h.updateSubscriptionPlan).Methods(http.MethodPut)
	admin.HandleFunc("/plans/topup", h.createTopUpPlan).Methods(http.MethodPost)
	admin.HandleFunc("/plans/topup/{id}", h.updateTopUpPlan).Methods(http.MethodPut)
	admin.HandleFunc("/grants", h.adminGrant).Methods(http.MethodPost)
	admin.HandleFunc("/grants/{id}/revoke", h.revokeGrant).Methods(http.MethodPost)
	admin.HandleFunc("/events", h.listEvents).Methods(http.MethodGet)
	admin.HandleFunc("/audit", h.listAudit).Methods(http.MethodGet)

	r.HandleFunc("/webhooks/billing", h.billingWebhook).Methods(http.MethodPost)

	return r
}

func adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if logging.GetRole(r.Context()) != "admin" {
			httputil.WriteError(w, svcerr.Forbidden("Admin token required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Users ------------------------------------------------------------------

func (h *handler) createUser(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ExternalID  string            `json:"external_id"`
		Email       string            `json:"email"`
		DisplayName string            `json:"display_name"`
		Metadata    map[string]string `json:"metadata"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, svcerr.Validation("invalid request body"))
		return
	}

	u, err := h.app.Users.Create(r.Context(), user.User{
		ExternalID:  payload.ExternalID,
		Email:       payload.Email,
		DisplayName: payload.DisplayName,
		Metadata:    payload.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	h.record(r, http.StatusCreated)
	writeJSON(w, http.StatusCreated, u)
}

func (h *handler) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.app.Users.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *handler) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.app.Users.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *handler) updateUser(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email       *string           `json:"email"`
		DisplayName *string           `json:"display_name"`
		Metadata    map[string]string `json:"metadata"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, svcerr.Validation("invalid request body"))
		return
	}

	u, err := h.app.Users.Update(r.Context(), mux.Vars(r)["id"], payload.Email, payload.DisplayName, payload.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	h.record(r, http.StatusOK)
	writeJSON(w, http.StatusOK, u)
}

func (h *handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Users.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	h.record(r, http.StatusNoContent)
	w.WriteHeader(http.StatusNoContent)
}

// --- Credits ----------------------------------------------------------------

func (h *handler) balance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.app.Credits.Balance(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (h *handler) listGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := h.app.Credits.ListGrants(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grants)
}

func (h *handler) listLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.app.Credits.ListLedger(r.Context(), mux.Vars(r)["id"], queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) deduct(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Amount         int64  `json:"amount"`
		Reference      string `json:"reference"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, svcerr.Validation("invalid request body"))
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		payload.IdempotencyKey = key
	}

	result, err := h.app.Credits.Deduct(r.Context(), creditsvc.DeductRequest{
		UserID:         mux.Vars(r)["id"],
		Amount:         payload.Amount,
		Reference:      payload.Reference,
		IdempotencyKey: payload.IdempotencyKey,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	h.record(r, status)
	writeJSON(w, status, map[string]interface{}{
		"entry":    result.Entry,
		"portions": result.Portions,
		"replayed": result.Replayed,
	})
}

// --- Plans ------------------------------------------------------------------

func (h *handler) listPlans(w http.ResponseWriter, r *http.Request) {
	subs, err := h.app.Plans.ListSubscriptionPlans(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	topups, err := h.app.Plans.ListTopUpPlans(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subscription": subs,
		"topup":        topups,
	})
}

func (h *handler) createSubscriptionPlan(w http.ResponseWriter, r *http.Request) {
	var payload plan.SubscriptionPlan
	if err := decodeJSONLoose(r.Body, &payload); err != nil {
		writeError(w, svcerr.Validation("invalid request body"))
		return
	}
	payload.Active = true

	created, err := h.app.Plans.CreateSubscriptionPlan(r.Context(), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	h.record(r, http.StatusCreated)
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) createTopUpPlan(w http.ResponseWriter, r *http.Request) {
	var payload plan.TopUpPlan
	if err := decodeJSONLoose(r.Body, &payload); err != nil {
		writeError(w, svcerr.Validation("invalid request body"))
		return
	}
	payload.Active = true

	created, err := h.app.Plans.CreateTopUpPlan(r.Context(), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	h.record(r, http.StatusCreated)
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) updateSubscriptionPlan(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name       *string `json:"name"`
		Credits    *int64  `json:"credits"`
		PeriodDays *int    `json:"period_days"`
		PriceCents *int64  `json:"price_cents"`
		Active     *bool   `json:"active"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, svcerr.Validation("invalid request body"))
		return
	}

	updated, err := h.app.Plans.UpdateSubscriptionPlan(r.Context(), mux.Vars(r)["id"],
		payload.Name, payload.Credits, payload.PeriodDays, payload.PriceCents, payload.Active)
	if err != nil {
		writeError(w, err)
		return
	}
	h.record(r, http.StatusOK)
	writeJSON(w, http.StatusOK, updated)
}

func (h *handler) updateTopUpPlan(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name       *string `json:"name"`
		Credits    *int64  `json:"credits"`
		ExpiryDays *int    `json:"expiry_days"`
		PriceCents *int64  `json:"price_cents"`
		Active     *bool   `json:"active"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, svcerr.Validation("invalid request body"))
		return
	}

	updated, err := h.app.Plans.UpdateTopUpPlan(r.Context(), mux.Vars(r)["id"],
		payload.Name, payload.Credits, payload.ExpiryDays, payload.PriceCents, payload.Active)
	if err != nil {
		writeError(w, err)
		return
	}
	h.record(r, http.StatusOK)
	writeJSON(w, http.StatusOK, updated)
}

// --- Admin grants -----------------------------------------------------------

func (h *handler) adminGrant(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID         string    `json:"user_id"`
		Source         string    `json:"source"`
		PlanCode       string    `json:"plan_code"`
		Amount         int64     `json:"amount"`
		ExpiresAt      time.Time `json:"expires_at"`
		Reference      string    `json:"reference"`
		IdempotencyKey string    `json:"idempotency_key"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, svcerr.Validation("invalid request body"))
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		payload.IdempotencyKey = key
	}

	result, err := h.app.Credits.Grant(r.Context(), creditsvc.GrantRequest{
		UserID:         payload.UserID,
		Source:         credit.Source(payload.Source),
		PlanCode:       payload.PlanCode,
		Amount:         payload.Amount,
		ExpiresAt:      payload.ExpiresAt,
		Reference:      payload.Reference,
		IdempotencyKey: payload.IdempotencyKey,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	h.record(r, status)
	writeJSON(w, status, map[string]interface{}{
		"grant":    result.Grant,
		"entry":    result.Entry,
		"replayed": result.Replayed,
	})
}

func (h *handler) revokeGrant(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Reference string `json:"reference"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil && err != io.EOF {
		writeError(w, svcerr.Validation("invalid request body"))
		return
	}

	revoked, err := h.app.Credits.RevokeGrant(r.Context(), mux.Vars(r)["id"], payload.Reference)
	if err != nil {
		writeError(w, err)
		return
	}
	h.record(r, http.StatusOK)
	writeJSON(w, http.StatusOK, revoked)
}

// --- Quotes and jobs --------------------------------------------------------

func (h *handler) createQuote(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID string `json:"user_id"`
		Kind   string `json:"kind"`
		Units  int64  `json:"units"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, svcerr.Validation("invalid request body"))
		return
	}

	q, err := h.app.Jobs.CreateQuote(r.Context(), payload.UserID, payload.Kind, payload.Units)
	if err != nil {
		writeError(w, err)
		return
	}
	h.record(r, http.StatusCreated)
	writeJSON(w, http.StatusCreated, q)
}

func (h *handler) getQuote(w http.ResponseWriter, r *http.Request) {
	q, err := h.app.Jobs.GetQuote(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *handler) listQuotes(w http.ResponseWriter, r *http.Request) {
	quotes, err := h.app.Jobs.ListQuotes(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quotes)
}

func (h *handler) startJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.app.Jobs.StartJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	h.record(r, http.StatusCreated)
	writeJSON(w, http.StatusCreated, j)
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.app.Jobs.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.app.Jobs.ListJobs(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handler) completeJob(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		CostFinal int64 `json:"cost_final"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, svcerr.Validation("invalid request body"))
		return
	}

	j, err := h.app.Jobs.CompleteJob(r.Context(), mux.Vars(r)["id"], payload.CostFinal)
	if err != nil {
		writeError(w, err)
		return
	}
	h.record(r, http.StatusOK)
	writeJSON(w, http.StatusOK, j)
}

func (h *handler) failJob(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil && err != io.EOF {
		writeError(w, svcerr.Validation("invalid request body"))
		return
	}

	j, err := h.app.Jobs.FailJob(r.Context(), mux.Vars(r)["id"], payload.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	h.record(r, http.StatusOK)
	writeJSON(w, http.StatusOK, j)
}

// --- Billing webhook --------------------------------------------------------

// billingWebhook ingests provider events. Processing failures still return
// 200 with the recorded outcome so the provider stops retrying deliveries
// that can never succeed; only malformed payloads are rejected.
func (h *handler) billingWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, svcerr.Validation("unreadable request body"))
		return
	}
	defer r.Body.Close()

	event, err := h.app.Billing.ParseEvent(raw)
	if err != nil {
		writeError(w, err)
		return
	}

	processed, err := h.app.Billing.ProcessEvent(r.Context(), event)
	if err != nil {
		writeError(w, err)
		return
	}

	h.record(r, http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]string{
		"provider_id": processed.ProviderID,
		"outcome":     string(processed.Outcome),
	})
}

// --- Admin introspection ----------------------------------------------------

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.app.Billing.ListEvents(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *handler) listAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.audit.listLimit(queryLimit(r)))
}

// --- Helpers ----------------------------------------------------------------

func (h *handler) record(r *http.Request, status int) {
	h.audit.add(auditEntry{
		Time:       time.Now().UTC(),
		Role:       logging.GetRole(r.Context()),
		Path:       r.URL.Path,
		Method:     r.Method,
		Status:     status,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})
}

func queryLimit(r *http.Request) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// decodeJSONLoose tolerates unknown fields, for payloads that mirror domain
// structs with server-managed fields.
func decodeJSONLoose(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	return json.NewDecoder(body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}
