package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/techninja0210-maker/Imaginify-sub001/internal/logging"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthRejectsMissingHeader(t *testing.T) {
	m := NewAuthMiddleware([]string{"token-1"}, nil, nil, nil)
	handler := m.Handler(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/users", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthRejectsWrongToken(t *testing.T) {
	m := NewAuthMiddleware([]string{"token-1"}, nil, nil, nil)
	handler := m.Handler(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/users", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthAcceptsAPIToken(t *testing.T) {
	m := NewAuthMiddleware([]string{"token-1"}, nil, nil, nil)

	var role string
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role = logging.GetRole(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/users", nil)
	req.Header.Set("Authorization", "Bearer token-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if role != "api" {
		t.Fatalf("expected api role, got %q", role)
	}
}

func TestAuthSetsCallerIdentity(t *testing.T) {
	m := NewAuthMiddleware([]string{"token-a", "token-b"}, []string{"root-token"}, nil, nil)

	var caller string
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller = logging.GetUserID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		token string
		want  string
	}{
		{"token-a", "api-0"},
		{"token-b", "api-1"},
		{"root-token", "admin-0"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/v1/users", nil)
		req.Header.Set("Authorization", "Bearer "+tc.token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("token %s: expected 200, got %d", tc.token, rec.Code)
		}
		if caller != tc.want {
			t.Fatalf("token %s: expected caller %q, got %q", tc.token, tc.want, caller)
		}
	}
}

func TestAuthSkipPaths(t *testing.T) {
	m := NewAuthMiddleware([]string{"token-1"}, nil, nil, []string{"/healthz"})
	handler := m.Handler(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on skip path, got %d", rec.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	m := NewAuthMiddleware([]string{"api-token"}, []string{"admin-token"}, nil, nil)
	handler := m.Handler(RequireAdmin(okHandler()))

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/plans", nil)
	req.Header.Set("Authorization", "Bearer api-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for api token on admin route, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/admin/plans", nil)
	req.Header.Set("Authorization", "Bearer admin-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin token, got %d", rec.Code)
	}
}

func TestRateLimiterBlocksBursts(t *testing.T) {
	rl := NewRateLimiter(1, 2, nil)
	handler := rl.Handler(okHandler())

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/users", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}

	if statuses[0] != http.StatusOK || statuses[1] != http.StatusOK {
		t.Fatalf("expected first two requests allowed, got %v", statuses)
	}
	if statuses[2] != http.StatusTooManyRequests {
		t.Fatalf("expected third request limited, got %v", statuses)
	}
}

func TestRateLimiterBucketsPerCaller(t *testing.T) {
	auth := NewAuthMiddleware([]string{"token-a", "token-b"}, nil, nil, nil)
	rl := NewRateLimiter(1, 1, nil)
	handler := auth.Handler(rl.Handler(okHandler()))

	send := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/users", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("token-a"); code != http.StatusOK {
		t.Fatalf("first caller: expected 200, got %d", code)
	}
	if code := send("token-a"); code != http.StatusTooManyRequests {
		t.Fatalf("first caller: expected second request limited, got %d", code)
	}
	// A different token has its own bucket even from the same address.
	if code := send("token-b"); code != http.StatusOK {
		t.Fatalf("second caller: expected 200, got %d", code)
	}
}
