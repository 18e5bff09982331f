// Package middleware provides the HTTP middleware stack for the credit API.
package middleware

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/techninja0210-maker/Imaginify-sub001/internal/errors"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/httputil"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/logging"
)

// AuthMiddleware authenticates requests with static bearer tokens. Admin
// tokens additionally unlock the admin routes.
type AuthMiddleware struct {
	apiTokens   []string
	adminTokens []string
	logger      *logging.Logger
	skipPaths   map[string]bool
}

// NewAuthMiddleware creates an authentication middleware. Paths in skipPaths
// bypass authentication entirely.
func NewAuthMiddleware(apiTokens, adminTokens []string, logger *logging.Logger, skipPaths []string) *AuthMiddleware {
	skip := make(map[string]bool)
	for _, path := range skipPaths {
		skip[path] = true
	}
	if logger == nil {
		logger = logging.NewDefault("auth")
	}

	return &AuthMiddleware{
		apiTokens:   apiTokens,
		adminTokens: adminTokens,
		logger:      logger,
		skipPaths:   skip,
	}
}

// Handler returns the middleware handler.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token, err := bearerToken(r)
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		role := "admin"
		idx := matchToken(m.adminTokens, token)
		if idx < 0 {
			role = "api"
			idx = matchToken(m.apiTokens, token)
		}
		if idx < 0 {
			m.logger.LogSecurityEvent(r.Context(), "auth_token_rejected", map[string]interface{}{
				"path":   r.URL.Path,
				"method": r.Method,
			})
			m.respondError(w, r, errors.Unauthorized("Invalid token"))
			return
		}

		// The caller identity is the role plus the matched token's position,
		// never the token itself. Downstream it keys logs and rate limit buckets.
		ctx := context.WithValue(r.Context(), logging.RoleKey, role)
		ctx = context.WithValue(ctx, logging.UserIDKey, fmt.Sprintf("%s-%d", role, idx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin rejects requests whose token did not match an admin token.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if logging.GetRole(r.Context()) != "admin" {
			httputil.WriteError(w, errors.Forbidden("Admin token required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errors.Unauthorized("Missing Authorization header")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errors.Unauthorized("Invalid Authorization header format")
	}
	return parts[1], nil
}

func matchToken(tokens []string, candidate string) int {
	for i, token := range tokens {
		if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1 {
			return i
		}
	}
	return -1
}

func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := errors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = errors.Internal("Authentication failed", err)
	}

	httputil.WriteErrorResponse(w, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)

	m.logger.WithContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"status": serviceErr.HTTPStatus,
	}).Warn("Authentication failed")
}
