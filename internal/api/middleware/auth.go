package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	apierrors "github.com/meshenvy/firmware-builder/internal/api/errors"
	"github.com/meshenvy/firmware-builder/internal/auth"
	"github.com/meshenvy/firmware-builder/pkg/logger"
)

type contextKey string

// RoleKey is the context key for the authenticated operator role.
const RoleKey contextKey = "role"

// GetSubject extracts the authenticated operator from the request context.
func GetSubject(ctx context.Context) string {
	return logger.SubjectFromContext(ctx)
}

// GetRole extracts the authenticated operator role from the request context.
func GetRole(ctx context.Context) auth.Role {
	if v, ok := ctx.Value(RoleKey).(auth.Role); ok {
		return v
	}
	return ""
}

// AuthMiddleware validates operator JWTs on the admin routes.
type AuthMiddleware struct {
	authService *auth.Service
	logger      *slog.Logger
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(authService *auth.Service, logger *slog.Logger) *AuthMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthMiddleware{
		authService: authService,
		logger:      logger,
	}
}

// Authenticate is a middleware that validates bearer JWTs.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.ExtractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, r, apierrors.NewUnauthorizedError("Missing authentication"))
			return
		}

		claims, err := m.authService.ValidateToken(token)
		if err != nil {
			m.logger.Debug("JWT validation failed", "error", err)
			if errors.Is(err, auth.ErrExpiredToken) {
				writeError(w, r, apierrors.NewUnauthorizedError("Token has expired"))
				return
			}
			writeError(w, r, apierrors.NewUnauthorizedError("Invalid token"))
			return
		}

		ctx := logger.ContextWithSubject(r.Context(), claims.Subject)
		ctx = context.WithValue(ctx, RoleKey, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePermission rejects operators whose role lacks permission. It must
// run after Authenticate.
func RequirePermission(permission auth.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := auth.CheckRolePermission(GetRole(r.Context()), permission); err != nil {
				writeError(w, r, apierrors.NewForbiddenError("Access denied"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WebhookAuth accepts requests carrying the shared compiler callback token
// as a bearer credential.
func WebhookAuth(token string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := auth.ExtractBearerToken(r.Header.Get("Authorization"))
			if token == "" || presented == "" || !auth.SecureCompare(presented, token) {
				logger.Warn("rejected webhook call", "remote_addr", r.RemoteAddr)
				writeError(w, r, apierrors.NewUnauthorizedError("Invalid webhook token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err *apierrors.APIError) {
	apierrors.WriteErrorWithRequestID(w, err, middleware.GetReqID(r.Context()))
}
