package middleware

import (
	"context"
	"net/http"
	"strings"

	"gis-polygon/internal/auth"

	"go.uber.org/zap"
)

type AuthMiddleware struct {
	verifier *auth.Verifier
	logr     *zap.Logger
}

type contextKey string

const ContextUserIDKey contextKey = "userID"

// NewAuthMiddleware returns a JWT middleware. With a nil verifier every
// request is let through.
func NewAuthMiddleware(verifier *auth.Verifier, logr *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier, logr: logr}
}

// JWTAuth validates the bearer token and attaches the subject to the request context.
func (m *AuthMiddleware) JWTAuth(next http.Handler) http.Handler {
	if m.verifier == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			http.Error(w, "invalid token format", http.StatusUnauthorized)
			return
		}

		claims, err := m.verifier.VerifyToken(tokenString)
		if err != nil {
			m.logr.Warn("token parse error", zap.Error(err))
			http.Error(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}

		userID, _ := claims["sub"].(string)
		ctx := context.WithValue(r.Context(), ContextUserIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserID returns the authenticated subject, if any.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(ContextUserIDKey).(string)
	return id
}
