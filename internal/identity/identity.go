// Package identity propagates the caller and request identifiers through
// context. There is no authentication here: the chat UI in front of this
// service identifies its user; this layer only carries that identity to
// the governance components.
package identity

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	userIDKey    contextKey = "user_id"
	requestIDKey contextKey = "request_id"
)

// AnonymousUser is used when the caller supplies no identity. Spend for
// all anonymous callers pools into one budget on purpose.
const AnonymousUser = "anonymous"

type Middleware func(next http.Handler) http.Handler

// NewMiddleware assigns a request ID and extracts the caller ID from the
// X-User-ID header.
func NewMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			userID := r.Header.Get("X-User-ID")
			if userID == "" {
				userID = AnonymousUser
			}
			ctx = context.WithValue(ctx, userIDKey, userID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Helpers to extract from context
func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
