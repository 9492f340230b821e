package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/skillmatch/backend/internal/escrow"
)

type contextKey string

const ctxActorKey contextKey = "actor"

// TokenValidator is the interface used by the bearer auth middleware.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
}

// BearerAuth validates the Bearer access token and puts the caller into the request context.
func BearerAuth(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			id, email, err := validator.ValidateToken(r.Context(), raw)
			if err != nil {
				http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
				return
			}
			ctx := WithActor(r.Context(), escrow.Actor{ID: id, Email: email})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ActorFromCtx returns the authenticated caller and whether there is one.
func ActorFromCtx(ctx context.Context) (escrow.Actor, bool) {
	a, ok := ctx.Value(ctxActorKey).(escrow.Actor)
	return a, ok
}

// WithActor returns a context carrying the given caller.
func WithActor(ctx context.Context, a escrow.Actor) context.Context {
	return context.WithValue(ctx, ctxActorKey, a)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
