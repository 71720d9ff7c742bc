package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	ctxOwnerKey  contextKey = "owner_id"
	ctxWalletKey contextKey = "wallet_id"
)

// TokenValidator resolves a bearer token to an owner account id.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (int64, error)
}

// OwnerAuth authenticates store-owner requests from the Authorization
// bearer token and puts the owner id into request context.
func OwnerAuth(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, "missing or malformed Authorization header", http.StatusUnauthorized)
				return
			}
			ownerID, err := validator.ValidateToken(r.Context(), raw)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwnerID(r.Context(), ownerID)))
		})
	}
}

// OwnerIDFromCtx returns the authenticated owner account id.
func OwnerIDFromCtx(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(ctxOwnerKey).(int64)
	return id, ok
}

// WithOwnerID returns a context carrying the given owner id.
func WithOwnerID(ctx context.Context, ownerID int64) context.Context {
	return context.WithValue(ctx, ctxOwnerKey, ownerID)
}

func extractBearer(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return ""
	}
	return strings.TrimSpace(authz[len(prefix):])
}
