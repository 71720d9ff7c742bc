package middleware

import (
	"context"
	"net/http"
	"strconv"
)

// WalletHeader carries the customer's anonymous wallet id. Wallets are
// device-bound identities; there is no password to verify.
const WalletHeader = "X-Wallet-ID"

// WalletAuth reads the wallet id header and puts it into request context.
func WalletAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(WalletHeader)
		if raw == "" {
			http.Error(w, "missing "+WalletHeader+" header", http.StatusUnauthorized)
			return
		}
		walletID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || walletID <= 0 {
			http.Error(w, "invalid "+WalletHeader+" header", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithWalletID(r.Context(), walletID)))
	})
}

// WalletIDFromCtx returns the authenticated wallet id.
func WalletIDFromCtx(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(ctxWalletKey).(int64)
	return id, ok
}

// WithWalletID returns a context carrying the given wallet id.
func WithWalletID(ctx context.Context, walletID int64) context.Context {
	return context.WithValue(ctx, ctxWalletKey, walletID)
}
