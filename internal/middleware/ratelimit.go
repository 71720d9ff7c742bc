package middleware

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter throttles request creation per wallet so a misbehaving client
// cannot hammer the workflow endpoints. Limiters are kept per wallet id and
// created on first sight.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewRateLimiter(limit rate.Limit, burst int) *RateLimiter {
	return &RateLimiter{limiters: make(map[int64]*rate.Limiter), limit: limit, burst: burst}
}

func (l *RateLimiter) limiterFor(walletID int64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[walletID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[walletID] = lim
	}
	return lim
}

// Wrap enforces the limit for the wallet in request context. Runs after
// WalletAuth; requests without a wallet pass through untouched.
func (l *RateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		walletID, ok := WalletIDFromCtx(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if !l.limiterFor(walletID).Allow() {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
