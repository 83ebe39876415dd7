package surface

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// apiRateLimiter throttles inbound REST calls per authenticated merchant,
// independent of the webhook dispatcher's outbound per-merchant limiter.
// Grounded on the teacher's gateway/middleware RateLimiter: same
// lazily-constructed-bucket-per-key shape, generalized from an IP/API-key
// identifier to the merchant id this package's auth middleware resolves.
type apiRateLimiter struct {
	ratePerSecond float64
	burst         int

	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

func newAPIRateLimiter(ratePerSecond float64, burst int) *apiRateLimiter {
	return &apiRateLimiter{
		ratePerSecond: ratePerSecond,
		burst:         burst,
		visitors:      make(map[string]*rate.Limiter),
	}
}

func (l *apiRateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l == nil || l.ratePerSecond <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		merchant := merchantFromContext(r.Context())
		if merchant == nil {
			next.ServeHTTP(w, r)
			return
		}
		if !l.limiterFor(merchant.ID.String()).Allow() {
			requestID := r.Header.Get("X-Request-Id")
			writeAPIError(w, http.StatusTooManyRequests, requestID, CodeValidationError, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *apiRateLimiter) limiterFor(merchantID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.visitors[merchantID]; ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(l.ratePerSecond), l.burst)
	l.visitors[merchantID] = lim
	return lim
}

// sweepIdle drops limiter entries whose bucket has refilled to its full
// burst, bounding memory growth across the merchant population the way the
// teacher's cleanup goroutine bounded its per-visitor map. The time argument
// is not used.
func (l *apiRateLimiter) sweepIdle(_ time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, lim := range l.visitors {
		if lim.Tokens() >= float64(l.burst) {
			delete(l.visitors, id)
		}
	}
}
