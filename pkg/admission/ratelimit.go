package admission

import (
	"sync"

	"golang.org/x/time/rate"
)

// perTenantLimiter holds one token bucket per (tenant, operation) pair,
// created lazily at each tenant's own policy-defined rate — tenants are
// never forced into a shared global limiter.
type perTenantLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newPerTenantLimiter() *perTenantLimiter {
	return &perTenantLimiter{limiters: make(map[string]*rate.Limiter)}
}

// Allow reports whether a request keyed by (tenantID, op) may proceed,
// creating that key's bucket on first use at the given rate/burst.
func (l *perTenantLimiter) Allow(key string, ratePerSec float64, burst int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[key]
	if !ok {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
		l.limiters[key] = limiter
	}
	return limiter.Allow()
}

// Forget drops a key's bucket so the next Allow call builds a fresh one
// from the rate and burst it is given. Nothing in the gate calls it.
func (l *perTenantLimiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}
