package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a tenant's call budget cannot be met
// before the context ends.
var ErrRateLimited = errors.New("adapter: rate limited")

// Limiters holds one token bucket per tenant.
type Limiters struct {
	limit rate.Limit
	burst int

	mu sync.Mutex
	m  map[string]*rate.Limiter
}

// NewLimiters allows perMinute calls per tenant with the given burst.
// perMinute <= 0 disables limiting.
func NewLimiters(perMinute, burst int) *Limiters {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiters{limit: limit, burst: burst, m: make(map[string]*rate.Limiter)}
}

func (l *Limiters) get(tenant string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.m[tenant]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.m[tenant] = lim
	}
	return lim
}

// Wait blocks until the tenant may make a call.
func (l *Limiters) Wait(ctx context.Context, tenant string) error {
	if err := l.get(tenant).Wait(ctx); err != nil {
		return fmt.Errorf("%w: tenant %s: %w", ErrRateLimited, tenant, err)
	}
	return nil
}

// Allow reports whether the tenant may call now, consuming a token if so.
func (l *Limiters) Allow(tenant string) bool {
	return l.get(tenant).Allow()
}

// Forget drops the tenant's bucket.
func (l *Limiters) Forget(tenant string) {
	l.mu.Lock()
	delete(l.m, tenant)
	l.mu.Unlock()
}
