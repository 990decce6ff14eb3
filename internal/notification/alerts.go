package notification

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"trading-sharedv1/internal/clock"
	"trading-sharedv1/internal/session"
)

const (
	defaultAlertCooldown = 5 * time.Minute
	sendTimeout          = 10 * time.Second
)

// PoolAlerts turns session pool events into alerts: degraded sessions warn,
// failed creations are critical and resets are informational. Repeats of the
// same event type for the same tenant inside the cooldown are suppressed.
// Delivery happens off the caller's goroutine.
type PoolAlerts struct {
	notifier Notifier
	clock    clock.Clock
	cooldown time.Duration

	mu   sync.Mutex
	last map[string]time.Time

	wg conc.WaitGroup
}

var _ session.Observer = (*PoolAlerts)(nil)

// NewPoolAlerts creates the observer. cooldown <= 0 means 5 minutes.
func NewPoolAlerts(n Notifier, clk clock.Clock, cooldown time.Duration) *PoolAlerts {
	if clk == nil {
		clk = clock.System{}
	}
	if cooldown <= 0 {
		cooldown = defaultAlertCooldown
	}
	return &PoolAlerts{notifier: n, clock: clk, cooldown: cooldown, last: make(map[string]time.Time)}
}

// AlertFor maps a pool event to an alert. ok is false for events that do
// not alert.
func AlertFor(e session.Event) (a Alert, ok bool) {
	a = Alert{Tenant: e.Tenant, At: e.At}
	switch e.Type {
	case session.EventDegraded:
		a.Level = AlertWarning
		a.Title = "Broker session degraded"
		a.Message = fmt.Sprintf("tenant %s: %d errors, session will be rebuilt", e.Tenant, e.Count)
		if e.Reason != "" {
			a.Message += " (last error: " + e.Reason + ")"
		}
	case session.EventCreateFailed:
		a.Level = AlertCritical
		a.Title = "Broker session creation failed"
		a.Message = fmt.Sprintf("tenant %s: %s", e.Tenant, e.Reason)
	case session.EventReset:
		a.Level = AlertInfo
		a.Title = "Broker session pool reset"
		a.Message = fmt.Sprintf("%d sessions cleared (%s)", e.Count, e.Reason)
	default:
		return Alert{}, false
	}
	return a, true
}

// OnPoolEvent implements session.Observer.
func (p *PoolAlerts) OnPoolEvent(e session.Event) {
	a, ok := AlertFor(e)
	if !ok || !p.admit(string(e.Type)+"|"+e.Tenant) {
		return
	}
	p.wg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := p.notifier.Send(ctx, a); err != nil {
			log.Printf("[notify] %s alert for %q failed: %v", e.Type, e.Tenant, err)
		}
	})
}

// Wait blocks until in-flight alerts are delivered.
func (p *PoolAlerts) Wait() {
	p.wg.Wait()
}

func (p *PoolAlerts) admit(key string) bool {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.last[key]; ok && now.Sub(last) < p.cooldown {
		return false
	}
	p.last[key] = now
	return true
}
