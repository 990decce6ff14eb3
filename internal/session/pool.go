// Package session keeps at most one live broker session per tenant, gates
// sessions on health and age, caches tenant API keys, and runs a once-a-day
// drop-and-rebuild of everything it holds.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"trading-sharedv1/internal/broker"
	"trading-sharedv1/internal/clock"
)

var (
	// ErrMissingCredential is returned when no API key was passed and none is cached.
	ErrMissingCredential = errors.New("session: missing credential")
	// ErrSessionCreateFailed wraps a factory failure.
	ErrSessionCreateFailed = errors.New("session: create failed")
)

// Config holds the pool thresholds.
type Config struct {
	ServerURL        string
	MaxAge           time.Duration // sessions older than this are stale
	CredentialTTL    time.Duration // cached API keys expire after this
	ErrorThreshold   int           // error_count above this marks a session unhealthy; 0 degrades on the first error
	ResetHour        int           // UTC hour the daily reset window opens
	ResetWindow      time.Duration
	ResetMinInterval time.Duration // minimum gap between two resets
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MaxAge:           24 * time.Hour,
		CredentialTTL:    24 * time.Hour,
		ErrorThreshold:   5,
		ResetHour:        0,
		ResetWindow:      time.Hour,
		ResetMinInterval: time.Hour,
	}
}

type record struct {
	tenant       string
	session      broker.Session
	createdAt    time.Time
	lastUsed     time.Time
	requestCount int64
	errorCount   int
	healthy      bool
}

type credential struct {
	apiKey   string
	cachedAt time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithConfig replaces the pool thresholds. Zero durations keep their
// defaults. A zero ErrorThreshold is kept; a negative one means the default.
func WithConfig(cfg Config) Option {
	return func(p *Pool) {
		d := DefaultConfig()
		if cfg.MaxAge <= 0 {
			cfg.MaxAge = d.MaxAge
		}
		if cfg.CredentialTTL <= 0 {
			cfg.CredentialTTL = d.CredentialTTL
		}
		if cfg.ErrorThreshold < 0 {
			cfg.ErrorThreshold = d.ErrorThreshold
		}
		if cfg.ResetHour < 0 || cfg.ResetHour > 23 {
			cfg.ResetHour = d.ResetHour
		}
		if cfg.ResetWindow <= 0 {
			cfg.ResetWindow = d.ResetWindow
		}
		if cfg.ResetMinInterval <= 0 {
			cfg.ResetMinInterval = d.ResetMinInterval
		}
		p.cfg = cfg
	}
}

// WithClock sets the clock used for ages, TTLs and the reset window.
func WithClock(c clock.Clock) Option {
	return func(p *Pool) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithObserver registers an event observer.
func WithObserver(o Observer) Option {
	return func(p *Pool) {
		if o != nil {
			p.observers = append(p.observers, o)
		}
	}
}

// Pool maps tenants to broker sessions. All state is guarded by one mutex,
// and the factory is called while holding it so that concurrent first leases
// for a tenant build exactly one session.
type Pool struct {
	factory   broker.Factory
	cfg       Config
	clock     clock.Clock
	observers []Observer

	mu        sync.Mutex
	records   map[string]*record
	creds     map[string]credential
	lastReset time.Time
}

// New creates a pool backed by factory.
func New(factory broker.Factory, opts ...Option) *Pool {
	p := &Pool{
		factory: factory,
		cfg:     DefaultConfig(),
		clock:   clock.System{},
		records: make(map[string]*record),
		creds:   make(map[string]credential),
	}
	for _, o := range opts {
		o(p)
	}
	p.lastReset = p.clock.Now()
	log.Printf("[pool] initialized (max_age=%s credential_ttl=%s error_threshold=%d reset_hour=%02d:00 UTC)",
		p.cfg.MaxAge, p.cfg.CredentialTTL, p.cfg.ErrorThreshold, p.cfg.ResetHour)
	return p
}

// Config returns the effective thresholds.
func (p *Pool) Config() Config { return p.cfg }

// Lease returns the tenant's session, creating one if there is no healthy,
// fresh record. apiKey may be empty if a key is cached for the tenant.
func (p *Pool) Lease(ctx context.Context, tenant, apiKey string) (broker.Session, error) {
	s, _, err := p.lease(ctx, tenant, apiKey)
	return s, err
}

func (p *Pool) lease(ctx context.Context, tenant, apiKey string) (broker.Session, *record, error) {
	var events []Event
	p.mu.Lock()
	defer func() {
		p.mu.Unlock()
		p.emit(events)
	}()
	now := p.clock.Now()

	if p.resetDueLocked(now) {
		events = append(events, p.resetLocked(now, "daily"))
	}

	if rec, ok := p.records[tenant]; ok {
		if rec.healthy && !p.staleLocked(rec, now) {
			rec.lastUsed = now
			rec.requestCount++
			events = append(events, Event{Type: EventReused, Tenant: tenant, Count: int(rec.requestCount), At: now})
			return rec.session, rec, nil
		}
		reason := "stale"
		if !rec.healthy {
			reason = "unhealthy"
		}
		log.Printf("[pool] removing %s session for tenant %s", reason, tenant)
		delete(p.records, tenant)
		events = append(events, Event{Type: EventDropped, Tenant: tenant, Reason: reason, At: now})
	}

	if apiKey == "" {
		if c, ok := p.creds[tenant]; ok {
			if now.Sub(c.cachedAt) < p.cfg.CredentialTTL {
				apiKey = c.apiKey
			} else {
				delete(p.creds, tenant)
			}
		}
		if apiKey == "" {
			return nil, nil, fmt.Errorf("%w: API key required for tenant %s", ErrMissingCredential, tenant)
		}
	}
	p.creds[tenant] = credential{apiKey: apiKey, cachedAt: now}

	s, err := p.factory.Create(ctx, apiKey, p.cfg.ServerURL)
	if err != nil {
		log.Printf("[pool] ERROR: failed to create session for tenant %s: %v", tenant, err)
		events = append(events, Event{Type: EventCreateFailed, Tenant: tenant, Reason: err.Error(), At: now})
		return nil, nil, fmt.Errorf("%w: tenant %s: %w", ErrSessionCreateFailed, tenant, err)
	}

	rec := &record{
		tenant:    tenant,
		session:   s,
		createdAt: now,
		lastUsed:  now,
		healthy:   true,
	}
	p.records[tenant] = rec
	log.Printf("[pool] created session for tenant %s", tenant)
	events = append(events, Event{Type: EventCreated, Tenant: tenant, At: now})
	return s, rec, nil
}

// Scoped leases the tenant's session for the duration of fn. If fn returns an
// error or panics, exactly one error is recorded against the leased record;
// the panic is then re-raised.
func (p *Pool) Scoped(ctx context.Context, tenant, apiKey string, fn func(broker.Session) error) error {
	s, rec, err := p.lease(ctx, tenant, apiKey)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			p.markError(rec, fmt.Sprintf("panic: %v", r))
			panic(r)
		}
	}()

	if err := fn(s); err != nil {
		p.markError(rec, err.Error())
		return err
	}
	return nil
}

// markError counts a failure against rec if it is still the tenant's live record.
func (p *Pool) markError(rec *record, reason string) {
	var events []Event
	p.mu.Lock()
	now := p.clock.Now()
	if cur, ok := p.records[rec.tenant]; ok && cur == rec {
		rec.errorCount++
		events = append(events, Event{Type: EventError, Tenant: rec.tenant, Reason: reason, Count: rec.errorCount, At: now})
		if rec.healthy && rec.errorCount > p.cfg.ErrorThreshold {
			rec.healthy = false
			log.Printf("[pool] WARNING: tenant %s session unhealthy after %d errors", rec.tenant, rec.errorCount)
			events = append(events, Event{Type: EventDegraded, Tenant: rec.tenant, Reason: reason, Count: rec.errorCount, At: now})
		}
	}
	p.mu.Unlock()
	p.emit(events)
}

// Invalidate drops the tenant's session and cached API key.
func (p *Pool) Invalidate(tenant string) {
	p.mu.Lock()
	_, hadSession := p.records[tenant]
	_, hadKey := p.creds[tenant]
	delete(p.records, tenant)
	delete(p.creds, tenant)
	now := p.clock.Now()
	p.mu.Unlock()

	if hadSession || hadKey {
		log.Printf("[pool] invalidated tenant %s", tenant)
		p.emit([]Event{{Type: EventInvalidated, Tenant: tenant, At: now}})
	}
}

// ResetAll drops every session and cached key.
func (p *Pool) ResetAll() {
	p.mu.Lock()
	ev := p.resetLocked(p.clock.Now(), "manual")
	p.mu.Unlock()
	p.emit([]Event{ev})
}

// CheckReset runs the daily reset if it is due and reports whether it ran.
func (p *Pool) CheckReset() bool {
	p.mu.Lock()
	now := p.clock.Now()
	if !p.resetDueLocked(now) {
		p.mu.Unlock()
		return false
	}
	ev := p.resetLocked(now, "daily")
	p.mu.Unlock()
	p.emit([]Event{ev})
	return true
}

// SweepStale removes all stale records and returns how many were removed.
func (p *Pool) SweepStale() int {
	p.mu.Lock()
	now := p.clock.Now()
	var events []Event
	for tenant, rec := range p.records {
		if p.staleLocked(rec, now) {
			delete(p.records, tenant)
			log.Printf("[pool] removing stale session for tenant %s", tenant)
			events = append(events, Event{Type: EventDropped, Tenant: tenant, Reason: "stale", At: now})
		}
	}
	n := len(events)
	p.mu.Unlock()

	if n > 0 {
		events = append(events, Event{Type: EventSwept, Count: n, At: now})
	}
	p.emit(events)
	return n
}

// Run sweeps stale sessions and checks the daily reset every interval.
// Blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CheckReset()
			if n := p.SweepStale(); n > 0 {
				log.Printf("[pool] sweep removed %d stale sessions", n)
			}
		}
	}
}

// resetDueLocked: inside the reset window and the last reset is old enough.
func (p *Pool) resetDueLocked(now time.Time) bool {
	return clock.InWindow(now, p.cfg.ResetHour, p.cfg.ResetWindow) &&
		now.Sub(p.lastReset) > p.cfg.ResetMinInterval
}

func (p *Pool) resetLocked(now time.Time, reason string) Event {
	n := len(p.records)
	log.Printf("[pool] resetting all %d sessions (%s)", n, reason)
	p.records = make(map[string]*record)
	p.creds = make(map[string]credential)
	p.lastReset = now
	return Event{Type: EventReset, Reason: reason, Count: n, At: now}
}

func (p *Pool) staleLocked(rec *record, now time.Time) bool {
	return now.Sub(rec.createdAt) > p.cfg.MaxAge
}

func (p *Pool) emit(events []Event) {
	for _, e := range events {
		for _, o := range p.observers {
			o.OnPoolEvent(e)
		}
	}
}
