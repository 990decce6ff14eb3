package autotrader

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"trading-sharedv1/internal/broker"
	"trading-sharedv1/internal/clock"
	"trading-sharedv1/internal/resilience"
)

// FactoryConfig tunes the sessions a Factory creates.
type FactoryConfig struct {
	Timeout         time.Duration
	TOTPSecret      string
	Clock           clock.Clock
	BreakerFailures int           // consecutive transport failures before opening (default 5)
	BreakerCooldown time.Duration // open duration (default 60s)

	// OnBreakerChange is installed on every server breaker.
	OnBreakerChange func(name string, from, to resilience.State)
}

// Factory creates Clients. Clients talking to the same server share one
// circuit breaker.
type Factory struct {
	cfg FactoryConfig

	mu       sync.Mutex
	breakers map[string]*resilience.Breaker
}

var _ broker.Factory = (*Factory)(nil)

// NewFactory returns a Factory with defaults applied.
func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 60 * time.Second
	}
	return &Factory{cfg: cfg, breakers: make(map[string]*resilience.Breaker)}
}

// Create implements broker.Factory.
func (f *Factory) Create(_ context.Context, apiKey, serverURL string) (broker.Session, error) {
	c, err := New(Config{
		APIKey:     apiKey,
		ServerURL:  serverURL,
		Timeout:    f.cfg.Timeout,
		TOTPSecret: f.cfg.TOTPSecret,
		Clock:      f.cfg.Clock,
		Breaker:    f.breaker(serverURL),
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[autotrader] session created for %s", c.ServerURL())
	return c, nil
}

// Breaker returns the breaker guarding serverURL, if one exists yet.
func (f *Factory) Breaker(serverURL string) *resilience.Breaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.breakers[strings.TrimRight(serverURL, "/")]
}

func (f *Factory) breaker(serverURL string) *resilience.Breaker {
	key := strings.TrimRight(serverURL, "/")
	if key == "" {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.breakers[key]
	if !ok {
		b = resilience.NewBreaker("autotrader:"+key, f.cfg.BreakerFailures, f.cfg.BreakerCooldown, f.cfg.Clock)
		b.OnStateChange = f.cfg.OnBreakerChange
		f.breakers[key] = b
	}
	return b
}
