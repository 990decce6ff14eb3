package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// WithFallback returns a factory that uses primary, switching to fallback
// whenever primary is nil or reports ErrFactoryUnavailable. Other errors from
// primary are returned as-is.
func WithFallback(primary, fallback Factory) Factory {
	return FactoryFunc(func(ctx context.Context, apiKey, serverURL string) (Session, error) {
		if primary != nil {
			s, err := primary.Create(ctx, apiKey, serverURL)
			if !errors.Is(err, ErrFactoryUnavailable) {
				return s, err
			}
			log.Printf("[broker] primary factory unavailable (%v), using fallback", err)
		}
		if fallback == nil {
			return nil, ErrFactoryUnavailable
		}
		return fallback.Create(ctx, apiKey, serverURL)
	})
}

// RetryConfig tunes RetryFactory.
type RetryConfig struct {
	MaxTries        int           // total attempts (default 3)
	InitialInterval time.Duration // first backoff (default 200ms)
	MaxInterval     time.Duration // cap per wait (default 5s)
}

// RetryFactory retries transient creation failures with exponential backoff.
// ErrFactoryUnavailable is never retried.
func RetryFactory(f Factory, cfg RetryConfig) Factory {
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}

	return FactoryFunc(func(ctx context.Context, apiKey, serverURL string) (Session, error) {
		backoffCfg := backoff.NewExponentialBackOff()
		backoffCfg.InitialInterval = cfg.InitialInterval
		backoffCfg.MaxInterval = cfg.MaxInterval

		var lastErr error
		for attempt := 1; attempt <= cfg.MaxTries; attempt++ {
			s, err := f.Create(ctx, apiKey, serverURL)
			if err == nil {
				return s, nil
			}
			if errors.Is(err, ErrFactoryUnavailable) {
				return nil, err
			}
			lastErr = err
			if attempt == cfg.MaxTries {
				break
			}

			sleep := backoffCfg.NextBackOff()
			log.Printf("[broker] session create attempt %d/%d failed: %v (retry in %s)", attempt, cfg.MaxTries, err, sleep)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(sleep):
			}
		}
		return nil, fmt.Errorf("after %d attempts: %w", cfg.MaxTries, lastErr)
	})
}
