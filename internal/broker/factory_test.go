package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestWithFallback_UsesFallbackWhenUnavailable(t *testing.T) {
	primary := FactoryFunc(func(context.Context, string, string) (Session, error) {
		return nil, fmt.Errorf("no client: %w", ErrFactoryUnavailable)
	})
	f := WithFallback(primary, PaperFactory(nil))

	s, err := f.Create(context.Background(), "k", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.(*Paper); !ok {
		t.Errorf("expected paper session, got %T", s)
	}
}

func TestWithFallback_NilPrimary(t *testing.T) {
	s, err := WithFallback(nil, PaperFactory(nil)).Create(context.Background(), "", "")
	if err != nil || s == nil {
		t.Fatalf("expected fallback session, got %v, %v", s, err)
	}
}

func TestWithFallback_PropagatesOtherErrors(t *testing.T) {
	boom := errors.New("bad api key")
	primary := FactoryFunc(func(context.Context, string, string) (Session, error) { return nil, boom })

	_, err := WithFallback(primary, PaperFactory(nil)).Create(context.Background(), "k", "")
	if !errors.Is(err, boom) {
		t.Errorf("expected primary error, got %v", err)
	}
}

func TestWithFallback_NoFallback(t *testing.T) {
	_, err := WithFallback(nil, nil).Create(context.Background(), "k", "")
	if !errors.Is(err, ErrFactoryUnavailable) {
		t.Errorf("expected ErrFactoryUnavailable, got %v", err)
	}
}

func TestRetryFactory_RetriesTransientFailures(t *testing.T) {
	calls := 0
	flaky := FactoryFunc(func(context.Context, string, string) (Session, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("timeout")
		}
		return NewPaper(nil), nil
	})
	f := RetryFactory(flaky, RetryConfig{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond})

	if _, err := f.Create(context.Background(), "k", ""); err != nil {
		t.Fatalf("expected success on third try, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryFactory_GivesUp(t *testing.T) {
	calls := 0
	boom := errors.New("refused")
	f := RetryFactory(FactoryFunc(func(context.Context, string, string) (Session, error) {
		calls++
		return nil, boom
	}), RetryConfig{MaxTries: 2, InitialInterval: time.Millisecond})

	_, err := f.Create(context.Background(), "k", "")
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestRetryFactory_DoesNotRetryUnavailable(t *testing.T) {
	calls := 0
	f := RetryFactory(FactoryFunc(func(context.Context, string, string) (Session, error) {
		calls++
		return nil, ErrFactoryUnavailable
	}), RetryConfig{MaxTries: 5, InitialInterval: time.Millisecond})

	if _, err := f.Create(context.Background(), "k", ""); !errors.Is(err, ErrFactoryUnavailable) {
		t.Errorf("expected ErrFactoryUnavailable, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryFactory_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := RetryFactory(FactoryFunc(func(context.Context, string, string) (Session, error) {
		cancel()
		return nil, errors.New("down")
	}), RetryConfig{MaxTries: 5, InitialInterval: time.Hour, MaxInterval: time.Hour})

	if _, err := f.Create(ctx, "k", ""); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
