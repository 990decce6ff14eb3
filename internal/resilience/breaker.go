// Package resilience holds the circuit breaker shared by the broker REST
// client and the Redis event publisher.
package resilience

import (
	"errors"
	"log"
	"sync"
	"time"

	"trading-sharedv1/internal/clock"
)

// ErrCircuitOpen is returned while the breaker is rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = 0 // calls pass through
	StateOpen     State = 1 // calls rejected until the cooldown elapses
	StateHalfOpen State = 2 // one probe call allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker trips after maxFailures consecutive failures, rejects calls for
// cooldown, then lets a single probe through. A successful probe closes it
// again; a failed one reopens it.
type Breaker struct {
	name        string
	clock       clock.Clock
	maxFailures int
	cooldown    time.Duration

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probing     bool

	// OnStateChange is called (outside the lock) on every transition.
	OnStateChange func(name string, from, to State)
}

// NewBreaker creates a closed breaker. A nil clock means the system clock.
func NewBreaker(name string, maxFailures int, cooldown time.Duration, clk clock.Clock) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Breaker{
		name:        name,
		clock:       clk,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		state:       StateClosed,
	}
}

// Name returns the label used in logs and metrics.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn unless the breaker is open. An error wrapped with Neutral
// is returned unwrapped and counts as neither a success nor a failure.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	var n neutral
	if errors.As(err, &n) {
		b.release()
		return n.err
	}
	b.record(err)
	return err
}

// Neutral marks err as saying nothing about the protected service, e.g. a
// request abandoned by its caller.
func Neutral(err error) error {
	if err == nil {
		return nil
	}
	return neutral{err: err}
}

type neutral struct{ err error }

func (n neutral) Error() string { return n.err.Error() }
func (n neutral) Unwrap() error { return n.err }

// release frees a half-open probe slot without judging the call.
func (b *Breaker) release() {
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.probing = false
	}
	b.mu.Unlock()
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	var changed func()
	defer func() {
		b.mu.Unlock()
		if changed != nil {
			changed()
		}
	}()

	switch b.state {
	case StateOpen:
		if b.clock.Now().Sub(b.lastFailure) < b.cooldown {
			return ErrCircuitOpen
		}
		changed = b.transition(StateHalfOpen)
		b.probing = true
	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	var changed func()
	defer func() {
		b.mu.Unlock()
		if changed != nil {
			changed()
		}
	}()

	wasProbe := b.state == StateHalfOpen
	if wasProbe {
		b.probing = false
	}
	if err != nil {
		b.failures++
		b.lastFailure = b.clock.Now()
		if wasProbe || b.failures >= b.maxFailures {
			if b.state != StateOpen {
				changed = b.transition(StateOpen)
			}
		}
		return
	}
	if wasProbe {
		changed = b.transition(StateClosed)
	}
	b.failures = 0
}

// CurrentState returns the breaker state.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	changed := func() {}
	if b.state != StateClosed {
		changed = b.transition(StateClosed)
	}
	b.failures = 0
	b.probing = false
	b.mu.Unlock()
	changed()
}

// transition must be called with b.mu held; the returned func fires the callback.
func (b *Breaker) transition(to State) func() {
	from := b.state
	b.state = to
	if to == StateClosed {
		b.failures = 0
	}
	log.Printf("[breaker] %s: %s -> %s", b.name, from, to)
	cb := b.OnStateChange
	return func() {
		if cb != nil {
			cb(b.name, from, to)
		}
	}
}
