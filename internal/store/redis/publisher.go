package redis

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"trading-sharedv1/internal/resilience"
	"trading-sharedv1/internal/session"
)

// Publisher forwards pool events to Redis through a circuit breaker.
// OnPoolEvent never blocks: events are queued and written by Run. While
// the breaker is open (or a write fails) events are buffered locally and
// replayed when the breaker closes again.
type Publisher struct {
	writer *Writer
	cb     *resilience.Breaker
	ctx    context.Context
	queue  chan session.Event

	mu     sync.Mutex
	buffer []session.Event
	maxBuf int // max buffered events before dropping oldest (default: 10000)

	// Callbacks
	OnBuffer func()          // called when an event is buffered (for metrics)
	OnFlush  func(count int) // called after flushing buffered events
	OnDrop   func()          // called when the queue is full
	OnWrite  func(time.Duration)
}

// NewPublisher creates a Publisher. The breaker's OnStateChange is chained so
// that buffered events are flushed when it closes.
func NewPublisher(ctx context.Context, w *Writer, cb *resilience.Breaker, maxBufferSize int) *Publisher {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	p := &Publisher{
		writer: w,
		cb:     cb,
		ctx:    ctx,
		queue:  make(chan session.Event, 1024),
		buffer: make([]session.Event, 0, 64),
		maxBuf: maxBufferSize,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(name string, from, to resilience.State) {
		if prev != nil {
			prev(name, from, to)
		}
		if to == resilience.StateClosed {
			go p.flush()
		}
	}
	return p
}

// OnPoolEvent implements session.Observer.
func (p *Publisher) OnPoolEvent(e session.Event) {
	select {
	case p.queue <- e:
	default:
		log.Printf("[redis] event queue full, dropping %s event for %q", e.Type, e.Tenant)
		if p.OnDrop != nil {
			p.OnDrop()
		}
	}
}

// Run writes queued events until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-p.queue:
			p.publish(e)
		}
	}
}

// PublishStats stores a pool snapshot through the breaker. Snapshots are not
// buffered; the next one supersedes them.
func (p *Publisher) PublishStats(st session.Stats) error {
	return p.cb.Execute(func() error {
		return p.writer.WriteStats(p.ctx, st)
	})
}

func (p *Publisher) publish(e session.Event) {
	start := time.Now()
	err := p.cb.Execute(func() error {
		return p.writer.WriteEvent(p.ctx, e)
	})
	if err == nil {
		if p.OnWrite != nil {
			p.OnWrite(time.Since(start))
		}
		return
	}
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		log.Printf("[redis] publish failed: %v", err)
	}
	p.bufferEvent(e)
}

func (p *Publisher) bufferEvent(e session.Event) {
	p.mu.Lock()
	if len(p.buffer) >= p.maxBuf {
		// Buffer full, drop oldest
		p.buffer = p.buffer[1:]
	}
	p.buffer = append(p.buffer, e)
	p.mu.Unlock()

	if p.OnBuffer != nil {
		p.OnBuffer()
	}
}

// flush replays buffered events directly through the writer.
func (p *Publisher) flush() {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	toFlush := p.buffer
	p.buffer = make([]session.Event, 0, 64)
	p.mu.Unlock()

	flushed := 0
	for _, e := range toFlush {
		if err := p.writer.WriteEvent(p.ctx, e); err != nil {
			log.Printf("[redis] flush stopped after %d events: %v", flushed, err)
			p.mu.Lock()
			p.buffer = append(toFlush[flushed:], p.buffer...)
			p.mu.Unlock()
			break
		}
		flushed++
	}

	log.Printf("[redis] flushed %d buffered events", flushed)
	if p.OnFlush != nil {
		p.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered events waiting to be flushed.
func (p *Publisher) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}
