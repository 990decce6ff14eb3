package redis

import (
	"context"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"trading-sharedv1/internal/clock"
	"trading-sharedv1/internal/resilience"
	"trading-sharedv1/internal/session"
)

// deadWriter points at a port nothing listens on, so every command fails fast.
func deadWriter(t *testing.T) *Writer {
	t.Helper()
	client := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })
	return NewWithClient(client)
}

func newTestPublisher(t *testing.T, maxFailures, maxBuf int) (*Publisher, *resilience.Breaker) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC))
	cb := resilience.NewBreaker("redis", maxFailures, time.Minute, clk)
	return NewPublisher(context.Background(), deadWriter(t), cb, maxBuf), cb
}

func event(tenant string) session.Event {
	return session.Event{Type: session.EventCreated, Tenant: tenant, At: time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)}
}

func TestPublisher_BuffersWhenRedisDown(t *testing.T) {
	p, cb := newTestPublisher(t, 2, 0)
	buffered := 0
	p.OnBuffer = func() { buffered++ }

	for _, tenant := range []string{"a", "b", "c"} {
		p.publish(event(tenant))
	}

	if p.PendingCount() != 3 || buffered != 3 {
		t.Errorf("expected 3 buffered events, got pending=%d callbacks=%d", p.PendingCount(), buffered)
	}
	if cb.CurrentState() != resilience.StateOpen {
		t.Errorf("expected breaker open, got %s", cb.CurrentState())
	}
}

func TestPublisher_BufferDropsOldest(t *testing.T) {
	p, _ := newTestPublisher(t, 1, 2)
	for _, tenant := range []string{"a", "b", "c"} {
		p.publish(event(tenant))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffer) != 2 || p.buffer[0].Tenant != "b" || p.buffer[1].Tenant != "c" {
		t.Errorf("expected [b c], got %+v", p.buffer)
	}
}

func TestPublisher_FlushKeepsUnwrittenEvents(t *testing.T) {
	p, _ := newTestPublisher(t, 5, 0)
	p.bufferEvent(event("a"))
	p.bufferEvent(event("b"))

	flushed := -1
	p.OnFlush = func(n int) { flushed = n }
	p.flush()

	if flushed != 0 {
		t.Errorf("expected 0 flushed, got %d", flushed)
	}
	if p.PendingCount() != 2 {
		t.Errorf("expected both events kept, got %d", p.PendingCount())
	}
}

func TestPublisher_QueueFullDrops(t *testing.T) {
	p, _ := newTestPublisher(t, 5, 0)
	dropped := 0
	p.OnDrop = func() { dropped++ }

	for i := 0; i < cap(p.queue)+3; i++ {
		p.OnPoolEvent(event("a"))
	}
	if dropped != 3 {
		t.Errorf("expected 3 drops, got %d", dropped)
	}
}

func TestPublisher_StatsThroughBreaker(t *testing.T) {
	p, cb := newTestPublisher(t, 1, 0)

	if err := p.PublishStats(session.Stats{TotalSessions: 1}); err == nil {
		t.Fatal("expected write error against dead redis")
	}
	if err := p.PublishStats(session.Stats{}); err != resilience.ErrCircuitOpen {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if cb.CurrentState() != resilience.StateOpen {
		t.Errorf("expected open, got %s", cb.CurrentState())
	}
}

func TestDecodeEvent(t *testing.T) {
	in := session.Event{Type: session.EventDegraded, Tenant: "org1", Reason: "error threshold exceeded", Count: 6, At: time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	out, err := decodeEvent(string(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Type != in.Type || out.Tenant != in.Tenant || out.Count != 6 || !out.At.Equal(in.At) {
		t.Errorf("expected %+v, got %+v", in, out)
	}

	if _, err := decodeEvent(42); err == nil {
		t.Error("expected error for non-string payload")
	}
	if _, err := decodeEvent("{"); err == nil {
		t.Error("expected error for bad json")
	}
}
