package redis

import (
	"context"
	"errors"
	"fmt"
	"log"

	goredis "github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"trading-sharedv1/internal/session"
)

// Reader reads pool events and snapshots back from Redis.
type Reader struct {
	client *goredis.Client
}

// NewReader wraps client.
func NewReader(client *goredis.Client) *Reader {
	return &Reader{client: client}
}

// RecentEvents returns up to count events, newest first.
func (r *Reader) RecentEvents(ctx context.Context, count int64) ([]session.Event, error) {
	msgs, err := r.client.XRevRangeN(ctx, EventStream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", EventStream, err)
	}
	events := make([]session.Event, 0, len(msgs))
	for _, m := range msgs {
		e, err := decodeEvent(m.Values["data"])
		if err != nil {
			log.Printf("[redis-reader] skipping %s: %v", m.ID, err)
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// LatestStats returns the last published pool snapshot. ok is false when no
// snapshot is stored.
func (r *Reader) LatestStats(ctx context.Context) (st session.Stats, ok bool, err error) {
	data, err := r.client.Get(ctx, StatsKey).Bytes()
	if errors.Is(err, goredis.Nil) {
		return session.Stats{}, false, nil
	}
	if err != nil {
		return session.Stats{}, false, fmt.Errorf("get %s: %w", StatsKey, err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return session.Stats{}, false, fmt.Errorf("decode stats: %w", err)
	}
	return st, true, nil
}

// SubscribeEvents feeds live pool events into out. Blocks until ctx is
// cancelled. Slow consumers miss events.
func (r *Reader) SubscribeEvents(ctx context.Context, out chan<- session.Event) error {
	pubsub := r.client.Subscribe(ctx, EventChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			e, err := decodeEvent(msg.Payload)
			if err != nil {
				continue
			}
			select {
			case out <- e:
			default:
			}
		}
	}
}

func decodeEvent(v interface{}) (session.Event, error) {
	s, ok := v.(string)
	if !ok {
		return session.Event{}, fmt.Errorf("event payload is %T", v)
	}
	var e session.Event
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return session.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}
