package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"trading-sharedv1/internal/session"
)

const (
	// EventStream holds the pool event history.
	EventStream = "stream:broker:sessions"
	// EventChannel carries pool events live.
	EventChannel = "pub:broker:sessions"
	// StatsKey holds the latest pool snapshot.
	StatsKey = "broker:pool:stats"

	eventStreamMaxLen = 10000
	statsTTL          = 10 * time.Minute
)

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Writer writes pool events and snapshots to Redis.
type Writer struct {
	client *goredis.Client
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Writer{client: client}, nil
}

// NewWithClient wraps an existing client without pinging it.
func NewWithClient(client *goredis.Client) *Writer {
	return &Writer{client: client}
}

// WriteEvent appends e to the event stream and publishes it, in one pipeline.
func (w *Writer) WriteEvent(ctx context.Context, e session.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := w.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: EventStream,
		MaxLen: eventStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":   string(e.Type),
			"tenant": e.Tenant,
			"data":   string(data),
		},
	})
	pipe.Publish(ctx, EventChannel, string(data))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write event %s: %w", e.Type, err)
	}
	return nil
}

// WriteStats stores the latest pool snapshot.
func (w *Writer) WriteStats(ctx context.Context, st session.Stats) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	if err := w.client.Set(ctx, StatsKey, data, statsTTL).Err(); err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (w *Writer) Close() error {
	return w.client.Close()
}
