package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"trading-sharedv1/internal/adapter"
	"trading-sharedv1/internal/broker"
	"trading-sharedv1/internal/logger"
)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := NewJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_RecordAndRecent(t *testing.T) {
	j := openJournal(t)
	ctx := logger.WithRequestID(context.Background(), "req-1")
	started := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)

	j.OnBrokerCall(ctx, adapter.Call{
		Tenant:        "org1",
		Operation:     "place_regular_order",
		InstrumentKey: "NSE@INFY@equities",
		Symbol:        "INFY",
		Request:       broker.Params{"symbol": "INFY", "quantity": 10},
		Success:       true,
		Message:       "placed",
		Started:       started,
		Duration:      1500 * time.Microsecond,
	})
	j.OnBrokerCall(context.Background(), adapter.Call{
		Tenant:    "org2",
		Operation: "read_platform_positions",
		Err:       errors.New("connection reset"),
		Started:   started.Add(time.Second),
	})

	rows, err := j.Recent(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Tenant != "org2" || rows[0].Success || rows[0].Error != "connection reset" {
		t.Errorf("unexpected newest row %+v", rows[0])
	}

	first := rows[1]
	if first.RequestID != "req-1" || first.InstrumentKey != "NSE@INFY@equities" || !first.Success {
		t.Errorf("unexpected row %+v", first)
	}
	if first.DurationUs != 1500 {
		t.Errorf("expected 1500us, got %d", first.DurationUs)
	}
	if !strings.Contains(first.Request, `"quantity":10`) {
		t.Errorf("expected request json, got %s", first.Request)
	}
}

func TestJournal_RecentByTenant(t *testing.T) {
	j := openJournal(t)
	for i := 0; i < 5; i++ {
		tenant := "org1"
		if i%2 == 1 {
			tenant = "org2"
		}
		if err := j.Record(context.Background(), adapter.Call{Tenant: tenant, Operation: "cancel_all_orders", Started: time.Now()}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	rows, err := j.Recent(context.Background(), "org1", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(rows))
	}
	for _, r := range rows {
		if r.Tenant != "org1" {
			t.Errorf("unexpected tenant %s", r.Tenant)
		}
	}
}

func TestJournal_OnWriteCallback(t *testing.T) {
	j := openJournal(t)
	calls := 0
	j.OnWrite = func(time.Duration) { calls++ }

	j.OnBrokerCall(context.Background(), adapter.Call{Tenant: "org1", Operation: "x", Started: time.Now()})
	if calls != 1 {
		t.Errorf("expected 1 callback, got %d", calls)
	}
	if err := j.DB().Ping(); err != nil {
		t.Errorf("ping: %v", err)
	}
}
