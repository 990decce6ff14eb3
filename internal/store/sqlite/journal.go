package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"

	"trading-sharedv1/internal/adapter"
	"trading-sharedv1/internal/logger"
)

// Journal persists one audit row per broker call.
type Journal struct {
	mu sync.Mutex
	db *sql.DB

	// OnWrite is called with the insert latency (for metrics).
	OnWrite func(time.Duration)
}

var _ adapter.CallObserver = (*Journal)(nil)

// NewJournal opens (or creates) a SQLite journal database.
func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS broker_calls (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id     TEXT,
		tenant         TEXT NOT NULL,
		operation      TEXT NOT NULL,
		instrument_key TEXT,
		symbol         TEXT,
		success        INTEGER NOT NULL,
		message        TEXT,
		error          TEXT,
		request        TEXT,
		started_at     DATETIME NOT NULL,
		duration_us    INTEGER NOT NULL,
		created_at     DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_calls_tenant ON broker_calls(tenant);
	CREATE INDEX IF NOT EXISTS idx_calls_started_at ON broker_calls(started_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[journal] opened broker-call journal at %s", dbPath)
	return &Journal{db: db}, nil
}

// DB returns the underlying sql.DB for health checks.
func (j *Journal) DB() *sql.DB { return j.db }

// OnBrokerCall implements adapter.CallObserver. Failures are logged, never
// returned to the caller.
func (j *Journal) OnBrokerCall(ctx context.Context, c adapter.Call) {
	if err := j.Record(ctx, c); err != nil {
		log.Printf("[journal] record %s for %s: %v", c.Operation, c.Tenant, err)
	}
}

// Record persists c.
func (j *Journal) Record(ctx context.Context, c adapter.Call) error {
	var request string
	if len(c.Request) > 0 {
		b, err := json.Marshal(c.Request)
		if err != nil {
			request = fmt.Sprintf("%v", c.Request)
		} else {
			request = string(b)
		}
	}
	var errText string
	if c.Err != nil {
		errText = c.Err.Error()
	}

	start := time.Now()
	j.mu.Lock()
	_, err := j.db.ExecContext(context.WithoutCancel(ctx),
		`INSERT INTO broker_calls (request_id, tenant, operation, instrument_key, symbol, success, message, error, request, started_at, duration_us)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		logger.RequestID(ctx),
		c.Tenant,
		c.Operation,
		c.InstrumentKey,
		c.Symbol,
		c.Success,
		c.Message,
		errText,
		request,
		c.Started.UTC().Format(time.RFC3339Nano),
		c.Duration.Microseconds(),
	)
	j.mu.Unlock()

	if j.OnWrite != nil {
		j.OnWrite(time.Since(start))
	}
	return err
}

// CallRecord represents a row from the broker_calls table.
type CallRecord struct {
	ID            int64  `json:"id"`
	RequestID     string `json:"request_id"`
	Tenant        string `json:"tenant"`
	Operation     string `json:"operation"`
	InstrumentKey string `json:"instrument_key"`
	Symbol        string `json:"symbol"`
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	Error         string `json:"error"`
	Request       string `json:"request"`
	StartedAt     string `json:"started_at"`
	DurationUs    int64  `json:"duration_us"`
}

// Recent returns the last limit calls, newest first. A non-empty tenant
// restricts the result to that tenant.
func (j *Journal) Recent(ctx context.Context, tenant string, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, request_id, tenant, operation, instrument_key, symbol, success, message, error, request, started_at, duration_us
		 FROM broker_calls`
	args := []any{}
	if tenant != "" {
		query += ` WHERE tenant = ?`
		args = append(args, tenant)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var r CallRecord
		var reqID, key, sym, msg, errText, req sql.NullString
		if err := rows.Scan(&r.ID, &reqID, &r.Tenant, &r.Operation, &key, &sym, &r.Success,
			&msg, &errText, &req, &r.StartedAt, &r.DurationUs); err != nil {
			return nil, err
		}
		r.RequestID, r.InstrumentKey, r.Symbol = reqID.String, key.String, sym.String
		r.Message, r.Error, r.Request = msg.String, errText.String, req.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
