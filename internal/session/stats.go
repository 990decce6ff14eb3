package session

import (
	"sort"
	"time"
)

// RecordStats describes one tenant's session.
type RecordStats struct {
	Tenant       string    `json:"tenant"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsed     time.Time `json:"last_used"`
	RequestCount int64     `json:"request_count"`
	ErrorCount   int       `json:"error_count"`
	Healthy      bool      `json:"is_healthy"`
	Stale        bool      `json:"is_stale"`
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	TotalSessions     int                    `json:"total_sessions"`
	HealthySessions   int                    `json:"healthy_sessions"`
	CachedCredentials int                    `json:"cached_credentials"`
	LastReset         time.Time              `json:"last_reset"`
	Sessions          map[string]RecordStats `json:"sessions"`
}

// Tenants returns the tenant ids in the snapshot, sorted.
func (s Stats) Tenants() []string {
	out := make([]string, 0, len(s.Sessions))
	for t := range s.Sessions {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Stats returns a snapshot of every record.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()

	st := Stats{
		TotalSessions:     len(p.records),
		CachedCredentials: len(p.creds),
		LastReset:         p.lastReset,
		Sessions:          make(map[string]RecordStats, len(p.records)),
	}
	for tenant, rec := range p.records {
		if rec.healthy {
			st.HealthySessions++
		}
		st.Sessions[tenant] = RecordStats{
			Tenant:       tenant,
			CreatedAt:    rec.createdAt,
			LastUsed:     rec.lastUsed,
			RequestCount: rec.requestCount,
			ErrorCount:   rec.errorCount,
			Healthy:      rec.healthy,
			Stale:        p.staleLocked(rec, now),
		}
	}
	return st
}
