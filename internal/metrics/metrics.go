package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trading-sharedv1/internal/adapter"
	"trading-sharedv1/internal/resilience"
	"trading-sharedv1/internal/session"
)

// Metrics holds all Prometheus metrics for the broker gateway.
type Metrics struct {
	// Session pool
	PoolEvents        *prometheus.CounterVec // labels: type
	SessionsDropped   *prometheus.CounterVec // labels: reason
	CreateFailures    prometheus.Counter
	PoolResets        prometheus.Counter
	PoolSessions      prometheus.Gauge
	PoolHealthy       prometheus.Gauge
	CachedCredentials prometheus.Gauge

	// Broker calls through the adapter
	BrokerCalls   *prometheus.CounterVec   // labels: operation, outcome=ok|rejected|error
	BrokerCallDur *prometheus.HistogramVec // labels: operation

	// Symbol translation
	ConversionWarnings *prometheus.CounterVec // labels: direction
	SymbolWarnings     prometheus.Counter

	// Circuit breakers
	BreakerState *prometheus.GaugeVec   // labels: name; 0=closed, 1=open, 2=half-open
	BreakerTrips *prometheus.CounterVec // labels: name

	// Side channels
	RedisPublishDur     prometheus.Histogram
	RedisBufferedEvents prometheus.Counter
	JournalWriteDur     prometheus.Histogram
	WSClients           prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with reg
// (prometheus.DefaultRegisterer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		PoolEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brokergw_pool_events_total",
			Help: "Session pool lifecycle events by type",
		}, []string{"type"}),
		SessionsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brokergw_pool_sessions_dropped_total",
			Help: "Sessions discarded by the pool, by reason",
		}, []string{"reason"}),
		CreateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brokergw_pool_create_failures_total",
			Help: "Broker session creations that failed",
		}),
		PoolResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brokergw_pool_resets_total",
			Help: "Daily or manual pool resets",
		}),
		PoolSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "brokergw_pool_sessions",
			Help: "Sessions currently held by the pool",
		}),
		PoolHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "brokergw_pool_healthy_sessions",
			Help: "Pooled sessions currently marked healthy",
		}),
		CachedCredentials: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "brokergw_pool_cached_credentials",
			Help: "Tenant API keys held in the credential cache",
		}),

		BrokerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brokergw_broker_calls_total",
			Help: "Broker calls by operation and outcome",
		}, []string{"operation", "outcome"}),
		BrokerCallDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "brokergw_broker_call_duration_seconds",
			Help:    "Broker call latency including session lease",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"operation"}),

		ConversionWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brokergw_conversion_warnings_total",
			Help: "instrument_key/symbol rewrites that fell back to the original value",
		}, []string{"direction"}),
		SymbolWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brokergw_symbol_parse_warnings_total",
			Help: "Broker symbols resolved heuristically",
		}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "brokergw_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brokergw_circuit_breaker_trips_total",
			Help: "Times a circuit breaker tripped open",
		}, []string{"name"}),

		RedisPublishDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "brokergw_redis_publish_duration_seconds",
			Help:    "Redis pool-event publish latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisBufferedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brokergw_redis_buffered_events_total",
			Help: "Pool events buffered locally while the Redis breaker was open",
		}),
		JournalWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "brokergw_journal_write_duration_seconds",
			Help:    "SQLite broker-call journal insert latency",
			Buckets: prometheus.DefBuckets,
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "brokergw_ws_clients",
			Help: "Connected WebSocket event-feed clients",
		}),
	}

	reg.MustRegister(
		m.PoolEvents,
		m.SessionsDropped,
		m.CreateFailures,
		m.PoolResets,
		m.PoolSessions,
		m.PoolHealthy,
		m.CachedCredentials,
		m.BrokerCalls,
		m.BrokerCallDur,
		m.ConversionWarnings,
		m.SymbolWarnings,
		m.BreakerState,
		m.BreakerTrips,
		m.RedisPublishDur,
		m.RedisBufferedEvents,
		m.JournalWriteDur,
		m.WSClients,
	)

	return m
}

// OnPoolEvent implements session.Observer.
func (m *Metrics) OnPoolEvent(e session.Event) {
	m.PoolEvents.WithLabelValues(string(e.Type)).Inc()
	switch e.Type {
	case session.EventDropped:
		m.SessionsDropped.WithLabelValues(e.Reason).Inc()
	case session.EventCreateFailed:
		m.CreateFailures.Inc()
	case session.EventReset:
		m.PoolResets.Inc()
	}
}

// ObserveStats copies a pool snapshot into the gauges.
func (m *Metrics) ObserveStats(s session.Stats) {
	m.PoolSessions.Set(float64(s.TotalSessions))
	m.PoolHealthy.Set(float64(s.HealthySessions))
	m.CachedCredentials.Set(float64(s.CachedCredentials))
}

// OnBrokerCall implements adapter.CallObserver.
func (m *Metrics) OnBrokerCall(_ context.Context, c adapter.Call) {
	outcome := "ok"
	switch {
	case c.Err != nil:
		outcome = "error"
	case !c.Success:
		outcome = "rejected"
	}
	m.BrokerCalls.WithLabelValues(c.Operation, outcome).Inc()
	m.BrokerCallDur.WithLabelValues(c.Operation).Observe(c.Duration.Seconds())
}

// ConversionWarning counts an adapter rewrite that kept the original value.
func (m *Metrics) ConversionWarning(direction string) {
	m.ConversionWarnings.WithLabelValues(direction).Inc()
}

// SymbolWarning counts a heuristic symbol parse. Signature matches
// instrument.WarningFunc.
func (m *Metrics) SymbolWarning(_, _ string) {
	m.SymbolWarnings.Inc()
}

// OnBreakerChange tracks circuit breaker transitions.
func (m *Metrics) OnBreakerChange(name string, _, to resilience.State) {
	m.BreakerState.WithLabelValues(name).Set(float64(to))
	if to == resilience.StateOpen {
		m.BreakerTrips.WithLabelValues(name).Inc()
	}
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	mux    *http.ServeMux
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health)

	return &Server{
		health: health,
		addr:   addr,
		mux:    mux,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handle mounts an extra handler (the /ws event feed) on the server.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the server's mux.
func (s *Server) Handler() http.Handler { return s.mux }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
