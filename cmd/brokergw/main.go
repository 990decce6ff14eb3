package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"trading-sharedv1/config"
	"trading-sharedv1/internal/adapter"
	"trading-sharedv1/internal/api"
	"trading-sharedv1/internal/broker"
	"trading-sharedv1/internal/gateway"
	"trading-sharedv1/internal/instrument"
	"trading-sharedv1/internal/logger"
	"trading-sharedv1/internal/metrics"
	"trading-sharedv1/internal/notification"
	"trading-sharedv1/internal/resilience"
	"trading-sharedv1/internal/session"
	redisstore "trading-sharedv1/internal/store/redis"
	sqlitestore "trading-sharedv1/internal/store/sqlite"
	"trading-sharedv1/pkg/autotrader"
)

func main() {
	cfg := config.Load()
	logger.Init("brokergw", logger.ParseLevel(cfg.LogLevel))
	log.Println("[brokergw] starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	prom := metrics.NewMetrics(nil)

	// ---- Symbol codec ----
	codec := instrument.New(
		instrument.WithDefaultExchange(cfg.DefaultExchange),
		instrument.WithBondAliases(cfg.BondAliases),
		instrument.WithWarningHook(prom.SymbolWarning),
	)

	// ---- Session factory ----
	var factory broker.Factory
	if cfg.BrokerPaper {
		log.Println("[brokergw] *** PAPER MODE: no orders reach the broker ***")
		factory = broker.PaperFactory(nil)
	} else {
		at := autotrader.NewFactory(autotrader.FactoryConfig{
			Timeout:         cfg.BrokerTimeout,
			TOTPSecret:      cfg.BrokerTOTP,
			OnBreakerChange: prom.OnBreakerChange,
		})
		factory = broker.WithFallback(
			broker.RetryFactory(at, broker.RetryConfig{MaxTries: cfg.BrokerRetries, InitialInterval: time.Second}),
			broker.PaperFactory(nil),
		)
	}

	// ---- Redis event publisher (optional) ----
	var (
		redisWriter *redisstore.Writer
		publisher   *redisstore.Publisher
		rdb         *goredis.Client
	)
	if cfg.RedisAddr != "" {
		w, err := redisstore.New(redisstore.WriterConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err != nil {
			log.Printf("[brokergw] WARNING: redis init failed: %v (continuing without redis)", err)
		} else {
			redisWriter, rdb = w, w.Client()
			cb := resilience.NewBreaker("redis", 5, 30*time.Second, nil)
			cb.OnStateChange = prom.OnBreakerChange
			publisher = redisstore.NewPublisher(ctx, w, cb, 0)
			publisher.OnBuffer = prom.RedisBufferedEvents.Inc
			publisher.OnWrite = func(d time.Duration) { prom.RedisPublishDur.Observe(d.Seconds()) }
			go publisher.Run(ctx)
			log.Println("[brokergw] redis publisher ready")
		}
	}

	// ---- Alerts ----
	notifiers := notification.Multi{notification.NewLogNotifier()}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	alerts := notification.NewPoolAlerts(notifiers, nil, 0)

	// ---- Session pool ----
	var pool *session.Pool
	hub := gateway.NewHub(func() session.Stats { return pool.Stats() }, 500)
	hub.OnClientCount = func(n int) { prom.WSClients.Set(float64(n)) }

	opts := []session.Option{
		session.WithConfig(cfg.PoolConfig()),
		session.WithObserver(prom),
		session.WithObserver(alerts),
		session.WithObserver(hub),
	}
	if publisher != nil {
		opts = append(opts, session.WithObserver(publisher))
	}
	pool = session.Init(factory, opts...)

	health := metrics.NewHealthStatus(pool.Stats)
	if rdb != nil {
		health.SetRedisEnabled(true)
		health.CheckRedis(ctx, rdb)
	}

	// ---- Broker-call journal ----
	adapterOpts := []adapter.Option{
		adapter.WithDefaultExchange(cfg.DefaultExchange),
		adapter.WithLimiters(adapter.NewLimiters(cfg.RateLimitPerMinute, 10)),
		adapter.WithCallObserver(prom),
		adapter.WithWarningHook(prom.ConversionWarning),
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
		log.Printf("[brokergw] WARNING: journal dir %s: %v", filepath.Dir(cfg.SQLitePath), err)
	}
	journal, err := sqlitestore.NewJournal(cfg.SQLitePath)
	if err != nil {
		log.Printf("[brokergw] WARNING: sqlite journal init failed: %v (continuing without journal)", err)
	} else {
		journal.OnWrite = func(d time.Duration) { prom.JournalWriteDur.Observe(d.Seconds()) }
		adapterOpts = append(adapterOpts, adapter.WithCallObserver(journal))
		health.SetSQLiteOK(true)
		defer journal.Close()
		log.Println("[brokergw] sqlite journal ready")
	}

	if journal != nil {
		health.StartLivenessChecker(ctx, rdb, journal.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, rdb, nil, 10*time.Second)
	}

	ad := adapter.New(pool, codec, adapterOpts...)

	// ---- Servers ----
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Handle("/ws", hub)
	metricsSrv.Start()

	apiSrv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewRouter(ad, pool, health),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("[brokergw] api listening on %s", cfg.APIAddr)
		if err := apiSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[brokergw] api server error: %v", err)
		}
	}()

	// ---- Background loops ----
	go pool.Run(ctx, cfg.PoolSweepInterval)
	go hub.RunStats(ctx, 5*time.Second)
	go publishStats(ctx, pool, prom, publisher, 15*time.Second)

	sig := <-sigCh
	log.Printf("[brokergw] received %v, shutting down...", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[brokergw] api shutdown: %v", err)
	}
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		log.Printf("[brokergw] metrics shutdown: %v", err)
	}
	alerts.Wait()
	if redisWriter != nil {
		redisWriter.Close()
	}
	log.Println("[brokergw] stopped")
}

// publishStats refreshes the pool gauges and the Redis snapshot.
func publishStats(ctx context.Context, pool *session.Pool, prom *metrics.Metrics, pub *redisstore.Publisher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := pool.Stats()
			prom.ObserveStats(st)
			if pub != nil {
				if err := pub.PublishStats(st); err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
					log.Printf("[brokergw] stats publish failed: %v", err)
				}
			}
		}
	}
}
