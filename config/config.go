package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"trading-sharedv1/internal/session"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Broker
	BrokerServerURL string
	BrokerTimeout   time.Duration
	BrokerTOTP      string
	BrokerRetries   int
	BrokerPaper     bool

	// Session pool
	PoolMaxAge           time.Duration
	PoolCredentialTTL    time.Duration
	PoolErrorThreshold   int
	PoolResetHour        int
	PoolResetMinInterval time.Duration
	PoolSweepInterval    time.Duration

	// Symbol codec
	DefaultExchange string
	BondAliases     map[string]string

	RateLimitPerMinute int

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string
	APIAddr       string

	// Alerts
	WebhookURL       string
	TelegramBotToken string
	TelegramChatID   string

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Invalid numbers are logged and replaced by their default.
func Load() *Config {
	c := &Config{
		BrokerServerURL: getEnv("BROKER_SERVER_URL", "https://api.stocksdeveloper.in"),
		BrokerTimeout:   time.Duration(getInt("BROKER_TIMEOUT_SECONDS", 30)) * time.Second,
		BrokerTOTP:      getEnv("BROKER_TOTP_SECRET", ""),
		BrokerRetries:   getInt("BROKER_MAX_RETRIES", 3),
		BrokerPaper:     getBool("BROKER_PAPER", false),

		PoolMaxAge:           time.Duration(getInt("POOL_MAX_SESSION_AGE_HOURS", 24)) * time.Hour,
		PoolCredentialTTL:    time.Duration(getInt("POOL_CREDENTIAL_TTL_HOURS", 24)) * time.Hour,
		PoolErrorThreshold:   getInt("POOL_ERROR_THRESHOLD", 5),
		PoolResetHour:        getInt("POOL_RESET_HOUR_UTC", 0),
		PoolResetMinInterval: time.Duration(getInt("POOL_RESET_MIN_INTERVAL_SECONDS", 3600)) * time.Second,
		PoolSweepInterval:    time.Duration(getInt("POOL_SWEEP_INTERVAL_SECONDS", 300)) * time.Second,

		DefaultExchange: strings.ToUpper(getEnv("CODEC_DEFAULT_EXCHANGE", "NSE")),
		BondAliases:     ParseAliases(getEnv("CODEC_BOND_ALIASES", "PFCL:PFC")),

		RateLimitPerMinute: getInt("RATE_LIMIT_PER_MINUTE", 100),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/broker_journal.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		APIAddr:       getEnv("API_ADDR", ":8080"),

		WebhookURL:       getEnv("WEBHOOK_URL", ""),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if c.PoolResetHour < 0 || c.PoolResetHour > 23 {
		log.Printf("[config] POOL_RESET_HOUR_UTC %d out of range, using 0", c.PoolResetHour)
		c.PoolResetHour = 0
	}

	if path := getEnv("CODEC_ALIASES_FILE", ""); path != "" {
		fileAliases, err := LoadAliases(path)
		if err != nil {
			log.Printf("[config] ignoring aliases file: %v", err)
		}
		for from, to := range fileAliases {
			c.BondAliases[from] = to
		}
	}
	return c
}

// PoolConfig returns the session pool thresholds. The reset window is one hour.
func (c *Config) PoolConfig() session.Config {
	return session.Config{
		ServerURL:        c.BrokerServerURL,
		MaxAge:           c.PoolMaxAge,
		CredentialTTL:    c.PoolCredentialTTL,
		ErrorThreshold:   c.PoolErrorThreshold,
		ResetHour:        c.PoolResetHour,
		ResetWindow:      time.Hour,
		ResetMinInterval: c.PoolResetMinInterval,
	}
}

// ParseAliases parses a comma list of FROM:TO pairs. Malformed entries are
// skipped.
func ParseAliases(s string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		from, to, ok := strings.Cut(pair, ":")
		from, to = strings.ToUpper(strings.TrimSpace(from)), strings.ToUpper(strings.TrimSpace(to))
		if !ok || from == "" || to == "" {
			log.Printf("[config] skipping invalid bond alias: %q", pair)
			continue
		}
		out[from] = to
	}
	return out
}

type aliasFile struct {
	BondAliases map[string]string `yaml:"bond_aliases"`
}

// LoadAliases reads a YAML file of the form
//
//	bond_aliases:
//	  PFCL: PFC
func LoadAliases(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read aliases: %w", err)
	}
	var f aliasFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse aliases %s: %w", path, err)
	}
	out := make(map[string]string, len(f.BondAliases))
	for from, to := range f.BondAliases {
		out[strings.ToUpper(strings.TrimSpace(from))] = strings.ToUpper(strings.TrimSpace(to))
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %t", key, v, fallback)
		return fallback
	}
	return b
}
