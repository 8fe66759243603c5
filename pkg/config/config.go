package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the signal engine.
type Config struct {
	Port           string
	HealthGRPCAddr string
	LogLevel       string

	// Market data
	Symbols        []string
	UseMockFeed    bool
	FeedWSURL      string        // venue tick stream; empty leaves the push ingress
	CandleInterval time.Duration // 0 feeds indicators raw ticks
	WarmupWindow   time.Duration // history replayed into indicators at session start

	// Venue adapter credentials (stored encrypted, see CredentialKey)
	VenueAPIKey    string
	VenueAPISecret string
	CredentialKey  string

	// Execution
	ExecutionEnabled bool
	DefaultMode      string // "backtest", "paper" or "live"

	// Paper simulation
	PaperInitialBalance float64
	PaperFeeRate        float64 // decimal (e.g. 0.0004 = 4 bps)
	PaperSlippageBps    float64 // slippage applied on simulated fills (bps)
	PaperLatencyMinMs   int
	PaperLatencyMaxMs   int

	// Order gateway
	OrderSubmitTimeout  time.Duration
	OrderMaxRetries     int
	BreakerMaxFailures  int
	BreakerCooldown     time.Duration
	BreakerProbeSuccess int
	SubmitRatePerSec    float64

	// Order persistence
	EnableOrderWAL bool
	OrderWALPath   string

	// Resource coordination
	SignalSlotCapacity int

	// Indicator cache
	IndicatorTTLFloor      time.Duration
	IndicatorSweepInterval time.Duration
	IndicatorMaxEntries    int
	IndicatorMemoryCeiling int64 // bytes
	MemoryPressureRatio    float64
	VariantGracePeriod     time.Duration

	// Reconciliation
	ReconcileInterval time.Duration

	// Lifecycle
	ShutdownGrace time.Duration

	// Strategy definitions
	StrategyConfigPath string

	// Database
	DBPath string

	// Auth
	JWTSecret string

	// Localization
	Language string // "en" or "zh"
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the engine still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:           getEnv("PORT", "8080"),
		HealthGRPCAddr: getEnv("HEALTH_GRPC_ADDR", ":50052"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),

		Symbols:        splitAndTrim(getEnv("SYMBOLS", "BTC_USDT,ETH_USDT")),
		UseMockFeed:    getEnv("USE_MOCK_FEED", "true") == "true",
		FeedWSURL:      os.Getenv("FEED_WS_URL"),
		CandleInterval: getEnvDuration("CANDLE_INTERVAL", 0),
		WarmupWindow:   getEnvDuration("WARMUP_WINDOW", time.Hour),

		VenueAPIKey:    os.Getenv("VENUE_API_KEY"),
		VenueAPISecret: os.Getenv("VENUE_API_SECRET"),
		CredentialKey:  os.Getenv("CREDENTIAL_KEY"),

		ExecutionEnabled: getEnv("EXECUTION_ENABLED", "true") == "true",
		DefaultMode:      strings.ToLower(getEnv("DEFAULT_MODE", "paper")),

		PaperInitialBalance: getEnvFloat("PAPER_INITIAL_BALANCE", 10000.0),
		PaperFeeRate:        getEnvFloat("PAPER_FEE_RATE", 0.0004),
		PaperSlippageBps:    getEnvFloat("PAPER_SLIPPAGE_BPS", 2),
		PaperLatencyMinMs:   getEnvInt("PAPER_LATENCY_MIN_MS", 0),
		PaperLatencyMaxMs:   getEnvInt("PAPER_LATENCY_MAX_MS", 0),

		OrderSubmitTimeout:  getEnvDuration("ORDER_SUBMIT_TIMEOUT", 60*time.Second),
		OrderMaxRetries:     getEnvInt("ORDER_MAX_RETRIES", 3),
		BreakerMaxFailures:  getEnvInt("BREAKER_MAX_FAILURES", 5),
		BreakerCooldown:     getEnvDuration("BREAKER_COOLDOWN", 30*time.Second),
		BreakerProbeSuccess: getEnvInt("BREAKER_PROBE_SUCCESS", 2),
		SubmitRatePerSec:    getEnvFloat("SUBMIT_RATE_PER_SEC", 8),

		EnableOrderWAL: getEnv("ENABLE_ORDER_WAL", "true") == "true",
		OrderWALPath:   getEnv("ORDER_WAL_PATH", "./data/order_wal"),

		SignalSlotCapacity: getEnvInt("SIGNAL_SLOT_CAPACITY", 3),

		IndicatorTTLFloor:      getEnvDuration("INDICATOR_TTL_FLOOR", time.Second),
		IndicatorSweepInterval: getEnvDuration("INDICATOR_SWEEP_INTERVAL", 30*time.Second),
		IndicatorMaxEntries:    getEnvInt("INDICATOR_MAX_ENTRIES", 10000),
		IndicatorMemoryCeiling: int64(getEnvInt("INDICATOR_MEMORY_CEILING_MB", 64)) << 20,
		MemoryPressureRatio:    getEnvFloat("MEMORY_PRESSURE_RATIO", 0.9),
		VariantGracePeriod:     getEnvDuration("VARIANT_GRACE_PERIOD", 5*time.Minute),

		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 30*time.Second),

		ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", 10*time.Second),

		StrategyConfigPath: getEnv("STRATEGY_CONFIG_PATH", "./config/strategies.yaml"),

		DBPath: getEnv("DB_PATH", "./data/signal_engine.db"),

		JWTSecret: getEnv("JWT_SECRET", "dev-secret"),

		Language: getEnv("LANGUAGE", "en"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
