package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SnowflakeNode int64

	// DistributionConfigPath points at distribution.yml; empty means search paths.
	DistributionConfigPath string
	DistributionTimeout    time.Duration
	ReclaimAfter           time.Duration

	Worker    WorkerConfig
	Recovery  RecoveryConfig
	RateLimit RateLimitConfig
}

type WorkerConfig struct {
	Count         int
	QueueSize     int
	Source        string
	RedisQueueKey string
}

type RecoveryConfig struct {
	Enabled   bool
	Interval  time.Duration
	Threshold time.Duration
	BatchSize int
	LockTTL   time.Duration
}

// RateLimitConfig throttles reward event ingestion per source user. It
// needs REDIS_ADDR; without redis the limiter stays off.
type RateLimitConfig struct {
	Enabled     bool
	SourceRate  float64
	SourceBurst int
}

const (
	EventSourceMemory = "memory"
	EventSourceRedis  = "redis"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:                getenv("APP_SERVICE", "fanout"),
		AppVersion:             getenv("APP_VERSION", "0.1.0"),
		Environment:            getenv("ENVIRONMENT", "development"),
		HTTPAddr:               getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:           getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:                 getenv("DATABASE_TYPE", "postgres"),
		DBHost:                 getenv("DATABASE_HOST", "localhost"),
		DBPort:                 getenv("DATABASE_PORT", "5432"),
		DBName:                 getenv("DATABASE_NAME", "fanout"),
		DBUser:                 getenv("DATABASE_USER", "postgres"),
		DBPassword:             getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:              getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:          getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:          getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime:      getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime:      getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		RedisAddr:              strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:          getenv("REDIS_PASSWORD", ""),
		RedisDB:                getenvInt("REDIS_DB", 0),
		SnowflakeNode:          getenvInt64("SNOWFLAKE_NODE", 1),
		DistributionConfigPath: strings.TrimSpace(getenv("DISTRIBUTION_CONFIG", "")),
		DistributionTimeout:    getenvDuration("DISTRIBUTION_TIMEOUT", 10*time.Second),
		ReclaimAfter:           getenvDuration("DISTRIBUTION_RECLAIM_AFTER", 30*time.Second),
		Worker: WorkerConfig{
			Count:         getenvInt("WORKER_COUNT", 8),
			QueueSize:     getenvInt("WORKER_QUEUE_SIZE", 1024),
			Source:        normalizeSource(getenv("WORKER_EVENT_SOURCE", EventSourceMemory)),
			RedisQueueKey: getenv("WORKER_REDIS_QUEUE_KEY", "fanout:reward_events"),
		},
		Recovery: RecoveryConfig{
			Enabled:   getenvBool("RECOVERY_ENABLED", true),
			Interval:  getenvDuration("RECOVERY_INTERVAL", time.Minute),
			Threshold: getenvDuration("RECOVERY_THRESHOLD", 5*time.Minute),
			BatchSize: getenvInt("RECOVERY_BATCH_SIZE", 100),
			LockTTL:   getenvDuration("RECOVERY_LOCK_TTL", 2*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled:     getenvBool("RATE_LIMIT_ENABLED", false),
			SourceRate:  getenvFloat("RATE_LIMIT_SOURCE_RATE", 50),
			SourceBurst: getenvInt("RATE_LIMIT_SOURCE_BURST", 100),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func normalizeSource(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case EventSourceRedis:
		return EventSourceRedis
	default:
		return EventSourceMemory
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
