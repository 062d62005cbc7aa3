// Package config reads process configuration from the environment and builds
// the shared logger and Redis client.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/restaurant-ledger/alerting"
	"github.com/warp/restaurant-ledger/ledger"
	"github.com/warp/restaurant-ledger/notify"
)

type Config struct {
	Port           string
	DatabasePath   string
	AllowedOrigins []string

	LogLevel  string
	LogFormat string

	AdminEmail                 string
	DefaultLowBalanceThreshold ledger.Money

	SchedulerEnabled bool
	SchedulerLockTTL time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	NotifyChannel string
}

// Load reads the environment. A .env file in the working directory is
// loaded first when present; real environment variables win over it.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	lockTTL, err := strconv.Atoi(getEnv("SCHEDULER_LOCK_TTL_SECONDS", "600"))
	if err != nil || lockTTL < 1 {
		lockTTL = 600
	}
	threshold, err := decimal.NewFromString(getEnv("DEFAULT_LOW_BALANCE_THRESHOLD", ""))
	if err != nil || threshold.IsNegative() {
		threshold = ledger.DefaultLowBalanceThreshold
	}
	schedulerEnabled, err := strconv.ParseBool(getEnv("SCHEDULER_ENABLED", "true"))
	if err != nil {
		schedulerEnabled = true
	}

	return Config{
		Port:                       getEnv("PORT", "8080"),
		DatabasePath:               getEnv("DATABASE_PATH", "ledger.db"),
		AllowedOrigins:             splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:8080")),
		LogLevel:                   getEnv("LOG_LEVEL", "info"),
		LogFormat:                  getEnv("LOG_FORMAT", "json"),
		AdminEmail:                 getEnv("ADMIN_EMAIL", alerting.DefaultAdminEmail),
		DefaultLowBalanceThreshold: threshold,
		SchedulerEnabled:           schedulerEnabled,
		SchedulerLockTTL:           time.Duration(lockTTL) * time.Second,
		RedisAddr:                  os.Getenv("REDIS_ADDR"),
		RedisPassword:              os.Getenv("REDIS_PASSWORD"),
		RedisDB:                    redisDB,
		NotifyChannel:              getEnv("NOTIFY_CHANNEL", notify.DefaultChannel),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// NewLogger builds the process logger. Unknown levels fall back to info;
// format "text" selects the human-readable formatter, anything else JSON.
func NewLogger(level, format string) *logrus.Logger {
	logg := logrus.New()
	logg.SetOutput(os.Stdout)

	if strings.EqualFold(format, "text") {
		logg.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logg.SetFormatter(&logrus.JSONFormatter{})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logg.SetLevel(lvl)
	return logg
}

// NewRedisClient returns nil when no Redis address is configured.
func (c Config) NewRedisClient() *redis.Client {
	if c.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	})
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
