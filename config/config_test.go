package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "DATABASE_PATH", "ALLOWED_ORIGINS", "LOG_LEVEL", "LOG_FORMAT", "ADMIN_EMAIL",
		"DEFAULT_LOW_BALANCE_THRESHOLD", "SCHEDULER_ENABLED", "SCHEDULER_LOCK_TTL_SECONDS",
		"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "NOTIFY_CHANNEL",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()

	assert.Equal(t, ":8080", cfg.Address())
	assert.Equal(t, "ledger.db", cfg.DatabasePath)
	assert.Equal(t, "100000.00", cfg.DefaultLowBalanceThreshold.StringFixed(2))
	assert.True(t, cfg.SchedulerEnabled)
	assert.Equal(t, 10*time.Minute, cfg.SchedulerLockTTL)
	assert.Equal(t, "admin@restaurant.local", cfg.AdminEmail)
	assert.Equal(t, "restaurant:notifications", cfg.NotifyChannel)
	assert.Len(t, cfg.AllowedOrigins, 2)
	assert.Nil(t, cfg.NewRedisClient(), "no redis without REDIS_ADDR")
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "3000")
	t.Setenv("ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("DEFAULT_LOW_BALANCE_THRESHOLD", "2500.50")
	t.Setenv("SCHEDULER_ENABLED", "false")
	t.Setenv("SCHEDULER_LOCK_TTL_SECONDS", "30")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_DB", "2")

	cfg := Load()

	assert.Equal(t, ":3000", cfg.Address())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "2500.50", cfg.DefaultLowBalanceThreshold.StringFixed(2))
	assert.False(t, cfg.SchedulerEnabled)
	assert.Equal(t, 30*time.Second, cfg.SchedulerLockTTL)
	assert.Equal(t, 2, cfg.RedisDB)

	client := cfg.NewRedisClient()
	if assert.NotNil(t, client) {
		assert.Equal(t, "localhost:6379", client.Options().Addr)
		client.Close()
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("DEFAULT_LOW_BALANCE_THRESHOLD", "-5")
	t.Setenv("SCHEDULER_LOCK_TTL_SECONDS", "soon")
	t.Setenv("SCHEDULER_ENABLED", "maybe")

	cfg := Load()

	assert.Equal(t, "100000.00", cfg.DefaultLowBalanceThreshold.StringFixed(2))
	assert.Equal(t, 10*time.Minute, cfg.SchedulerLockTTL)
	assert.True(t, cfg.SchedulerEnabled)
}

func TestNewLogger(t *testing.T) {
	logg := NewLogger("debug", "text")
	assert.Equal(t, logrus.DebugLevel, logg.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logg.Formatter)

	logg = NewLogger("loud", "")
	assert.Equal(t, logrus.InfoLevel, logg.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logg.Formatter)
}
