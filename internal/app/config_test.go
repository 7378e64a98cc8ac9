package app

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "dev-secret")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.LoginMaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.LoginLockout)
	assert.Equal(t, 10, cfg.LoginRateLimit)
	assert.Equal(t, "*/5 * * * *", cfg.ExpirySweepCron)
	assert.Equal(t, 365*24*time.Hour, cfg.RememberMeTTL)
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfigRejectsShortSecretInProduction(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "short")
	_, err := LoadConfig()
	assert.Error(t, err)

	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}

func TestLoadConfigRejectsBadLimits(t *testing.T) {
	t.Setenv("JWT_SECRET", "dev-secret")
	t.Setenv("EXPIRY_SWEEP_BATCH", "0")
	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&Config{LogFormat: "json", AppEnv: "staging"}, &buf).Info("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "staging", line["env"])
}

func TestRedisSettingsAreShared(t *testing.T) {
	t.Setenv("JWT_SECRET", "dev-secret")
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("REDIS_PASSWORD", "hunter2")
	t.Setenv("REDIS_DB", "3")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	opts := cfg.Redis().Client()
	assert.Equal(t, "redis.internal:6380", opts.Addr)
	assert.Equal(t, "hunter2", opts.Password)
	assert.Equal(t, 3, opts.DB)

	queue := cfg.QueueRedis()
	assert.Equal(t, opts.Addr, queue.Addr)
	assert.Equal(t, opts.Password, queue.Password)
	assert.Equal(t, opts.DB, queue.DB)
}
