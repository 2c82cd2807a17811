package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://localhost/messenger")
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, BrokerRedis, cfg.Broker)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 256, cfg.BrokerBuffer)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 54*time.Second, cfg.WSPingPeriod)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://localhost/messenger")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("BROKER", " NATS ")
	t.Setenv("BROKER_BUFFER", "32")
	t.Setenv("SHUTDOWN_TIMEOUT", "3s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BrokerNATS, cfg.Broker)
	assert.Equal(t, 32, cfg.BrokerBuffer)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
}

func TestValidate(t *testing.T) {
	valid := Config{
		DSN:          "dsn",
		JWTSecret:    "secret",
		Broker:       BrokerMemory,
		BrokerBuffer: 1,
		WSPingPeriod: time.Second,
	}
	require.NoError(t, valid.Validate())

	missing := valid
	missing.DSN = ""
	missing.JWTSecret = ""
	err := missing.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_DSN")
	assert.Contains(t, err.Error(), "JWT_SECRET")

	badBroker := valid
	badBroker.Broker = "kafka"
	require.ErrorContains(t, badBroker.Validate(), `unknown BROKER "kafka"`)
}
