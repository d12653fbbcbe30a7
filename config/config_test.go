package config_test

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"carbonmarket/config"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var validKey = strings.Repeat("ab", 32)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("MPIN_ENCRYPTION_KEY", validKey)

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "db", cfg.DatabaseHost)
	require.Equal(t, "carbon", cfg.DatabaseName)
	require.Equal(t, "8080", cfg.ServerPort)
	require.Equal(t, 5*time.Second, cfg.StoreTimeout)
	require.True(t, cfg.SignupBalance.Equal(decimal.NewFromInt(1000)))
	require.Equal(t, 256, cfg.NotificationQueueSize)
	require.Equal(t, config.BackendPostgres, cfg.StoreBackend)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel)
	require.Len(t, cfg.MPINKey, 32)
	require.Equal(t,
		"host=db port=5432 user=postgres password=password dbname=carbon sslmode=disable",
		cfg.PostgresConnStr(),
	)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("MPIN_ENCRYPTION_KEY", validKey)
	t.Setenv("STORE_TIMEOUT", "250ms")
	t.Setenv("SIGNUP_BALANCE", "42.50")
	t.Setenv("STORE_BACKEND", "Memory")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("NATS_URL", "nats://localhost:4222")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, cfg.StoreTimeout)
	require.True(t, cfg.SignupBalance.Equal(decimal.RequireFromString("42.5")))
	require.Equal(t, config.BackendMemory, cfg.StoreBackend)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)
	require.Equal(t, "nats://localhost:4222", cfg.NATSURL)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing key", env: map[string]string{"MPIN_ENCRYPTION_KEY": ""}},
		{name: "short key", env: map[string]string{"MPIN_ENCRYPTION_KEY": "abcd"}},
		{name: "non hex key", env: map[string]string{"MPIN_ENCRYPTION_KEY": strings.Repeat("zz", 32)}},
		{name: "negative balance", env: map[string]string{"MPIN_ENCRYPTION_KEY": validKey, "SIGNUP_BALANCE": "-1"}},
		{name: "unknown backend", env: map[string]string{"MPIN_ENCRYPTION_KEY": validKey, "STORE_BACKEND": "sqlite"}},
		{name: "bad log level", env: map[string]string{"MPIN_ENCRYPTION_KEY": validKey, "LOG_LEVEL": "loud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.LoadConfig()
			require.Error(t, err)
		})
	}
}
