package config

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"carbonmarket/mpin"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	DatabaseHost          string
	DatabasePort          string
	DatabaseUser          string
	DatabasePassword      string
	DatabaseName          string
	ServerPort            string
	JWTSecret             string
	MPINKey               []byte
	StoreTimeout          time.Duration
	SignupBalance         decimal.Decimal
	NATSURL               string
	NotificationQueueSize int
	StoreBackend          string
	LogLevel              slog.Level
}

func defaults(v *viper.Viper) {
	v.SetDefault("DATABASE_HOST", "db")
	v.SetDefault("DATABASE_PORT", "5432")
	v.SetDefault("DATABASE_USER", "postgres")
	v.SetDefault("DATABASE_PASSWORD", "password")
	v.SetDefault("DATABASE_NAME", "carbon")
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("JWT_SECRET", "secret")
	v.SetDefault("MPIN_ENCRYPTION_KEY", "")
	v.SetDefault("STORE_TIMEOUT", "5s")
	v.SetDefault("SIGNUP_BALANCE", "1000")
	v.SetDefault("NATS_URL", "")
	v.SetDefault("NOTIFICATION_QUEUE_SIZE", 256)
	v.SetDefault("STORE_BACKEND", BackendPostgres)
	v.SetDefault("LOG_LEVEL", "info")
}

// LoadConfig reads an optional .env file and then the process environment.
// A missing or malformed MPIN key is an error: the service cannot verify
// purchases without it.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, relying on environment")
	}

	v := viper.New()
	defaults(v)
	v.AutomaticEnv()

	cfg := Config{
		DatabaseHost:          v.GetString("DATABASE_HOST"),
		DatabasePort:          v.GetString("DATABASE_PORT"),
		DatabaseUser:          v.GetString("DATABASE_USER"),
		DatabasePassword:      v.GetString("DATABASE_PASSWORD"),
		DatabaseName:          v.GetString("DATABASE_NAME"),
		ServerPort:            v.GetString("SERVER_PORT"),
		JWTSecret:             v.GetString("JWT_SECRET"),
		StoreTimeout:          v.GetDuration("STORE_TIMEOUT"),
		NATSURL:               v.GetString("NATS_URL"),
		NotificationQueueSize: v.GetInt("NOTIFICATION_QUEUE_SIZE"),
		StoreBackend:          strings.ToLower(v.GetString("STORE_BACKEND")),
	}

	key, err := hex.DecodeString(strings.TrimSpace(v.GetString("MPIN_ENCRYPTION_KEY")))
	if err != nil {
		return Config{}, fmt.Errorf("MPIN_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	if len(key) != mpin.KeySize {
		return Config{}, fmt.Errorf("MPIN_ENCRYPTION_KEY must decode to %d bytes, got %d", mpin.KeySize, len(key))
	}
	cfg.MPINKey = key

	cfg.SignupBalance, err = decimal.NewFromString(v.GetString("SIGNUP_BALANCE"))
	if err != nil || cfg.SignupBalance.IsNegative() {
		return Config{}, fmt.Errorf("SIGNUP_BALANCE must be a non-negative amount, got %q", v.GetString("SIGNUP_BALANCE"))
	}
	if cfg.StoreTimeout <= 0 {
		return Config{}, fmt.Errorf("STORE_TIMEOUT must be positive, got %q", v.GetString("STORE_TIMEOUT"))
	}
	if cfg.NotificationQueueSize <= 0 {
		return Config{}, fmt.Errorf("NOTIFICATION_QUEUE_SIZE must be positive, got %d", cfg.NotificationQueueSize)
	}
	switch cfg.StoreBackend {
	case BackendPostgres, BackendMemory:
	default:
		return Config{}, fmt.Errorf("STORE_BACKEND must be %s or %s, got %q", BackendPostgres, BackendMemory, cfg.StoreBackend)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("LOG_LEVEL"))); err != nil {
		return Config{}, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return cfg, nil
}

func (c Config) PostgresConnStr() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.DatabaseHost,
		c.DatabasePort,
		c.DatabaseUser,
		c.DatabasePassword,
		c.DatabaseName,
	)
}

func InitDB(ctx context.Context, cfg Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresConnStr())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
