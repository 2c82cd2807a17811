// Package config loads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const (
	BrokerRedis  = "redis"
	BrokerNATS   = "nats"
	BrokerMemory = "memory"
)

type Config struct {
	Addr            string        `env:"ADDR,default=:8080"`
	DSN             string        `env:"DB_DSN"`
	JWTSecret       string        `env:"JWT_SECRET"`
	Broker          string        `env:"BROKER,default=redis"`
	RedisAddr       string        `env:"REDIS_ADDR,default=localhost:6379"`
	NATSURL         string        `env:"NATS_URL,default=nats://localhost:4222"`
	BrokerBuffer    int           `env:"BROKER_BUFFER,default=256"`
	LogLevel        string        `env:"LOG_LEVEL,default=info"`
	ServiceName     string        `env:"SERVICE_NAME,default=go-messenger"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
	WSPingPeriod    time.Duration `env:"WS_PING_PERIOD,default=54s"`
}

// Load reads an optional .env file, then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.Broker = strings.ToLower(strings.TrimSpace(cfg.Broker))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.DSN == "" {
		errs = append(errs, errors.New("DB_DSN is not set"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is not set"))
	}
	switch c.Broker {
	case BrokerRedis, BrokerNATS, BrokerMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown BROKER %q", c.Broker))
	}
	if c.BrokerBuffer <= 0 {
		errs = append(errs, errors.New("BROKER_BUFFER must be positive"))
	}
	if c.WSPingPeriod <= 0 {
		errs = append(errs, errors.New("WS_PING_PERIOD must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
