// Package config содержит логику чтения конфигурации шлюза CoinGate.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации шлюза CoinGate.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`

	CoinGateAuthToken string        `env:"COINGATE_AUTH_TOKEN"`
	CoinGateSandbox   bool          `env:"COINGATE_SANDBOX"`
	CoinGateAPIURL    string        `env:"COINGATE_API_URL"`
	RemoteTimeout     time.Duration `env:"REMOTE_TIMEOUT"`

	RedisAddress string        `env:"REDIS_ADDRESS"`
	SeenCacheTTL time.Duration `env:"SEEN_CACHE_TTL"`

	KafkaBrokers string `env:"KAFKA_BROKERS"`
	KafkaTopic   string `env:"KAFKA_TOPIC"`

	OTLPEndpoint string `env:"OTLP_ENDPOINT"`
	AdminToken   string `env:"ADMIN_TOKEN"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.CoinGateAuthToken, "t", "", "CoinGate API auth token")
	flag.BoolVar(&cfg.CoinGateSandbox, "sandbox", true, "use CoinGate sandbox environment")
	flag.StringVar(&cfg.CoinGateAPIURL, "api", "", "CoinGate API base URL override")
	flag.DurationVar(&cfg.RemoteTimeout, "remote-timeout", 5*time.Second, "timeout for CoinGate order lookups")
	flag.StringVar(&cfg.RedisAddress, "redis", "", "redis address for the seen-notification cache")
	flag.DurationVar(&cfg.SeenCacheTTL, "seen-ttl", 24*time.Hour, "TTL of cached processed notifications")
	flag.StringVar(&cfg.KafkaBrokers, "kafka", "", "comma-separated kafka brokers for fulfillment events")
	flag.StringVar(&cfg.KafkaTopic, "kafka-topic", "order.paid", "kafka topic for fulfillment events")
	flag.StringVar(&cfg.OTLPEndpoint, "otlp", "", "OTLP HTTP endpoint for traces")
	flag.StringVar(&cfg.AdminToken, "admin-token", "", "bearer token for the admin audit API")

	flag.Parse()

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = 5 * time.Second
	}
	if cfg.KafkaTopic == "" {
		cfg.KafkaTopic = "order.paid"
	}

	return cfg, nil
}

// Validate проверяет наличие обязательных параметров.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURI == "" {
		errs = append(errs, errors.New("database URI is required"))
	}
	if c.CoinGateAuthToken == "" {
		errs = append(errs, errors.New("CoinGate auth token is required"))
	}
	return errors.Join(errs...)
}
