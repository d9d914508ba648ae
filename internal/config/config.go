// Package config loads process settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPPort           string        `env:"HTTP_PORT"             envDefault:"8080"`
	RequestTimeout     time.Duration `env:"REQUEST_TIMEOUT"       envDefault:"30s"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT"      envDefault:"10s"`
	MaxRequestBodySize int64         `env:"MAX_REQUEST_BODY_SIZE" envDefault:"1048576"`

	LogLevel       string `env:"LOG_LEVEL"       envDefault:"info"`
	LogDevelopment bool   `env:"LOG_DEVELOPMENT" envDefault:"false"`

	CartAPIURL      string        `env:"CART_API_URL,required"`
	CartAPITimeout  time.Duration `env:"CART_API_TIMEOUT"  envDefault:"10s"`
	BreakerFailures uint32        `env:"BREAKER_FAILURES"  envDefault:"5"`
	BreakerTimeout  time.Duration `env:"BREAKER_TIMEOUT"   envDefault:"30s"`

	RedisAddr     string        `env:"REDIS_ADDR"      envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB"        envDefault:"0"`
	DraftTTL      time.Duration `env:"DRAFT_TTL"       envDefault:"24h"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC"   envDefault:"cart-notifications"`
	// CheckoutTopic carries completed checkouts; empty disables the listener.
	CheckoutTopic string `env:"CHECKOUT_TOPIC" envDefault:"checkout-outbox"`
	CheckoutGroup string `env:"CHECKOUT_GROUP" envDefault:"storefront-cart"`

	PromoDebounce    time.Duration `env:"PROMO_DEBOUNCE"    envDefault:"500ms"`
	MergeConcurrency int           `env:"MERGE_CONCURRENCY" envDefault:"4"`
	SessionIdle      time.Duration `env:"SESSION_IDLE"      envDefault:"30m"`
	SessionSweep     time.Duration `env:"SESSION_SWEEP"     envDefault:"1m"`
}

// Load reads the given .env files (missing files are ignored) and then the
// environment. Variables already set in the environment win.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.MergeConcurrency <= 0 {
		return nil, fmt.Errorf("MERGE_CONCURRENCY must be positive, got %d", cfg.MergeConcurrency)
	}
	return &cfg, nil
}
