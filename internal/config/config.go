// Package config loads the support-desk process configuration from the
// environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store drivers accepted in STORE_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds everything cmd/supportd reads at startup.
type Config struct {
	ListenAddr     string        `env:"LISTEN_ADDR" envDefault:":8080"`
	WorkerPoolSize int           `env:"WORKER_POOL_SIZE" envDefault:"256"`
	MaxConnections int           `env:"MAX_CONNECTIONS" envDefault:"100000"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT" envDefault:"60s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`

	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	NATSURL     string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	DatabaseURL string `env:"DATABASE_URL"`
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`

	PresenceStaleThreshold time.Duration `env:"PRESENCE_STALE_THRESHOLD" envDefault:"2m"`
	ServerName             string        `env:"SERVER_NAME"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "support-1"
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required when STORE_DRIVER=%s", DriverPostgres)
		}
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("config: WORKER_POOL_SIZE must be positive")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("config: MAX_CONNECTIONS must be positive")
	}
	if c.PresenceStaleThreshold <= 0 {
		return fmt.Errorf("config: PRESENCE_STALE_THRESHOLD must be positive")
	}
	return nil
}

// Notifier holds what cmd/notifier reads at startup.
type Notifier struct {
	NATSURL      string        `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	SupportInbox string        `env:"SUPPORT_INBOX" envDefault:"support@localhost"`
	Grace        time.Duration `env:"NOTIFY_GRACE" envDefault:"1m"`
}

// LoadNotifier parses the notifier's environment.
func LoadNotifier() (Notifier, error) {
	var cfg Notifier
	if err := env.Parse(&cfg); err != nil {
		return Notifier{}, fmt.Errorf("config: parse env: %w", err)
	}
	if cfg.Grace < 0 {
		return Notifier{}, fmt.Errorf("config: NOTIFY_GRACE must not be negative")
	}
	return cfg, nil
}
