// Package config loads service configuration from LEDGER_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "LEDGER"

const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

type Config struct {
	App   AppConfig
	Store StoreConfig
	Saga  SagaConfig
	Redis RedisConfig
}

type AppConfig struct {
	HTTPPort    int    `envconfig:"LEDGER_HTTP_PORT" default:"8080"`
	LogLevel    string `envconfig:"LEDGER_LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LEDGER_LOG_FORMAT" default:"json"`
	CORSOrigins string `envconfig:"LEDGER_CORS_ORIGINS" default:"http://localhost:5173"`
	// Branches is the fixed set of physical locations stock is partitioned by.
	Branches []string `envconfig:"LEDGER_BRANCHES" default:"SANCAK,MERKEZ"`
}

type StoreConfig struct {
	Kind           string        `envconfig:"LEDGER_STORE" default:"sqlite"`
	DBPath         string        `envconfig:"LEDGER_DB_PATH" default:"ledger.db"`
	TxMaxAttempts  int           `envconfig:"LEDGER_TX_MAX_ATTEMPTS" default:"5"`
	TxBackoff      time.Duration `envconfig:"LEDGER_TX_BACKOFF" default:"20ms"`
	MoveLogTimeout time.Duration `envconfig:"LEDGER_MOVE_LOG_TIMEOUT" default:"5s"`
}

type SagaConfig struct {
	PersistIntent bool          `envconfig:"LEDGER_SAGA_PERSIST_INTENT" default:"true"`
	StaleAfter    time.Duration `envconfig:"LEDGER_SAGA_STALE_AFTER" default:"10m"`
	SweepInterval time.Duration `envconfig:"LEDGER_SAGA_SWEEP_INTERVAL" default:"1m"`
}

type RedisConfig struct {
	URL            string        `envconfig:"LEDGER_REDIS_URL"`
	IdempotencyTTL time.Duration `envconfig:"LEDGER_IDEMPOTENCY_TTL" default:"24h"`
}

// Load reads LEDGER_* variables and validates them.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	switch c.Store.Kind {
	case StoreSQLite, StoreMemory:
	default:
		return fmt.Errorf("unknown store %q (want %s or %s)", c.Store.Kind, StoreSQLite, StoreMemory)
	}
	if c.Store.TxMaxAttempts < 1 {
		return fmt.Errorf("TX_MAX_ATTEMPTS must be at least 1")
	}
	if len(c.App.Branches) == 0 {
		return fmt.Errorf("at least one branch is required")
	}
	if c.Saga.PersistIntent && c.Saga.StaleAfter <= 0 {
		return fmt.Errorf("SAGA_STALE_AFTER must be positive")
	}
	if c.Saga.PersistIntent && c.Saga.SweepInterval <= 0 {
		return fmt.Errorf("SAGA_SWEEP_INTERVAL must be positive")
	}
	return nil
}

// CORSOriginList splits the comma-separated origin list.
func (a AppConfig) CORSOriginList() []string {
	var origins []string
	for _, o := range strings.Split(a.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
