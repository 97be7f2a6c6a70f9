package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	platformcfg "github.com/example/slideconfirm/internal/platform/config"
)

const DefaultServiceName = "gating"

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	App platformcfg.AppConfig

	JWTSecret string

	StoreDriver string
	DatabaseURL string
	DBMaxConns  int32
	SQLitePath  string

	RedisDSN string
	LockTTL  time.Duration

	NATSURL       string
	EventsEnabled bool

	AttestSecret string

	ResetClearsCursor bool
	CursorMonotonic   bool
	OpTimeout         time.Duration
	RateLimitRPM      int
}

func Load() (Config, error) {
	app, err := platformcfg.LoadService(DefaultServiceName)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		App:               app,
		JWTSecret:         strings.TrimSpace(os.Getenv("JWT_SECRET")),
		StoreDriver:       strings.ToLower(strings.TrimSpace(os.Getenv("STORE_DRIVER"))),
		DatabaseURL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:        int32(platformcfg.EnvInt("DB_MAX_CONNS", 10)),
		SQLitePath:        strings.TrimSpace(os.Getenv("SQLITE_PATH")),
		RedisDSN:          strings.TrimSpace(os.Getenv("REDIS_DSN")),
		LockTTL:           platformcfg.EnvDuration("LOCK_TTL", 10*time.Second),
		NATSURL:           strings.TrimSpace(os.Getenv("NATS_URL")),
		EventsEnabled:     platformcfg.EnvBool("EVENTS_ENABLED", true),
		AttestSecret:      strings.TrimSpace(os.Getenv("ATTEST_SECRET")),
		ResetClearsCursor: platformcfg.EnvBool("RESET_CLEARS_CURSOR", false),
		CursorMonotonic:   platformcfg.EnvBool("CURSOR_MONOTONIC", false),
		OpTimeout:         platformcfg.EnvDuration("OP_TIMEOUT", 5*time.Second),
		RateLimitRPM:      platformcfg.EnvInt("RATE_LIMIT_RPM", 600),
	}
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = "gating.db"
	}
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = DriverMemory
		if cfg.DatabaseURL != "" {
			cfg.StoreDriver = DriverPostgres
		}
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("STORE_DRIVER=postgres requires DATABASE_URL")
		}
	case DriverSQLite:
	case DriverMemory:
		if c.App.IsProduction() {
			return errors.New("production requires STORE_DRIVER=postgres or sqlite; in-memory store is not allowed")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	return nil
}
