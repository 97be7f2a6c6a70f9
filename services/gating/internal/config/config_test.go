package config

import (
	"testing"
	"time"
)

func setBase(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SERVICE_NAME", "APP_ENV", "STORE_DRIVER", "DATABASE_URL", "SQLITE_PATH",
		"REDIS_DSN", "RESET_CLEARS_CURSOR", "CURSOR_MONOTONIC", "OP_TIMEOUT", "RATE_LIMIT_RPM",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("JWT_SECRET", "secret")
}

func TestLoad_Defaults(t *testing.T) {
	setBase(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.App.ServiceName != DefaultServiceName {
		t.Fatalf("expected service %q, got %q", DefaultServiceName, cfg.App.ServiceName)
	}
	if cfg.StoreDriver != DriverMemory {
		t.Fatalf("expected memory driver, got %q", cfg.StoreDriver)
	}
	if cfg.ResetClearsCursor || cfg.CursorMonotonic {
		t.Fatal("cursor options must default to false")
	}
	if cfg.OpTimeout != 5*time.Second {
		t.Fatalf("expected 5s, got %v", cfg.OpTimeout)
	}
	if cfg.RateLimitRPM != 600 {
		t.Fatalf("expected 600, got %d", cfg.RateLimitRPM)
	}
}

func TestLoad_DatabaseURLSelectsPostgres(t *testing.T) {
	setBase(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/gating")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StoreDriver != DriverPostgres {
		t.Fatalf("expected postgres, got %q", cfg.StoreDriver)
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing jwt secret", map[string]string{"JWT_SECRET": ""}},
		{"memory in production", map[string]string{"APP_ENV": "production"}},
		{"postgres without url", map[string]string{"STORE_DRIVER": "postgres"}},
		{"unknown driver", map[string]string{"STORE_DRIVER": "mongo"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBase(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoad_Flags(t *testing.T) {
	setBase(t)
	t.Setenv("STORE_DRIVER", "SQLite")
	t.Setenv("RESET_CLEARS_CURSOR", "true")
	t.Setenv("CURSOR_MONOTONIC", "1")
	t.Setenv("OP_TIMEOUT", "750ms")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StoreDriver != DriverSQLite || !cfg.ResetClearsCursor || !cfg.CursorMonotonic {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.OpTimeout != 750*time.Millisecond {
		t.Fatalf("expected 750ms, got %v", cfg.OpTimeout)
	}
}
