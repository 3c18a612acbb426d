package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 30s", cfg.Server.WriteTimeout)
	}
	if cfg.Identity.Audience != "tabula" {
		t.Errorf("Identity.Audience = %q", cfg.Identity.Audience)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if !cfg.Definitions.HotReload {
		t.Error("Definitions.HotReload = false, want true")
	}
	if len(cfg.Specs.Sources) != 1 {
		t.Errorf("Specs.Sources = %d entries, want 1", len(cfg.Specs.Sources))
	}

	svc, ok := cfg.Services["parking-svc"]
	if !ok {
		t.Fatal("Services[parking-svc] not found")
	}
	if svc.Timeout != 10*time.Second {
		t.Errorf("parking-svc.Timeout = %v, want 10s", svc.Timeout)
	}
	if svc.Retry.MaxAttempts != 3 || !svc.Retry.IdempotentOnly {
		t.Errorf("parking-svc.Retry = %+v", svc.Retry)
	}

	if cfg.Store.Driver != DriverRedis || cfg.Store.AddrEnv != "PARKING_REDIS_ADDR" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Tables.DefaultPageSize != 20 || len(cfg.Tables.PageSizeOptions) != 3 {
		t.Errorf("Tables = %+v", cfg.Tables)
	}
	if cfg.Tables.DragActivationDistance != 8 {
		t.Errorf("Tables.DragActivationDistance = %v, want 8", cfg.Tables.DragActivationDistance)
	}
	if cfg.Tables.Collation != "natural" || cfg.Tables.Locale != "de" {
		t.Errorf("Tables collation/locale = %q/%q", cfg.Tables.Collation, cfg.Tables.Locale)
	}
}

func TestLoad_missing_file(t *testing.T) {
	if _, err := Load("testdata/nonexistent.yaml"); err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_identity(t *testing.T) {
	if _, err := Load("testdata/missing_identity.yaml"); err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
}

func TestLoad_bad_tables_reports_every_problem(t *testing.T) {
	_, err := Load("testdata/bad_tables.yaml")
	if err == nil {
		t.Fatal("Load() should fail")
	}
	for _, want := range []string{"store.driver", "default_page_size", "collation"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoad_env_overrides(t *testing.T) {
	t.Setenv("TABULA_SERVER_PORT", "7070")
	t.Setenv("TABULA_STORE_DRIVER", "memory")
	t.Setenv("TABULA_OBSERVABILITY_LOG_LEVEL", "debug")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Store.Driver != DriverMemory {
		t.Errorf("Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.Observability.LogLevel)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Tables.DefaultPageSize != 25 {
		t.Errorf("default Tables.DefaultPageSize = %d, want 25", cfg.Tables.DefaultPageSize)
	}
	if cfg.Store.Driver != DriverMemory {
		t.Errorf("default Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Sessions.IdleTTL != 30*time.Minute {
		t.Errorf("default Sessions.IdleTTL = %v, want 30m", cfg.Sessions.IdleTTL)
	}
}

func TestValidate_defaults_need_identity(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() on bare defaults should fail")
	}
	if !strings.Contains(err.Error(), "identity.issuer") {
		t.Errorf("error = %v", err)
	}

	cfg.Identity.Issuer = "https://auth.example.com"
	cfg.Identity.Audience = "tabula"
	cfg.Identity.JWKSURL = "https://auth.example.com/jwks"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestValidate_service_requires_base_url(t *testing.T) {
	cfg := Defaults()
	cfg.Identity = IdentityConfig{Issuer: "i", Audience: "a", JWKSURL: "j"}
	cfg.Services = map[string]ServiceConfig{"parking-svc": {}}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "services.parking-svc.base_url") {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestGetenv(t *testing.T) {
	t.Setenv("TABULA_TEST_DSN", "postgres://x")
	if got := Getenv("TABULA_TEST_DSN"); got != "postgres://x" {
		t.Errorf("Getenv() = %q", got)
	}
	if got := Getenv(""); got != "" {
		t.Errorf("Getenv(\"\") = %q", got)
	}
}

func TestLoad_env_override_must_parse(t *testing.T) {
	t.Setenv("TABULA_SERVER_PORT", "eighty")
	if _, err := Load("testdata/valid.yaml"); err == nil || !strings.Contains(err.Error(), "TABULA_SERVER_PORT") {
		t.Errorf("Load() error = %v", err)
	}
}
