// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is everything tabula reads from its YAML file.
type Config struct {
	Server        ServerConfig             `yaml:"server"`
	Identity      IdentityConfig           `yaml:"identity"`
	Definitions   DefinitionsConfig        `yaml:"definitions"`
	Specs         SpecsConfig              `yaml:"specs"`
	Services      map[string]ServiceConfig `yaml:"services"`
	Store         StoreConfig              `yaml:"store"`
	Tables        TablesConfig             `yaml:"tables"`
	Sessions      SessionsConfig           `yaml:"sessions"`
	Observability ObservabilityConfig      `yaml:"observability"`
}

// ServerConfig holds listener timeouts and CORS.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig lists what browsers on other origins may send.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig points at the token issuer. ClaimPaths maps identity
// fields to dot-separated claim paths.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// DefinitionsConfig locates table definition files.
type DefinitionsConfig struct {
	Directories    []string      `yaml:"directories"`
	HotReload      bool          `yaml:"hot_reload"`
	ReloadDebounce time.Duration `yaml:"reload_debounce"`
}

// SpecsConfig locates the OpenAPI documents of backend services.
type SpecsConfig struct {
	Directory string       `yaml:"directory"`
	Sources   []SpecSource `yaml:"sources"`
}

// SpecSource ties a service to its OpenAPI file.
type SpecSource struct {
	ServiceID string `yaml:"service_id"`
	SpecFile  string `yaml:"spec_file"`
}

// ServiceConfig is one backend service that owns rows.
type ServiceConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	Pagination     PaginationConfig     `yaml:"pagination"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// PaginationConfig names the list query parameters a backend understands.
type PaginationConfig struct {
	PageParam    string `yaml:"page_param"`
	SizeParam    string `yaml:"size_param"`
	SortParam    string `yaml:"sort_param"`
	SortDirParam string `yaml:"sort_dir_param"`
}

// CircuitBreakerConfig tunes the per-service breaker.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig tunes per-service retries. IdempotentOnly keeps retries off
// POST and PATCH.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	IdempotentOnly    bool          `yaml:"idempotent_only"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// StoreConfig selects the row store used by "store" table sources.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	AddrEnv         string        `yaml:"addr_env"`
	DB              int           `yaml:"db"`
	KeyPrefix       string        `yaml:"key_prefix"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	SeedFile        string        `yaml:"seed_file"`
}

// TablesConfig holds defaults applied to table definitions that leave a
// setting out.
type TablesConfig struct {
	PageSizeOptions        []int   `yaml:"page_size_options"`
	DefaultPageSize        int     `yaml:"default_page_size"`
	DragActivationDistance float64 `yaml:"drag_activation_distance"`
	Locale                 string  `yaml:"locale"`
	Collation              string  `yaml:"collation"`
	MaxConcurrentWrites    int     `yaml:"max_concurrent_writes"`
	MaxNotices             int     `yaml:"max_notices"`
}

// SessionsConfig describes the lifetime of per-user table sessions.
type SessionsConfig struct {
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxSessions   int           `yaml:"max_sessions"`
}

// ObservabilityConfig groups log level, tracing and metrics.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig selects the span exporter and root sampling ratio.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults is the configuration before any file is applied. Identity has no
// defaults, so Defaults alone does not validate.
func Defaults() *Config {
	var cfg Config

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.HandlerTimeout = 25 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second
	cfg.Server.CORS = CORSConfig{
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id", "X-Request-Id"},
		MaxAge:         int((24 * time.Hour).Seconds()),
	}

	cfg.Identity.JWKSCacheTTL = time.Hour
	cfg.Identity.Algorithms = []string{"RS256"}
	cfg.Identity.ClaimPaths = map[string]string{
		"subject_id": "sub",
		"tenant_id":  "tenant_id",
		"email":      "email",
		"roles":      "roles",
	}

	cfg.Definitions.Directories = []string{"/definitions"}
	cfg.Definitions.ReloadDebounce = 250 * time.Millisecond
	cfg.Specs.Directory = "/specs"

	cfg.Store = StoreConfig{
		Driver:          DriverMemory,
		DSNEnv:          "TABULA_STORE_DSN",
		AddrEnv:         "TABULA_STORE_ADDR",
		KeyPrefix:       "tabula",
		MaxOpenConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
	}
	cfg.Tables = TablesConfig{
		PageSizeOptions:        []int{10, 25, 50, 100},
		DefaultPageSize:        25,
		DragActivationDistance: 5,
		Locale:                 "en",
		Collation:              "locale",
		MaxNotices:             5,
	}
	cfg.Sessions = SessionsConfig{IdleTTL: 30 * time.Minute, SweepInterval: time.Minute, MaxSessions: 10000}

	cfg.Observability.LogLevel = "info"
	cfg.Observability.Tracing = TracingConfig{Exporter: "otlp", SamplingRate: 0.1}
	cfg.Observability.Metrics = MetricsConfig{Enabled: true, Path: "/metrics"}
	return &cfg
}

// Load layers the YAML file at path over Defaults, then TABULA_* environment
// variables over that, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem at once, joined.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port <= 65535, "server.port %d is out of range", c.Server.Port)
	check(c.Identity.Issuer != "", "identity.issuer is required")
	check(c.Identity.Audience != "", "identity.audience is required")
	check(c.Identity.JWKSURL != "", "identity.jwks_url is required")
	check(slices.Contains([]string{DriverMemory, DriverPostgres, DriverRedis}, c.Store.Driver),
		"store.driver %q is not one of memory, postgres, redis", c.Store.Driver)

	t := c.Tables
	check(!slices.ContainsFunc(t.PageSizeOptions, func(n int) bool { return n < 1 }),
		"tables.page_size_options must be positive")
	switch {
	case t.DefaultPageSize < 1:
		check(false, "tables.default_page_size must be positive")
	case len(t.PageSizeOptions) > 0:
		check(slices.Contains(t.PageSizeOptions, t.DefaultPageSize),
			"tables.default_page_size %d is not in tables.page_size_options", t.DefaultPageSize)
	}
	check(t.DragActivationDistance >= 0, "tables.drag_activation_distance must not be negative")
	check(t.Collation == "locale" || t.Collation == "natural", "tables.collation %q must be locale or natural", t.Collation)

	for id, svc := range c.Services {
		check(svc.BaseURL != "", "services.%s.base_url is required", id)
	}
	return errors.Join(errs...)
}

// envOverrides are the settings deployments most often change without
// editing the file.
var envOverrides = map[string]func(*Config, string) error{
	"TABULA_SERVER_PORT": func(c *Config, v string) (err error) {
		c.Server.Port, err = strconv.Atoi(v)
		return err
	},
	"TABULA_IDENTITY_ISSUER":         func(c *Config, v string) error { c.Identity.Issuer = v; return nil },
	"TABULA_IDENTITY_JWKS_URL":       func(c *Config, v string) error { c.Identity.JWKSURL = v; return nil },
	"TABULA_IDENTITY_AUDIENCE":       func(c *Config, v string) error { c.Identity.Audience = v; return nil },
	"TABULA_STORE_DRIVER":            func(c *Config, v string) error { c.Store.Driver = v; return nil },
	"TABULA_TABLES_LOCALE":           func(c *Config, v string) error { c.Tables.Locale = v; return nil },
	"TABULA_OBSERVABILITY_LOG_LEVEL": func(c *Config, v string) error { c.Observability.LogLevel = v; return nil },
}

func applyEnvOverrides(cfg *Config) error {
	for name, apply := range envOverrides {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			if err := apply(cfg, v); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}
	return nil
}

// Getenv reads the variable named key. An empty key reads as "".
func Getenv(key string) string {
	if key == "" {
		return ""
	}
	return os.Getenv(key)
}
