// Package config holds the service configuration: defaults, a YAML file
// and DEALFLOW_* environment overrides, validated as a whole.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Store         StoreConfig         `yaml:"store"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// StoreConfig describes opportunity persistence settings.
type StoreConfig struct {
	// Driver is "postgres" or "memory".
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// PipelineConfig describes stage progression settings.
type PipelineConfig struct {
	CatalogCacheTTL time.Duration `yaml:"catalog_cache_ttl"`
	ActivityType    string        `yaml:"activity_type"`
	ActivityStatus  string        `yaml:"activity_status"`
}

// CapabilityConfig describes authorization settings. An empty
// StaticPolicyFile uses the built-in role policy.
type CapabilityConfig struct {
	StaticPolicyFile string      `yaml:"static_policy_file"`
	Cache            CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	// Driver is "redis" or "memory".
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string `yaml:"log_level"`
	// LogFormat is "json" or "console".
	LogFormat string        `yaml:"log_format"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key", "X-Timezone"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Store: StoreConfig{
			Driver:          "postgres",
			DSNEnv:          "DEALFLOW_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Pipeline: PipelineConfig{
			CatalogCacheTTL: 5 * time.Minute,
			ActivityType:    "next_step",
			ActivityStatus:  "planned",
		},
		Capability: CapabilityConfig{
			Cache: CacheConfig{TTL: 5 * time.Minute},
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				AddrEnv:    "DEALFLOW_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load builds the configuration in three layers: Defaults, then the YAML
// file at path, then DEALFLOW_* environment variables.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

// asymmetricAlgorithms are the JWS algorithms a JWKS can verify. Shared
// secret and "none" algorithms are refused.
var asymmetricAlgorithms = map[string]bool{
	"RS256": true, "RS384": true, "RS512": true,
	"PS256": true, "PS384": true, "PS512": true,
	"ES256": true, "ES384": true, "ES512": true,
	"EdDSA": true,
}

// Validate reports every problem at once, joined.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		fail("server.port must be between 1 and 65535")
	}

	id := c.Identity
	for _, req := range []struct{ field, value string }{
		{"issuer", id.Issuer},
		{"jwks_url", id.JWKSURL},
		{"audience", id.Audience},
	} {
		if req.value == "" {
			fail("identity.%s is required", req.field)
		}
	}
	if len(id.Algorithms) == 0 {
		fail("identity.algorithms must list at least one algorithm")
	}
	for _, alg := range id.Algorithms {
		if !asymmetricAlgorithms[alg] {
			fail("identity.algorithms: %q is not an asymmetric JWS algorithm", alg)
		}
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			fail("store.dsn_env is required for the postgres driver")
		}
	default:
		fail("store.driver %q is not supported (memory, postgres)", c.Store.Driver)
	}

	if idem := c.Idempotency; idem.Enabled {
		switch idem.Store.Driver {
		case "memory":
		case "redis":
			if idem.Store.AddrEnv == "" {
				fail("idempotency.store.addr_env is required for the redis driver")
			}
		default:
			fail("idempotency.store.driver %q is not supported (memory, redis)", idem.Store.Driver)
		}
	}

	if c.Pipeline.ActivityType == "" {
		fail("pipeline.activity_type is required")
	}

	obs := c.Observability
	switch obs.LogFormat {
	case "", "json", "console":
	default:
		fail("observability.log_format %q is not supported (json, console)", obs.LogFormat)
	}
	if r := obs.Tracing.SamplingRate; r < 0 || r > 1 {
		fail("observability.tracing.sampling_rate %v must be within [0, 1]", r)
	}

	return errors.Join(errs...)
}

// envOverride binds one DEALFLOW_* variable to a config field.
type envOverride struct {
	name string
	set  func(c *Config, v string) error
}

func envString(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func envDuration(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

var envOverrides = []envOverride{
	{"DEALFLOW_SERVER_PORT", func(c *Config, v string) error {
		port, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.Server.Port = port
		return nil
	}},
	{"DEALFLOW_IDENTITY_ISSUER", envString(func(c *Config) *string { return &c.Identity.Issuer })},
	{"DEALFLOW_IDENTITY_JWKS_URL", envString(func(c *Config) *string { return &c.Identity.JWKSURL })},
	{"DEALFLOW_IDENTITY_AUDIENCE", envString(func(c *Config) *string { return &c.Identity.Audience })},
	{"DEALFLOW_STORE_DRIVER", envString(func(c *Config) *string { return &c.Store.Driver })},
	{"DEALFLOW_IDEMPOTENCY_DRIVER", envString(func(c *Config) *string { return &c.Idempotency.Store.Driver })},
	{"DEALFLOW_CAPABILITY_POLICY_FILE", envString(func(c *Config) *string { return &c.Capability.StaticPolicyFile })},
	{"DEALFLOW_OBSERVABILITY_LOG_LEVEL", envString(func(c *Config) *string { return &c.Observability.LogLevel })},
	{"DEALFLOW_OBSERVABILITY_LOG_FORMAT", envString(func(c *Config) *string { return &c.Observability.LogFormat })},
	{"DEALFLOW_TRACING_ENDPOINT", envString(func(c *Config) *string { return &c.Observability.Tracing.Endpoint })},
	{"DEALFLOW_TRACING_ENABLED", func(c *Config, v string) error {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.Observability.Tracing.Enabled = on
		return nil
	}},
	{"DEALFLOW_CATALOG_CACHE_TTL", envDuration(func(c *Config) *time.Duration { return &c.Pipeline.CatalogCacheTTL })},
}

// applyEnv applies every set override. A value that does not parse is an
// error rather than being silently dropped.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, o := range envOverrides {
		v, ok := lookup(o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.set(c, v); err != nil {
			errs = append(errs, fmt.Errorf("env %s=%q: %w", o.name, v, err))
		}
	}
	return errors.Join(errs...)
}
