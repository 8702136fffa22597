// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/bakehouse/model"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Backend       BackendConfig       `yaml:"backend"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Render        RenderConfig        `yaml:"render"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Theme         model.Theme         `yaml:"theme"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// Identity modes.
const (
	IdentityModeDev = "dev"
	IdentityModeJWT = "jwt"
)

// IdentityConfig describes how console sessions are established. In dev mode
// every request runs as DevUser.
type IdentityConfig struct {
	Mode      string        `yaml:"mode"`
	SecretEnv string        `yaml:"secret_env"`
	Issuer    string        `yaml:"issuer"`
	Audience  string        `yaml:"audience"`
	Leeway    time.Duration `yaml:"leeway"`
	DevUser   DevUserConfig `yaml:"dev_user"`
}

// DevUserConfig is the fixed user for dev mode.
type DevUserConfig struct {
	ID    string   `yaml:"id"`
	Name  string   `yaml:"name"`
	Email string   `yaml:"email"`
	Roles []string `yaml:"roles"`
}

// BackendConfig describes the bakery REST backend.
type BackendConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	MockFallback   bool                 `yaml:"mock_fallback"`
	MockSeed       int64                `yaml:"mock_seed"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings for backend calls.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	IdempotentOnly    bool          `yaml:"idempotent_only"`
}

// Workflow store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreBackend  = "backend"
)

// WorkflowConfig describes production workflow settings.
type WorkflowConfig struct {
	Enabled bool                `yaml:"enabled"`
	Store   WorkflowStoreConfig `yaml:"store"`
}

// WorkflowStoreConfig describes workflow persistence settings.
type WorkflowStoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DefinitionsConfig describes where to find template YAML files. With no
// directories the built-in templates are used.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
}

// Render cache drivers.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// RenderConfig describes the social image renderer.
type RenderConfig struct {
	MaxLines      int         `yaml:"max_lines"`
	LogoText      string      `yaml:"logo_text"`
	MaxImageBytes int64       `yaml:"max_image_bytes"`
	Cache         CacheConfig `yaml:"cache"`
}

// CacheConfig describes render cache settings.
type CacheConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// CapabilityConfig describes authorization settings.
type CapabilityConfig struct {
	StaticPolicyFile string        `yaml:"static_policy_file"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
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
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    10 << 20,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			Mode:      IdentityModeDev,
			SecretEnv: "BAKEHOUSE_JWT_SECRET",
			Leeway:    30 * time.Second,
			DevUser: DevUserConfig{
				ID:    "dev-baker",
				Name:  "Backstube",
				Roles: []string{"owner"},
			},
		},
		Backend: BackendConfig{
			Timeout:      5 * time.Second,
			MockFallback: true,
			MockSeed:     42,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:       2,
				BackoffInitial:    100 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        2 * time.Second,
				IdempotentOnly:    true,
			},
		},
		Workflow: WorkflowConfig{
			Enabled: true,
			Store: WorkflowStoreConfig{
				Driver:          StoreMemory,
				MaxOpenConns:    10,
				MaxIdleConns:    2,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Render: RenderConfig{
			MaxLines:      5,
			LogoText:      "B",
			MaxImageBytes: 8 << 20,
			Cache: CacheConfig{
				Driver:     CacheMemory,
				AddrEnv:    "BAKEHOUSE_REDIS_ADDR",
				TTL:        10 * time.Minute,
				MaxEntries: 64,
			},
		},
		Capability: CapabilityConfig{
			CacheTTL: 5 * time.Minute,
		},
		Theme: model.Theme{
			Mode:  model.ThemeLight,
			Brand: "Backstube",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
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

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch c.Identity.Mode {
	case IdentityModeDev:
		if c.Identity.DevUser.ID == "" {
			errs = append(errs, "identity.dev_user.id is required in dev mode")
		}
	case IdentityModeJWT:
		if c.Identity.SecretEnv == "" {
			errs = append(errs, "identity.secret_env is required in jwt mode")
		}
	default:
		errs = append(errs, fmt.Sprintf("identity.mode %q is not one of dev, jwt", c.Identity.Mode))
	}

	if c.Backend.BaseURL == "" && !c.Backend.MockFallback {
		errs = append(errs, "backend.base_url is required unless backend.mock_fallback is enabled")
	}

	switch c.Workflow.Store.Driver {
	case StoreMemory, StorePostgres, StoreBackend, "":
	default:
		errs = append(errs, fmt.Sprintf("workflow.store.driver %q is not one of memory, postgres, backend", c.Workflow.Store.Driver))
	}

	switch c.Render.Cache.Driver {
	case CacheNone, CacheMemory, CacheRedis, "":
	default:
		errs = append(errs, fmt.Sprintf("render.cache.driver %q is not one of none, memory, redis", c.Render.Cache.Driver))
	}
	if c.Render.MaxLines < 1 {
		errs = append(errs, "render.max_lines must be at least 1")
	}

	if c.Theme.Mode != model.ThemeLight && c.Theme.Mode != model.ThemeDark {
		errs = append(errs, fmt.Sprintf("theme.mode %q is not one of light, dark", c.Theme.Mode))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads BAKEHOUSE_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BAKEHOUSE_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("BAKEHOUSE_BACKEND_BASE_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("BAKEHOUSE_IDENTITY_MODE"); v != "" {
		cfg.Identity.Mode = v
	}
	if v := os.Getenv("BAKEHOUSE_WORKFLOW_STORE_DRIVER"); v != "" {
		cfg.Workflow.Store.Driver = v
	}
	if v := os.Getenv("BAKEHOUSE_THEME_MODE"); v != "" {
		cfg.Theme.Mode = v
	}
	if v := os.Getenv("BAKEHOUSE_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
