package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Roles an API key can carry.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	LogStore  LogStoreConfig  `yaml:"log_store"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	TLS       TLSConfig       `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SandboxConfig struct {
	Backend            string        `yaml:"backend"` // "auto" (default), "containerd", or "docker"
	Image              string        `yaml:"image"`
	SeccompProfile     string        `yaml:"seccomp_profile"` // empty: generate one under StagingDir at startup
	Timeout            time.Duration `yaml:"timeout"`
	MaxFileSize        int64         `yaml:"max_file_size"`
	MaxOutputBytes     int           `yaml:"max_output_bytes"`
	MaxConcurrent      int           `yaml:"max_concurrent"`
	QueueTimeout       time.Duration `yaml:"queue_timeout"` // wait for a free slot before 503
	StagingDir         string        `yaml:"staging_dir"`
	User               string        `yaml:"user"`
	Limits             Limits        `yaml:"limits"`
	DockerBinary       string        `yaml:"docker_binary"`
	DockerHost         string        `yaml:"docker_host"`
	OrphanReapInterval time.Duration `yaml:"orphan_reap_interval"`
	ContainerdSocket   string        `yaml:"containerd_socket"`
	Namespace          string        `yaml:"namespace"`
}

// Limits are optional cgroup limits; all zero means none are set.
type Limits struct {
	CPUShares int64 `yaml:"cpu_shares"`
	MemoryMB  int64 `yaml:"memory_mb"`
	PidsLimit int64 `yaml:"pids_limit"`
}

type RateLimitConfig struct {
	MaxCalls      int           `yaml:"max_calls"`
	Period        time.Duration `yaml:"period"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type LogStoreConfig struct {
	Driver        string `yaml:"driver"` // "sqlite" (default), "postgres" or "mysql"
	Path          string `yaml:"path"`
	DSN           string `yaml:"dsn"`
	PoolSize      int    `yaml:"pool_size"`
	DefaultFetch  int    `yaml:"default_fetch"`
	MaxFetchLimit int    `yaml:"max_fetch"`
}

type SecurityConfig struct {
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeys      []APIKey `yaml:"api_keys"`
	// AllowAnonymous admits unauthenticated callers, keyed by remote IP,
	// when no api_keys are configured. Development only.
	AllowAnonymous bool `yaml:"allow_anonymous"`
	// JWTSecret enables HS256 bearer tokens alongside API keys. The token
	// subject is the identity and its role claim defaults to user.
	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`
}

// APIKey maps a bearer secret to the identity the rate limiter and
// execution log see.
type APIKey struct {
	Key      string `yaml:"key"`
	Identity string `yaml:"identity"`
	Role     string `yaml:"role"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"; empty picks by ENV
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig turns on per-execution spans. Spans go to the global
// OpenTelemetry provider; without an installed SDK they are dropped.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file on top of DefaultConfig,
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return finish(cfg)
}

// FromEnv is Load without a file: defaults plus environment overrides.
func FromEnv() (*Config, error) {
	return finish(DefaultConfig())
}

func finish(cfg *Config) (*Config, error) {
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    65 * time.Second, // > queue wait + sandbox timeout + logging
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // raised to fit max_file_size plus multipart framing
		},
		Sandbox: SandboxConfig{
			Backend:            "auto",
			Image:              "code-sandbox:latest",
			Timeout:            15 * time.Second,
			MaxFileSize:        256 * 1024,
			MaxOutputBytes:     1 << 20,
			MaxConcurrent:      32,
			QueueTimeout:       30 * time.Second,
			OrphanReapInterval: 5 * time.Minute,
			ContainerdSocket:   "/run/containerd/containerd.sock",
			Namespace:          "secure-exec",
		},
		RateLimit: RateLimitConfig{
			MaxCalls:      5,
			Period:        60 * time.Second,
			SweepInterval: 5 * time.Minute,
		},
		LogStore: LogStoreConfig{
			Driver:        "sqlite",
			Path:          "exec_logs.db",
			PoolSize:      4,
			DefaultFetch:  50,
			MaxFetchLimit: 500,
		},
		Security: SecurityConfig{
			APIKeyHeader: "X-API-Key",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// ApplyEnv overrides file settings with the deployment environment
// variables. EXEC_TIMEOUT and RATE_PERIOD accept whole seconds or a Go
// duration string.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("SANDBOX_IMAGE", &c.Sandbox.Image)
	str("SECCOMP_PATH", &c.Sandbox.SeccompProfile)
	str("EXEC_LOG_DB", &c.LogStore.Path)
	str("EXEC_JWT_SECRET", &c.Security.JWTSecret)
	if v, ok := lookup("EXEC_LOG_DSN"); ok && v != "" {
		c.LogStore.DSN = v
		c.LogStore.Driver = "postgres"
	}

	if v, ok := lookup("EXEC_TIMEOUT"); ok && v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("EXEC_TIMEOUT: %w", err)
		}
		c.Sandbox.Timeout = d
	}
	if v, ok := lookup("RATE_PERIOD"); ok && v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("RATE_PERIOD: %w", err)
		}
		c.RateLimit.Period = d
	}
	if v, ok := lookup("MAX_FILE_SIZE"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_FILE_SIZE: %w", err)
		}
		c.Sandbox.MaxFileSize = n
	}
	if v, ok := lookup("RATE_MAX"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RATE_MAX: %w", err)
		}
		c.RateLimit.MaxCalls = n
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = n
	}
	return nil
}

func parseSeconds(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("sandbox.timeout must be positive, got %s", c.Sandbox.Timeout)
	}
	if c.Sandbox.QueueTimeout < 0 {
		return fmt.Errorf("sandbox.queue_timeout must not be negative, got %s", c.Sandbox.QueueTimeout)
	}
	queue := c.Sandbox.QueueTimeout
	if queue == 0 {
		queue = c.Sandbox.Timeout
	}
	if worst := queue + c.Sandbox.Timeout; c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= worst {
		return fmt.Errorf("server.write_timeout (%s) must exceed sandbox.queue_timeout + sandbox.timeout (%s)",
			c.Server.WriteTimeout, worst)
	}
	if c.Sandbox.MaxFileSize <= 0 {
		return fmt.Errorf("sandbox.max_file_size must be positive, got %d", c.Sandbox.MaxFileSize)
	}
	if c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox.image is required")
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	switch c.Sandbox.Backend {
	case "", "auto", "docker", "containerd":
	default:
		return fmt.Errorf("sandbox.backend must be auto, docker or containerd, got %q", c.Sandbox.Backend)
	}
	if c.Sandbox.StagingDir != "" && !filepath.IsAbs(c.Sandbox.StagingDir) {
		return fmt.Errorf("sandbox.staging_dir: %q must be an absolute path", c.Sandbox.StagingDir)
	}
	if c.RateLimit.MaxCalls < 1 {
		return fmt.Errorf("rate_limit.max_calls must be >= 1, got %d", c.RateLimit.MaxCalls)
	}
	if c.RateLimit.Period <= 0 {
		return fmt.Errorf("rate_limit.period must be positive, got %s", c.RateLimit.Period)
	}

	switch c.LogStore.Driver {
	case "", "sqlite":
		if c.LogStore.Path == "" {
			return fmt.Errorf("log_store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.LogStore.DSN == "" {
			return fmt.Errorf("log_store.dsn is required for the postgres driver")
		}
		if strings.Contains(c.LogStore.DSN, "sslmode=disable") {
			log.Warn().Msg("log store DSN has sslmode=disable, connections to Postgres are unencrypted")
		}
	case "mysql":
		if c.LogStore.DSN == "" {
			return fmt.Errorf("log_store.dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("log_store.driver must be sqlite, postgres or mysql, got %q", c.LogStore.Driver)
	}
	if c.LogStore.DefaultFetch < 1 || c.LogStore.DefaultFetch > c.LogStore.MaxFetchLimit {
		return fmt.Errorf("log_store.default_fetch must be 1-%d, got %d", c.LogStore.MaxFetchLimit, c.LogStore.DefaultFetch)
	}

	seen := make(map[string]bool, len(c.Security.APIKeys))
	for i, k := range c.Security.APIKeys {
		if k.Key == "" || k.Identity == "" {
			return fmt.Errorf("security.api_keys[%d]: key and identity are required", i)
		}
		if k.Role != RoleUser && k.Role != RoleAdmin {
			return fmt.Errorf("security.api_keys[%d]: role must be %s or %s, got %q", i, RoleUser, RoleAdmin, k.Role)
		}
		if seen[k.Key] {
			return fmt.Errorf("security.api_keys[%d]: duplicate key", i)
		}
		seen[k.Key] = true
	}

	if c.Security.JWTSecret != "" && len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("security.jwt_secret must be at least 32 bytes")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
