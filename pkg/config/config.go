// Package config handles connection configuration: YAML loading, defaults,
// connection-string parsing and DSN rendering for the driver.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort              = 1433
	DefaultConnectionTimeout = 15 * time.Second
	DefaultRequestTimeout    = 15 * time.Second
	DefaultPoolMax           = 10
	DefaultPoolMin           = 0
	DefaultIdleTimeout       = 30 * time.Second

	// PasswordEnv - переменная окружения с паролем, если он не задан в файле
	PasswordEnv = "MSSQL_PASSWORD"
)

// Config is the top-level connection configuration.
type Config struct {
	Driver            string        `yaml:"driver"`             // default "mssql"
	Server            string        `yaml:"server"`             // host or host\instance
	Port              int           `yaml:"port"`               // default 1433
	InstanceName      string        `yaml:"instance_name"`      // named instance, resolved by the browser service
	User              string        `yaml:"user"`
	Password          string        `yaml:"password"`           // override via MSSQL_PASSWORD
	Domain            string        `yaml:"domain"`             // Windows authentication domain
	Database          string        `yaml:"database"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"` // default 15s
	RequestTimeout    time.Duration `yaml:"request_timeout"`    // default 15s; 0 = none
	Stream            bool          `yaml:"stream"`             // default streaming mode for requests
	ParseJSON         bool          `yaml:"parse_json"`

	Pool       PoolConfig       `yaml:"pool"`
	Options    Options          `yaml:"options"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// PoolConfig controls pool sizing.
type PoolConfig struct {
	Max            int           `yaml:"max"`             // default 10
	Min            int           `yaml:"min"`             // default 0
	IdleTimeout    time.Duration `yaml:"idle_timeout"`    // default 30s
	AcquireTimeout time.Duration `yaml:"acquire_timeout"` // 0 = bounded by the caller's context only
	SweepInterval  time.Duration `yaml:"sweep_interval"`  // default IdleTimeout/2, at least 1s
}

// Options are wire-layer options passed through to the driver.
type Options struct {
	Encrypt                 bool   `yaml:"encrypt"`
	TrustServerCertificate  bool   `yaml:"trust_server_certificate"`
	TDSVersion              string `yaml:"tds_version"` // informational; the driver negotiates 7.4
	AppName                 string `yaml:"app_name"`
	AbortTransactionOnError bool   `yaml:"abort_transaction_on_error"` // SET XACT_ABORT ON per session
	UseUTC                  bool   `yaml:"use_utc"`
	PacketSize              int    `yaml:"packet_size"`
}

// ResilienceConfig protects pool growth against an unreachable server.
type ResilienceConfig struct {
	CircuitBreaker BreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig   `yaml:"retry"`
}

// BreakerConfig - настройки circuit breaker для открытия соединений
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	MaxFailures      uint32        `yaml:"max_failures"`      // default 5
	Timeout          time.Duration `yaml:"timeout"`           // default 30s
	SuccessThreshold uint32        `yaml:"success_threshold"` // default 1
}

// RetryConfig - повтор открытия соединения
type RetryConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxAttempts  int           `yaml:"max_attempts"`  // default 3
	InitialDelay time.Duration `yaml:"initial_delay"` // default 200ms
	MaxDelay     time.Duration `yaml:"max_delay"`     // default 5s
	Backoff      string        `yaml:"backoff"`       // constant | linear | exponential (default)
	Jitter       float64       `yaml:"jitter"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Driver == "" {
		c.Driver = "mssql"
	}
	if c.Server == "" {
		c.Server = "localhost"
	}
	if c.Port == 0 && c.InstanceName == "" {
		c.Port = DefaultPort
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.Pool.Max == 0 {
		c.Pool.Max = DefaultPoolMax
	}
	if c.Pool.IdleTimeout == 0 {
		c.Pool.IdleTimeout = DefaultIdleTimeout
	}
	if c.Pool.SweepInterval == 0 {
		c.Pool.SweepInterval = c.Pool.IdleTimeout / 2
		if c.Pool.SweepInterval < time.Second {
			c.Pool.SweepInterval = time.Second
		}
	}
	if c.Resilience.CircuitBreaker.MaxFailures == 0 {
		c.Resilience.CircuitBreaker.MaxFailures = 5
	}
	if c.Resilience.CircuitBreaker.Timeout == 0 {
		c.Resilience.CircuitBreaker.Timeout = 30 * time.Second
	}
	if c.Resilience.CircuitBreaker.SuccessThreshold == 0 {
		c.Resilience.CircuitBreaker.SuccessThreshold = 1
	}
	if c.Resilience.Retry.MaxAttempts == 0 {
		c.Resilience.Retry.MaxAttempts = 3
	}
	if c.Resilience.Retry.InitialDelay == 0 {
		c.Resilience.Retry.InitialDelay = 200 * time.Millisecond
	}
	if c.Resilience.Retry.MaxDelay == 0 {
		c.Resilience.Retry.MaxDelay = 5 * time.Second
	}
	if c.Resilience.Retry.Backoff == "" {
		c.Resilience.Retry.Backoff = "exponential"
	}
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("config: server is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.Pool.Max < 1 {
		return fmt.Errorf("config: pool.max must be at least 1, got %d", c.Pool.Max)
	}
	if c.Pool.Min < 0 || c.Pool.Min > c.Pool.Max {
		return fmt.Errorf("config: pool.min must be in [0, pool.max], got %d", c.Pool.Min)
	}
	if c.ConnectionTimeout < 0 || c.RequestTimeout < 0 || c.Pool.IdleTimeout < 0 {
		return fmt.Errorf("config: timeouts must not be negative")
	}
	switch c.Resilience.Retry.Backoff {
	case "constant", "linear", "exponential":
	default:
		return fmt.Errorf("config: unknown retry backoff %q", c.Resilience.Retry.Backoff)
	}
	return nil
}

// Load reads the YAML config at path, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, applies defaults and the password env fallback, and validates.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	splitInstance(cfg)

	// Password: config file takes precedence; env var is the fallback
	if cfg.Password == "" {
		cfg.Password = os.Getenv(PasswordEnv)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitInstance moves "host\instance" into Server and InstanceName.
func splitInstance(cfg *Config) {
	if host, inst, ok := strings.Cut(cfg.Server, `\`); ok {
		cfg.Server = host
		if cfg.InstanceName == "" {
			cfg.InstanceName = inst
		}
	}
}

// DSN renders the sqlserver:// URL understood by go-mssqldb.
func (c *Config) DSN() string {
	u := &url.URL{Scheme: "sqlserver", Host: c.Server}
	if c.Port > 0 && c.InstanceName == "" {
		u.Host = fmt.Sprintf("%s:%d", c.Server, c.Port)
	}
	if c.InstanceName != "" {
		u.Path = "/" + c.InstanceName
	}

	user := c.User
	if c.Domain != "" && user != "" {
		user = c.Domain + `\` + user
	}
	if user != "" {
		u.User = url.UserPassword(user, c.Password)
	}

	q := url.Values{}
	if c.Database != "" {
		q.Set("database", c.Database)
	}
	if c.ConnectionTimeout > 0 {
		q.Set("dial timeout", strconv.Itoa(int(c.ConnectionTimeout/time.Second)))
	}
	if c.Options.Encrypt {
		q.Set("encrypt", "true")
	} else {
		q.Set("encrypt", "disable")
	}
	if c.Options.TrustServerCertificate {
		q.Set("TrustServerCertificate", "true")
	}
	if c.Options.AppName != "" {
		q.Set("app name", c.Options.AppName)
	}
	if c.Options.PacketSize > 0 {
		q.Set("packet size", strconv.Itoa(c.Options.PacketSize))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// String renders the DSN with the password masked.
func (c *Config) String() string {
	masked := *c
	if masked.Password != "" {
		masked.Password = "***"
	}
	return masked.DSN()
}
