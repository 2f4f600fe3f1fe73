package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the bootstrap configuration for the platform. It is
// whitelisted to infrastructure connection parameters: application
// configuration must come from the hierarchical config resolver, never from
// here. Bootstrap config is read-only once the platform starts.
//
// Resolution priority, highest first:
//  1. Functional options
//  2. Environment variables
//  3. Config file (LOOM_CONFIG_PATH, then the default path list)
//  4. Defaults
type Config struct {
	// Redis connection shared by queue, lease, idempotency and config stores.
	Redis RedisConfig `yaml:"redis"`

	// Runtime tunes the dispatcher.
	Runtime RuntimeConfig `yaml:"runtime"`

	// Queue tunes durable delivery.
	Queue QueueConfig `yaml:"queue"`

	// Memory tunes the semantic memory index.
	Memory MemoryConfig `yaml:"memory"`

	// Resolver tunes the layered config resolver.
	Resolver ResolverConfig `yaml:"resolver"`

	// Telemetry configures metric/trace export.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Logging configures the default logger.
	Logging LoggingConfig `yaml:"logging"`
}

// RedisConfig contains the Redis connection parameters.
type RedisConfig struct {
	URL       string `yaml:"url"`
	Namespace string `yaml:"namespace"`
}

// RuntimeConfig contains dispatcher pool and lease knobs.
type RuntimeConfig struct {
	WorkerCount       int           `yaml:"worker_count"`
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
	ExecuteTimeout    time.Duration `yaml:"execute_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxResidentActors int           `yaml:"max_resident_actors"`
	ActivityQueue     string        `yaml:"activity_queue"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// QueueConfig contains durable queue retry knobs.
type QueueConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	PromoteInterval   time.Duration `yaml:"promote_interval"`
}

// MemoryConfig contains semantic memory index knobs.
type MemoryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Dimension      int           `yaml:"dimension"`
	DedupEnabled   bool          `yaml:"dedup_enabled"`
	DedupThreshold float64       `yaml:"dedup_threshold"`
	CacheThreshold float64       `yaml:"cache_threshold"`
	DefaultTTL     time.Duration `yaml:"default_ttl"`
}

// ResolverConfig contains layered config resolver knobs.
type ResolverConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// TelemetryConfig contains metric/trace export settings.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTELEndpoint string `yaml:"otel_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// LoggingConfig contains default logger settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Option mutates a Config during construction.
type Option func(*Config) error

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Redis: RedisConfig{
			Namespace: "loom",
		},
		Runtime: RuntimeConfig{
			WorkerCount:       5,
			LeaseTTL:          30 * time.Second,
			ExecuteTimeout:    5 * time.Minute,
			IdleTimeout:       10 * time.Minute,
			MaxResidentActors: 1000,
			ActivityQueue:     "loom:activities",
			ShutdownTimeout:   30 * time.Second,
		},
		Queue: QueueConfig{
			MaxAttempts:       5,
			InitialBackoff:    time.Second,
			MaxBackoff:        time.Minute,
			BackoffMultiplier: 2.0,
			PromoteInterval:   time.Second,
		},
		Memory: MemoryConfig{
			Dimension:      1536,
			DedupEnabled:   true,
			DedupThreshold: 0.95,
			CacheThreshold: 0.98,
			DefaultTTL:     24 * time.Hour,
		},
		Resolver: ResolverConfig{
			CacheTTL: 5 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "loom",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// defaultConfigPaths is tried in order when LOOM_CONFIG_PATH is unset.
var defaultConfigPaths = []string{
	"loom.config.yaml",
	"loom.config.yml",
	".loom.yaml",
	".loom.yml",
	"config/loom.yaml",
	"config/loom.yml",
}

// LoadFromFile merges the yaml file at path into the config. Unknown keys are
// rejected so typos fail startup instead of silently defaulting.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// loadBootstrapFile loads LOOM_CONFIG_PATH if set (missing file is then an
// error), otherwise the first default path that exists.
func (c *Config) loadBootstrapFile() error {
	if path := os.Getenv("LOOM_CONFIG_PATH"); path != "" {
		return c.LoadFromFile(path)
	}
	for _, path := range defaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return c.LoadFromFile(path)
		}
	}
	return nil
}

// LoadFromEnv overlays environment variables. Env wins over the file layer.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("LOOM_REDIS_URL"); v != "" {
		c.Redis.URL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("LOOM_REDIS_NAMESPACE"); v != "" {
		c.Redis.Namespace = v
	}
	if v := os.Getenv("LOOM_WORKER_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LOOM_WORKER_COUNT: %w", err)
		}
		c.Runtime.WorkerCount = n
	}
	if v := os.Getenv("LOOM_LEASE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LOOM_LEASE_TTL: %w", err)
		}
		c.Runtime.LeaseTTL = d
	}
	if v := os.Getenv("LOOM_EXECUTE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LOOM_EXECUTE_TIMEOUT: %w", err)
		}
		c.Runtime.ExecuteTimeout = d
	}
	if v := os.Getenv("LOOM_OTEL_ENDPOINT"); v != "" {
		c.Telemetry.OTELEndpoint = v
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("LOOM_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// Validate checks the assembled configuration. Every missing required key is
// reported in one pass; there are no silent defaults for production resources.
func (c *Config) Validate() error {
	var missing []string
	var invalid []string

	if c.Runtime.WorkerCount < 1 {
		invalid = append(invalid, "runtime.worker_count must be at least 1")
	}
	if c.Runtime.LeaseTTL <= 0 {
		invalid = append(invalid, "runtime.lease_ttl must be positive")
	}
	if c.Queue.MaxAttempts < 1 {
		invalid = append(invalid, "queue.max_attempts must be at least 1")
	}
	if c.Queue.BackoffMultiplier < 1 {
		invalid = append(invalid, "queue.backoff_multiplier must be at least 1")
	}
	if c.Memory.Enabled && c.Memory.Dimension < 1 {
		invalid = append(invalid, "memory.dimension must be at least 1")
	}
	if c.Memory.Enabled && (c.Memory.DedupThreshold <= 0 || c.Memory.DedupThreshold > 1) {
		invalid = append(invalid, "memory.dedup_threshold must be within (0, 1]")
	}
	if c.Telemetry.Enabled && c.Telemetry.OTELEndpoint == "" {
		missing = append(missing, "telemetry.otel_endpoint")
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required keys: %s",
			ErrConfigMissing, strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigInvalid, strings.Join(invalid, "; "))
	}
	return nil
}

// NewConfig assembles a Config: defaults, then bootstrap file, then
// environment, then options, then validation.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.loadBootstrapFile(); err != nil {
		return nil, err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WithRedisURL sets the Redis connection URL.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		if url == "" {
			return fmt.Errorf("%w: redis URL cannot be empty", ErrConfigInvalid)
		}
		c.Redis.URL = url
		return nil
	}
}

// WithNamespace sets the Redis key namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) error {
		c.Redis.Namespace = namespace
		return nil
	}
}

// WithWorkerCount sets the dispatcher pool size.
func WithWorkerCount(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("%w: worker count must be at least 1", ErrConfigInvalid)
		}
		c.Runtime.WorkerCount = n
		return nil
	}
}

// WithLeaseTTL sets the actor lease TTL.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(c *Config) error {
		if ttl <= 0 {
			return fmt.Errorf("%w: lease TTL must be positive", ErrConfigInvalid)
		}
		c.Runtime.LeaseTTL = ttl
		return nil
	}
}

// WithExecuteTimeout sets the per-invocation handler timeout.
func WithExecuteTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		c.Runtime.ExecuteTimeout = timeout
		return nil
	}
}

// WithIdleTimeout sets how long an actor may sit idle before eviction.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		c.Runtime.IdleTimeout = timeout
		return nil
	}
}

// WithMaxResidentActors sets the LRU cap on resident actors.
func WithMaxResidentActors(n int) Option {
	return func(c *Config) error {
		c.Runtime.MaxResidentActors = n
		return nil
	}
}

// WithQueueRetry sets the queue retry policy.
func WithQueueRetry(maxAttempts int, initial, max time.Duration, multiplier float64) Option {
	return func(c *Config) error {
		c.Queue.MaxAttempts = maxAttempts
		c.Queue.InitialBackoff = initial
		c.Queue.MaxBackoff = max
		c.Queue.BackoffMultiplier = multiplier
		return nil
	}
}

// WithMemory enables the semantic memory index with the given dimension.
func WithMemory(dimension int) Option {
	return func(c *Config) error {
		c.Memory.Enabled = true
		c.Memory.Dimension = dimension
		return nil
	}
}

// WithDedup tunes dedup-on-insert.
func WithDedup(enabled bool, threshold float64) Option {
	return func(c *Config) error {
		c.Memory.DedupEnabled = enabled
		c.Memory.DedupThreshold = threshold
		return nil
	}
}

// WithResolverCacheTTL sets the config resolver cache TTL.
func WithResolverCacheTTL(ttl time.Duration) Option {
	return func(c *Config) error {
		c.Resolver.CacheTTL = ttl
		return nil
	}
}

// WithTelemetry enables telemetry export.
func WithTelemetry(enabled bool, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = enabled
		c.Telemetry.OTELEndpoint = endpoint
		return nil
	}
}

// WithLogLevel sets the default logger level.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}
