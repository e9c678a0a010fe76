// Package config provides configuration structures and loading logic for
// the stageflow binaries.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/polisai/stageflow/pkg/domain"
)

// Config holds the global configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Engine    EngineConfig    `yaml:"engine"`
	Plan      PlanConfig      `yaml:"plan"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Logging   LoggingConfig   `yaml:"logging"`
	Policy    PolicyConfig    `yaml:"policy"`
	Guard     GuardConfig     `yaml:"guard"`
	Flags     []FlagConfig    `yaml:"flags"`
	Storage   StorageConfig   `yaml:"storage"`
	// RateLimits caps commands per pipeline name.
	RateLimits map[string]RateLimitConfig `yaml:"rate_limits"`
	Retry      RetryConfig                `yaml:"retry"`
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Address         string   `yaml:"address"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
	// Stdout writes spans to stdout instead of exporting them.
	Stdout bool `yaml:"stdout"`
}

// EngineConfig maps onto engine.Options.
type EngineConfig struct {
	Timeout          Duration `yaml:"timeout"`
	StrictSlots      bool     `yaml:"strict_slots"`
	Parallel         bool     `yaml:"parallel"`
	MaxConcurrency   int      `yaml:"max_concurrency"`
	Lazy             bool     `yaml:"lazy"`
	Targets          []string `yaml:"targets"`
	PartialRecompute bool     `yaml:"partial_recompute"`
	// MaxSessions bounds session plan pins. Zero selects the registry default.
	MaxSessions int `yaml:"max_sessions"`
}

// PlanConfig maps onto plan.Config. Zero values select the compiler's
// defaults.
type PlanConfig struct {
	MaxStages     int `yaml:"max_stages"`
	MaxEdges      int `yaml:"max_edges"`
	MaxFanIn      int `yaml:"max_fan_in"`
	MaxFanOut     int `yaml:"max_fan_out"`
	MaxDepth      int `yaml:"max_depth"`
	HeapThreshold int `yaml:"heap_threshold"`
}

// PipelineConfig points at the pipeline definition file.
type PipelineConfig struct {
	File string `yaml:"file"`
	// Default names the pipeline used when a command does not name one.
	Default string `yaml:"default"`
	Watch   bool   `yaml:"watch"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PolicyConfig configures command authorization. Without modules every
// command is allowed.
type PolicyConfig struct {
	Entrypoint      string   `yaml:"entrypoint"`
	Modules         []string `yaml:"modules"`
	CacheMaxEntries int      `yaml:"cache_max_entries"`
	// FailurePosture is "fail-closed" (default) or "fail-open".
	FailurePosture string `yaml:"failure_posture"`
}

// GuardConfig configures the rollback guard.
type GuardConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Window           Duration `yaml:"window"`
	MinRuns          int      `yaml:"min_runs"`
	FailureThreshold float64  `yaml:"failure_threshold"`
	Cooldown         Duration `yaml:"cooldown"`
}

// RateLimitConfig is a token bucket for one pipeline.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	Burst             int `yaml:"burst"`
}

// RetryConfig controls how the dispatcher re-runs failed executions.
type RetryConfig struct {
	MaxRetries     int      `yaml:"max_retries"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	Jitter         bool     `yaml:"jitter"`
	// Reasons lists stage failure reasons worth retrying, TIMEOUT when empty.
	Reasons []string `yaml:"reasons"`
}

// FlagConfig routes a share of commands to candidate pipelines.
type FlagConfig struct {
	Name     string          `yaml:"name"`
	Stable   string          `yaml:"stable"`
	Variants []VariantConfig `yaml:"variants"`
}

// VariantConfig is one candidate pipeline and the percentage of keys it
// receives.
type VariantConfig struct {
	Pipeline string `yaml:"pipeline"`
	Percent  int    `yaml:"percent"`
}

// StorageConfig selects the replay store.
type StorageConfig struct {
	// Driver is "memory", "sqlite" or "none".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8085",
			ShutdownTimeout: Duration(defaultShutdownTimeout),
		},
		Telemetry: TelemetryConfig{ServiceName: "stageflow"},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
		Storage:   StorageConfig{Driver: "memory"},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("STAGEFLOW_ADDR"); val != "" {
		cfg.Server.Address = val
	}

	if val := os.Getenv("STAGEFLOW_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("STAGEFLOW_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("STAGEFLOW_TIMEOUT"); val != "" {
		d, err := parseDuration(val)
		if err != nil {
			return fmt.Errorf("STAGEFLOW_TIMEOUT: %w", err)
		}
		cfg.Engine.Timeout = Duration(d)
	}
	if val := os.Getenv("STAGEFLOW_STRICT_SLOTS"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("STAGEFLOW_STRICT_SLOTS: %w", err)
		}
		cfg.Engine.StrictSlots = b
	}
	if val := os.Getenv("STAGEFLOW_PARALLEL"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("STAGEFLOW_PARALLEL: %w", err)
		}
		cfg.Engine.Parallel = b
	}
	if val := os.Getenv("STAGEFLOW_MAX_CONCURRENCY"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("STAGEFLOW_MAX_CONCURRENCY: %w", err)
		}
		cfg.Engine.MaxConcurrency = n
	}
	if val := os.Getenv("STAGEFLOW_MAX_DEPTH"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("STAGEFLOW_MAX_DEPTH: %w", err)
		}
		cfg.Plan.MaxDepth = n
	}

	if val := os.Getenv("STAGEFLOW_PIPELINE_FILE"); val != "" {
		cfg.Pipeline.File = val
	}

	if val := os.Getenv("STAGEFLOW_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("STAGEFLOW_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}

	if val := os.Getenv("STAGEFLOW_STORAGE_DRIVER"); val != "" {
		cfg.Storage.Driver = val
	}
	if val := os.Getenv("STAGEFLOW_STORAGE_DSN"); val != "" {
		cfg.Storage.DSN = val
	}
	return nil
}

// Validate performs comprehensive validation of the entire configuration.
// It normalises fields in place.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine configuration: %w", err)
	}
	if err := c.Plan.Validate(); err != nil {
		return fmt.Errorf("plan configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := c.Guard.Validate(); err != nil {
		return fmt.Errorf("guard configuration: %w", err)
	}
	seen := make(map[string]bool, len(c.Flags))
	for i := range c.Flags {
		if err := c.Flags[i].Validate(); err != nil {
			return fmt.Errorf("flag %d: %w", i, err)
		}
		if seen[c.Flags[i].Name] {
			return fmt.Errorf("duplicate flag %q", c.Flags[i].Name)
		}
		seen[c.Flags[i].Name] = true
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage configuration: %w", err)
	}
	for name, rl := range c.RateLimits {
		if rl.RequestsPerSecond <= 0 || rl.Burst < 0 {
			return fmt.Errorf("rate limit %q: requests_per_second must be positive and burst not negative", name)
		}
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry configuration: %w", err)
	}
	return nil
}

// Validate performs validation of retry configuration.
func (c *RetryConfig) Validate() error {
	if c.MaxRetries < 0 || c.InitialBackoff < 0 || c.MaxBackoff < 0 {
		return fmt.Errorf("max_retries and backoffs must not be negative")
	}
	for _, r := range c.Reasons {
		if !domain.ReasonKind(strings.ToUpper(r)).Valid() {
			return fmt.Errorf("unknown retry reason %q", r)
		}
	}
	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = ":8085"
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must not be negative")
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = Duration(defaultShutdownTimeout)
	}
	return nil
}

// Validate performs validation of engine configuration.
func (c *EngineConfig) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency must not be negative")
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("max_sessions must not be negative")
	}
	if c.Lazy && len(c.Targets) == 0 {
		return fmt.Errorf("lazy evaluation requires at least one target")
	}
	return nil
}

// Validate checks the compiler limits. The compiler rejects the same
// values; checking here reports them at startup.
func (c *PlanConfig) Validate() error {
	limits := map[string]int{
		"max_stages":     c.MaxStages,
		"max_edges":      c.MaxEdges,
		"max_fan_in":     c.MaxFanIn,
		"max_fan_out":    c.MaxFanOut,
		"max_depth":      c.MaxDepth,
		"heap_threshold": c.HeapThreshold,
	}
	for _, name := range []string{"max_stages", "max_edges", "max_fan_in", "max_fan_out", "max_depth", "heap_threshold"} {
		if limits[name] < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}
	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}

	format := strings.TrimSpace(strings.ToLower(c.Format))
	switch format {
	case "":
		c.Format = "text"
	case "text", "json":
		c.Format = format
	default:
		return fmt.Errorf("invalid log format %q, supported formats: text, json", c.Format)
	}
	return nil
}

// Validate performs validation of guard configuration and fills defaults.
func (c *GuardConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.FailureThreshold < 0 || c.FailureThreshold > 1 {
		return fmt.Errorf("failure_threshold must be within [0,1], got %v", c.FailureThreshold)
	}
	if c.Window < 0 || c.Cooldown < 0 || c.MinRuns < 0 {
		return fmt.Errorf("window, cooldown and min_runs must not be negative")
	}
	return nil
}

// Validate checks that variant percentages are sane.
func (c *FlagConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(c.Stable) == "" {
		return fmt.Errorf("flag %s: stable pipeline is required", c.Name)
	}
	total := 0
	for _, v := range c.Variants {
		if strings.TrimSpace(v.Pipeline) == "" {
			return fmt.Errorf("flag %s: variant pipeline is required", c.Name)
		}
		if v.Percent < 0 || v.Percent > 100 {
			return fmt.Errorf("flag %s: variant %s percent %d out of range", c.Name, v.Pipeline, v.Percent)
		}
		total += v.Percent
	}
	if total > 100 {
		return fmt.Errorf("flag %s: variant percentages sum to %d", c.Name, total)
	}
	return nil
}

// Validate performs validation of storage configuration.
func (c *StorageConfig) Validate() error {
	driver := strings.TrimSpace(strings.ToLower(c.Driver))
	switch driver {
	case "":
		c.Driver = "memory"
	case "memory", "none":
		c.Driver = driver
	case "sqlite":
		c.Driver = driver
		if strings.TrimSpace(c.DSN) == "" {
			return fmt.Errorf("sqlite driver requires a dsn")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Driver)
	}
	return nil
}
