package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/polisai/stageflow/pkg/domain"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8085", cfg.Server.Address)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "stageflow", cfg.Telemetry.ServiceName)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "stageflow.yaml", `
server:
  address: ":9000"
engine:
  timeout: 250ms
  strict_slots: true
  parallel: true
  max_concurrency: 4
plan:
  max_depth: 12
pipeline:
  file: pipelines.yaml
  default: totals
logging:
  level: DEBUG
  format: json
guard:
  enabled: true
  window: 1m
  min_runs: 5
  failure_threshold: 0.5
  cooldown: 30s
flags:
  - name: totals-v2
    stable: totals
    variants:
      - {pipeline: totals_v2, percent: 10}
storage:
  driver: sqlite
  dsn: file:replay.db
rate_limits:
  totals: {requests_per_second: 5, burst: 10}
retry:
  max_retries: 2
  initial_backoff: 50ms
  reasons: [timeout, execution_error]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.Timeout.Duration())
	assert.True(t, cfg.Engine.StrictSlots)
	assert.True(t, cfg.Engine.Parallel)
	assert.Equal(t, 4, cfg.Engine.MaxConcurrency)
	assert.Equal(t, 12, cfg.Plan.MaxDepth)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, time.Minute, cfg.Guard.Window.Duration())
	require.Len(t, cfg.Flags, 1)
	assert.Equal(t, "totals_v2", cfg.Flags[0].Variants[0].Pipeline)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 5, cfg.RateLimiters()["totals"].RequestsPerSecond)
	assert.Equal(t, 10, cfg.RateLimiters()["totals"].BurstSize)

	retry := cfg.Retry.ToGovernance()
	assert.Equal(t, 2, retry.MaxRetries)
	assert.Equal(t, 50*time.Millisecond, retry.InitialBackoff)
	assert.Equal(t, []domain.ReasonKind{domain.ReasonTimeout, domain.ReasonExecutionError}, retry.RetryableReasons)

	fl := cfg.ToFlags()
	require.Len(t, fl, 1)
	assert.Equal(t, "totals", fl[0].Stable)
	assert.Equal(t, 10, fl[0].Variants[0].Percent)
	require.NoError(t, fl[0].Validate())

	guard := cfg.Guard.ToGovernance(nil)
	assert.Equal(t, time.Minute, guard.Window)
	assert.Equal(t, 30*time.Second, guard.Cooldown)
	assert.Equal(t, 5, guard.MinRuns)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STAGEFLOW_TIMEOUT", "1500")
	t.Setenv("STAGEFLOW_STRICT_SLOTS", "true")
	t.Setenv("STAGEFLOW_PARALLEL", "1")
	t.Setenv("STAGEFLOW_MAX_CONCURRENCY", "3")
	t.Setenv("STAGEFLOW_MAX_DEPTH", "7")
	t.Setenv("STAGEFLOW_LOG_LEVEL", "warn")
	t.Setenv("STAGEFLOW_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("STAGEFLOW_PIPELINE_FILE", "p.yaml")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, cfg.Engine.Timeout.Duration())
	assert.True(t, cfg.Engine.StrictSlots)
	assert.True(t, cfg.Engine.Parallel)
	assert.Equal(t, 3, cfg.Engine.MaxConcurrency)
	assert.Equal(t, 7, cfg.Plan.MaxDepth)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.Equal(t, "p.yaml", cfg.Pipeline.File)
}

func TestEnvOverrideErrors(t *testing.T) {
	t.Setenv("STAGEFLOW_MAX_CONCURRENCY", "many")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STAGEFLOW_MAX_CONCURRENCY")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		msg    string
	}{
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "invalid log level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"negative timeout", func(c *Config) { c.Engine.Timeout = -1 }, "timeout"},
		{"lazy without targets", func(c *Config) { c.Engine.Lazy = true }, "target"},
		{"negative sessions", func(c *Config) { c.Engine.MaxSessions = -1 }, "max_sessions"},
		{"negative limit", func(c *Config) { c.Plan.MaxFanIn = -2 }, "max_fan_in"},
		{"guard threshold", func(c *Config) { c.Guard = GuardConfig{Enabled: true, FailureThreshold: 2} }, "failure_threshold"},
		{"flag total", func(c *Config) {
			c.Flags = []FlagConfig{{Name: "f", Stable: "a", Variants: []VariantConfig{{Pipeline: "b", Percent: 60}, {Pipeline: "c", Percent: 50}}}}
		}, "sum to 110"},
		{"flag duplicate", func(c *Config) {
			c.Flags = []FlagConfig{{Name: "f", Stable: "a"}, {Name: "f", Stable: "a"}}
		}, "duplicate flag"},
		{"sqlite dsn", func(c *Config) { c.Storage = StorageConfig{Driver: "sqlite"} }, "dsn"},
		{"storage driver", func(c *Config) { c.Storage = StorageConfig{Driver: "redis"} }, "unknown storage driver"},
		{"rate limit", func(c *Config) { c.RateLimits = map[string]RateLimitConfig{"x": {}} }, "rate limit \"x\""},
		{"retry reason", func(c *Config) { c.Retry.Reasons = []string{"flaky"} }, "unknown retry reason"},
		{"retry negative", func(c *Config) { c.Retry.MaxRetries = -1 }, "must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestDurationEncoding(t *testing.T) {
	var y struct {
		D Duration `yaml:"d"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("d: 2m"), &y))
	assert.Equal(t, 2*time.Minute, y.D.Duration())
	require.NoError(t, yaml.Unmarshal([]byte("d: 40"), &y))
	assert.Equal(t, 40*time.Millisecond, y.D.Duration())
	assert.Error(t, yaml.Unmarshal([]byte("d: soon"), &y))

	out, err := yaml.Marshal(y)
	require.NoError(t, err)
	assert.Equal(t, "d: 40ms\n", string(out))

	var j struct {
		D Duration `json:"d"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"d":"1s"}`), &j))
	assert.Equal(t, time.Second, j.D.Duration())
	require.NoError(t, json.Unmarshal([]byte(`{"d":5}`), &j))
	assert.Equal(t, 5*time.Millisecond, j.D.Duration())
	assert.Error(t, json.Unmarshal([]byte(`{"d":true}`), &j))

	b, err := json.Marshal(j)
	require.NoError(t, err)
	assert.JSONEq(t, `{"d":"5ms"}`, string(b))
}
