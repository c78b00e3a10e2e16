package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	require.Equal(t, 5, cfg.Runtime.MaxConcurrentWorkers)
	require.Equal(t, 100, cfg.Runtime.TaskQueueCapacity)
	require.Equal(t, 30, cfg.Runtime.MessageResponseTimeoutSeconds)
	require.Equal(t, 3, cfg.Runtime.WorkerConcurrentCap)
	require.Equal(t, 5, cfg.Runtime.DependencyBackoffSeconds)
	require.Equal(t, 10, cfg.Runtime.UnassignableBackoffSeconds)
	require.Equal(t, 3, cfg.Runtime.MaxTaskRetries)
	require.True(t, cfg.Runtime.FailureRecovery)
	require.Equal(t, 60, cfg.Runtime.TaskTimeoutSeconds)
	require.False(t, cfg.Runtime.ProactiveMode)
	require.Equal(t, 8, cfg.Runtime.ProactiveHour)

	require.Equal(t, 24, cfg.Memory.ContextDefaultTTLHours)
	require.Equal(t, 30, cfg.Memory.MemoryRetentionDays)

	require.Equal(t, 3600, cfg.Events.EventCacheTTLSeconds)
	require.Equal(t, 3, cfg.Events.EventRetryLimit)

	require.Len(t, cfg.FocusBlocks, 2)
	require.Equal(t, FocusBlockConfig{StartHour: 9, EndHour: 11}, cfg.FocusBlocks[0])
	require.Equal(t, FocusBlockConfig{StartHour: 14, EndHour: 16}, cfg.FocusBlocks[1])

	require.False(t, cfg.Tracing.Enabled)
	require.Equal(t, "file", cfg.Tracing.Exporter)
	require.Equal(t, 1.0, cfg.Tracing.SampleRate)

	require.NoError(t, Validate(cfg))
}

func TestDurationHelpers(t *testing.T) {
	cfg := Defaults()

	require.Equal(t, 5*time.Second, cfg.Runtime.DependencyBackoff())
	require.Equal(t, 10*time.Second, cfg.Runtime.UnassignableBackoff())
	require.Equal(t, 30*time.Second, cfg.Runtime.MessageResponseTimeout())
	require.Equal(t, 60*time.Second, cfg.Runtime.TaskTimeout())
	require.Equal(t, 30*24*time.Hour, cfg.Memory.RetentionAge())
	require.Equal(t, 24*time.Hour, cfg.Memory.ContextTTL())
	require.Equal(t, time.Hour, cfg.Events.CacheTTL())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{
			name:   "negative concurrency",
			mutate: func(c *Config) { c.Runtime.MaxConcurrentWorkers = -1 },
			errMsg: "max_concurrent_workers",
		},
		{
			name:   "negative queue capacity",
			mutate: func(c *Config) { c.Runtime.TaskQueueCapacity = -5 },
			errMsg: "task_queue_capacity",
		},
		{
			name:   "proactive hour out of range",
			mutate: func(c *Config) { c.Runtime.ProactiveHour = 24 },
			errMsg: "proactive_hour",
		},
		{
			name:   "inverted focus block",
			mutate: func(c *Config) { c.FocusBlocks = []FocusBlockConfig{{StartHour: 11, EndHour: 9}} },
			errMsg: "end_hour must be after start_hour",
		},
		{
			name:   "focus block outside day",
			mutate: func(c *Config) { c.FocusBlocks = []FocusBlockConfig{{StartHour: -1, EndHour: 9}} },
			errMsg: "within a day",
		},
		{
			name:   "sample rate above one",
			mutate: func(c *Config) { c.Tracing.SampleRate = 1.5 },
			errMsg: "sample_rate",
		},
		{
			name:   "unknown exporter",
			mutate: func(c *Config) { c.Tracing.Exporter = "syslog" },
			errMsg: "tracing.exporter",
		},
		{
			name: "file exporter without path",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "file"
				c.Tracing.FilePath = ""
			},
			errMsg: "file_path",
		},
		{
			name: "otlp exporter without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
				c.Tracing.OTLPEndpoint = ""
			},
			errMsg: "otlp_endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := Validate(cfg)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Defaults().Runtime, cfg.Runtime)
	require.Equal(t, DefaultFocusBlocks(), cfg.FocusBlocks)
}

func TestLoadOverridesAndFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
runtime:
  max_concurrent_workers: 2
  proactive_mode: true
events:
  event_retry_limit: 5
focus_blocks:
  - start_hour: 6
    end_hour: 8
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 2, cfg.Runtime.MaxConcurrentWorkers)
	require.True(t, cfg.Runtime.ProactiveMode)
	require.Equal(t, 5, cfg.Events.EventRetryLimit)
	require.Equal(t, []FocusBlockConfig{{StartHour: 6, EndHour: 8}}, cfg.FocusBlocks)

	// Untouched keys keep their defaults.
	require.Equal(t, 100, cfg.Runtime.TaskQueueCapacity)
	require.Equal(t, 3600, cfg.Events.EventCacheTTLSeconds)
	require.True(t, cfg.Runtime.FailureRecovery)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
runtime:
  proactive_hour: 99
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "proactive_hour")
}

func TestWriteDefaultConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	require.NoError(t, WriteDefaultConfig(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, Defaults().Runtime, cfg.Runtime)
	require.Equal(t, Defaults().Memory, cfg.Memory)
	require.Equal(t, Defaults().Events, cfg.Events)
	require.Equal(t, DefaultFocusBlocks(), cfg.FocusBlocks)
}
