// Package config provides configuration types and defaults for adjutant.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/jfelden/adjutant/internal/log"
)

// Config holds all configuration options for the runtime.
type Config struct {
	Database    DatabaseConfig     `mapstructure:"database"`
	Runtime     RuntimeConfig      `mapstructure:"runtime"`
	Memory      MemoryConfig       `mapstructure:"memory"`
	Events      EventsConfig       `mapstructure:"events"`
	Calendar    CalendarConfig     `mapstructure:"calendar"`
	FocusBlocks []FocusBlockConfig `mapstructure:"focus_blocks"`
	Tracing     TracingConfig      `mapstructure:"tracing"`
}

// DatabaseConfig holds memory store database settings.
type DatabaseConfig struct {
	// Path is the SQLite database location.
	// Default: ~/.adjutant/adjutant.db
	Path string `mapstructure:"path"`
}

// RuntimeConfig holds task scheduling and messaging settings.
type RuntimeConfig struct {
	// MaxConcurrentWorkers is the Execution Engine's global parallelism cap.
	MaxConcurrentWorkers int `mapstructure:"max_concurrent_workers"`

	// TaskQueueCapacity bounds the main task queue.
	TaskQueueCapacity int `mapstructure:"task_queue_capacity"`

	// MessageResponseTimeoutSeconds bounds bus request/response waits.
	MessageResponseTimeoutSeconds int `mapstructure:"message_response_timeout_seconds"`

	// WorkerConcurrentCap bounds simultaneous tasks per worker.
	WorkerConcurrentCap int `mapstructure:"worker_concurrent_cap"`

	// DependencyBackoffSeconds delays re-enqueue of dependency-blocked tasks.
	DependencyBackoffSeconds int `mapstructure:"dependency_backoff_seconds"`

	// UnassignableBackoffSeconds delays re-enqueue when no worker matches.
	UnassignableBackoffSeconds int `mapstructure:"unassignable_backoff_seconds"`

	// MaxTaskRetries caps failure-recovery attempts per task.
	MaxTaskRetries int `mapstructure:"max_task_retries"`

	// FailureRecovery re-queues failed tasks when true.
	FailureRecovery bool `mapstructure:"failure_recovery"`

	// TaskTimeoutSeconds is the per-execution time budget.
	TaskTimeoutSeconds int `mapstructure:"task_timeout_seconds"`

	// ProactiveMode enables timer-driven task generation.
	ProactiveMode bool `mapstructure:"proactive_mode"`

	// ProactiveHour is the local hour for the morning briefing.
	ProactiveHour int `mapstructure:"proactive_hour"`
}

// MemoryConfig holds retention and context-expiry settings.
type MemoryConfig struct {
	// ContextDefaultTTLHours is the default context entry time-to-live.
	ContextDefaultTTLHours int `mapstructure:"context_default_ttl_hours"`

	// MemoryRetentionDays is the auto-purge age threshold.
	MemoryRetentionDays int `mapstructure:"memory_retention_days"`
}

// EventsConfig holds the real-time event router settings.
type EventsConfig struct {
	// EventCacheTTLSeconds is how long processed-event outcomes stay queryable.
	EventCacheTTLSeconds int `mapstructure:"event_cache_ttl_seconds"`

	// EventRetryLimit caps retries for failing events.
	EventRetryLimit int `mapstructure:"event_retry_limit"`
}

// CalendarConfig holds calendar ingestion settings.
type CalendarConfig struct {
	// WatchDir is the drop directory scanned for calendar export files.
	// Default: ~/.adjutant/calendar
	WatchDir string `mapstructure:"watch_dir"`
}

// FocusBlockConfig is one protected deep-work window, hours in local time.
type FocusBlockConfig struct {
	StartHour int `mapstructure:"start_hour"`
	EndHour   int `mapstructure:"end_hour"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active. Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the export backend: "none", "file", "stdout", "otlp".
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	// Default: ~/.adjutant/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate"`
}

// DefaultDatabasePath returns ~/.adjutant/adjutant.db, or a relative
// fallback when the home directory is unavailable.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "adjutant.db"
	}
	return filepath.Join(home, ".adjutant", "adjutant.db")
}

// DefaultWatchDir returns ~/.adjutant/calendar, or a relative fallback when
// the home directory is unavailable.
func DefaultWatchDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "calendar"
	}
	return filepath.Join(home, ".adjutant", "calendar")
}

// DefaultTracesFilePath returns the default path for trace file export.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".adjutant", "traces", "traces.jsonl")
}

// DefaultFocusBlocks protects a morning and an afternoon deep-work window.
func DefaultFocusBlocks() []FocusBlockConfig {
	return []FocusBlockConfig{
		{StartHour: 9, EndHour: 11},
		{StartHour: 14, EndHour: 16},
	}
}

// Defaults returns a Config with the documented default values.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Path: DefaultDatabasePath(),
		},
		Runtime: RuntimeConfig{
			MaxConcurrentWorkers:          5,
			TaskQueueCapacity:             100,
			MessageResponseTimeoutSeconds: 30,
			WorkerConcurrentCap:           3,
			DependencyBackoffSeconds:      5,
			UnassignableBackoffSeconds:    10,
			MaxTaskRetries:                3,
			FailureRecovery:               true,
			TaskTimeoutSeconds:            60,
			ProactiveMode:                 false,
			ProactiveHour:                 8,
		},
		Memory: MemoryConfig{
			ContextDefaultTTLHours: 24,
			MemoryRetentionDays:    30,
		},
		Events: EventsConfig{
			EventCacheTTLSeconds: 3600,
			EventRetryLimit:      3,
		},
		Calendar: CalendarConfig{
			WatchDir: DefaultWatchDir(),
		},
		FocusBlocks: DefaultFocusBlocks(),
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // derived from config dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Validate checks the configuration for errors. Zero values are allowed
// everywhere defaults exist.
func Validate(cfg Config) error {
	r := cfg.Runtime
	if r.MaxConcurrentWorkers < 0 {
		return fmt.Errorf("runtime.max_concurrent_workers must be non-negative, got %d", r.MaxConcurrentWorkers)
	}
	if r.TaskQueueCapacity < 0 {
		return fmt.Errorf("runtime.task_queue_capacity must be non-negative, got %d", r.TaskQueueCapacity)
	}
	if r.WorkerConcurrentCap < 0 {
		return fmt.Errorf("runtime.worker_concurrent_cap must be non-negative, got %d", r.WorkerConcurrentCap)
	}
	if r.ProactiveHour < 0 || r.ProactiveHour > 23 {
		return fmt.Errorf("runtime.proactive_hour must be between 0 and 23, got %d", r.ProactiveHour)
	}
	if err := ValidateFocusBlocks(cfg.FocusBlocks); err != nil {
		return err
	}
	return ValidateTracing(cfg.Tracing)
}

// ValidateFocusBlocks checks focus block windows for errors. Empty is valid
// and falls back to defaults.
func ValidateFocusBlocks(blocks []FocusBlockConfig) error {
	for i, b := range blocks {
		if b.StartHour < 0 || b.StartHour > 23 || b.EndHour < 0 || b.EndHour > 24 {
			return fmt.Errorf("focus_blocks[%d]: hours must fall within a day, got %d-%d", i, b.StartHour, b.EndHour)
		}
		if b.EndHour <= b.StartHour {
			return fmt.Errorf("focus_blocks[%d]: end_hour must be after start_hour, got %d-%d", i, b.StartHour, b.EndHour)
		}
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// DependencyBackoff returns the dependency re-enqueue delay as a Duration.
func (r RuntimeConfig) DependencyBackoff() time.Duration {
	return time.Duration(r.DependencyBackoffSeconds) * time.Second
}

// UnassignableBackoff returns the no-matching-worker delay as a Duration.
func (r RuntimeConfig) UnassignableBackoff() time.Duration {
	return time.Duration(r.UnassignableBackoffSeconds) * time.Second
}

// MessageResponseTimeout returns the bus request timeout as a Duration.
func (r RuntimeConfig) MessageResponseTimeout() time.Duration {
	return time.Duration(r.MessageResponseTimeoutSeconds) * time.Second
}

// TaskTimeout returns the per-execution budget as a Duration.
func (r RuntimeConfig) TaskTimeout() time.Duration {
	return time.Duration(r.TaskTimeoutSeconds) * time.Second
}

// RetentionAge returns the purge threshold as a Duration.
func (m MemoryConfig) RetentionAge() time.Duration {
	return time.Duration(m.MemoryRetentionDays) * 24 * time.Hour
}

// ContextTTL returns the default context time-to-live as a Duration.
func (m MemoryConfig) ContextTTL() time.Duration {
	return time.Duration(m.ContextDefaultTTLHours) * time.Hour
}

// CacheTTL returns the event result cache TTL as a Duration.
func (e EventsConfig) CacheTTL() time.Duration {
	return time.Duration(e.EventCacheTTLSeconds) * time.Second
}

// Load reads configuration from the given path, or from the standard
// locations (./.adjutant/config.yaml, ~/.config/adjutant/config.yaml) when
// path is empty. Missing files yield the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".adjutant")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "adjutant"))
		}
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(err) {
			log.Debug(log.CatConfig, "No config file found, using defaults")
		} else {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	} else {
		log.Info(log.CatConfig, "Loaded config", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	if len(cfg.FocusBlocks) == 0 {
		cfg.FocusBlocks = DefaultFocusBlocks()
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Defaults()
	v.SetDefault("database.path", def.Database.Path)
	v.SetDefault("runtime.max_concurrent_workers", def.Runtime.MaxConcurrentWorkers)
	v.SetDefault("runtime.task_queue_capacity", def.Runtime.TaskQueueCapacity)
	v.SetDefault("runtime.message_response_timeout_seconds", def.Runtime.MessageResponseTimeoutSeconds)
	v.SetDefault("runtime.worker_concurrent_cap", def.Runtime.WorkerConcurrentCap)
	v.SetDefault("runtime.dependency_backoff_seconds", def.Runtime.DependencyBackoffSeconds)
	v.SetDefault("runtime.unassignable_backoff_seconds", def.Runtime.UnassignableBackoffSeconds)
	v.SetDefault("runtime.max_task_retries", def.Runtime.MaxTaskRetries)
	v.SetDefault("runtime.failure_recovery", def.Runtime.FailureRecovery)
	v.SetDefault("runtime.task_timeout_seconds", def.Runtime.TaskTimeoutSeconds)
	v.SetDefault("runtime.proactive_mode", def.Runtime.ProactiveMode)
	v.SetDefault("runtime.proactive_hour", def.Runtime.ProactiveHour)
	v.SetDefault("memory.context_default_ttl_hours", def.Memory.ContextDefaultTTLHours)
	v.SetDefault("memory.memory_retention_days", def.Memory.MemoryRetentionDays)
	v.SetDefault("events.event_cache_ttl_seconds", def.Events.EventCacheTTLSeconds)
	v.SetDefault("events.event_retry_limit", def.Events.EventRetryLimit)
	v.SetDefault("calendar.watch_dir", def.Calendar.WatchDir)
	v.SetDefault("tracing.enabled", def.Tracing.Enabled)
	v.SetDefault("tracing.exporter", def.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", def.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", def.Tracing.SampleRate)
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Adjutant Configuration

# Memory store database
database:
  # path: ~/.adjutant/adjutant.db

# Task scheduling and messaging
runtime:
  max_concurrent_workers: 5            # Global parallel execution cap
  task_queue_capacity: 100             # Main task queue size
  message_response_timeout_seconds: 30 # Bus request/response timeout
  worker_concurrent_cap: 3             # Simultaneous tasks per worker
  dependency_backoff_seconds: 5        # Re-enqueue delay for unsatisfied deps
  unassignable_backoff_seconds: 10     # Re-enqueue delay when no worker matches
  max_task_retries: 3                  # Failure-recovery attempts per task
  failure_recovery: true               # Re-queue failed tasks
  task_timeout_seconds: 60             # Per-execution time budget
  proactive_mode: false                # Timer-driven task generation
  proactive_hour: 8                    # Local hour for the morning briefing

# Retention and context expiry
memory:
  context_default_ttl_hours: 24        # Default context entry time-to-live
  memory_retention_days: 30            # Auto-purge age threshold

# Real-time event router
events:
  event_cache_ttl_seconds: 3600        # Processed-event result cache TTL
  event_retry_limit: 3                 # Max retries for failing events

# Calendar ingestion
calendar:
  # watch_dir: ~/.adjutant/calendar    # Drop directory for *.json exports

# Protected deep-work windows (local hours)
focus_blocks:
  - start_hour: 9
    end_hour: 11
  - start_hour: 14
    end_hour: 16

# Distributed tracing
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp
#   file_path: ~/.adjutant/traces/traces.jsonl
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
