package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type JournalConfig struct {
	Enabled         bool `yaml:"enabled"`
	BatchSize       int  `yaml:"batch_size"`
	FlushIntervalMS int  `yaml:"flush_interval_ms"`
	QueueSize       int  `yaml:"queue_size"`
}

type RetentionConfig struct {
	// EventDays and AuditDays of 0 keep rows forever.
	EventDays int `yaml:"event_days"`
	AuditDays int `yaml:"audit_days"`
	// Schedule is a robfig/cron expression; empty disables the job.
	Schedule string `yaml:"schedule"`
}

type GeneratorConfig struct {
	TokenDelayMS int `yaml:"token_delay_ms"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	RetainedEvents         int `yaml:"retained_events"`
	SubscriberMaxPending   int `yaml:"subscriber_max_pending"`
	MaxReplayBuffer        int `yaml:"max_replay_buffer"`
	HistoryTimeoutMS       int `yaml:"history_timeout_ms"`
	ApprovalTimeoutSeconds int `yaml:"approval_timeout_seconds"`
	MaxConcurrentTurns     int `yaml:"max_concurrent_turns"`
	MaxQueueDepth          int `yaml:"max_queue_depth"`
	DrainTimeoutSeconds    int `yaml:"drain_timeout_seconds"`

	Journal   JournalConfig   `yaml:"journal"`
	Retention RetentionConfig `yaml:"retention"`
	Generator GeneratorConfig `yaml:"generator"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// NeedsBootstrap is set when no config.yaml existed.
	NeedsBootstrap bool `yaml:"-"`
}

func (c Config) HistoryTimeout() time.Duration {
	return time.Duration(c.HistoryTimeoutMS) * time.Millisecond
}

func (c Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func (c Config) TokenDelay() time.Duration {
	return time.Duration(c.Generator.TokenDelayMS) * time.Millisecond
}

func (c Config) FlushInterval() time.Duration {
	return time.Duration(c.Journal.FlushIntervalMS) * time.Millisecond
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PolicyPath returns the path to policy.yaml within the given home directory.
func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, "policy.yaml")
}

// DBPath returns the path of the SQLite journal.
func DBPath(homeDir string) string {
	return filepath.Join(homeDir, "optad.db")
}

// Fingerprint returns a stable hash of the settings that change runtime
// behaviour. It is reported on /metrics so operators can tell whether a
// daemon runs the config on disk.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|origins=%v|retained=%d|pending=%d|replaybuf=%d|history=%d|approval=%d|turns=%d|queue=%d|journal=%v|retention=%v",
		c.BindAddr, c.LogLevel, c.AllowOrigins, c.RetainedEvents, c.SubscriberMaxPending, c.MaxReplayBuffer,
		c.HistoryTimeoutMS, c.ApprovalTimeoutSeconds, c.MaxConcurrentTurns, c.MaxQueueDepth, c.Journal, c.Retention)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:               "127.0.0.1:18790",
		LogLevel:               "info",
		RetainedEvents:         1024,
		SubscriberMaxPending:   4096,
		MaxReplayBuffer:        1024,
		HistoryTimeoutMS:       5000,
		ApprovalTimeoutSeconds: 60,
		MaxConcurrentTurns:     4,
		MaxQueueDepth:          32,
		DrainTimeoutSeconds:    5,
		Journal: JournalConfig{
			Enabled:         true,
			BatchSize:       128,
			FlushIntervalMS: 50,
			QueueSize:       4096,
		},
		Retention: RetentionConfig{
			EventDays: 30,
			AuditDays: 365,
			Schedule:  "@daily",
		},
		Generator: GeneratorConfig{TokenDelayMS: 20},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			ServiceName: "optad",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("OPTAD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".optad")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads homeDir/config.yaml over the defaults, then applies
// OPTAD_* environment overrides.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create optad home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsBootstrap = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if strings.TrimSpace(cfg.BindAddr) == "" {
		cfg.BindAddr = def.BindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.RetainedEvents <= 0 {
		cfg.RetainedEvents = def.RetainedEvents
	}
	if cfg.SubscriberMaxPending <= 0 {
		cfg.SubscriberMaxPending = def.SubscriberMaxPending
	}
	if cfg.MaxReplayBuffer <= 0 {
		cfg.MaxReplayBuffer = def.MaxReplayBuffer
	}
	if cfg.HistoryTimeoutMS <= 0 {
		cfg.HistoryTimeoutMS = def.HistoryTimeoutMS
	}
	if cfg.ApprovalTimeoutSeconds <= 0 {
		cfg.ApprovalTimeoutSeconds = def.ApprovalTimeoutSeconds
	}
	if cfg.MaxConcurrentTurns <= 0 {
		cfg.MaxConcurrentTurns = def.MaxConcurrentTurns
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = def.MaxQueueDepth
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = def.DrainTimeoutSeconds
	}
	if cfg.Journal.BatchSize <= 0 {
		cfg.Journal.BatchSize = def.Journal.BatchSize
	}
	if cfg.Journal.FlushIntervalMS <= 0 {
		cfg.Journal.FlushIntervalMS = def.Journal.FlushIntervalMS
	}
	if cfg.Journal.QueueSize <= 0 {
		cfg.Journal.QueueSize = def.Journal.QueueSize
	}
	if cfg.Generator.TokenDelayMS < 0 {
		cfg.Generator.TokenDelayMS = 0
	}
	cfg.Retention.Schedule = strings.TrimSpace(cfg.Retention.Schedule)
	cfg.Telemetry.Exporter = strings.ToLower(strings.TrimSpace(cfg.Telemetry.Exporter))
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
	if cfg.Telemetry.SampleRate <= 0 || cfg.Telemetry.SampleRate > 1 {
		cfg.Telemetry.SampleRate = def.Telemetry.SampleRate
	}
}

func validate(cfg Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q: want debug, info, warn or error", cfg.LogLevel)
	}
	switch cfg.Telemetry.Exporter {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("telemetry.exporter %q: want none, stdout or otlp", cfg.Telemetry.Exporter)
	}
	if cfg.Telemetry.Exporter == "otlp" && cfg.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required for the otlp exporter")
	}
	if cfg.Retention.EventDays < 0 || cfg.Retention.AuditDays < 0 {
		return fmt.Errorf("retention days must not be negative")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	envInt := func(key string, dst *int) {
		if raw := os.Getenv(key); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				*dst = v
			}
		}
	}
	if raw := os.Getenv("OPTAD_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("OPTAD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("OPTAD_ALLOW_ORIGINS"); raw != "" {
		cfg.AllowOrigins = nil
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowOrigins = append(cfg.AllowOrigins, o)
			}
		}
	}
	envInt("OPTAD_RETAINED_EVENTS", &cfg.RetainedEvents)
	envInt("OPTAD_HISTORY_TIMEOUT_MS", &cfg.HistoryTimeoutMS)
	envInt("OPTAD_APPROVAL_TIMEOUT_SECONDS", &cfg.ApprovalTimeoutSeconds)
	envInt("OPTAD_MAX_CONCURRENT_TURNS", &cfg.MaxConcurrentTurns)
	envInt("OPTAD_DRAIN_TIMEOUT_SECONDS", &cfg.DrainTimeoutSeconds)
	envInt("OPTAD_TOKEN_DELAY_MS", &cfg.Generator.TokenDelayMS)
	if raw := os.Getenv("OPTAD_JOURNAL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Journal.Enabled = v
		}
	}
	if raw := os.Getenv("OPTAD_OTEL_EXPORTER"); raw != "" {
		cfg.Telemetry.Exporter = raw
		cfg.Telemetry.Enabled = raw != "none"
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.Telemetry.Endpoint = raw
	}
}

// DefaultYAML is written to config.yaml on first start.
func DefaultYAML() string {
	return `# optad configuration
bind_addr: 127.0.0.1:18790
log_level: info
allow_origins: []

retained_events: 1024
subscriber_max_pending: 4096
max_replay_buffer: 1024
history_timeout_ms: 5000
approval_timeout_seconds: 60
max_concurrent_turns: 4
max_queue_depth: 32
drain_timeout_seconds: 5

journal:
  enabled: true
  batch_size: 128
  flush_interval_ms: 50
  queue_size: 4096

retention:
  event_days: 30
  audit_days: 365
  schedule: "@daily"

generator:
  token_delay_ms: 20

telemetry:
  enabled: false
  exporter: none
  service_name: optad
  sample_rate: 1.0
`
}
