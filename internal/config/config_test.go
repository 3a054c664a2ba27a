package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/optad/internal/config"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(dir), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromOptadHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	writeConfig(t, filepath.Join(home, ".optad"), "retained_events: 64\nhistory_timeout_ms: 250\n")
	t.Setenv("HOME", home)
	t.Setenv("OPTAD_HOME", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RetainedEvents != 64 {
		t.Fatalf("retained_events = %d, want 64", cfg.RetainedEvents)
	}
	if cfg.HistoryTimeout() != 250*time.Millisecond {
		t.Fatalf("history timeout = %v", cfg.HistoryTimeout())
	}
	if cfg.NeedsBootstrap {
		t.Fatal("NeedsBootstrap set although config.yaml exists")
	}
}

func TestLoad_OptadHomeOverride(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "bind_addr: 127.0.0.1:9999\n")
	t.Setenv("OPTAD_HOME", dir)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != dir || cfg.BindAddr != "127.0.0.1:9999" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoad_NeedsBootstrapWhenNoConfig(t *testing.T) {
	cfg, err := config.LoadFrom(filepath.Join(t.TempDir(), "fresh"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsBootstrap {
		t.Fatal("expected NeedsBootstrap")
	}
	if _, err := os.Stat(cfg.HomeDir); err != nil {
		t.Fatalf("home not created: %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:18790" || cfg.LogLevel != "info" {
		t.Fatalf("bind/log = %q/%q", cfg.BindAddr, cfg.LogLevel)
	}
	if !cfg.Journal.Enabled || cfg.Journal.BatchSize != 128 || cfg.FlushInterval() != 50*time.Millisecond {
		t.Fatalf("journal = %+v", cfg.Journal)
	}
	if cfg.Retention.Schedule != "@daily" || cfg.Retention.EventDays != 30 {
		t.Fatalf("retention = %+v", cfg.Retention)
	}
	if cfg.ApprovalTimeout() != time.Minute || cfg.DrainTimeout() != 5*time.Second {
		t.Fatalf("timeouts = %v %v", cfg.ApprovalTimeout(), cfg.DrainTimeout())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "log_level: warn\nretained_events: 10\n")
	t.Setenv("OPTAD_LOG_LEVEL", "debug")
	t.Setenv("OPTAD_RETAINED_EVENTS", "20")
	t.Setenv("OPTAD_ALLOW_ORIGINS", "https://a.test, https://b.test")
	t.Setenv("OPTAD_JOURNAL_ENABLED", "false")
	t.Setenv("OPTAD_BIND_ADDR", "0.0.0.0:1")

	cfg, err := config.LoadFrom(dir)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.RetainedEvents != 20 || cfg.BindAddr != "0.0.0.0:1" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.AllowOrigins) != 2 || cfg.AllowOrigins[1] != "https://b.test" {
		t.Fatalf("origins = %v", cfg.AllowOrigins)
	}
	if cfg.Journal.Enabled {
		t.Fatal("journal still enabled")
	}
}

func TestLoad_NormalizesNonPositive(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "retained_events: -5\nmax_queue_depth: 0\njournal:\n  batch_size: -1\ntelemetry:\n  sample_rate: 7\n")

	cfg, err := config.LoadFrom(dir)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RetainedEvents != 1024 || cfg.MaxQueueDepth != 32 || cfg.Journal.BatchSize != 128 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Telemetry.SampleRate != 1.0 {
		t.Fatalf("sample rate = %v", cfg.Telemetry.SampleRate)
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := map[string]string{
		"bad yaml":           "retained_events: [\n",
		"bad log level":      "log_level: chatty\n",
		"bad exporter":       "telemetry:\n  exporter: zipkin\n",
		"otlp no endpoint":   "telemetry:\n  exporter: otlp\n",
		"negative retention": "retention:\n  event_days: -1\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, body)
			if _, err := config.LoadFrom(dir); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	a, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint not stable")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("fingerprint = %q", a.Fingerprint())
	}
	b.RetainedEvents++
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint ignores retained_events")
	}
	b = a
	b.HomeDir = "/elsewhere"
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint depends on home dir")
	}
}

func TestDefaultYAMLMatchesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, config.DefaultYAML())
	fromFile, err := config.LoadFrom(dir)
	if err != nil {
		t.Fatalf("load default yaml: %v", err)
	}
	builtin, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if fromFile.Fingerprint() != builtin.Fingerprint() {
		t.Fatalf("DefaultYAML drifts from defaults:\nfile    %+v\nbuiltin %+v", fromFile, builtin)
	}

	var raw map[string]any
	if err := yaml.Unmarshal([]byte(config.DefaultYAML()), &raw); err != nil {
		t.Fatalf("parse default yaml: %v", err)
	}
	for _, key := range []string{"journal", "retention", "telemetry", "generator"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("default yaml missing %s", key)
		}
	}
}
