package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/grovetools/tabsync/errors"
)

func TestLoadFromBytesDefaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`version: "1.0"`), FormatYAML)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Session.ExtendInterval.Std() != 5*time.Minute {
		t.Errorf("Expected extend_interval 5m, got %v", cfg.Session.ExtendInterval.Std())
	}
	if !cfg.Refresh.IsEnabled() {
		t.Error("Expected refresh to be enabled by default")
	}
	if cfg.Refresh.Interval.Std() != time.Minute {
		t.Errorf("Expected refresh interval 1m, got %v", cfg.Refresh.Interval.Std())
	}
	if cfg.Bus.Transport != TransportLocal {
		t.Errorf("Expected local transport, got %q", cfg.Bus.Transport)
	}
	if cfg.Bus.RelayURL != "ws://127.0.0.1:7878/ws" {
		t.Errorf("Unexpected relay url %q", cfg.Bus.RelayURL)
	}
}

func TestLoadFromBytesYAML(t *testing.T) {
	t.Setenv("TABSYNC_TEST_API", "https://api.example.com")

	yamlContent := []byte(`
version: "1.0"
session:
  extend_interval: 1m
  ttl: 2h
refresh:
  enabled: false
  interval: 30s
  stale_threshold: 10m
bus:
  transport: websocket
  relay_url: ws://localhost:9000/ws
api:
  base_url: ${TABSYNC_TEST_API}
  timeout: ${TABSYNC_TEST_TIMEOUT:-5s}
`)

	cfg, err := LoadFromBytes(yamlContent, FormatYAML)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Refresh.IsEnabled() {
		t.Error("Expected refresh to be disabled")
	}
	if cfg.Refresh.StaleThreshold.Std() != 10*time.Minute {
		t.Errorf("Expected stale threshold 10m, got %v", cfg.Refresh.StaleThreshold.Std())
	}
	if cfg.API.BaseURL != "https://api.example.com" {
		t.Errorf("Expected env expansion, got %q", cfg.API.BaseURL)
	}
	if cfg.API.Timeout.Std() != 5*time.Second {
		t.Errorf("Expected default expansion 5s, got %v", cfg.API.Timeout.Std())
	}
	if cfg.Bus.RelayURL != "ws://localhost:9000/ws" {
		t.Errorf("Unexpected relay url %q", cfg.Bus.RelayURL)
	}
}

func TestLoadFromBytesTOML(t *testing.T) {
	tomlContent := []byte(`
version = "1.0"

[refresh]
interval = "2m"

[store]
dir = "/tmp/tabsync-store"
`)

	cfg, err := LoadFromBytes(tomlContent, FormatTOML)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Refresh.Interval.Std() != 2*time.Minute {
		t.Errorf("Expected interval 2m, got %v", cfg.Refresh.Interval.Std())
	}
	if cfg.Store.Dir != "/tmp/tabsync-store" {
		t.Errorf("Unexpected store dir %q", cfg.Store.Dir)
	}
}

func TestLoadFromBytesRejectsUnknownKeys(t *testing.T) {
	_, err := LoadFromBytes([]byte("refresh:\n  enabeld: true\n"), FormatYAML)
	if err == nil {
		t.Fatal("Expected schema validation error")
	}
	if !errors.Is(err, errors.ErrCodeConfigValidation) {
		t.Errorf("Expected CONFIG_VALIDATION, got %v", errors.GetCode(err))
	}
}

func TestLoadFromBytesRejectsBadDuration(t *testing.T) {
	_, err := LoadFromBytes([]byte("session:\n  ttl: forever\n"), FormatYAML)
	if err == nil {
		t.Fatal("Expected error for bad duration")
	}
}

func TestExtensions(t *testing.T) {
	yamlContent := []byte(`
version: "1.0"
extensions:
  logging:
    level: debug
    report_caller: true
`)

	cfg, err := LoadFromBytes(yamlContent, FormatYAML)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	type LoggingConfig struct {
		Level        string `yaml:"level"`
		ReportCaller bool   `yaml:"report_caller"`
	}

	var logCfg LoggingConfig
	if err := cfg.UnmarshalExtension("logging", &logCfg); err != nil {
		t.Fatalf("Failed to unmarshal logging extension: %v", err)
	}
	if logCfg.Level != "debug" || !logCfg.ReportCaller {
		t.Errorf("Unexpected logging extension: %+v", logCfg)
	}

	var missing LoggingConfig
	if err := cfg.UnmarshalExtension("nonexistent", &missing); err != nil {
		t.Errorf("Missing extension should not error: %v", err)
	}
	if missing.Level != "" {
		t.Error("Missing extension should leave target untouched")
	}
}

func TestLoadFromMergesGlobalAndProject(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TABSYNC_HOME", home)

	globalDir := filepath.Join(home, "config", "tabsync")
	if err := os.MkdirAll(globalDir, 0755); err != nil {
		t.Fatal(err)
	}
	global := `
refresh:
  interval: 45s
api:
  base_url: https://global.example.com
extensions:
  logging:
    level: warn
    show_current: true
`
	if err := os.WriteFile(filepath.Join(globalDir, "tabsync.yml"), []byte(global), 0644); err != nil {
		t.Fatal(err)
	}

	project := t.TempDir()
	nested := filepath.Join(project, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	projectCfg := `
api:
  base_url: https://project.example.com
extensions:
  logging:
    level: debug
`
	if err := os.WriteFile(filepath.Join(project, "tabsync.yml"), []byte(projectCfg), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(nested)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.API.BaseURL != "https://project.example.com" {
		t.Errorf("Project should override global, got %q", cfg.API.BaseURL)
	}
	if cfg.Refresh.Interval.Std() != 45*time.Second {
		t.Errorf("Global interval should survive, got %v", cfg.Refresh.Interval.Std())
	}

	logging, ok := cfg.Extensions["logging"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected merged logging section, got %T", cfg.Extensions["logging"])
	}
	if logging["level"] != "debug" {
		t.Errorf("Expected project level, got %v", logging["level"])
	}
	if logging["show_current"] != true {
		t.Errorf("Expected global show_current to survive, got %v", logging["show_current"])
	}
}

func TestFindConfigFileNotFound(t *testing.T) {
	t.Setenv("TABSYNC_HOME", t.TempDir())

	_, err := FindConfigFile(t.TempDir())
	if !errors.Is(err, errors.ErrCodeConfigNotFound) {
		t.Errorf("Expected CONFIG_NOT_FOUND, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "tabsync.yml"))
	if !errors.Is(err, errors.ErrCodeConfigNotFound) {
		t.Errorf("Expected CONFIG_NOT_FOUND, got %v", err)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TABSYNC_SET", "value")

	tests := []struct {
		in   string
		want string
	}{
		{"${TABSYNC_SET}", "value"},
		{"${TABSYNC_UNSET_VAR}", ""},
		{"${TABSYNC_UNSET_VAR:-fallback}", "fallback"},
		{"prefix-${TABSYNC_SET}-suffix", "prefix-value-suffix"},
		{"no vars", "no vars"},
	}

	for _, tt := range tests {
		if got := expandEnvVars(tt.in); got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
