package config

import (
	"fmt"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Bus transports understood by the tab runtime.
const (
	TransportLocal     = "local"
	TransportWebsocket = "websocket"
)

// Duration is a time.Duration that reads and writes as a Go duration string
// ("30s", "5m") in YAML, TOML and JSON Schema.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

// JSONSchema describes durations as strings for the generated schema.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
		Description: "Go duration string, e.g. 30s or 5m",
	}
}

// SessionConfig controls the session state machine.
type SessionConfig struct {
	// ExtendInterval is how often the persisted session expiry is touched while authenticated.
	ExtendInterval Duration `yaml:"extend_interval,omitempty" toml:"extend_interval,omitempty" jsonschema:"description=Period of the session expiry extension tick"`
	// TTL is how far ahead of now each extension pushes the expiry.
	TTL Duration `yaml:"ttl,omitempty" toml:"ttl,omitempty" jsonschema:"description=Lifetime granted to the persisted session by each extension"`
}

// RefreshConfig seeds the background refresh scheduler.
type RefreshConfig struct {
	Enabled        *bool    `yaml:"enabled,omitempty" toml:"enabled,omitempty" jsonschema:"description=Whether silent background refresh runs (default: true)"`
	Interval       Duration `yaml:"interval,omitempty" toml:"interval,omitempty" jsonschema:"description=Tick period of the staleness check"`
	StaleThreshold Duration `yaml:"stale_threshold,omitempty" toml:"stale_threshold,omitempty" jsonschema:"description=Maximum age of cached data before a silent refresh"`
}

// IsEnabled reports the effective enabled flag.
func (r RefreshConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// BusConfig selects the cross-tab bus transport.
type BusConfig struct {
	Transport string `yaml:"transport,omitempty" toml:"transport,omitempty" jsonschema:"enum=local,enum=websocket,description=Cross-tab bus transport"`
	RelayURL  string `yaml:"relay_url,omitempty" toml:"relay_url,omitempty" jsonschema:"description=Websocket URL of the relay tabs connect to"`
	RelayAddr string `yaml:"relay_addr,omitempty" toml:"relay_addr,omitempty" jsonschema:"description=Listen address of the relay daemon"`
}

// StoreConfig locates the durable store.
type StoreConfig struct {
	Dir string `yaml:"dir,omitempty" toml:"dir,omitempty" jsonschema:"description=Directory holding one file per durable key"`
}

// APIConfig points at the monitoring backend.
type APIConfig struct {
	BaseURL string   `yaml:"base_url,omitempty" toml:"base_url,omitempty" jsonschema:"description=Base URL of the monitoring HTTP API"`
	Timeout Duration `yaml:"timeout,omitempty" toml:"timeout,omitempty" jsonschema:"description=Per-request timeout applied by the HTTP client"`
}

// Config is the tabsync configuration loaded from tabsync.yml or tabsync.toml.
type Config struct {
	Version string        `yaml:"version,omitempty" toml:"version,omitempty" jsonschema:"description=Configuration version (e.g. '1.0')"`
	Session SessionConfig `yaml:"session,omitempty" toml:"session,omitempty"`
	Refresh RefreshConfig `yaml:"refresh,omitempty" toml:"refresh,omitempty"`
	Bus     BusConfig     `yaml:"bus,omitempty" toml:"bus,omitempty"`
	Store   StoreConfig   `yaml:"store,omitempty" toml:"store,omitempty"`
	API     APIConfig     `yaml:"api,omitempty" toml:"api,omitempty"`

	// Extensions holds sections owned by other components, e.g. "logging".
	Extensions map[string]interface{} `yaml:"extensions,omitempty" toml:"extensions,omitempty" jsonschema:"description=Component-specific sections such as logging"`
}

// SetDefaults fills every unset field.
func (c *Config) SetDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.Session.ExtendInterval == 0 {
		c.Session.ExtendInterval = Duration(5 * time.Minute)
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = Duration(24 * time.Hour)
	}
	if c.Refresh.Enabled == nil {
		enabled := true
		c.Refresh.Enabled = &enabled
	}
	if c.Refresh.Interval == 0 {
		c.Refresh.Interval = Duration(time.Minute)
	}
	if c.Refresh.StaleThreshold == 0 {
		c.Refresh.StaleThreshold = Duration(5 * time.Minute)
	}
	if c.Bus.Transport == "" {
		c.Bus.Transport = TransportLocal
	}
	if c.Bus.RelayAddr == "" {
		c.Bus.RelayAddr = "127.0.0.1:7878"
	}
	if c.Bus.RelayURL == "" {
		c.Bus.RelayURL = "ws://" + c.Bus.RelayAddr + "/ws"
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = Duration(15 * time.Second)
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// UnmarshalExtension decodes one extension section into target, which must be
// a pointer. A missing section leaves target untouched.
//
// Example:
//
//	var logCfg logging.Config
//	err := cfg.UnmarshalExtension("logging", &logCfg)
func (c *Config) UnmarshalExtension(key string, target interface{}) error {
	extensionConfig, ok := c.Extensions[key]
	if !ok {
		return nil
	}

	// mapstructure decodes the generic map using the yaml tags of the target.
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "yaml",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create mapstructure decoder: %w", err)
	}

	if err := decoder.Decode(extensionConfig); err != nil {
		return fmt.Errorf("failed to decode extension config for '%s': %w", key, err)
	}

	return nil
}
