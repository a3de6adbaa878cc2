package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// EndpointConfig describes how to reach the metrics API.
type EndpointConfig struct {
	BaseURL string            `yaml:"base_url"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// QueryConfig describes a named dashboard query against the remote endpoint.
type QueryConfig struct {
	ID              string            `yaml:"id"`
	Path            string            `yaml:"path"`
	Params          map[string]string `yaml:"params,omitempty"`
	RefreshInterval Duration          `yaml:"refresh_interval,omitempty"`
	StaleAfter      Duration          `yaml:"stale_after,omitempty"`
	Disable         bool              `yaml:"disable,omitempty"`
}

// DerivedQueryConfig declares a metric computed from other query snapshots.
type DerivedQueryConfig struct {
	ID         string   `yaml:"id"`
	Expression string   `yaml:"expression"`
	Inputs     []string `yaml:"inputs"`
}

// CacheConfig selects and tunes the local snapshot cache.
type CacheConfig struct {
	Driver        string   `yaml:"driver,omitempty"`
	Path          string   `yaml:"path,omitempty"`
	Retention     Duration `yaml:"retention,omitempty"`
	PruneSchedule string   `yaml:"prune_schedule,omitempty"`
}

// ConnectivityConfig tunes the network probe behind the connectivity monitor.
type ConnectivityConfig struct {
	ProbeURL string   `yaml:"probe_url,omitempty"`
	Interval Duration `yaml:"interval,omitempty"`
	Timeout  Duration `yaml:"timeout,omitempty"`
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig configures runtime telemetry exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
}

// ServerConfig configures the live view HTTP server.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// Config is the root configuration structure for the service.
type Config struct {
	Name         string               `yaml:"name,omitempty"`
	Description  string               `yaml:"description,omitempty"`
	Cycle        Duration             `yaml:"cycle,omitempty"`
	Endpoint     EndpointConfig       `yaml:"endpoint"`
	Queries      []QueryConfig        `yaml:"queries"`
	Derived      []DerivedQueryConfig `yaml:"derived,omitempty"`
	Cache        CacheConfig          `yaml:"cache"`
	Connectivity ConnectivityConfig   `yaml:"connectivity"`
	Logging      LoggingConfig        `yaml:"logging"`
	Telemetry    TelemetryConfig      `yaml:"telemetry"`
	Server       ServerConfig         `yaml:"server"`
	HotReload    bool                 `yaml:"hot_reload,omitempty"`
	SourceFile   string               `yaml:"-"`
}

// Load reads, validates and decodes the configuration file from disk.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", abs, err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	cfg.SourceFile = abs
	return cfg, nil
}

// Parse validates raw YAML against the embedded schema and decodes it.
func Parse(raw []byte) (*Config, error) {
	if err := validateSchema(raw); err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies semantic checks the schema cannot express.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Endpoint.BaseURL) == "" {
		return errors.New("endpoint base_url is required")
	}
	if len(c.Queries) == 0 {
		return errors.New("at least one query must be configured")
	}
	seen := make(map[string]struct{}, len(c.Queries)+len(c.Derived))
	for _, query := range c.Queries {
		id := strings.TrimSpace(query.ID)
		if id == "" {
			return errors.New("query id must not be empty")
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("duplicate query id %q", id)
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(query.Path) == "" {
			return fmt.Errorf("query %s: path is required", id)
		}
		if query.RefreshInterval.Duration < 0 {
			return fmt.Errorf("query %s: refresh_interval must not be negative", id)
		}
		if query.StaleAfter.Duration < 0 {
			return fmt.Errorf("query %s: stale_after must not be negative", id)
		}
	}
	for _, derived := range c.Derived {
		id := strings.TrimSpace(derived.ID)
		if id == "" {
			return errors.New("derived query id must not be empty")
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("duplicate query id %q", id)
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(derived.Expression) == "" {
			return fmt.Errorf("derived query %s: expression is required", id)
		}
		if len(derived.Inputs) == 0 {
			return fmt.Errorf("derived query %s: at least one input is required", id)
		}
		for _, input := range derived.Inputs {
			if _, ok := seen[input]; !ok {
				return fmt.Errorf("derived query %s: unknown input %q", id, input)
			}
		}
	}
	switch driver := strings.ToLower(strings.TrimSpace(c.Cache.Driver)); driver {
	case "", "memory":
	case "sqlite":
		if strings.TrimSpace(c.Cache.Path) == "" {
			return errors.New("cache path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported cache driver %q", c.Cache.Driver)
	}
	return nil
}

// CycleInterval returns the configured scheduler cycle duration.
func (c *Config) CycleInterval() time.Duration {
	if c == nil || c.Cycle.Duration <= 0 {
		return time.Second
	}
	return c.Cycle.Duration
}

// ProbeInterval returns the connectivity poll interval with its default applied.
func (c *Config) ProbeInterval() time.Duration {
	if c == nil || c.Connectivity.Interval.Duration <= 0 {
		return 5 * time.Second
	}
	return c.Connectivity.Interval.Duration
}
