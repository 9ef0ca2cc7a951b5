// Package config loads the process configuration from an optional YAML file.
// Missing fields fall back to defaults; flags in main override file values.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Duration is a time.Duration that unmarshals from a Go duration string
// ("250ms", "30s", "1m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if v < 0 {
		return fmt.Errorf("duration must be >= 0, got %q", raw)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	HTTPAddr          string   `yaml:"http_addr"`
	DBPath            string   `yaml:"db_path"`
	RedisAddr         string   `yaml:"redis_addr"`
	Workers           int      `yaml:"workers"`
	TickInterval      Duration `yaml:"tick_interval"`
	DefaultTimeout    Duration `yaml:"default_timeout"`
	StatsTTL          Duration `yaml:"stats_ttl"`
	StrictDefinitions bool     `yaml:"strict_definitions"`
	Debug             bool     `yaml:"debug"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr:       ":8080",
		DBPath:         "genflow.db",
		Workers:        4,
		TickInterval:   Duration(250 * time.Millisecond),
		DefaultTimeout: Duration(30 * time.Second),
		StatsTTL:       Duration(3 * time.Second),
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Workers <= 0 {
		return cfg, fmt.Errorf("workers must be > 0, got %d", cfg.Workers)
	}
	return cfg, nil
}
