// Package config loads server configuration from an optional YAML file with
// environment-variable overrides. Resolution order: built-in defaults, then
// the YAML file, then SPARC_* environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	// HTTPAddr is the listen address for the REST and websocket endpoints.
	HTTPAddr string `yaml:"httpAddr" env:"SPARC_HTTP_ADDR"`
	// DBPath is the SQLite database file; ":memory:" keeps state in-process.
	DBPath string `yaml:"dbPath" env:"SPARC_DB_PATH"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel" env:"SPARC_LOG_LEVEL"`

	// PresenceTTL is how long a tracked presence survives without a
	// heartbeat before the hub sweeps it out.
	PresenceTTL time.Duration `yaml:"presenceTTL" env:"SPARC_PRESENCE_TTL"`
	// SweepInterval is how often the hub scans for expired presences.
	SweepInterval time.Duration `yaml:"sweepInterval" env:"SPARC_SWEEP_INTERVAL"`

	// EventBufferSize bounds the structured event queue; events beyond it
	// are dropped rather than blocking producers.
	EventBufferSize int `yaml:"eventBufferSize" env:"SPARC_EVENT_BUFFER"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" env:"SPARC_SHUTDOWN_TIMEOUT"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		DBPath:          "sparc.db",
		LogLevel:        "info",
		PresenceTTL:     90 * time.Second,
		SweepInterval:   15 * time.Second,
		EventBufferSize: 512,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load resolves the configuration. A non-empty path must name a readable
// YAML file; with an empty path ./configs/server.yaml is used when present.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := readFile(path)
	if err != nil {
		return Config{}, err
	}
	if data != nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// UnmarshalYAML merges a YAML document over the current values. Durations
// accept Go syntax ("90s", "2m"); keys absent from the file keep their
// defaults.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		HTTPAddr        *string `yaml:"httpAddr"`
		DBPath          *string `yaml:"dbPath"`
		LogLevel        *string `yaml:"logLevel"`
		PresenceTTL     *string `yaml:"presenceTTL"`
		SweepInterval   *string `yaml:"sweepInterval"`
		EventBufferSize *int    `yaml:"eventBufferSize"`
		ShutdownTimeout *string `yaml:"shutdownTimeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.HTTPAddr != nil {
		c.HTTPAddr = *raw.HTTPAddr
	}
	if raw.DBPath != nil {
		c.DBPath = *raw.DBPath
	}
	if raw.LogLevel != nil {
		c.LogLevel = *raw.LogLevel
	}
	if raw.EventBufferSize != nil {
		c.EventBufferSize = *raw.EventBufferSize
	}
	for _, d := range []struct {
		key  string
		text *string
		dst  *time.Duration
	}{
		{"presenceTTL", raw.PresenceTTL, &c.PresenceTTL},
		{"sweepInterval", raw.SweepInterval, &c.SweepInterval},
		{"shutdownTimeout", raw.ShutdownTimeout, &c.ShutdownTimeout},
	} {
		if d.text == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.text)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("httpAddr must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("dbPath must not be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	if c.PresenceTTL <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("presence timers must be positive")
	}
	if c.EventBufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive")
	}
	return nil
}

func readFile(path string) ([]byte, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		return data, nil
	}
	data, err := os.ReadFile("configs/server.yaml")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return data, nil
}
