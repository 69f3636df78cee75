// Package config loads evalbridge configuration from a JSON file with
// environment variable overrides.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/evalbridge/evalbridge/internal/errors"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "evalbridge.json"

	// DefaultHost is the default listen host.
	DefaultHost = "localhost"

	// DefaultPort is the default listen port.
	DefaultPort = 9001

	// DefaultEvalTimeout is the default per-evaluation deadline.
	DefaultEvalTimeout = "30s"

	// DefaultWriteTimeout is the default per-frame write deadline.
	DefaultWriteTimeout = "10s"

	// DefaultShutdownTimeout is the default graceful shutdown window.
	DefaultShutdownTimeout = "5s"

	// DefaultMaxMessageSize is the default inbound frame size limit.
	DefaultMaxMessageSize = 1 << 20
)

// Config represents the complete evalbridge.json configuration.
// Durations are JSON strings in Go duration syntax (e.g. "30s").
type Config struct {
	// Host is the interface the server binds to.
	Host string `json:"host,omitempty" env:"EVALBRIDGE_HOST"`

	// Port is the port the server listens on.
	Port int `json:"port,omitempty" env:"EVALBRIDGE_PORT"`

	// EvalTimeout bounds how long an evaluation may stay in flight.
	EvalTimeout string `json:"evalTimeout,omitempty" env:"EVALBRIDGE_EVAL_TIMEOUT"`

	// WriteTimeout bounds each outbound frame write.
	WriteTimeout string `json:"writeTimeout,omitempty" env:"EVALBRIDGE_WRITE_TIMEOUT"`

	// ShutdownTimeout bounds graceful HTTP shutdown on Stop.
	ShutdownTimeout string `json:"shutdownTimeout,omitempty" env:"EVALBRIDGE_SHUTDOWN_TIMEOUT"`

	// MaxMessageSize limits inbound frame size in bytes.
	MaxMessageSize int64 `json:"maxMessageSize,omitempty" env:"EVALBRIDGE_MAX_MESSAGE_SIZE"`

	// configPath stores the path the config was loaded from.
	configPath string
}

// New returns a Config populated with defaults.
func New() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from path, then applies environment overrides and
// defaults. A missing file is not an error: defaults (plus environment) are
// returned.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return nil, errors.New(errors.CategoryConfig, "read_failed", "could not read config file").Wrap(err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.New(errors.CategoryConfig, "parse_failed", "could not parse "+path).Wrap(err)
		}
		cfg.configPath = path
	}

	// Environment wins over the file. envdecode only touches fields whose
	// variables are set.
	_ = envdecode.Decode(cfg)

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the path the config was loaded from, if any.
func (c *Config) Path() string {
	return c.configPath
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.EvalTimeout == "" {
		c.EvalTimeout = DefaultEvalTimeout
	}
	if c.WriteTimeout == "" {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ShutdownTimeout == "" {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.New(errors.CategoryConfig, "bad_port", "port must be between 0 and 65535")
	}
	for name, value := range map[string]string{
		"evalTimeout":     c.EvalTimeout,
		"writeTimeout":    c.WriteTimeout,
		"shutdownTimeout": c.ShutdownTimeout,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return errors.New(errors.CategoryConfig, "bad_duration", name+" is not a valid duration").Wrap(err)
		}
	}
	if c.MaxMessageSize < 0 {
		return errors.New(errors.CategoryConfig, "bad_message_size", "maxMessageSize must be positive")
	}
	return nil
}

// EvalTimeoutDuration returns the parsed evaluation deadline.
func (c *Config) EvalTimeoutDuration() time.Duration {
	return mustParse(c.EvalTimeout, DefaultEvalTimeout)
}

// WriteTimeoutDuration returns the parsed write deadline.
func (c *Config) WriteTimeoutDuration() time.Duration {
	return mustParse(c.WriteTimeout, DefaultWriteTimeout)
}

// ShutdownTimeoutDuration returns the parsed shutdown window.
func (c *Config) ShutdownTimeoutDuration() time.Duration {
	return mustParse(c.ShutdownTimeout, DefaultShutdownTimeout)
}

func mustParse(value, fallback string) time.Duration {
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	d, _ := time.ParseDuration(fallback)
	return d
}
