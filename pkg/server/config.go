package server

import (
	"io"
	"net/http"
	"os"
	"time"
)

// Config holds server configuration. Zero values are filled from
// DefaultConfig by New.
type Config struct {
	// Host is the interface to bind (default "localhost").
	Host string

	// Port is the TCP port to listen on (default 9001). A negative port
	// asks the OS for a free one; Addr reports the bound address after
	// Start.
	Port int

	// EvalTimeout bounds how long Evaluate waits for a result (default 30s).
	// The caller's context may impose a shorter deadline.
	EvalTimeout time.Duration

	// WriteTimeout bounds each outbound frame write (default 10s).
	WriteTimeout time.Duration

	// ShutdownTimeout bounds graceful HTTP shutdown during Stop (default 5s).
	ShutdownTimeout time.Duration

	// MaxMessageSize limits inbound frame size in bytes (default 1 MiB).
	MaxMessageSize int64

	// DefaultOutput receives announcements and print output for sessions
	// with no registered sink (default os.Stdout).
	DefaultOutput io.Writer

	// CheckOrigin decides whether a WebSocket upgrade is allowed.
	// The default accepts all origins: clients are browser pages served
	// from arbitrary local dev hosts.
	CheckOrigin func(*http.Request) bool
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            9001,
		EvalTimeout:     30 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		MaxMessageSize:  1 << 20,
		DefaultOutput:   os.Stdout,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
}

func (c *Config) fillDefaults() {
	defaults := DefaultConfig()
	if c.Host == "" {
		c.Host = defaults.Host
	}
	if c.Port == 0 {
		c.Port = defaults.Port
	}
	if c.EvalTimeout == 0 {
		c.EvalTimeout = defaults.EvalTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	if c.DefaultOutput == nil {
		c.DefaultOutput = defaults.DefaultOutput
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = defaults.CheckOrigin
	}
}
