package api

import "time"

// Config configures the HTTP server exposing /health, /stats and /metrics.
type Config struct {
	// Port is the TCP port to listen on. Default: 9090
	Port int

	// ReadTimeout bounds reading a request. Default: 10s
	ReadTimeout time.Duration

	// WriteTimeout bounds writing a response. Default: 10s
	WriteTimeout time.Duration

	// IdleTimeout bounds keep-alive idling. Default: 60s
	IdleTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Port <= 0 {
		c.Port = 9090
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
}
