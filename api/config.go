package api

import (
	"errors"
	"fmt"
	"time"
)

// Config holds ops server configuration.
type Config struct {
	// Host is the listen host.
	Host string

	// Port is the listen port.
	Port int

	// ReadTimeout is the maximum duration for reading a request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes.
	WriteTimeout time.Duration

	// IdleTimeout is the maximum duration to wait for the next request.
	IdleTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration

	// EnableRateLimit enables the per-IP request budget.
	EnableRateLimit bool

	// RateLimitPerSecond is the sustained per-IP request rate.
	RateLimitPerSecond float64

	// RateLimitBurst is the per-IP burst size.
	RateLimitBurst int
}

// DefaultConfig returns the default ops server configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:               "localhost",
		Port:               8080,
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        60 * time.Second,
		ShutdownTimeout:    10 * time.Second,
		EnableRateLimit:    false,
		RateLimitPerSecond: 100,
		RateLimitBurst:     200,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host cannot be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 || c.IdleTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.EnableRateLimit && (c.RateLimitPerSecond <= 0 || c.RateLimitBurst <= 0) {
		return errors.New("rate limit settings must be positive")
	}
	return nil
}

// Address returns the listen address in host:port form.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
