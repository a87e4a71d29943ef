package wire

import (
	"fmt"
	"time"
)

// Config holds HTTP transport configuration shared by the metadata and goal
// state clients.
type Config struct {
	// Timeout bounds every request, including reading the body.
	Timeout time.Duration

	// UserAgent is sent with every request.
	UserAgent string

	// MaxBodyBytes caps how much of a response body is read.
	MaxBodyBytes int64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout:      30 * time.Second,
		UserAgent:    "guestinit",
		MaxBodyBytes: 4 << 20,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive, got %d", c.MaxBodyBytes)
	}
	return nil
}
