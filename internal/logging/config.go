package logging

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	// Level applies to the console output.
	Level zapcore.Level
	// Format of the console output: "console" or "json".
	Format string
	// File, when set, receives every entry at debug level and above as JSON.
	File string
	// Name is logged once at startup.
	Name string
}

// NewDefaultConfig returns config for interactive use.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "console",
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	return nil
}
