package config

import (
	"fmt"
	"os"
)

var validOutputs = map[string]bool{"auto": true, "text": true, "markdown": true, "json": true}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ScenariosDir == "" {
		return fmt.Errorf("scenarios_dir is required")
	}
	if c.Parallelism < 1 {
		return fmt.Errorf("parallelism must be at least 1, got %d", c.Parallelism)
	}
	if !validOutputs[c.OutputFormat] {
		return fmt.Errorf("invalid output format %q (want auto, text, markdown or json)", c.OutputFormat)
	}
	if c.Serve.Addr == "" {
		return fmt.Errorf("serve.addr is required")
	}
	if c.Serve.ShutdownTimeout <= 0 {
		return fmt.Errorf("serve.shutdown_timeout must be positive, got %s", c.Serve.ShutdownTimeout)
	}
	if c.Serve.MaxConnections < 0 {
		return fmt.Errorf("serve.max_connections must not be negative, got %d", c.Serve.MaxConnections)
	}
	return nil
}

// ValidateScenariosDir checks that the scenarios directory exists.
// Only commands that read it call this, so help works anywhere.
func (c *Config) ValidateScenariosDir() error {
	if _, err := os.Stat(c.ScenariosDir); os.IsNotExist(err) {
		return fmt.Errorf("scenarios directory does not exist: %s\nHint: Create the directory, pass paths explicitly, or use --builtin", c.ScenariosDir)
	}
	return nil
}
