// Package config loads borrowck CLI configuration.
//
// Values are layered, lowest to highest precedence: built-in defaults, the
// borrowck.yaml project file, BORROWCK_* environment variables and flags
// set explicitly on the command line.
package config

import (
	"log/slog"
	"time"

	"github.com/leapstack-labs/borrowck/pkg/ownership"
)

// Config holds all CLI configuration options.
type Config struct {
	ScenariosDir string                     `koanf:"scenarios_dir"`
	StatePath    string                     `koanf:"state_path"`
	Record       bool                       `koanf:"record"`
	Parallelism  int                        `koanf:"parallelism"`
	OutputFormat string                     `koanf:"output"`
	Verbose      bool                       `koanf:"verbose"`
	LogLevel     slog.Level                 `koanf:"log_level"`
	FailOn       []ownership.DiagnosticKind `koanf:"fail_on"`
	Serve        ServeConfig                `koanf:"serve"`

	// ProjectRoot anchors relative paths. It is inferred, never loaded.
	ProjectRoot string `koanf:"-"`
}

// ServeConfig holds configuration for the HTTP API server.
type ServeConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	Watch           bool          `koanf:"watch"`
	// MaxConnections caps concurrent connections; 0 means unlimited
	MaxConnections int `koanf:"max_connections"`
}

// Default configuration values.
const (
	DefaultScenariosDir    = "scenarios"
	DefaultStateFile       = ".borrowck/state.db"
	DefaultParallelism     = 4
	DefaultOutput          = "auto" // Auto-detect: TTY=text, non-TTY=markdown
	DefaultLogLevel        = "warn"
	DefaultServeAddr       = ":8787"
	DefaultShutdownTimeout = 5 * time.Second
)

// ConfigFileNames are the project config files, in lookup order.
var ConfigFileNames = []string{"borrowck.yaml", "borrowck.yml"}

// EffectiveLogLevel is LogLevel, lowered to debug by Verbose.
func (c *Config) EffectiveLogLevel() slog.Level {
	if c.Verbose {
		return slog.LevelDebug
	}
	return c.LogLevel
}

// Default returns the configuration used when nothing is loaded.
func Default() *Config {
	return &Config{
		ScenariosDir: DefaultScenariosDir,
		StatePath:    DefaultStateFile,
		Record:       true,
		Parallelism:  DefaultParallelism,
		OutputFormat: DefaultOutput,
		LogLevel:     slog.LevelWarn,
		Serve: ServeConfig{
			Addr:            DefaultServeAddr,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
	}
}
