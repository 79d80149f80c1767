package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leapstack-labs/borrowck/pkg/ownership"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testFlags mirrors the flags the CLI registers.
func testFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("scenarios-dir", "", "scenarios directory")
	flags.String("state", "", "state database")
	flags.Int("parallel", 0, "parallelism")
	flags.StringP("output", "o", "", "output format")
	flags.BoolP("verbose", "v", false, "verbose")
	flags.String("log-level", "", "log level")
	flags.StringSlice("fail-on", nil, "fail on")
	flags.Bool("no-record", false, "do not record")
	flags.String("addr", "", "listen address")
	flags.Duration("shutdown-timeout", 0, "shutdown timeout")
	flags.Int("max-connections", 0, "connection cap")
	flags.Bool("builtin", false, "not a config flag")
	return flags
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "borrowck.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	ResetConfig()
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)

	cwd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, cwd, cfg.ProjectRoot)
	assert.Equal(t, filepath.Join(cwd, DefaultScenariosDir), cfg.ScenariosDir)
	assert.Equal(t, filepath.Join(cwd, DefaultStateFile), cfg.StatePath)
	assert.True(t, cfg.Record)
	assert.Equal(t, DefaultParallelism, cfg.Parallelism)
	assert.Equal(t, DefaultOutput, cfg.OutputFormat)
	assert.Equal(t, slog.LevelWarn, cfg.LogLevel)
	assert.Empty(t, cfg.FailOn)
	assert.Equal(t, DefaultServeAddr, cfg.Serve.Addr)
	assert.Equal(t, DefaultShutdownTimeout, cfg.Serve.ShutdownTimeout)
	assert.Empty(t, GetConfigFileUsed())
	assert.Same(t, cfg, GetCurrentConfig())
}

func TestLoadConfig_File(t *testing.T) {
	ResetConfig()
	path := writeConfig(t, `scenarios_dir: cases
state_path: /tmp/borrowck-test/state.db
record: false
parallelism: 2
output: json
log_level: debug
fail_on: [Dangling, use_after_move]
serve:
  addr: 127.0.0.1:9000
  shutdown_timeout: 250ms
  watch: true
`)

	cfg, err := LoadConfig(path, nil)
	require.NoError(t, err)

	assert.Equal(t, path, GetConfigFileUsed())
	assert.Equal(t, filepath.Dir(path), cfg.ProjectRoot)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "cases"), cfg.ScenariosDir, "relative to the project root")
	assert.Equal(t, "/tmp/borrowck-test/state.db", cfg.StatePath)
	assert.False(t, cfg.Record)
	assert.Equal(t, 2, cfg.Parallelism)
	assert.Equal(t, "json", cfg.OutputFormat)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, []ownership.DiagnosticKind{ownership.Dangling, ownership.UseAfterMove}, cfg.FailOn)
	assert.Equal(t, "127.0.0.1:9000", cfg.Serve.Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.Serve.ShutdownTimeout)
	assert.True(t, cfg.Serve.Watch)
}

func TestLoadConfig_FindsFileUpward(t *testing.T) {
	ResetConfig()
	path := writeConfig(t, "parallelism: 7\n")
	nested := filepath.Join(filepath.Dir(path), "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o750))
	t.Chdir(nested)

	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Parallelism)
	root, err := filepath.EvalSymlinks(filepath.Dir(path))
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(cfg.ProjectRoot)
	require.NoError(t, err)
	assert.Equal(t, root, got)
}

func TestLoadConfig_EnvPrecedenceOverFile(t *testing.T) {
	ResetConfig()
	path := writeConfig(t, "parallelism: 2\nserve:\n  addr: :1\n")
	t.Setenv("BORROWCK_PARALLELISM", "6")
	t.Setenv("BORROWCK_SERVE_ADDR", ":2")
	t.Setenv("BORROWCK_FAIL_ON", "Dangling,BorrowConflict")
	t.Setenv("BORROWCK_RECORD", "false")
	t.Setenv("BORROWCK_SERVE_MAX_CONNECTIONS", "3")

	cfg, err := LoadConfig(path, nil)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Parallelism, "env var should override config file")
	assert.Equal(t, ":2", cfg.Serve.Addr)
	assert.Equal(t, []ownership.DiagnosticKind{ownership.Dangling, ownership.BorrowConflict}, cfg.FailOn)
	assert.False(t, cfg.Record)
	assert.Equal(t, 3, cfg.Serve.MaxConnections)
}

func TestLoadConfig_FlagPrecedence(t *testing.T) {
	ResetConfig()
	path := writeConfig(t, "parallelism: 2\noutput: markdown\n")
	t.Setenv("BORROWCK_PARALLELISM", "6")

	flags := testFlags()
	require.NoError(t, flags.Parse([]string{
		"--parallel", "9",
		"-o", "json",
		"--no-record",
		"--fail-on", "Dangling",
		"--log-level", "error",
		"--shutdown-timeout", "2s",
		"--max-connections", "16",
		"--scenarios-dir", "here",
		"--builtin",
	}))

	cfg, err := LoadConfig(path, flags)
	require.NoError(t, err)

	cwd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Parallelism, "flag value should override config file and env var")
	assert.Equal(t, "json", cfg.OutputFormat)
	assert.False(t, cfg.Record)
	assert.Equal(t, []ownership.DiagnosticKind{ownership.Dangling}, cfg.FailOn)
	assert.Equal(t, slog.LevelError, cfg.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.Serve.ShutdownTimeout)
	assert.Equal(t, 16, cfg.Serve.MaxConnections)
	assert.Equal(t, filepath.Join(cwd, "here"), cfg.ScenariosDir, "flag paths are relative to the working directory")
}

func TestLoadConfig_FlagNotSetUsesEnv(t *testing.T) {
	ResetConfig()
	path := writeConfig(t, "parallelism: 2\n")
	t.Setenv("BORROWCK_PARALLELISM", "6")

	flags := testFlags()
	require.NoError(t, flags.Parse(nil))

	cfg, err := LoadConfig(path, flags)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Parallelism, "env var should be used when flag is not set")
	assert.True(t, cfg.Record)
}

func TestLoadConfig_MemoryState(t *testing.T) {
	ResetConfig()
	flags := testFlags()
	require.NoError(t, flags.Parse([]string{"--state", ":memory:"}))

	cfg, err := LoadConfig(writeConfig(t, ""), flags)
	require.NoError(t, err)
	assert.Equal(t, ":memory:", cfg.StatePath)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		errSubstr string
	}{
		{"bad yaml", "parallelism: [\n", "error reading config file"},
		{"unknown diagnostic kind", "fail_on: [Segfault]\n", "unable to decode config"},
		{"bad log level", "log_level: loud\n", "unable to decode config"},
		{"bad duration", "serve:\n  shutdown_timeout: soon\n", "unable to decode config"},
		{"zero parallelism", "parallelism: 0\n", "parallelism must be at least 1"},
		{"bad output", "output: html\n", "invalid output format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ResetConfig()
			_, err := LoadConfig(writeConfig(t, tt.content), nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
			assert.Nil(t, GetCurrentConfig())
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.ErrorContains(t, err, "error reading config file")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errSubstr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"no scenarios dir", func(c *Config) { c.ScenariosDir = "" }, "scenarios_dir is required"},
		{"no addr", func(c *Config) { c.Serve.Addr = "" }, "serve.addr is required"},
		{"no shutdown timeout", func(c *Config) { c.Serve.ShutdownTimeout = 0 }, "shutdown_timeout must be positive"},
		{"negative connection cap", func(c *Config) { c.Serve.MaxConnections = -1 }, "max_connections must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errSubstr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.errSubstr)
		})
	}
}

func TestConfig_ValidateScenariosDir(t *testing.T) {
	cfg := Default()
	cfg.ScenariosDir = t.TempDir()
	assert.NoError(t, cfg.ValidateScenariosDir())

	cfg.ScenariosDir = filepath.Join(cfg.ScenariosDir, "missing")
	assert.ErrorContains(t, cfg.ValidateScenariosDir(), "scenarios directory does not exist")
}

func TestLogger(t *testing.T) {
	cfg := Default()
	var buf bytes.Buffer

	logger := NewLogger(&buf, cfg)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	cfg.Verbose = true
	assert.Equal(t, slog.LevelDebug, cfg.EffectiveLogLevel())

	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, GetLogger(ctx))
	assert.NotNil(t, GetLogger(context.Background()), "falls back to a discard logger")
	assert.Equal(t, loggerKey{}, LoggerKey())
}
