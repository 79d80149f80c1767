package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/leapstack-labs/borrowck/internal/server"
	"github.com/spf13/cobra"
)

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the checker over HTTP",
		Long: `Start an HTTP API that checks scenarios and scripts posted to it, lists
recorded runs and streams finished runs as server-sent events.

Endpoints:
  GET  /healthz          Liveness probe
  POST /api/check        Check a YAML/JSON scenario body, or a Starlark script
                         sent as text/x-starlark
  GET  /api/scenarios    Built-in scenario definitions
  GET  /api/runs         Recorded runs (?limit=)
  GET  /api/runs/{id}    One run with results and diagnostics
  GET  /api/events       Finished runs as server-sent events

With --watch, the scenarios directory is re-checked on every change and the
results are broadcast to event subscribers.`,
		Example: `  # Serve on the default address
  borrowck serve

  # Serve on localhost only and re-check scenarios on change
  borrowck serve --addr 127.0.0.1:9000 --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, watch || getConfig().Serve.Watch)
		},
	}

	cmd.Flags().String("addr", "", "Listen address (default \":8787\")")
	cmd.Flags().Duration("shutdown-timeout", 0, "Graceful shutdown timeout (default 5s)")
	cmd.Flags().Int("max-connections", 0, "Maximum concurrent connections (0 for unlimited)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Re-check the scenarios directory on change")
	cmd.Flags().Bool("no-record", false, "Do not record runs in the state database")

	return cmd
}

func runServe(cmd *cobra.Command, watch bool) error {
	cmdCtx, cleanup, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	cfg := cmdCtx.Cfg
	var watchPaths []string
	if watch {
		if err := cfg.ValidateScenariosDir(); err != nil {
			return err
		}
		watchPaths = []string{cfg.ScenariosDir}
	}

	srv := server.New(server.Config{
		Addr:            cfg.Serve.Addr,
		Store:           cmdCtx.Store,
		Parallelism:     cfg.Parallelism,
		ShutdownTimeout: cfg.Serve.ShutdownTimeout,
		MaxConnections:  cfg.Serve.MaxConnections,
		WatchPaths:      watchPaths,
		Logger:          cmdCtx.Logger,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmdCtx.Renderer.Success(fmt.Sprintf("serving on %s", cfg.Serve.Addr))
	if watch {
		cmdCtx.Renderer.Muted("watching " + cfg.ScenariosDir)
	}
	return srv.Serve(ctx)
}
