// Package server exposes the ownership checker over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/leapstack-labs/borrowck/internal/runner"
	"github.com/leapstack-labs/borrowck/internal/state"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

// Defaults applied by New.
const (
	DefaultAddr            = ":8787"
	DefaultShutdownTimeout = 5 * time.Second
	DefaultMaxBodyBytes    = 1 << 20
)

// Config holds configuration for the HTTP server.
type Config struct {
	// Addr is the listen address (DefaultAddr if empty)
	Addr string
	// Store serves run history and records checks when set
	Store state.Store
	// Parallelism bounds concurrent scenarios per check
	Parallelism int
	// ShutdownTimeout bounds graceful shutdown (DefaultShutdownTimeout if zero)
	ShutdownTimeout time.Duration
	// MaxBodyBytes limits request bodies (DefaultMaxBodyBytes if zero)
	MaxBodyBytes int64
	// MaxConnections caps concurrently served connections (unlimited if zero)
	MaxConnections int
	// WatchPaths are re-checked whenever a scenario file or script under
	// them changes; nothing is watched when empty
	WatchPaths []string
	// Logger is the structured logger (optional, uses discard if nil)
	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	store    state.Store
	notifier *Notifier
	runner   *runner.Runner
	watcher  *runner.Runner
}

// New creates a server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		store:    cfg.Store,
		notifier: NewNotifier(),
	}
	s.runner = s.newRunner(runner.OriginAPI)
	s.watcher = s.newRunner(runner.OriginWatch)
	return s
}

func (s *Server) newRunner(origin string) *runner.Runner {
	return runner.New(runner.Config{
		Logger:      s.logger,
		Parallelism: s.cfg.Parallelism,
		Store:       s.store,
		Origin:      origin,
		OnComplete: func(rep *runner.Report) {
			s.notifier.Broadcast(RunEvent{
				RunID:    rep.RunID,
				Origin:   origin,
				Total:    rep.Total(),
				Passed:   rep.Passed,
				Failed:   rep.Failed,
				Errored:  rep.Errored,
				OK:       rep.OK(),
				Finished: time.Now().UTC(),
			})
		},
	})
}

// Notifier returns the notifier that receives every finished run.
func (s *Server) Notifier() *Notifier {
	return s.notifier
}

// Handler returns the routed handler with its middleware stack.
func (s *Server) Handler() http.Handler {
	r := chi.NewMux()
	r.Use(
		middleware.RequestID,
		middleware.RequestLogger(&middleware.DefaultLogFormatter{
			Logger:  slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug),
			NoColor: true,
		}),
		middleware.Recoverer,
		middleware.Compress(5),
	)

	h := newHandlers(s)
	r.Get("/healthz", h.Health)
	r.Route("/api", func(r chi.Router) {
		r.Post("/check", h.Check)
		r.Get("/scenarios", h.Scenarios)
		r.Get("/events", h.Events)
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.ListRuns)
			r.Get("/{id}", h.GetRun)
		})
	})
	return r
}

// Serve starts the server and blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("starting server", slog.String("addr", ln.Addr().String()))
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}

	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Handler: s.Handler(),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	if len(s.cfg.WatchPaths) > 0 {
		eg.Go(func() error {
			return runner.Watch(egctx, runner.WatchConfig{Paths: s.cfg.WatchPaths, Logger: s.logger},
				func(ctx context.Context, file string) {
					s.recheck(ctx, file)
				})
		})
	}

	eg.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		s.logger.Debug("shutting down server")
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

// recheck re-runs every watched job after a change.
func (s *Server) recheck(ctx context.Context, file string) {
	jobs, err := runner.Discover(s.cfg.WatchPaths...)
	if err != nil {
		s.logger.Error("failed to discover scenarios", slog.String("file", file), slog.String("error", err.Error()))
		return
	}
	if _, err := s.watcher.Run(ctx, jobs); err != nil {
		s.logger.Error("watch check failed", slog.String("error", err.Error()))
	}
}
