// Package server runs a network application: bind, serve, drain on
// shutdown and then run the application's hooks.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gilberth/hass-mcp/internal/app"
	"github.com/gilberth/hass-mcp/internal/config"
)

const readHeaderTimeout = 10 * time.Second

// ErrReloadNeedsReference is returned by New when reload is requested for a
// live application instead of a named factory.
var ErrReloadNeedsReference = errors.New("server: reload needs an application reference, not a live instance")

// BindError means the listen address could not be bound.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("server: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Runner serves until ctx is cancelled or serving fails.
type Runner interface {
	Serve(ctx context.Context) error
}

// Target is what a Runner serves: a live application or the name of a
// registered factory.
type Target struct {
	App *app.Application
	Ref string
}

type listenFunc func(network, address string) (net.Listener, error)

// New picks the runner variant for cfg.Reload.
func New(cfg config.RunConfig, target Target, logger *zap.Logger) (Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("server")

	if cfg.Reload {
		if target.App != nil || target.Ref == "" {
			return nil, ErrReloadNeedsReference
		}
		factory, err := app.Lookup(target.Ref)
		if err != nil {
			return nil, err
		}
		return &ReloadRunner{cfg: cfg, ref: target.Ref, factory: factory, logger: logger, listen: net.Listen}, nil
	}

	a := target.App
	if a == nil {
		if target.Ref == "" {
			return nil, errors.New("server: nothing to serve")
		}
		factory, err := app.Lookup(target.Ref)
		if err != nil {
			return nil, err
		}
		if a, err = factory(context.Background()); err != nil {
			return nil, err
		}
	}
	return &InstanceRunner{cfg: cfg, app: a, logger: logger, listen: net.Listen}, nil
}

// InstanceRunner serves one live application.
type InstanceRunner struct {
	cfg    config.RunConfig
	app    *app.Application
	logger *zap.Logger
	listen listenFunc
}

func (r *InstanceRunner) Serve(ctx context.Context) error {
	_, err := serveApp(ctx, r.cfg, r.app, nil, r.listen, r.logger)
	return err
}

// ReloadRunner rebuilds the application from its factory whenever one of
// the reload paths changes.
type ReloadRunner struct {
	cfg     config.RunConfig
	ref     string
	factory app.Factory
	logger  *zap.Logger
	listen  listenFunc

	// changes overrides the file watcher.
	changes <-chan []string
}

func (r *ReloadRunner) Serve(ctx context.Context) error {
	changes := r.changes
	if changes == nil {
		w, err := NewWatcher(r.cfg.ReloadPaths, r.logger)
		if err != nil {
			return err
		}
		defer w.Close()
		changes = w.Changes()
	}

	for cycle := 1; ; cycle++ {
		a, err := r.factory(ctx)
		if err != nil {
			return fmt.Errorf("server: build application %q: %w", r.ref, err)
		}
		r.logger.Info("application built", zap.String("app", r.ref), zap.Int("cycle", cycle))

		changed, err := serveApp(ctx, r.cfg, a, changes, r.listen, r.logger)
		if err != nil {
			return err
		}
		if changed == nil || ctx.Err() != nil {
			return nil
		}
		reloadEnvFiles(changed, r.logger)
	}
}

// serveApp serves a until ctx is done or restart fires. It returns the
// changed files when a restart ended the cycle.
func serveApp(ctx context.Context, cfg config.RunConfig, a *app.Application, restart <-chan []string, listen listenFunc, logger *zap.Logger) ([]string, error) {
	addr := cfg.Addr()
	ln, err := listen("tcp", addr)
	if err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}

	srv := &http.Server{
		Handler:           a,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	}
	logger.Info("listening", zap.String("addr", ln.Addr().String()))

	var changed []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: serve %s: %w", addr, err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			logger.Info("shutting down")
		case changed = <-restart:
			logger.Info("reload triggered", zap.Strings("files", changed))
		}

		grace := cfg.ShutdownGrace
		if grace <= 0 {
			grace = config.DefaultShutdownGrace
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("grace period elapsed, closing remaining connections", zap.Duration("grace", grace), zap.Error(err))
			_ = srv.Close()
		}
		return nil
	})
	serveErr := g.Wait()

	if err := a.Shutdown(ctx); err != nil {
		logger.Error("shutdown hooks failed", zap.Error(err))
	}
	logger.Info("stopped")
	return changed, serveErr
}

// reloadEnvFiles re-reads changed .env files so the next build sees them.
func reloadEnvFiles(changed []string, logger *zap.Logger) {
	for _, name := range changed {
		base := filepath.Base(name)
		if base != ".env" && !strings.HasPrefix(base, ".env.") && !strings.HasSuffix(base, ".env") {
			continue
		}
		if err := godotenv.Overload(name); err != nil {
			logger.Warn("reload env file", zap.String("file", name), zap.Error(err))
		}
	}
}
