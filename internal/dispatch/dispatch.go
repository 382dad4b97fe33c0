// Package dispatch picks the transport for a run and drives it to
// completion, including the teardown of shared resources.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/gilberth/hass-mcp/internal/app"
	"github.com/gilberth/hass-mcp/internal/config"
	"github.com/gilberth/hass-mcp/internal/server"
)

// ToolServer is the stdio side of the tool server. For network runs it must
// also implement http.Handler.
type ToolServer interface {
	RunStdio(ctx context.Context) error
}

type runnerFactory func(cfg config.RunConfig, target server.Target, logger *zap.Logger) (server.Runner, error)

// Dispatcher runs exactly one transport per invocation.
type Dispatcher struct {
	cfg       config.RunConfig
	server    ToolServer
	logger    *zap.Logger
	newRunner runnerFactory

	teardown     app.Hook
	teardownOnce sync.Once
	teardownErr  error
}

// New returns a dispatcher for cfg. teardown releases the resources the
// tool server shares across requests. It may be nil.
func New(cfg config.RunConfig, ts ToolServer, teardown app.Hook, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		cfg:       cfg,
		server:    ts,
		logger:    logger.Named("dispatch"),
		newRunner: server.New,
		teardown:  teardown,
	}
	return d
}

// Transport resolves the configured transport. Unknown values fall back to
// stdio with a single warning.
func (d *Dispatcher) Transport() config.Transport {
	t := d.cfg.Transport
	switch {
	case t == "":
		return config.TransportStdio
	case t.Known():
		return t
	default:
		d.logger.Warn("unknown run mode, falling back to stdio",
			zap.String("run_mode", string(t)),
			zap.String("fallback", string(config.TransportStdio)),
		)
		return config.TransportStdio
	}
}

// Run blocks until the selected transport stops.
func (d *Dispatcher) Run(ctx context.Context) error {
	transport := d.Transport()
	d.logger.Info("starting", zap.String("transport", string(transport)))

	if transport == config.TransportNetwork {
		return d.runNetwork(ctx)
	}
	return d.runStdio(ctx)
}

func (d *Dispatcher) runStdio(ctx context.Context) error {
	if d.server == nil {
		return errors.New("dispatch: no tool server")
	}
	err := d.server.RunStdio(ctx)
	if terr := d.runTeardown(ctx); terr != nil {
		d.logger.Error("teardown failure", zap.Error(terr))
	}
	return err
}

func (d *Dispatcher) runNetwork(ctx context.Context) error {
	var target server.Target
	if d.cfg.Reload {
		// Each reload cycle builds its own application and resources.
		target.Ref = d.cfg.AppRef
	} else {
		a, err := app.New(d.server, d.runTeardown, d.logger, app.WithTeardownTimeout(d.cfg.TeardownTimeout))
		if err != nil {
			return err
		}
		target.App = a
	}

	runner, err := d.newRunner(d.cfg, target, d.logger)
	if err != nil {
		return err
	}
	d.logger.Info("network transport",
		zap.String("addr", d.cfg.Addr()),
		zap.Bool("reload", d.cfg.Reload),
	)
	return runner.Serve(ctx)
}

// runTeardown invokes the teardown at most once, on a context that outlives
// the caller's cancellation. A teardown stuck past the timeout is abandoned.
func (d *Dispatcher) runTeardown(ctx context.Context) error {
	d.teardownOnce.Do(func() {
		if d.teardown == nil {
			return
		}
		timeout := d.cfg.TeardownTimeout
		if timeout <= 0 {
			timeout = app.DefaultTeardownTimeout
		}
		d.teardownErr = d.teardown.Run(context.WithoutCancel(ctx), timeout)
	})
	return d.teardownErr
}
