// Package app wraps the tool server in an HTTP application that owns the
// shutdown hooks of a network run.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// DefaultTeardownTimeout bounds each shutdown hook.
const DefaultTeardownTimeout = 5 * time.Second

// Hook is a shutdown step.
type Hook func(ctx context.Context) error

// Run calls h with a context bounded by timeout and returns when h does or
// when the timeout expires. A hook that ignores its context is abandoned
// and Run reports context.DeadlineExceeded. Panics are returned as errors.
func (h Hook) Run(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- h(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AdapterError means the tool server cannot be mounted.
type AdapterError struct {
	Err error
}

func (e *AdapterError) Error() string {
	return "app: cannot mount tool server: " + e.Err.Error()
}

func (e *AdapterError) Unwrap() error { return e.Err }

// ErrNotHandler is wrapped by AdapterError when the tool server does not
// implement http.Handler.
var ErrNotHandler = errors.New("tool server does not implement http.Handler")

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

type namedHook struct {
	name string
	fn   Hook
}

// Option configures an Application.
type Option func(*Application)

// WithTeardownTimeout sets the upper bound for each hook.
func WithTeardownTimeout(d time.Duration) Option {
	return func(a *Application) {
		if d > 0 {
			a.teardownTimeout = d
		}
	}
}

// Application routes every request to the tool server and runs its hooks
// once on shutdown.
type Application struct {
	router          *mux.Router
	toolServer      http.Handler
	logger          *zap.Logger
	teardownTimeout time.Duration

	mu    sync.Mutex
	hooks []namedHook

	once        sync.Once
	shutdownErr error
}

// New mounts toolServer at the root. teardown, when not nil, is registered
// as the first shutdown hook.
func New(toolServer any, teardown Hook, logger *zap.Logger, opts ...Option) (*Application, error) {
	if toolServer == nil {
		return nil, &AdapterError{Err: errors.New("tool server is nil")}
	}
	if v := reflect.ValueOf(toolServer); v.Kind() == reflect.Pointer && v.IsNil() {
		return nil, &AdapterError{Err: fmt.Errorf("tool server is a nil %T", toolServer)}
	}
	handler, ok := toolServer.(http.Handler)
	if !ok {
		return nil, &AdapterError{Err: fmt.Errorf("%w: %T", ErrNotHandler, toolServer)}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Application{
		toolServer:      handler,
		logger:          logger.Named("app"),
		teardownTimeout: DefaultTeardownTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}

	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	r.Use(loggingMiddleware(a.logger))
	r.PathPrefix("/").Handler(handler)
	a.router = r

	if teardown != nil {
		a.OnShutdown("teardown", teardown)
	}
	return a, nil
}

func (a *Application) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// OnShutdown appends a hook. Hooks run in registration order.
func (a *Application) OnShutdown(name string, hook Hook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hooks = append(a.hooks, namedHook{name: name, fn: hook})
}

// Shutdown runs the tool server's own Shutdown, if it has one, and then every
// hook. A failing step is logged and the rest still run. Later calls return
// the result of the first.
func (a *Application) Shutdown(ctx context.Context) error {
	a.once.Do(func() {
		a.shutdownErr = a.shutdown(ctx)
	})
	return a.shutdownErr
}

func (a *Application) shutdown(ctx context.Context) error {
	// Hooks must finish even when the caller's context was the one cancelled
	// by the signal.
	ctx = context.WithoutCancel(ctx)

	var errs []error
	if s, ok := a.toolServer.(shutdowner); ok {
		if err := a.runHook(ctx, namedHook{name: "tool server", fn: s.Shutdown}); err != nil {
			errs = append(errs, err)
		}
	}

	a.mu.Lock()
	hooks := append([]namedHook(nil), a.hooks...)
	a.mu.Unlock()

	for _, h := range hooks {
		if err := a.runHook(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Application) runHook(ctx context.Context, h namedHook) error {
	start := time.Now()
	if err := h.fn.Run(ctx, a.teardownTimeout); err != nil {
		err = fmt.Errorf("shutdown hook %q: %w", h.name, err)
		a.logger.Error("teardown failure", zap.String("hook", h.name), zap.Error(err))
		return err
	}
	a.logger.Debug("shutdown hook done", zap.String("hook", h.name), zap.Duration("duration", time.Since(start)))
	return nil
}
