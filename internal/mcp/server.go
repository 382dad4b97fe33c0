// Package mcp is the Home Assistant tool server. The same dispatch table is
// reachable over stdio (RunStdio) and over HTTP (ServeHTTP).
package mcp

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/gilberth/hass-mcp/internal/hass"
)

// ServerName is reported in the initialize result.
const ServerName = "hass-mcp"

// HomeAssistant is the part of the REST client the tools call.
type HomeAssistant interface {
	Config(ctx context.Context) (hass.InstanceConfig, error)
	States(ctx context.Context) ([]hass.Entity, error)
	EntityState(ctx context.Context, entityID string) (hass.Entity, error)
	CallService(ctx context.Context, domain, service string, data map[string]any) ([]hass.Entity, error)
	ErrorLog(ctx context.Context) (string, error)
}

// Option configures a Server.
type Option func(*Server)

// WithStdio replaces os.Stdin and os.Stdout for RunStdio.
func WithStdio(in io.Reader, out io.Writer) Option {
	return func(s *Server) {
		s.stdin = in
		s.stdout = out
	}
}

// WithLogger sets the server logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithVersion sets the version reported to clients.
func WithVersion(version string) Option {
	return func(s *Server) { s.version = version }
}

// Server holds the tool table and the Home Assistant client behind it.
type Server struct {
	hass    HomeAssistant
	logger  *zap.Logger
	version string
	stdin   io.Reader
	stdout  io.Writer

	tools  []tool
	byName map[string]tool

	calls  atomic.Int64
	failed atomic.Int64
	closed atomic.Bool
}

// New builds a tool server around client.
func New(client HomeAssistant, opts ...Option) (*Server, error) {
	if client == nil {
		return nil, fmt.Errorf("mcp: nil Home Assistant client")
	}
	s := &Server{
		hass:    client,
		logger:  zap.NewNop(),
		version: "dev",
		stdin:   os.Stdin,
		stdout:  os.Stdout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("mcp")

	tools, err := s.buildTools()
	if err != nil {
		return nil, err
	}
	s.tools = tools
	s.byName = make(map[string]tool, len(tools))
	for _, t := range tools {
		s.byName[t.def.Name] = t
	}
	return s, nil
}

// Tools returns the advertised tool definitions.
func (s *Server) Tools() []Tool {
	defs := make([]Tool, 0, len(s.tools))
	for _, t := range s.tools {
		defs = append(defs, t.def)
	}
	return defs
}

// Shutdown stops accepting HTTP requests. It does not touch the Home
// Assistant client; that belongs to the teardown hook.
func (s *Server) Shutdown(_ context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	s.logger.Info("tool server stopped",
		zap.Int64("tool_calls", s.calls.Load()),
		zap.Int64("tool_failures", s.failed.Load()),
	)
	return nil
}
