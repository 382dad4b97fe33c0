// Package cli wires configuration, logging and the transports into the
// hass-mcp command.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gilberth/hass-mcp/internal/app"
	"github.com/gilberth/hass-mcp/internal/config"
	"github.com/gilberth/hass-mcp/internal/dispatch"
	"github.com/gilberth/hass-mcp/internal/hass"
	"github.com/gilberth/hass-mcp/internal/mcp"
	"github.com/gilberth/hass-mcp/internal/observability"
)

// AppName is the factory name to pass as HASS_MCP_APP for reload mode.
const AppName = "hass-mcp"

// loggedError marks an error that was already written to the logger.
type loggedError struct{ err error }

func (e loggedError) Error() string { return e.err.Error() }
func (e loggedError) Unwrap() error { return e.err }

// NewRootCommand builds the hass-mcp command tree around v.
func NewRootCommand(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:   "hass-mcp",
		Short: "MCP server for Home Assistant over stdio or HTTP",
		Long: `hass-mcp exposes Home Assistant to MCP clients.

By default it speaks MCP over stdin/stdout. Set HASS_MCP_RUN_MODE=network
(or --mode network) to serve HTTP on HASS_MCP_HOST:HASS_MCP_PORT instead.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v)
		},
	}
	root.SetVersionTemplate("{{.Version}}\n")

	flags := root.Flags()
	flags.String("mode", string(config.TransportStdio), "transport: stdio or network")
	flags.String("host", config.DefaultHost, "bind address for the network transport")
	flags.Int("port", config.DefaultPort, "bind port for the network transport")
	flags.Bool("reload", false, "rebuild the application when reload paths change (needs --app)")
	flags.String("log-level", config.DefaultLogLevel, "trace, debug, info, warning, error or critical")
	flags.String("log-format", config.DefaultLogFormat, "console or json")
	flags.String("log-file", "", "also write JSON logs to this file, rotated")
	flags.String("app", "", "application factory name for reload mode ("+AppName+")")
	bindFlags(v, flags)

	root.AddCommand(newVersionCommand(), newCheckCommand(v))
	return root
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	for key, name := range map[string]string{
		config.KeyRunMode:   "mode",
		config.KeyHost:      "host",
		config.KeyPort:      "port",
		config.KeyReload:    "reload",
		config.KeyLogLevel:  "log-level",
		config.KeyLogFormat: "log-format",
		config.KeyLogFile:   "log-file",
		config.KeyApp:       "app",
	} {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}
}

// setup loads configuration and builds the logger. Configuration warnings
// are logged and never fatal.
func setup(v *viper.Viper) (config.RunConfig, *zap.Logger, error) {
	config.LoadEnvFiles(".env")
	cfg, warnings := config.Load(v)

	logger, err := observability.New(cfg.LogLevel, cfg.LogFormat, nil, observability.WithFile(cfg.LogFile))
	if err != nil {
		return cfg, nil, err
	}
	logWarnings(logger, warnings)
	return cfg, logger, nil
}

func logWarnings(logger *zap.Logger, warnings []config.Warning) {
	for _, w := range warnings {
		logger.Warn("invalid configuration value",
			zap.String("key", w.Key),
			zap.String("value", w.Value),
			zap.String("fallback", w.Fallback),
			zap.String("reason", w.Reason),
		)
	}
}

func run(ctx context.Context, v *viper.Viper) error {
	cfg, logger, err := setup(v)
	if err != nil {
		return err
	}
	defer observability.Sync(logger)

	logger.Info("starting", zap.String("version", Version), zap.String("home_assistant", cfg.Hass.URL))

	client := hass.New(cfg.Hass, hass.WithLogger(logger))
	ts, err := mcp.New(client, mcp.WithLogger(logger), mcp.WithVersion(Version))
	if err != nil {
		logger.Error("build tool server", zap.Error(err))
		return loggedError{err}
	}
	app.Register(AppName, newAppFactory(logger))

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dispatch.New(cfg, ts, client.Close, logger).Run(ctx); err != nil {
		logger.Error("fatal", zap.Error(err))
		return loggedError{err}
	}
	return nil
}

// newAppFactory builds a fresh client, tool server and application. The
// environment is read again so reload picks up edited .env values.
func newAppFactory(logger *zap.Logger) app.Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(context.Context) (*app.Application, error) {
		cfg, warnings := config.Load(config.NewViper())
		logWarnings(logger, warnings)
		client := hass.New(cfg.Hass, hass.WithLogger(logger))
		ts, err := mcp.New(client, mcp.WithLogger(logger), mcp.WithVersion(Version))
		if err != nil {
			return nil, err
		}
		return app.New(ts, client.Close, logger, app.WithTeardownTimeout(cfg.TeardownTimeout))
	}
}

// Execute runs the command and exits 1 on failure.
func Execute() {
	if err := NewRootCommand(config.NewViper()).Execute(); err != nil {
		var logged loggedError
		if !errors.As(err, &logged) {
			fmt.Fprintln(os.Stderr, "hass-mcp:", err)
		}
		os.Exit(1)
	}
}
