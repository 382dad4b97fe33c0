package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gilberth/hass-mcp/internal/hass"
	"github.com/gilberth/hass-mcp/internal/observability"
)

func newCheckCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check the Home Assistant URL and token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(v)
			if err != nil {
				return err
			}
			defer observability.Sync(logger)

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			client := hass.New(cfg.Hass, hass.WithLogger(logger))
			defer client.Close(ctx)

			msg, err := client.APIStatus(ctx)
			if err != nil {
				logger.Error("home assistant unreachable", zap.String("url", cfg.Hass.URL), zap.Error(err))
				return loggedError{err}
			}
			info, err := client.Config(ctx)
			if err != nil {
				logger.Error("read home assistant config", zap.Error(err))
				return loggedError{err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (Home Assistant %s, %s)\n", cfg.Hass.URL, msg, info.Version, info.LocationName)
			return nil
		},
	}
}
