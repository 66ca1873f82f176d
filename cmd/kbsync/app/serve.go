package app

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	syncapp "github.com/stacklok/kbsync/internal/app"
)

const flagAddress = "address"

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync loop and the status API",
		Long: `Run the sync loop on the configured interval and serve the status API.

Besides the periodic runs, a sync is triggered when the feed file changes
(sync.watch) or on POST /v1/sync. The process stops gracefully on
SIGINT or SIGTERM, giving an in-flight run the configured shutdown grace.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			closer := setupLogging(v, cfg)
			defer closer.Close()

			var extra []syncapp.Option
			if addr := v.GetString(flagAddress); addr != "" {
				extra = append(extra, syncapp.WithAddress(addr))
			}

			a, cleanup, err := buildApp(ctx, cfg, extra...)
			if err != nil {
				return err
			}
			defer cleanup()

			slog.Info("Starting kbsync", "address", v.GetString(flagAddress))
			if err := a.Serve(ctx); err != nil {
				return fmt.Errorf("server stopped with error: %w", err)
			}
			slog.Info("kbsync stopped")
			return nil
		},
	}

	cmd.Flags().String(flagAddress, "", "Address to listen on (overrides server.address)")
	if err := v.BindPFlag(flagAddress, cmd.Flags().Lookup(flagAddress)); err != nil {
		slog.Error("Error binding flag", "flag", flagAddress, "error", err)
	}
	return cmd
}
