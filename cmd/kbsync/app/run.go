package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	syncapp "github.com/stacklok/kbsync/internal/app"
	"github.com/stacklok/kbsync/internal/config"
	pkgsync "github.com/stacklok/kbsync/internal/sync"
)

const telemetryShutdownTimeout = 10 * time.Second

// errRunIncomplete marks a run that finished without syncing every document
var errRunIncomplete = errors.New("sync run did not complete successfully")

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single sync over the document feed",
		Long: `Run a single sync over the document feed and exit.

The configuration comes from the --config file and the KBSYNC_* environment
variables. The run summary is printed as a table on terminals and as JSON
otherwise; use --format to choose explicitly. The command exits non-zero
when any document failed or the run was aborted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			format, err := cmd.Flags().GetString(flagFormat)
			if err != nil {
				return fmt.Errorf("failed to read format flag: %w", err)
			}
			return runOnce(ctx, v, cmd.OutOrStdout(), format)
		},
	}
	cmd.Flags().String(flagFormat, "", "Summary format (table or json)")
	return cmd
}

func runOnce(ctx context.Context, v *viper.Viper, out io.Writer, format string) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	closer := setupLogging(v, cfg)
	defer closer.Close()

	a, cleanup, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	summary, err := a.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("sync run failed: %w", err)
	}

	switch outputFormat(format, out) {
	case formatTable:
		err = summary.WriteTable(out)
	default:
		err = summary.WriteJSON(out)
	}
	if err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}

	if !summary.Success() {
		return summaryError(summary)
	}
	return nil
}

func summaryError(s *pkgsync.Summary) error {
	if s.Aborted != "" {
		return fmt.Errorf("%w: aborted (%s)", errRunIncomplete, s.Aborted)
	}
	return fmt.Errorf("%w: %d failed, %d commit failures", errRunIncomplete, s.Failed, s.CommitFailures)
}

// buildApp wires telemetry into a new application. The returned cleanup
// releases the state lock and flushes telemetry.
func buildApp(ctx context.Context, cfg *config.Config, extra ...syncapp.Option) (*syncapp.App, func(), error) {
	tel, err := setupTelemetry(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	shutdownTelemetry := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown telemetry", "error", err)
		}
	}

	opts := []syncapp.Option{
		syncapp.WithConfig(cfg),
		syncapp.WithMeterProvider(tel.MeterProvider()),
		syncapp.WithTracerProvider(tel.TracerProvider()),
	}
	if h := tel.MetricsHandler(); h != nil {
		opts = append(opts, syncapp.WithMetricsHandler(h))
	}
	opts = append(opts, extra...)

	a, err := syncapp.New(ctx, opts...)
	if err != nil {
		shutdownTelemetry()
		return nil, nil, fmt.Errorf("failed to create application: %w", err)
	}

	return a, func() {
		if err := a.Close(); err != nil {
			slog.Error("Failed to close application", "error", err)
		}
		shutdownTelemetry()
	}, nil
}
