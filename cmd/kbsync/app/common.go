package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"golang.org/x/term"

	"github.com/stacklok/kbsync/internal/config"
	"github.com/stacklok/kbsync/internal/logging"
	"github.com/stacklok/kbsync/internal/telemetry"
	"github.com/stacklok/kbsync/internal/versions"
)

// loadConfig reads the optional --config file and the environment
func loadConfig(v *viper.Viper) (*config.Config, error) {
	opts := []config.Option{config.WithEnv(config.NewEnv())}
	if path := v.GetString(flagConfig); path != "" {
		opts = append([]config.Option{config.WithConfigPath(path)}, opts...)
	}

	cfg, err := config.LoadConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// setupLogging installs the configured handler and returns its closer
func setupLogging(v *viper.Viper, cfg *config.Config) io.Closer {
	lc := cfg.GetLogging()
	level, ok := logging.ParseLevel(lc.Level)
	if v.GetBool(flagDebug) {
		level = slog.LevelDebug
	}

	handler, closer := logging.NewHandler(logging.Options{
		Level:      level,
		File:       lc.File,
		MaxSizeMB:  lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		MaxAgeDays: lc.MaxAgeDays,
	})
	slog.SetDefault(slog.New(handler))
	otel.SetLogger(logr.FromSlogHandler(handler))

	if !ok {
		slog.Warn("Invalid log level, using INFO", "value", lc.Level)
	}
	return closer
}

// setupTelemetry initializes the OpenTelemetry providers from cfg
func setupTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	tc := cfg.Telemetry
	if tc != nil && tc.ServiceVersion == "" {
		withVersion := *tc
		withVersion.ServiceVersion = versions.Version
		tc = &withVersion
	}

	tel, err := telemetry.New(ctx, telemetry.WithTelemetryConfig(tc))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return tel, nil
}

// outputFormat resolves an empty --format to table on terminals and JSON otherwise
func outputFormat(format string, w io.Writer) string {
	if format != "" {
		return format
	}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return formatTable
	}
	return formatJSON
}
