// Package main is the entry point for kbsync.
package main

import (
	"log/slog"
	"os"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"

	"github.com/stacklok/kbsync/cmd/kbsync/app"
	"github.com/stacklok/kbsync/internal/config"
	"github.com/stacklok/kbsync/internal/logging"
)

func main() {
	// Logs go to stderr so stdout stays clean for summaries and JSON output.
	// Commands reinstall the handler once the configuration is loaded.
	env := config.NewEnv()
	level, ok := logging.ParseLevel(env.GetString(config.EnvLogLevel))
	handler, _ := logging.NewHandler(logging.Options{Level: level})
	slog.SetDefault(slog.New(handler))
	if !ok {
		slog.Warn("Invalid log level, using INFO", "value", env.GetString(config.EnvLogLevel))
	}

	// OpenTelemetry SDK diagnostics share the same handler
	otel.SetLogger(logr.FromSlogHandler(handler))

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
