// Package app provides the kbsync command line.
package app

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/kbsync/internal/versions"
)

const (
	flagConfig = "config"
	flagDebug  = "debug"
	flagFormat = "format"
	flagState  = "state"

	formatJSON  = "json"
	formatTable = "table"
)

// NewRootCmd creates the kbsync root command with all subcommands
func NewRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:               "kbsync",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "Sync documents into knowledge-base collections",
		Long: `kbsync keeps knowledge-base collections in step with a document feed.

Each document is fingerprinted and reconciled against every selected
collection: missing documents are created, changed ones updated and
unchanged ones skipped. Transient API failures are retried behind a
per-collection circuit breaker, and progress is committed to a local
state file only after the remote write succeeded.`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				slog.Error("Error displaying help", "error", err)
			}
		},
	}

	rootCmd.PersistentFlags().String(flagConfig, "", "Path to configuration file (YAML format)")
	rootCmd.PersistentFlags().Bool(flagDebug, false, "Enable debug logging")
	for _, name := range []string{flagConfig, flagDebug} {
		if err := v.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			slog.Error("Error binding flag", "flag", name, "error", err)
		}
	}

	rootCmd.AddCommand(
		newRunCmd(v),
		newServeCmd(v),
		newCheckCmd(v),
		newStateCmd(v),
		newVersionCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetInfo()
			format, err := cmd.Flags().GetString(flagFormat)
			if err != nil {
				return fmt.Errorf("failed to read format flag: %w", err)
			}

			if format == formatJSON {
				output, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to format version info as JSON: %w", err)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(output))
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), info.String())
			return err
		},
	}
	cmd.Flags().String(flagFormat, "", "Output format (json)")
	return cmd
}
