package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/kbsync/internal/sync/state"
)

const repairLockTimeout = 10 * time.Second

func newStateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and repair the local sync state",
		Long: `Inspect and repair the local sync state file.

The state file maps each document URL to the fingerprint last written to
the knowledge base. Use --state to point at a file directly; otherwise the
path comes from the configuration.`,
	}
	cmd.PersistentFlags().String(flagState, "", "Path to the state file (skips configuration loading)")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the committed fingerprints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := statePath(cmd, v)
			if err != nil {
				return err
			}
			format, err := cmd.Flags().GetString(flagFormat)
			if err != nil {
				return fmt.Errorf("failed to read format flag: %w", err)
			}
			return showState(cmd.OutOrStdout(), path, outputFormat(format, cmd.OutOrStdout()))
		},
	}
	showCmd.Flags().String(flagFormat, "", "Output format (table or json)")

	cmd.AddCommand(
		showCmd,
		&cobra.Command{
			Use:   "verify",
			Short: "Verify that the state file is a valid state document",
			RunE: func(cmd *cobra.Command, _ []string) error {
				path, err := statePath(cmd, v)
				if err != nil {
					return err
				}
				n, err := state.Verify(path)
				if err != nil {
					return fmt.Errorf("state file %s is invalid: %w", path, err)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d entries)\n", path, n)
				return err
			},
		},
		&cobra.Command{
			Use:   "repair",
			Short: "Rewrite the state file from the best available copy",
			Long: `Repair loads the state the way a sync would, falling back to the backup
when the primary file is corrupt, and writes the result back atomically.`,
			RunE: func(cmd *cobra.Command, _ []string) error {
				path, err := statePath(cmd, v)
				if err != nil {
					return err
				}
				n, err := repairState(cmd.Context(), path)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: repaired (%d entries)\n", path, n)
				return err
			},
		},
	)
	return cmd
}

func statePath(cmd *cobra.Command, v *viper.Viper) (string, error) {
	path, err := cmd.Flags().GetString(flagState)
	if err != nil {
		return "", fmt.Errorf("failed to read state flag: %w", err)
	}
	if path != "" {
		return path, nil
	}

	cfg, err := loadConfig(v)
	if err != nil {
		return "", err
	}
	return cfg.State.GetPath(), nil
}

func showState(w io.Writer, path, format string) error {
	if _, err := state.Verify(path); err != nil {
		return fmt.Errorf("state file %s is invalid: %w", path, err)
	}
	store := state.NewFileStore(path)
	entries := store.Load()

	if format == formatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	urls := make([]string, 0, len(entries))
	for u := range entries {
		urls = append(urls, u)
	}
	sort.Strings(urls)

	table := tablewriter.NewWriter(w)
	table.Header("URL", "Fingerprint")
	for _, u := range urls {
		if err := table.Append([]string{u, entries[u]}); err != nil {
			return fmt.Errorf("failed to build state table: %w", err)
		}
	}
	return table.Render()
}

func repairState(ctx context.Context, path string) (int, error) {
	store := state.NewFileStore(path)

	lockCtx, cancel := context.WithTimeout(ctx, repairLockTimeout)
	defer cancel()
	if err := store.Lock(lockCtx); err != nil {
		return 0, fmt.Errorf("failed to lock state file: %w", err)
	}
	defer func() { _ = store.Unlock() }()

	if _, err := state.Verify(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		if _, berr := state.Verify(store.BackupPath()); berr != nil {
			return 0, fmt.Errorf("no valid copy of %s to repair from (primary: %v, backup: %v)", path, err, berr)
		}
	}

	entries := store.Load()
	if err := store.Save(entries); err != nil {
		return 0, fmt.Errorf("failed to write repaired state: %w", err)
	}
	return len(entries), nil
}
