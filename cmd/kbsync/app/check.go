package app

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	syncapp "github.com/stacklok/kbsync/internal/app"
	"github.com/stacklok/kbsync/internal/config"
	"github.com/stacklok/kbsync/internal/dify"
)

const statusOK = "ok"

// datasetCheck is the result of checking one configured dataset
type datasetCheck struct {
	ID              string
	Name            string
	Reachable       bool
	MissingMetadata []string
	Err             error
}

func (c datasetCheck) healthy() bool {
	return c.Reachable && len(c.MissingMetadata) == 0 && c.Err == nil
}

func newCheckCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check that every configured dataset is reachable and prepared",
		Long: `Check probes every enabled dataset and verifies that it defines the
metadata fields kbsync writes (` + strings.Join(dify.RequiredMetadataFields, ", ") + `).
The command exits non-zero when any dataset has a problem.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			closer := setupLogging(v, cfg)
			defer closer.Close()

			client, err := syncapp.NewDifyClient(cfg)
			if err != nil {
				return err
			}

			results := checkDatasets(cmd.Context(), client, cfg.Targets.Datasets)
			if err := writeChecks(cmd.OutOrStdout(), results); err != nil {
				return err
			}

			failed := 0
			for _, r := range results {
				if !r.healthy() {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d datasets failed the check", failed, len(results))
			}
			return nil
		},
	}
}

type datasetChecker interface {
	Probe(ctx context.Context, datasetID string) (bool, error)
	MissingMetadataFields(ctx context.Context, datasetID string) ([]string, error)
}

func checkDatasets(ctx context.Context, client datasetChecker, datasets []config.DatasetConfig) []datasetCheck {
	results := make([]datasetCheck, 0, len(datasets))
	for _, ds := range datasets {
		if ds.Disabled {
			continue
		}
		res := datasetCheck{ID: ds.ID, Name: ds.Name}

		res.Reachable, res.Err = client.Probe(ctx, ds.ID)
		if res.Err == nil && res.Reachable {
			res.MissingMetadata, res.Err = client.MissingMetadataFields(ctx, ds.ID)
		}
		results = append(results, res)
	}
	return results
}

func writeChecks(w io.Writer, results []datasetCheck) error {
	table := tablewriter.NewWriter(w)
	table.Header("Dataset", "Name", "Reachable", "Metadata", "Error")

	for _, r := range results {
		metadata := statusOK
		if len(r.MissingMetadata) > 0 {
			metadata = "missing: " + strings.Join(r.MissingMetadata, ", ")
		}
		errText := ""
		if r.Err != nil {
			errText = r.Err.Error()
			metadata = "-"
		}
		if err := table.Append([]string{r.ID, r.Name, strconv.FormatBool(r.Reachable), metadata, errText}); err != nil {
			return fmt.Errorf("failed to build check table: %w", err)
		}
	}
	return table.Render()
}
