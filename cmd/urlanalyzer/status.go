package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethpandaops/urlanalyzer/pkg/archive"
	"github.com/ethpandaops/urlanalyzer/pkg/config"
	"github.com/ethpandaops/urlanalyzer/pkg/pipeline"
	"github.com/ethpandaops/urlanalyzer/pkg/report"
	"github.com/ethpandaops/urlanalyzer/pkg/store"
	"github.com/spf13/cobra"
)

var (
	statusOutput   string
	statusArchived bool
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the state of a run",
	Long: `Show the state of a run from the run store. With --archived, or when the
run is no longer in the store, the verdict archived in S3 is shown instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", string(report.FormatText),
		"output format (text, json, yaml, markdown)")
	statusCmd.Flags().BoolVar(&statusArchived, "archived", false,
		"read the verdict from the S3 archive instead of the run store")
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := report.ParseFormat(statusOutput)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := context.Background()
	runID := args[0]

	if statusArchived {
		result, err := fetchArchived(ctx, cfg, runID)
		if err != nil {
			return err
		}

		return report.Render(os.Stdout, format, result)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() { _ = st.Stop() }()

	result, err := pipeline.NewService(log, st, nil).Get(ctx, runID)
	if store.IsNotFound(err) && archiveEnabled(cfg) {
		log.WithField("run_id", runID).Info("Run not in store, reading archived verdict")

		result, err = fetchArchived(ctx, cfg, runID)
	}

	if err != nil {
		return err
	}

	return report.Render(os.Stdout, format, result)
}

func archiveEnabled(cfg *config.Config) bool {
	return cfg.Archive.S3 != nil && cfg.Archive.S3.Enabled
}

func fetchArchived(ctx context.Context, cfg *config.Config, runID string) (*pipeline.Result, error) {
	if !archiveEnabled(cfg) {
		return nil, fmt.Errorf("archive.s3 is not enabled")
	}

	archiver, err := archive.NewS3Archiver(log, cfg.Archive.S3)
	if err != nil {
		return nil, fmt.Errorf("creating verdict archive: %w", err)
	}

	rec, err := archiver.FetchVerdict(ctx, runID)
	if err != nil {
		if errors.Is(err, archive.ErrNotArchived) {
			return nil, fmt.Errorf("run %s has no archived verdict", runID)
		}

		return nil, fmt.Errorf("fetching archived verdict: %w", err)
	}

	return rec.Result(), nil
}
