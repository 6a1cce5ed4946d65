package main

import (
	"context"
	"fmt"

	"github.com/ethpandaops/urlanalyzer/pkg/pipeline"
	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Request cancellation of a run",
	Long: `Flag the run for cancellation. The stage currently executing, if any,
finishes; the run then fails with reason "run cancelled".`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := context.Background()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() { _ = st.Stop() }()

	run, err := pipeline.NewService(log, st, nil).Cancel(ctx, args[0])
	if err != nil {
		return err
	}

	if run.Status.IsTerminal() {
		fmt.Printf("run %s already finished (%s)\n", run.RunID, run.Status)

		return nil
	}

	fmt.Printf("cancellation requested for run %s\n", run.RunID)

	return nil
}
