package main

import (
	"fmt"
	"os"

	"github.com/ethpandaops/urlanalyzer/pkg/pipeline"
	"github.com/ethpandaops/urlanalyzer/pkg/report"
	"github.com/spf13/cobra"
)

var analyzeOutput string

var analyzeCmd = &cobra.Command{
	Use:   "analyze <url>",
	Short: "Analyze a URL and wait for the verdict",
	Long: `Create a run for the URL and drive it to completion in this process.
Interrupting the command leaves the run in the store; "urlanalyzer resume"
picks it up again.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
	analyzeCmd.Flags().StringVarP(&analyzeOutput, "output", "o", string(report.FormatText),
		"output format (text, json, yaml, markdown)")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	format, err := report.ParseFormat(analyzeOutput)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	service := pipeline.NewService(log, a.store, nil)

	run, err := service.Submit(ctx, args[0])
	if err != nil {
		return err
	}

	log.WithField("run_id", run.RunID).Info("Analyzing")

	run, err = a.orchestrator.Drive(ctx, run.RunID)
	if err != nil {
		return fmt.Errorf("driving run: %w", err)
	}

	result, err := pipeline.ResultFromRun(run)
	if err != nil {
		return err
	}

	return report.Render(os.Stdout, format, result)
}
