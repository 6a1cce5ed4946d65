package main

import (
	"fmt"
	"sync/atomic"

	"github.com/ethpandaops/urlanalyzer/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Drive every unfinished run to completion",
	Long: `Load all pending and running runs from the store and drive them in this
process. Stages that already succeeded are not repeated.`,
	Args: cobra.NoArgs,
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, _ []string) error {
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

	ids, err := a.store.ListRunIDsByStatus(ctx, store.RunStatusPending, store.RunStatusRunning)
	if err != nil {
		return err
	}

	log.WithField("runs", len(ids)).Info("Resuming unfinished runs")

	var (
		g      errgroup.Group
		failed atomic.Int32
	)

	g.SetLimit(cfg.Worker.Concurrency)

	for _, id := range ids {
		g.Go(func() error {
			run, err := a.orchestrator.Drive(ctx, id)
			if err != nil {
				failed.Add(1)
				log.WithError(err).WithField("run_id", id).Error("Driving run failed")

				return nil
			}

			log.WithFields(logrus.Fields{
				"run_id": run.RunID,
				"status": run.Status,
			}).Info("Run finished")

			return nil
		})
	}

	_ = g.Wait()

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d runs could not be driven", n, len(ids))
	}

	return nil
}
