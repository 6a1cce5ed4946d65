package main

import (
	"fmt"

	"github.com/ethpandaops/urlanalyzer/pkg/api"
	"github.com/ethpandaops/urlanalyzer/pkg/dispatch"
	"github.com/ethpandaops/urlanalyzer/pkg/pipeline"
	"github.com/ethpandaops/urlanalyzer/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

const (
	roleAll    = "all"
	roleAPI    = "api"
	roleWorker = "worker"
)

var serveRole string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and the run workers",
	Long: `Start the HTTP API and the worker pool. With --role api or --role worker
the two halves run as separate processes sharing a database and a redis queue.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveRole, "role", roleAll,
		"which components to run (all, api, worker)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	switch serveRole {
	case roleAll, roleAPI, roleWorker:
	default:
		return fmt.Errorf("invalid role %q", serveRole)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// A split deployment needs a queue both processes can reach.
	if serveRole != roleAll && cfg.Worker.Queue.Driver != "redis" {
		return fmt.Errorf("--role %s requires the redis queue", serveRole)
	}

	ctx, cancel := signalContext()
	defer cancel()

	var (
		st       store.Store
		driver   dispatch.Driver
		registry *prometheus.Registry
	)

	if serveRole == roleAPI {
		st, err = openStore(ctx, cfg)
		if err != nil {
			return err
		}

		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
	} else {
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}

		st, driver, registry = a.store, a.orchestrator, a.registry
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop store")
		}
	}()

	queue, err := dispatch.NewQueue(log, &cfg.Worker.Queue)
	if err != nil {
		return fmt.Errorf("creating queue: %w", err)
	}

	defer func() { _ = queue.Close() }()

	if rq, ok := queue.(*dispatch.RedisQueue); ok {
		if err := rq.Ping(ctx); err != nil {
			return err
		}
	}

	var worker dispatch.Worker

	if serveRole != roleAPI {
		interval, err := cfg.Worker.RecoveryIntervalDuration()
		if err != nil {
			return err
		}

		staleAfter, err := cfg.Worker.StaleAfterDuration()
		if err != nil {
			return err
		}

		worker = dispatch.NewWorker(log, st, queue, driver, cfg.Worker.Concurrency, interval,
			dispatch.WithStaleAfter(staleAfter))
		if err := worker.Start(ctx); err != nil {
			return fmt.Errorf("starting worker: %w", err)
		}
	}

	var srv api.Server

	if serveRole != roleWorker {
		service := pipeline.NewService(log, st, queue)

		srv = api.NewServer(log, &cfg.Server, service, registry)
		if err := srv.Start(ctx); err != nil {
			if worker != nil {
				_ = worker.Stop()
			}

			return fmt.Errorf("starting api server: %w", err)
		}
	}

	<-ctx.Done()
	log.Info("Shutting down")

	if srv != nil {
		if err := srv.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop api server")
		}
	}

	if worker != nil {
		if err := worker.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop worker")
		}
	}

	return nil
}
