package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/urlanalyzer/pkg/adapter"
	"github.com/ethpandaops/urlanalyzer/pkg/archive"
	"github.com/ethpandaops/urlanalyzer/pkg/config"
	"github.com/ethpandaops/urlanalyzer/pkg/pipeline"
	"github.com/ethpandaops/urlanalyzer/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// loadConfig reads the --config files and applies global.log_level unless
// --log-level was given explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !cmd.Flags().Changed("log-level") && cfg.Global.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid global.log_level %q: %w", cfg.Global.LogLevel, err)
		}

		log.SetLevel(level)
	}

	return cfg, nil
}

// app holds the components shared by the commands.
type app struct {
	cfg          *config.Config
	store        store.Store
	registry     *prometheus.Registry
	orchestrator *pipeline.Orchestrator
}

// openStore starts the run store only. Used by commands that never call
// the external services.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	return st, nil
}

// newApp wires the store, adapters and orchestrator.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.ValidateCloudflare(); err != nil {
		return nil, fmt.Errorf("validating cloudflare config: %w", err)
	}

	policy, err := pipeline.PolicyFromConfig(&cfg.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("building stage policy: %w", err)
	}

	client, err := adapter.NewClient(log, &cfg.Cloudflare)
	if err != nil {
		return nil, fmt.Errorf("creating cloudflare client: %w", err)
	}

	adapters := pipeline.Adapters{
		store.StageMetadata:   adapter.NewMetadataAdapter(client, cfg.Cloudflare.ScanVisibility),
		store.StageScan:       adapter.NewScanAdapter(client),
		store.StageReputation: adapter.NewReputationAdapter(client),
		store.StageAIVerdict: adapter.NewAIAdapter(
			client, cfg.Cloudflare.AIModel, cfg.Cloudflare.AIMaxTokens,
		),
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	metrics := pipeline.NewMetrics(registry)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var opts []pipeline.OrchestratorOption

	if archiveEnabled(cfg) {
		archiver, err := archive.NewS3Archiver(log, cfg.Archive.S3)
		if err != nil {
			_ = st.Stop()

			return nil, fmt.Errorf("creating verdict archive: %w", err)
		}

		if err := archiver.Preflight(ctx); err != nil {
			_ = st.Stop()

			return nil, fmt.Errorf("verdict archive preflight: %w", err)
		}

		opts = append(opts, pipeline.WithArchiver(archiver))

		log.WithField("bucket", cfg.Archive.S3.Bucket).Info("Verdict archive enabled")
	}

	executor := pipeline.NewExecutor(log, st, adapters, policy, metrics)

	return &app{
		cfg:          cfg,
		store:        st,
		registry:     registry,
		orchestrator: pipeline.NewOrchestrator(log, st, executor, policy, metrics, opts...),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop store")
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
