package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dochub/dochub/internal/bundle"
	"github.com/dochub/dochub/internal/config"
	"github.com/dochub/dochub/internal/links"
	"github.com/dochub/dochub/internal/logging/audit"
	"github.com/dochub/dochub/internal/metrics"
	"github.com/dochub/dochub/internal/server"
	"github.com/dochub/dochub/internal/storage/backend"
	"github.com/dochub/dochub/internal/svc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP file API",
		Long: `Run the HTTP file API until interrupted.

Admin routes (listing, upload, delete) need server.admin_key, usually
supplied through DOCHUB_ADMIN_KEY. Without a key they answer 404.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, stopLogging := setupLogging(cfg.Logging, os.Stderr)
			defer stopLogging()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return runServer(ctx, cfg, logger, metrics.Registry)
		},
	}
}

// runServer wires the configured backend into the HTTP API and serves until
// ctx is canceled.
func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger, reg *prometheus.Registry) error {
	gw, err := backend.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}

	m := metrics.New(reg)
	issuer := links.NewIssuer(gw, logger, links.WithRecorder(m))
	builder := bundle.NewBuilder(gw, bundle.Config{
		Concurrency:    cfg.Archive.Concurrency,
		TempDir:        cfg.Archive.TempDir,
		MaxArchiveSize: cfg.Archive.MaxArchiveSize.Bytes(),
		FilenamePrefix: cfg.Archive.FilenamePrefix,
	}, logger, bundle.WithRecorder(m))

	interval, err := cfg.Server.InventoryIntervalDuration()
	if err != nil {
		return fmt.Errorf("inventory interval: %w", err)
	}
	if interval > 0 {
		collector := metrics.NewCollector(m, gw, logger)
		go collector.Run(ctx, interval)
	}

	srv := server.New(server.Config{
		Listen:        cfg.Server.Listen,
		AdminKey:      cfg.Server.AdminKey,
		MaxUploadSize: cfg.Server.MaxUploadSize.Bytes(),
		RateLimit:     cfg.Archive.RateLimit,
		RateBurst:     cfg.Archive.RateBurst,
	}, server.Deps{
		Gateway:  gw,
		Issuer:   issuer,
		Builder:  builder,
		Metrics:  m,
		Gatherer: reg,
		Audit:    audit.NewLogger(logger),
		Logger:   logger,
	})

	if cfg.Server.AdminKey == "" {
		logger.Warn().Msg("no admin key configured, admin routes are disabled")
	}
	logger.Info().
		Str("version", Version).
		Str("backend", cfg.Storage.Backend).
		Int("archive_concurrency", cfg.Archive.Concurrency).
		Msg("dochub starting")

	return srv.ListenAndServe(ctx)
}

// runAsService is the entry point when the service manager starts dochub.
func runAsService(args []string) {
	configPath := svc.DefaultConfigPath()
	for i, arg := range args {
		if (arg == "--config" || arg == "-c") && i+1 < len(args) {
			configPath = args[i+1]
		}
	}

	logger, stop := setupLogging(config.LoggingConfig{Level: "info"}, os.Stderr)
	logger.Info().Str("config", configPath).Msg("starting as service")

	prg := &svc.Program{ConfigPath: configPath, Run: serveFromService}
	err := svc.Run(prg, &svc.Config{ConfigPath: configPath})
	stop()
	if err != nil {
		log.Fatal().Err(err).Msg("service error")
	}
}

func serveFromService(ctx context.Context, configPath string) error {
	cfgFile = configPath
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, stop := setupLogging(cfg.Logging, os.Stderr)
	defer stop()
	return runServer(ctx, cfg, logger, metrics.Registry)
}
