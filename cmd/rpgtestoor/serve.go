package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/rpgtestoor/pkg/api"
	"github.com/ethpandaops/rpgtestoor/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the results API server",
	Long: `Serve stored runs, report files from the results directory and
Prometheus metrics over HTTP.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if cfg.Results.Database != nil {
		if err := cfg.Results.Database.Validate(); err != nil {
			return fmt.Errorf("validating results.database: %w", err)
		}
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	opts := api.Options{
		ResultsDir: cfg.Results.Dir,
		Gatherer:   prometheus.DefaultGatherer,
	}

	if cfg.Results.Database != nil {
		opts.Store = store.NewStore(log, cfg.Results.Database)
		if err := opts.Store.Start(ctx); err != nil {
			return fmt.Errorf("starting results store: %w", err)
		}

		defer func() {
			if err := opts.Store.Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop results store")
			}
		}()
	} else {
		log.Info("No results database configured, run endpoints disabled")
	}

	srv := api.NewServer(log, &cfg.API, opts)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down API server")
	cancel()

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
