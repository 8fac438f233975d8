package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/ethpandaops/rpgtestoor/pkg/config"
	"github.com/ethpandaops/rpgtestoor/pkg/coverage"
	"github.com/ethpandaops/rpgtestoor/pkg/fsutil"
	"github.com/ethpandaops/rpgtestoor/pkg/metrics"
	"github.com/ethpandaops/rpgtestoor/pkg/report"
	"github.com/ethpandaops/rpgtestoor/pkg/runner"
	"github.com/ethpandaops/rpgtestoor/pkg/store"
	"github.com/ethpandaops/rpgtestoor/pkg/suite"
	"github.com/ethpandaops/rpgtestoor/pkg/tracing"
	"github.com/ethpandaops/rpgtestoor/pkg/transport"
	"github.com/ethpandaops/rpgtestoor/pkg/upload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// errTestsFailed makes the process exit non-zero when any test did not pass.
var errTestsFailed = errors.New("tests failed")

// tracingFlushTimeout bounds the export of pending spans on exit.
const tracingFlushTimeout = 5 * time.Second

var (
	compileMode   string
	coverageLevel string
	limitBuckets  []string
	limitTests    []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured test buckets",
	Long: `Discover the configured buckets, deploy local sources, compile the test
programs and run them. Results are written to the results directory.`,
	RunE: runTests,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&compileMode, "compile-mode", "",
		"Override runner.compile_mode (skip, force or check)")
	runCmd.Flags().StringVar(&coverageLevel, "coverage", "",
		"Override the coverage level of every bucket (none, line or proc)")
	runCmd.Flags().StringSliceVar(&limitBuckets, "bucket", nil,
		"Limit to buckets with these names (comma-separated or repeated flag)")
	runCmd.Flags().StringSliceVar(&limitTests, "test", nil,
		"Limit to these test procedures (comma-separated or repeated flag)")
}

func runTests(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if compileMode != "" {
		cfg.Runner.CompileMode = compileMode
	}

	cfg.Runner.Buckets = filterBuckets(cfg.Runner.Buckets, limitBuckets)
	if len(cfg.Runner.Buckets) == 0 {
		return fmt.Errorf("no buckets match the specified filters")
	}

	for i := range cfg.Runner.Buckets {
		if coverageLevel != "" {
			cfg.Runner.Buckets[i].Coverage = coverageLevel
		}

		if len(limitTests) > 0 {
			cfg.Runner.Buckets[i].Tests = limitTests
		}
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	mode, err := suite.ParseCompileMode(cfg.Runner.CompileMode)
	if err != nil {
		return err
	}

	owner, err := fsutil.ParseOwner(cfg.Results.Owner)
	if err != nil {
		return fmt.Errorf("parsing results.owner: %w", err)
	}

	// Setup context with signal handling.
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	shutdownTracing, err := tracing.Setup(ctx, log, &cfg.Global.Tracing, version)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}

	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tracingFlushTimeout)
		defer cancel()

		if err := shutdownTracing(flushCtx); err != nil {
			log.WithError(err).Warn("Failed to flush traces")
		}
	}()

	// Create S3 uploader if configured.
	var resultsUploader upload.Uploader

	if u := cfg.Results.Upload; u != nil && u.S3 != nil && u.S3.Enabled {
		resultsUploader, err = upload.NewS3Uploader(log, u.S3)
		if err != nil {
			return fmt.Errorf("creating S3 uploader: %w", err)
		}

		// Fail fast: verify S3 is reachable and writable before running tests.
		if err := resultsUploader.Preflight(ctx); err != nil {
			return fmt.Errorf("S3 upload preflight check failed: %w", err)
		}

		log.Info("S3 upload preflight check passed")
	}

	var resultsStore store.Store

	if cfg.Results.Database != nil {
		resultsStore = store.NewStore(log, cfg.Results.Database)
		if err := resultsStore.Start(ctx); err != nil {
			return fmt.Errorf("starting results store: %w", err)
		}

		defer func() {
			if err := resultsStore.Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop results store")
			}
		}()
	}

	conn, err := transport.Dial(ctx, log, &cfg.Connection)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.Connection.Address(), err)
	}

	defer func() {
		if err := conn.Close(); err != nil {
			log.WithError(err).Warn("Failed to close connection")
		}
	}()

	buckets, err := discoverBuckets(ctx, cfg, conn)
	if err != nil {
		return err
	}

	coverageReader := coverage.NewReader(log, conn, coverage.NewSourceProcedures())

	defer func() {
		if err := coverageReader.Cleanup(); err != nil {
			log.WithError(err).Warn("Failed to remove extracted coverage")
		}
	}()

	recorder := report.NewRecorder()

	r := runner.NewRunner(
		log,
		runner.ConfigFromRunner(&cfg.Runner),
		conn,
		runner.NewConfigResolver(log, conn, cfg.Runner.TestingConfig),
		coverageReader,
		runner.NewLogObserver(log),
		recorder,
		metrics.NewObserver(prometheus.DefaultRegisterer),
	)

	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("starting runner: %w", err)
	}

	defer func() {
		if err := r.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop runner")
		}
	}()

	m, _, runErr := r.Run(ctx, &runner.Request{Mode: mode, Buckets: buckets})

	// Results of a cancelled run are still written.
	if err := publish(context.WithoutCancel(ctx), cfg, recorder.Report(), owner, resultsUploader, resultsStore); err != nil {
		return err
	}

	if runErr != nil {
		return runErr
	}

	if m.Failed() {
		return errTestsFailed
	}

	return nil
}

// discoverBuckets enumerates the suites of every configured bucket.
func discoverBuckets(ctx context.Context, cfg *config.Config, conn transport.Transport) ([]*suite.TestBucket, error) {
	buckets := make([]*suite.TestBucket, 0, len(cfg.Runner.Buckets))

	for i := range cfg.Runner.Buckets {
		bc := &cfg.Runner.Buckets[i]

		src, err := suite.NewSource(log, bc, conn)
		if err != nil {
			return nil, err
		}

		bucket, err := src.Discover(ctx)
		if err != nil {
			return nil, fmt.Errorf("discovering bucket %q: %w", bc.Name, err)
		}

		if len(bucket.Suites) == 0 {
			log.WithField("bucket", bc.Name).Warn("No test suites found")

			continue
		}

		buckets = append(buckets, bucket)
	}

	return buckets, nil
}

// publish writes the run report and hands it to the optional upload and
// store backends. Upload and store failures are logged, not returned.
func publish(
	ctx context.Context,
	cfg *config.Config,
	rep *report.Report,
	owner *fsutil.OwnerConfig,
	uploader upload.Uploader,
	resultsStore store.Store,
) error {
	dir, err := report.Write(cfg.Results.Dir, rep, owner)
	if err != nil {
		return fmt.Errorf("writing report: %w", err)
	}

	log.WithField("dir", dir).Info("Report written")

	if uploader != nil {
		remote, err := uploader.Upload(ctx, dir)
		if err != nil {
			log.WithError(err).Error("Failed to upload report")
		} else {
			log.WithField("location", remote).Info("Report uploaded")
		}
	}

	if resultsStore != nil {
		if _, err := resultsStore.SaveReport(ctx, rep); err != nil {
			log.WithError(err).Error("Failed to store report")
		} else {
			log.WithFields(logrus.Fields{
				"run_id": rep.RunID,
				"cases":  len(rep.Cases),
			}).Info("Report stored")
		}
	}

	return nil
}

// filterBuckets returns the buckets whose names are listed. An empty list
// keeps every bucket.
func filterBuckets(buckets []config.BucketConfig, names []string) []config.BucketConfig {
	if len(names) == 0 {
		return buckets
	}

	filtered := make([]config.BucketConfig, 0, len(names))

	for _, b := range buckets {
		if slices.Contains(names, b.Name) {
			filtered = append(filtered, b)
		}
	}

	return filtered
}
