package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ethpandaops/rpgtestoor/pkg/report"
	"github.com/ethpandaops/rpgtestoor/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	runsLimit  int
	runsOffset int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect runs in the results database",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored runs, newest first",
	RunE:  runRunsList,
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>...",
	Short: "Delete stored runs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRunsDelete,
}

var runsImportCmd = &cobra.Command{
	Use:   "import <run-dir>...",
	Short: "Store runs previously written to a results directory",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRunsImport,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsDeleteCmd, runsImportCmd)

	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs to list")
	runsListCmd.Flags().IntVar(&runsOffset, "offset", 0, "Number of runs to skip")
}

func openStore(cmd *cobra.Command) (store.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	if cfg.Results.Database == nil {
		return nil, fmt.Errorf("results.database is not configured")
	}

	if err := cfg.Results.Database.Validate(); err != nil {
		return nil, fmt.Errorf("validating results.database: %w", err)
	}

	s := store.NewStore(log, cfg.Results.Database)
	if err := s.Start(cmd.Context()); err != nil {
		return nil, fmt.Errorf("starting results store: %w", err)
	}

	return s, nil
}

func runRunsList(cmd *cobra.Command, args []string) error {
	s, err := openStore(cmd)
	if err != nil {
		return err
	}

	defer func() { _ = s.Stop() }()

	runs, err := s.ListRuns(cmd.Context(), runsLimit, runsOffset)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN ID\tSTARTED\tSTATUS\tPASSED\tFAILED\tERRORED\tSKIPPED\tELAPSED")

	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			r.RunID,
			r.StartedAt.Local().Format(time.DateTime),
			r.Status,
			r.TestsPassed,
			r.TestsFailed,
			r.TestsErrored,
			r.TestsSkipped,
			time.Duration(r.ElapsedNs).Round(time.Millisecond),
		)
	}

	return w.Flush()
}

func runRunsDelete(cmd *cobra.Command, args []string) error {
	s, err := openStore(cmd)
	if err != nil {
		return err
	}

	defer func() { _ = s.Stop() }()

	for _, id := range args {
		if err := s.DeleteRun(cmd.Context(), id); err != nil {
			return fmt.Errorf("deleting run %s: %w", id, err)
		}

		log.WithField("run_id", id).Info("Run deleted")
	}

	return nil
}

func runRunsImport(cmd *cobra.Command, args []string) error {
	s, err := openStore(cmd)
	if err != nil {
		return err
	}

	defer func() { _ = s.Stop() }()

	for _, dir := range args {
		rep, err := report.Read(dir)
		if err != nil {
			return fmt.Errorf("reading run %s: %w", dir, err)
		}

		run, err := s.SaveReport(cmd.Context(), rep)
		if err != nil {
			return fmt.Errorf("storing run %s: %w", dir, err)
		}

		log.WithFields(logrus.Fields{
			"run_id": run.RunID,
			"status": run.Status,
		}).Info("Run imported")
	}

	return nil
}
