package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethpandaops/rpgtestoor/pkg/coverage"
	"github.com/ethpandaops/rpgtestoor/pkg/report"
	"github.com/ethpandaops/rpgtestoor/pkg/suite"
	"github.com/spf13/cobra"
)

var coverageReadLevel string

var coverageCmd = &cobra.Command{
	Use:   "coverage <archive.cczip>...",
	Short: "Decode local coverage archives",
	Long: `Decode one or more coverage archives produced by CODECOV, merge them
and print the per-source coverage as JSON.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCoverage,
}

func init() {
	rootCmd.AddCommand(coverageCmd)
	coverageCmd.Flags().StringVar(&coverageReadLevel, "level", "line",
		"Coverage level the archives were collected at (line or proc)")
}

func runCoverage(cmd *cobra.Command, args []string) error {
	level, err := suite.ParseCoverageLevel(coverageReadLevel)
	if err != nil {
		return err
	}

	if level == suite.CoverageNone {
		return fmt.Errorf("a coverage level is required")
	}

	reader := coverage.NewReader(log, nil, nil)

	defer func() {
		if err := reader.Cleanup(); err != nil {
			log.WithError(err).Warn("Failed to remove extracted coverage")
		}
	}()

	merger := coverage.NewMerger()

	for _, archive := range args {
		data, err := reader.ReadLocal(archive, level)
		if err != nil {
			return fmt.Errorf("reading %s: %w", archive, err)
		}

		for _, d := range data {
			merger.Add(coverage.Run{Target: "file:" + d.Path, Level: level, Data: d})
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(report.CoverageFiles(merger.Results()))
}
