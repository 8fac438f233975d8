package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethpandaops/rpgtestoor/pkg/runner"
)

// Read loads a report previously written by Write from its run directory.
// The metrics and coverage files are optional.
func Read(runDir string) (*Report, error) {
	data, err := os.ReadFile(filepath.Join(runDir, ResultsFile))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", ResultsFile, err)
	}

	var rep Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", ResultsFile, err)
	}

	if data, err := os.ReadFile(filepath.Join(runDir, MetricsFile)); err == nil {
		var m runner.Metrics
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", MetricsFile, err)
		}

		rep.Metrics = &m
	}

	if data, err := os.ReadFile(filepath.Join(runDir, CoverageFileName)); err == nil {
		if err := json.Unmarshal(data, &rep.Coverage); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", CoverageFileName, err)
		}
	}

	return &rep, nil
}
