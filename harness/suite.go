package harness

import (
	"context"
	"fmt"

	"github.com/schollz/progressbar/v3"
)

// Suite runs every scenario in a directory against one image and reports
// progress with a real CLI progress bar, matching the corpus's own
// preference for github.com/schollz/progressbar/v3 over hand-rolled
// percentage printing.
type Suite struct {
	Dir  string
	Opts []RunOption
}

// SuiteResult is one Suite run's outcome.
type SuiteResult struct {
	Reports []*Report
	Failed  []*Report
}

// Run loads every scenario under s.Dir and runs them in order, one at a
// time — scenarios boot a full emulator instance each and are not safe to
// parallelize against a single host's CPU/memory budget the way package
// unit tests are.
func (s *Suite) Run(ctx context.Context) (*SuiteResult, error) {
	scenarios, err := LoadScenarios(s.Dir)
	if err != nil {
		return nil, err
	}

	bar := progressbar.Default(int64(len(scenarios)), "kharness")
	result := &SuiteResult{}
	for _, scenario := range scenarios {
		report, err := Run(ctx, scenario, s.Opts...)
		if err != nil {
			return nil, fmt.Errorf("harness: run scenario %s: %w", scenario.Name, err)
		}
		result.Reports = append(result.Reports, report)
		if !report.Passed {
			result.Failed = append(result.Failed, report)
		}
		bar.Add(1)
	}
	bar.Finish()
	return result, nil
}
