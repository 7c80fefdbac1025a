// Command kharness runs the host test harness (SPEC_FULL.md §4.12) against
// a prebuilt kernel ISO: either a single scenario file or every scenario
// under a directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"nyxkernel/harness"
)

func main() {
	var (
		scenarioPath = flag.String("scenario", "", "run a single scenario YAML file")
		suiteDir     = flag.String("suite", "testdata/scenarios", "run every scenario under this directory")
		emulator     = flag.String("emulator", "qemu-system-x86_64", "emulator binary to launch")
		image        = flag.String("image", "", "override the scenario's image path")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	opts := []harness.RunOption{harness.WithEmulatorPath(*emulator)}

	if *scenarioPath != "" {
		scenario, err := harness.LoadScenario(*scenarioPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if *image != "" {
			scenario.Image = *image
		}
		report, err := harness.Run(ctx, scenario, opts...)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		printReport(report)
		if !report.Passed {
			os.Exit(1)
		}
		return
	}

	suite := &harness.Suite{Dir: *suiteDir, Opts: opts}
	result, err := suite.Run(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, report := range result.Reports {
		printReport(report)
	}
	if len(result.Failed) > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d scenarios failed\n", len(result.Failed), len(result.Reports))
		os.Exit(1)
	}
}

func printReport(r *harness.Report) {
	status := "PASS"
	if !r.Passed {
		status = "FAIL"
	}
	fmt.Printf("[%s] %s (%v, matched %d)\n", status, r.Scenario, r.Duration, r.Matched)
	if !r.Passed {
		fmt.Printf("  %v\n", r.Err)
	}
}
