// Package harness drives a prebuilt kernel image under an emulator and
// asserts its serial transcript against a scenario, per SPEC_FULL.md
// §4.12's host test harness component (C12). It is ordinary hosted Go code,
// not part of the freestanding kernel image, and runs under the full Go
// runtime the way gopher-os' own "go test ./..." driver does for its
// in-kernel unit tests.
package harness

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// ErrScenarioFailed reports that the transcript did not match every
// expected pattern before the scenario's timeout elapsed.
var ErrScenarioFailed = errors.New("harness: scenario did not match expected transcript")

// Report is the outcome of one Run.
type Report struct {
	Scenario   string
	Passed     bool
	Transcript string
	Matched    int // number of Expect patterns matched, in order
	Duration   time.Duration
	Err        error
}

// RunOption configures Run. Options are created by the With* functions in
// this package, mirroring the functional-options idiom the corpus already
// uses for its own virtualization configuration surface.
type RunOption interface {
	apply(*runConfig)
}

type runConfig struct {
	emulatorPath string
	extraArgs    []string
}

type optionFunc func(*runConfig)

func (f optionFunc) apply(c *runConfig) { f(c) }

// WithEmulatorPath overrides the emulator binary Run shells out to.
// Defaults to "qemu-system-x86_64".
func WithEmulatorPath(path string) RunOption {
	return optionFunc(func(c *runConfig) { c.emulatorPath = path })
}

// WithExtraArgs appends additional emulator command-line arguments after
// the scenario's own EmulatorFlags.
func WithExtraArgs(args ...string) RunOption {
	return optionFunc(func(c *runConfig) { c.extraArgs = append(c.extraArgs, args...) })
}

// Run launches scenario.Image under the emulator, attaches its serial port
// to a pty, and asserts the transcript matches scenario.Expect in order
// before scenario.Timeout() elapses. It never builds the image itself
// (Makefile/xorriso concern, out of scope per spec.md §1) — scenario.Image
// must already exist on disk.
func Run(ctx context.Context, scenario *Scenario, opts ...RunOption) (*Report, error) {
	cfg := runConfig{emulatorPath: "qemu-system-x86_64"}
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	patterns, err := scenario.Patterns()
	if err != nil {
		return nil, err
	}

	pty, err := openPty()
	if err != nil {
		return nil, err
	}
	defer pty.Close()

	runCtx, cancel := context.WithTimeout(ctx, scenario.Timeout())
	defer cancel()

	args := append([]string{
		"-nographic",
		"-no-reboot",
		"-cdrom", scenario.Image,
		"-serial", pty.slavePath,
	}, scenario.EmulatorFlags...)
	args = append(args, cfg.extraArgs...)

	cmd := exec.CommandContext(runCtx, cfg.emulatorPath, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("harness: start %s: %w", cfg.emulatorPath, err)
	}
	defer func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		cmd.Wait()
	}()

	start := time.Now()
	transcript, matched, matchErr := readUntilMatched(runCtx, pty.master, patterns)
	report := &Report{
		Scenario:   scenario.Name,
		Transcript: transcript,
		Matched:    matched,
		Duration:   time.Since(start),
		Passed:     matchErr == nil,
		Err:        matchErr,
	}
	return report, nil
}

// readUntilMatched scans the emulator's serial stream line by line, walking
// patterns in order: a line is compared only against the earliest
// unmatched pattern, so an expected line that never appears fails the
// scenario even if later lines would otherwise match later patterns out of
// order.
func readUntilMatched(ctx context.Context, r io.Reader, patterns []*regexp.Regexp) (string, int, error) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	var transcript strings.Builder
	next := 0
	for {
		select {
		case <-ctx.Done():
			return transcript.String(), next, fmt.Errorf("%w: matched %d/%d before %v", ErrScenarioFailed, next, len(patterns), ctx.Err())
		case line, ok := <-lines:
			if !ok {
				return transcript.String(), next, fmt.Errorf("%w: matched %d/%d, transcript ended", ErrScenarioFailed, next, len(patterns))
			}
			transcript.WriteString(line)
			transcript.WriteByte('\n')
			if next < len(patterns) && patterns[next].MatchString(line) {
				next++
				if next == len(patterns) {
					return transcript.String(), next, nil
				}
			}
		}
	}
}
