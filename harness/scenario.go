package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// MemoryRegion overrides one entry of the memory map the emulator's -fw_cfg
// or -append line reports to the kernel, letting a scenario reproduce
// spec.md §8.A's "single Usable region [0x100000, 0x10000000)" exactly
// instead of whatever the host's default machine type happens to expose.
type MemoryRegion struct {
	Base   uint64 `yaml:"base"`
	Length uint64 `yaml:"length"`
	Type   string `yaml:"type"`
}

// Scenario is one YAML file under testdata/scenarios describing an
// end-to-end boot scenario from spec.md §8.A-F: what to boot, how, and what
// the serial transcript must say, in order, for the run to pass.
type Scenario struct {
	Name          string         `yaml:"name"`
	Description   string         `yaml:"description,omitempty"`
	Image         string         `yaml:"image"`
	EmulatorFlags []string       `yaml:"emulator_flags,omitempty"`
	MemoryMap     []MemoryRegion `yaml:"memory_map,omitempty"`
	TimeoutMS     int            `yaml:"timeout_ms"`

	// Expect lists regexes the serial transcript must match, in order.
	// Each regex is tried only against lines that come after the line the
	// previous regex matched; a line is tested against one regex at most.
	Expect []string `yaml:"expect"`

	path     string
	compiled []*regexp.Regexp
}

// Timeout is the scenario's wall-clock budget, defaulting to 5s when the
// YAML omits timeout_ms (a boot-to-idle scenario has no natural end event
// to wait on otherwise).
func (s *Scenario) Timeout() time.Duration {
	if s.TimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// Patterns returns the scenario's Expect list compiled to regexes, compiling
// once and caching the result.
func (s *Scenario) Patterns() ([]*regexp.Regexp, error) {
	if len(s.compiled) == len(s.Expect) {
		return s.compiled, nil
	}
	compiled := make([]*regexp.Regexp, len(s.Expect))
	for i, pattern := range s.Expect {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("harness: scenario %s: expect[%d] %q: %w", s.Name, i, pattern, err)
		}
		compiled[i] = re
	}
	s.compiled = compiled
	return compiled, nil
}

// LoadScenario reads and parses a single scenario YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("harness: load scenario %s: %w", path, err)
	}
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("harness: parse scenario %s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = filepath.Base(path)
	}
	s.path = path
	if _, err := s.Patterns(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadScenarios reads every *.yaml/*.yml file directly under dir, in
// directory-listing order. It does not recurse: one directory per suite,
// per harness.Suite's contract.
func LoadScenarios(dir string) ([]*Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("harness: read scenario dir %s: %w", dir, err)
	}
	var scenarios []*Scenario
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		s, err := LoadScenario(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}
