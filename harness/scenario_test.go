package harness

import (
	"os"
	"path/filepath"
	"testing"
)

const testScenarioYAML = `
name: unit-test-scenario
image: build/fake.iso
timeout_ms: 1500
expect:
  - "^nyxkernel: starting$"
  - "kmain: heap online"
`

func TestLoadScenario(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fake.yaml")
	if err := os.WriteFile(path, []byte(testScenarioYAML), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	s, err := LoadScenario(path)
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	if s.Name != "unit-test-scenario" {
		t.Fatalf("expected name %q, got %q", "unit-test-scenario", s.Name)
	}
	if got, want := s.Timeout().Milliseconds(), int64(1500); got != want {
		t.Fatalf("expected timeout %dms, got %dms", want, got)
	}
	patterns, err := s.Patterns()
	if err != nil {
		t.Fatalf("Patterns: %v", err)
	}
	if len(patterns) != 2 {
		t.Fatalf("expected 2 compiled patterns, got %d", len(patterns))
	}
	if !patterns[0].MatchString("nyxkernel: starting") {
		t.Fatalf("expected first pattern to match the boot banner line")
	}
}

func TestScenarioDefaultTimeout(t *testing.T) {
	s := &Scenario{Name: "no-timeout"}
	if got, want := s.Timeout().Seconds(), 5.0; got != want {
		t.Fatalf("expected default timeout of %.0fs, got %.0fs", want, got)
	}
}

func TestLoadScenarioBadRegex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	bad := "name: bad\nimage: x\nexpect:\n  - \"(unclosed\"\n"
	if err := os.WriteFile(path, []byte(bad), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := LoadScenario(path); err == nil {
		t.Fatal("expected an error for an unclosed regex group")
	}
}

func TestLoadScenarios(t *testing.T) {
	dir := t.TempDir()
	for i, name := range []string{"a.yaml", "b.yml", "ignored.txt"} {
		content := testScenarioYAML
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("write fixture %d: %v", i, err)
		}
	}
	scenarios, err := LoadScenarios(dir)
	if err != nil {
		t.Fatalf("LoadScenarios: %v", err)
	}
	if len(scenarios) != 2 {
		t.Fatalf("expected 2 scenarios (a.yaml, b.yml), got %d", len(scenarios))
	}
}
