package classify

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testFailureLog = `Run npm test
FAIL: User authentication tests
  AssertionError: Expected user to be defined, got undefined
    at Object.<anonymous> (src/auth/user.test.js:42:5)
    at processTicksAndRejections (node:internal/process/task_queues:95:5)
1 failing
`

func TestClassifyTestFailure(t *testing.T) {
	c, err := NewClassifier(nil, DefaultConfig())
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}

	got := c.Classify(testFailureLog)
	if got.FailureType != TestFailure {
		t.Fatalf("FailureType = %s, want %s", got.FailureType, TestFailure)
	}
	if got.Confidence <= 0.6 {
		t.Fatalf("Confidence = %.2f, want > 0.6", got.Confidence)
	}
	if len(got.MatchedPatterns) == 0 {
		t.Fatalf("expected matched patterns, got none")
	}

	wantFile := "src/auth/user.test.js"
	found := false
	for _, f := range got.AffectedFiles {
		if f == wantFile {
			found = true
		}
	}
	if !found {
		t.Fatalf("AffectedFiles = %v, want to contain %s", got.AffectedFiles, wantFile)
	}
	if len(got.StackTraces) == 0 {
		t.Fatalf("expected a stack trace to be extracted")
	}
}

func TestClassifyEmptyLog(t *testing.T) {
	c, err := NewClassifier(nil, DefaultConfig())
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}

	got := c.Classify("   \n\t ")
	if got.FailureType != UnknownFailure {
		t.Fatalf("FailureType = %s, want %s", got.FailureType, UnknownFailure)
	}
	if got.Confidence != 0 {
		t.Fatalf("Confidence = %.2f, want 0", got.Confidence)
	}
}

func TestClassifyBelowFloorIsUnknown(t *testing.T) {
	c, err := NewClassifier(nil, DefaultConfig())
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}

	got := c.Classify("lorem ipsum dolor sit amet, everything is completely fine here")
	if got.FailureType != UnknownFailure {
		t.Fatalf("FailureType = %s (conf %.2f), want %s", got.FailureType, got.Confidence, UnknownFailure)
	}
	if got.Confidence >= DefaultConfig().Floor {
		t.Fatalf("Confidence = %.2f, want below floor %.2f", got.Confidence, DefaultConfig().Floor)
	}
}

// Repeating the same failure text can only raise a type's confidence.
func TestClassifyMonotoneInOccurrences(t *testing.T) {
	c, err := NewClassifier(nil, DefaultConfig())
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}

	single := c.Classify(testFailureLog)
	repeated := c.Classify(strings.Repeat(testFailureLog, 5))

	if repeated.FailureType != single.FailureType {
		t.Fatalf("repeated FailureType = %s, want %s", repeated.FailureType, single.FailureType)
	}
	if repeated.Confidence < single.Confidence {
		t.Fatalf("confidence dropped from %.3f to %.3f after repeating the log", single.Confidence, repeated.Confidence)
	}
	if repeated.Confidence > 1 {
		t.Fatalf("Confidence = %.3f, want <= 1", repeated.Confidence)
	}
}

func TestLoadRulesFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	doc := `rules:
  - type: BUILD_FAILURE
    patterns:
      - "custom build exploded"
    keywords:
      - build
    weight: 1.0
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	c, err := NewClassifier(rules, DefaultConfig())
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}

	got := c.Classify("step 3: custom build exploded during linking")
	if got.FailureType != BuildFailure {
		t.Fatalf("FailureType = %s, want %s", got.FailureType, BuildFailure)
	}
}

func TestCompileRulesRejectsInvalid(t *testing.T) {
	if _, err := compileRules([]Rule{{Type: UnknownFailure, Patterns: []string{"x"}}}); err == nil {
		t.Fatalf("expected error for UNKNOWN rule type")
	}
	if _, err := compileRules([]Rule{{Type: TestFailure}}); err == nil {
		t.Fatalf("expected error for rule without patterns")
	}
	if _, err := compileRules([]Rule{{Type: TestFailure, Patterns: []string{"("}}}); err == nil {
		t.Fatalf("expected error for invalid regexp")
	}
}
