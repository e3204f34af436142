package classify

import (
	"testing"
	"testing/fstest"
)

func TestMapTargetFilesRejectEscapes(t *testing.T) {
	m := NewMapper("/workspace", DefaultConfig())

	plan := m.Map(FailureContext{
		FailureType: TestFailure,
		Confidence:  0.9,
		AffectedFiles: []string{
			"./src/auth/user.test.js",
			"../outside/secret.txt",
			"/etc/passwd",
			"src/../../escape.go",
		},
	}, "")

	if len(plan.TargetFiles) != 1 {
		t.Fatalf("TargetFiles = %v, want exactly the workspace-relative file", plan.TargetFiles)
	}
	if plan.TargetFiles[0] != "src/auth/user.test.js" {
		t.Fatalf("TargetFiles[0] = %s, want src/auth/user.test.js", plan.TargetFiles[0])
	}
}

func TestMapFallbackFileSearch(t *testing.T) {
	m := NewMapper("", DefaultConfig())
	m.WorkspaceFS = fstest.MapFS{
		"pkg/user_test.go": &fstest.MapFile{Data: []byte("package pkg")},
		"pkg/user.go":      &fstest.MapFile{Data: []byte("package pkg")},
		"main.go":          &fstest.MapFile{Data: []byte("package main")},
	}

	plan := m.Map(FailureContext{FailureType: TestFailure, Confidence: 0.9}, "")
	if len(plan.TargetFiles) != 1 || plan.TargetFiles[0] != "pkg/user_test.go" {
		t.Fatalf("TargetFiles = %v, want [pkg/user_test.go]", plan.TargetFiles)
	}
}

func TestMapActionGates(t *testing.T) {
	m := NewMapper("/workspace", DefaultConfig())

	auto := m.Map(FailureContext{
		FailureType:   TestFailure,
		Confidence:    1.0,
		AffectedFiles: []string{"pkg/user_test.go"},
	}, "")
	if auto.Action != ActionAutoFix {
		t.Fatalf("Action = %s (conf %.2f), want %s", auto.Action, auto.Confidence, ActionAutoFix)
	}
	if auto.RequiresApproval {
		t.Fatalf("high-confidence plan should not require approval")
	}

	suggest := m.Map(FailureContext{
		FailureType:   TestFailure,
		Confidence:    0.8,
		AffectedFiles: []string{"pkg/user_test.go"},
	}, "")
	if suggest.Action != ActionSuggestFix {
		t.Fatalf("Action = %s (conf %.2f), want %s", suggest.Action, suggest.Confidence, ActionSuggestFix)
	}
	if !suggest.RequiresApproval {
		t.Fatalf("plan below the approval threshold must require approval")
	}

	security := m.Map(FailureContext{FailureType: SecurityError, Confidence: 0.5}, "")
	if security.Action != ActionEscalate {
		t.Fatalf("Action = %s (conf %.2f), want %s", security.Action, security.Confidence, ActionEscalate)
	}

	vague := m.Map(FailureContext{FailureType: EnvironmentError, Confidence: 0.4}, "")
	if vague.Action != ActionInvestigate {
		t.Fatalf("Action = %s (conf %.2f), want %s", vague.Action, vague.Confidence, ActionInvestigate)
	}
}

func TestMapHintSelectsStrategy(t *testing.T) {
	m := NewMapper("/workspace", DefaultConfig())
	failure := FailureContext{
		FailureType:   TestFailure,
		Confidence:    0.9,
		AffectedFiles: []string{"pkg/worker_test.go"},
	}

	plain := m.Map(failure, "AssertionError: Expected 2, got 3")
	if plain.Strategy != "update_test_expectations" {
		t.Fatalf("Strategy = %s, want update_test_expectations", plain.Strategy)
	}

	timing := m.Map(failure, "Error: test timeout of 5000ms exceeded")
	if timing.Strategy != "fix_async_timing" {
		t.Fatalf("Strategy = %s, want fix_async_timing", timing.Strategy)
	}
}

func TestMapConfidenceCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cap = 0.5
	m := NewMapper("/workspace", cfg)

	plan := m.Map(FailureContext{
		FailureType:   LintError,
		Confidence:    1.0,
		AffectedFiles: []string{".golangci.yml"},
	}, "")
	if plan.Confidence != 0.5 {
		t.Fatalf("Confidence = %.2f, want capped at 0.50", plan.Confidence)
	}
}
