package classify

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// repairStrategy is one entry in a taxonomy's fixed strategy menu. Hints are
// error-text substrings that select a more specific strategy.
type repairStrategy struct {
	Name       string
	Confidence float64
	Hints      []string
}

// strategyMenu is the fixed per-taxonomy repair menu. The first entry is the
// default; later entries are selected when one of their hints appears in the
// failure text.
var strategyMenu = map[FailureType][]repairStrategy{
	TestFailure: {
		{Name: "update_test_expectations", Confidence: 0.85},
		{Name: "fix_async_timing", Confidence: 0.8, Hints: []string{"timeout", "async", "deadline"}},
		{Name: "fix_test_fixture", Confidence: 0.75, Hints: []string{"fixture", "setup", "beforeeach"}},
	},
	BuildFailure: {
		{Name: "fix_compilation_error", Confidence: 0.8},
		{Name: "fix_syntax_error", Confidence: 0.85, Hints: []string{"syntax error", "unexpected token"}},
	},
	TypeError: {
		{Name: "fix_type_annotation", Confidence: 0.85},
		{Name: "add_null_check", Confidence: 0.8, Hints: []string{"null", "undefined", "nil"}},
	},
	LintError: {
		{Name: "apply_lint_autofix", Confidence: 0.95},
		{Name: "reformat_source", Confidence: 0.95, Hints: []string{"format", "gofmt", "prettier"}},
	},
	EnvironmentError: {
		{Name: "fix_environment_config", Confidence: 0.6},
		{Name: "add_missing_tool", Confidence: 0.65, Hints: []string{"command not found", "executable file not found"}},
	},
	DependencyError: {
		{Name: "update_dependency", Confidence: 0.75},
		{Name: "pin_dependency_version", Confidence: 0.7, Hints: []string{"version conflict", "incompatible"}},
		{Name: "install_missing_dependency", Confidence: 0.8, Hints: []string{"cannot find module", "module not found"}},
	},
	SecurityError: {
		{Name: "upgrade_vulnerable_dependency", Confidence: 0.6},
	},
	PerformanceError: {
		{Name: "raise_timeout_budget", Confidence: 0.55, Hints: []string{"timeout", "deadline"}},
		{Name: "investigate_regression", Confidence: 0.5},
	},
	DeploymentError: {
		{Name: "investigate_deployment", Confidence: 0.5},
	},
}

// fallbackFilePatterns drives the per-taxonomy filename search used when the
// failure context names no files.
var fallbackFilePatterns = map[FailureType][]string{
	TestFailure:      {"_test.go", ".test.js", ".spec.ts", ".spec.js", "test_"},
	BuildFailure:     {"Makefile", "go.mod", "package.json", "build.gradle"},
	TypeError:        {".ts", ".go"},
	LintError:        {".golangci", ".eslintrc"},
	DependencyError:  {"go.mod", "go.sum", "package.json", "requirements.txt", "Cargo.toml"},
	EnvironmentError: {"Dockerfile", ".env.example", "ci.yaml"},
	DeploymentError:  {"deploy", "helm", "k8s"},
}

const maxTargetFiles = 10

// Mapper turns a FailureContext into a confidence-gated RepairPlan.
type Mapper struct {
	WorkspaceRoot string
	Config        Config
	// WorkspaceFS overrides the workspace for the fallback file search;
	// nil means the real directory tree under WorkspaceRoot.
	WorkspaceFS fs.FS
}

func NewMapper(workspaceRoot string, config Config) *Mapper {
	return &Mapper{WorkspaceRoot: workspaceRoot, Config: config.withDefaults()}
}

// Map builds the repair plan: target files, strategy, combined confidence,
// and the confidence-gated action.
func (m *Mapper) Map(failure FailureContext, logText string) RepairPlan {
	cfg := m.Config.withDefaults()

	targets := m.targetFiles(failure)
	strategy := selectStrategy(failure.FailureType, logText)

	confidence := failure.Confidence * fileCountPenalty(len(targets)) * strategy.Confidence
	if confidence > cfg.Cap {
		confidence = cfg.Cap
	}

	action := m.actionFor(failure.FailureType, confidence)
	plan := RepairPlan{
		FailureType:      failure.FailureType,
		Action:           action,
		Strategy:         strategy.Name,
		Confidence:       confidence,
		ConfidenceLevel:  cfg.LevelFor(confidence),
		TargetFiles:      targets,
		RequiresApproval: confidence < cfg.ApprovalThreshold,
	}
	plan.Summary = planSummary(plan)
	return plan
}

// targetFiles prefers files named in the failure context, normalized and
// validated to stay inside the workspace, falling back to the taxonomy's
// filename-pattern search.
func (m *Mapper) targetFiles(failure FailureContext) []string {
	var targets []string
	for _, file := range failure.AffectedFiles {
		normalized, ok := normalizeWorkspacePath(file)
		if !ok {
			continue
		}
		targets = append(targets, normalized)
		if len(targets) == maxTargetFiles {
			return targets
		}
	}
	if len(targets) > 0 {
		return targets
	}
	return m.searchByPattern(failure.FailureType)
}

// normalizeWorkspacePath cleans a path and rejects anything that would
// escape the workspace.
func normalizeWorkspacePath(path string) (string, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", false
	}
	path = filepath.ToSlash(filepath.Clean(path))
	path = strings.TrimPrefix(path, "./")
	if path == "" || path == "." {
		return "", false
	}
	if filepath.IsAbs(path) || strings.HasPrefix(path, "..") {
		return "", false
	}
	return path, true
}

func (m *Mapper) searchByPattern(failureType FailureType) []string {
	patterns, ok := fallbackFilePatterns[failureType]
	if !ok {
		return nil
	}
	root := m.WorkspaceFS
	if root == nil {
		if m.WorkspaceRoot == "" {
			return nil
		}
		root = os.DirFS(m.WorkspaceRoot)
	}

	var found []string
	_ = fs.WalkDir(root, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" || d.Name() == "vendor" {
				return fs.SkipDir
			}
			return nil
		}
		for _, pattern := range patterns {
			if strings.Contains(path, pattern) {
				found = append(found, filepath.ToSlash(path))
				break
			}
		}
		if len(found) >= maxTargetFiles {
			return fs.SkipAll
		}
		return nil
	})
	sort.Strings(found)
	return found
}

func selectStrategy(failureType FailureType, logText string) repairStrategy {
	menu, ok := strategyMenu[failureType]
	if !ok || len(menu) == 0 {
		return repairStrategy{Name: "manual_investigation", Confidence: 0.4}
	}
	lower := strings.ToLower(logText)
	for _, candidate := range menu[1:] {
		for _, hint := range candidate.Hints {
			if strings.Contains(lower, hint) {
				return candidate
			}
		}
	}
	return menu[0]
}

// fileCountPenalty discounts confidence as the blast radius grows.
func fileCountPenalty(count int) float64 {
	switch {
	case count == 0:
		return 0.7
	case count <= 2:
		return 1.0
	case count <= 5:
		return 0.9
	default:
		return 0.75
	}
}

// actionFor applies the confidence gates. Security and deployment failures
// below the suggest threshold escalate instead of lingering in
// investigation.
func (m *Mapper) actionFor(failureType FailureType, confidence float64) RepairAction {
	cfg := m.Config.withDefaults()
	switch {
	case confidence >= cfg.ApprovalThreshold:
		return ActionAutoFix
	case confidence >= cfg.SuggestThreshold:
		return ActionSuggestFix
	case failureType == SecurityError || failureType == DeploymentError:
		return ActionEscalate
	default:
		return ActionInvestigate
	}
}

func planSummary(plan RepairPlan) string {
	files := "no specific files"
	if len(plan.TargetFiles) > 0 {
		files = fmt.Sprintf("%d file(s) starting with %s", len(plan.TargetFiles), plan.TargetFiles[0])
	}
	return fmt.Sprintf("%s: strategy %s over %s at confidence %.2f (%s); approval required: %t.",
		plan.FailureType, plan.Strategy, files, plan.Confidence, plan.ConfidenceLevel, plan.RequiresApproval)
}
