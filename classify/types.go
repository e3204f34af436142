// Package classify assigns a failure taxonomy label to fetched CI logs and
// maps it onto a confidence-gated repair plan. Classification is rule-based,
// not learned: a fixed table of patterns, keywords, and weights is scored
// against the normalized log text.
package classify

import "time"

// FailureType is the closed failure taxonomy. Nothing outside this set is
// ever inferred.
type FailureType string

const (
	TestFailure        FailureType = "TEST_FAILURE"
	BuildFailure       FailureType = "BUILD_FAILURE"
	TypeError          FailureType = "TYPE_ERROR"
	LintError          FailureType = "LINT_ERROR"
	EnvironmentError   FailureType = "ENVIRONMENT_ERROR"
	DependencyError    FailureType = "DEPENDENCY_ERROR"
	SecurityError      FailureType = "SECURITY_ERROR"
	PerformanceError   FailureType = "PERFORMANCE_ERROR"
	DeploymentError    FailureType = "DEPLOYMENT_ERROR"
	UnknownFailure     FailureType = "UNKNOWN"
)

// FailureContext is one classified CI failure.
type FailureContext struct {
	FailureType     FailureType `json:"failure_type"`
	Confidence      float64     `json:"confidence"`
	MatchedPatterns []string    `json:"matched_patterns,omitempty"`
	AffectedFiles   []string    `json:"affected_files,omitempty"`
	StackTraces     []string    `json:"stack_traces,omitempty"`
	Summary         string      `json:"summary"`
	ClassifiedAt    time.Time   `json:"classified_at"`
}

// RepairAction is the confidence-gated decision for a classified failure.
type RepairAction string

const (
	ActionAutoFix     RepairAction = "AUTO_FIX"
	ActionSuggestFix  RepairAction = "SUGGEST_FIX"
	ActionInvestigate RepairAction = "INVESTIGATE"
	ActionEscalate    RepairAction = "ESCALATE"
)

// ConfidenceLevel buckets a numeric confidence for human consumption.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "HIGH"
	ConfidenceMedium ConfidenceLevel = "MEDIUM"
	ConfidenceLow    ConfidenceLevel = "LOW"
)

// RepairPlan is the CI-specific remediation plan for one failure.
// RequiresApproval holds exactly when Confidence is below the approval
// threshold.
type RepairPlan struct {
	FailureType      FailureType     `json:"failure_type"`
	Action           RepairAction    `json:"action"`
	Strategy         string          `json:"strategy"`
	Confidence       float64         `json:"confidence"`
	ConfidenceLevel  ConfidenceLevel `json:"confidence_level"`
	TargetFiles      []string        `json:"target_files,omitempty"`
	RequiresApproval bool            `json:"requires_approval"`
	Summary          string          `json:"summary"`
}

// Config holds the confidence policy. The thresholds are policy values, not
// algorithmic constants; they are configurable but default to the documented
// gates.
type Config struct {
	// ApprovalThreshold gates AUTO_FIX and requires_approval.
	ApprovalThreshold float64 `yaml:"approval_threshold"`
	// SuggestThreshold gates SUGGEST_FIX.
	SuggestThreshold float64 `yaml:"suggest_threshold"`
	// Floor below which classification returns UNKNOWN.
	Floor float64 `yaml:"floor"`
	// Cap is the maximum repair confidence ever reported.
	Cap float64 `yaml:"cap"`
}

// DefaultConfig returns the documented policy defaults.
func DefaultConfig() Config {
	return Config{
		ApprovalThreshold: 0.8,
		SuggestThreshold:  0.6,
		Floor:             0.3,
		Cap:               0.95,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ApprovalThreshold <= 0 {
		c.ApprovalThreshold = def.ApprovalThreshold
	}
	if c.SuggestThreshold <= 0 {
		c.SuggestThreshold = def.SuggestThreshold
	}
	if c.Floor <= 0 {
		c.Floor = def.Floor
	}
	if c.Cap <= 0 {
		c.Cap = def.Cap
	}
	return c
}

// LevelFor buckets a numeric confidence using the configured thresholds.
func (c Config) LevelFor(confidence float64) ConfidenceLevel {
	switch {
	case confidence >= c.ApprovalThreshold:
		return ConfidenceHigh
	case confidence >= c.SuggestThreshold:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}
