package diagnostic

import "time"

// Severity ranks how serious a diagnostic finding is.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
	SeverityHint    Severity = "hint"
)

// Category is the closed set of diagnostic categories the pipeline understands.
type Category string

const (
	CategorySyntax    Category = "syntax"
	CategoryImport    Category = "import"
	CategoryReference Category = "reference"
	CategoryType      Category = "type"
	CategoryCleanup   Category = "cleanup"
	CategoryStyle     Category = "style"
	CategorySecurity  Category = "security"
	CategoryOther     Category = "other"
)

// KnownCategory reports whether c belongs to the closed category set.
func KnownCategory(c Category) bool {
	switch c {
	case CategorySyntax, CategoryImport, CategoryReference, CategoryType,
		CategoryCleanup, CategoryStyle, CategorySecurity, CategoryOther:
		return true
	default:
		return false
	}
}

// Issue is one compiler or linter finding.
type Issue struct {
	File       string   `json:"file"`
	Line       int      `json:"line"`
	Column     int      `json:"column,omitempty"`
	Message    string   `json:"message"`
	Severity   Severity `json:"severity"`
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
	Fixable    bool     `json:"fixable"`
	Source     string   `json:"source,omitempty"`
}

// AnalysisResult aggregates the diagnostics found for one task.
type AnalysisResult struct {
	TaskID        string    `json:"task_id"`
	Issues        []Issue   `json:"issues"`
	TotalIssues   int       `json:"total_issues"`
	ErrorCount    int       `json:"error_count"`
	WarningCount  int       `json:"warning_count"`
	InfoCount     int       `json:"info_count"`
	HintCount     int       `json:"hint_count"`
	AffectedFiles []string  `json:"affected_files"`
	Complexity    float64   `json:"complexity"`
	AnalyzedAt    time.Time `json:"analyzed_at"`
}

// RiskLevel expresses how dangerous a plan is to apply.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// FixStep is one ordered remediation step in a plan.
type FixStep struct {
	Order       int      `json:"order"`
	Category    Category `json:"category"`
	File        string   `json:"file"`
	Description string   `json:"description"`
	Issues      []Issue  `json:"issues"`
}

// FixPlan is an ordered remediation plan. Steps are strictly ordered:
// syntax first, then import/reference, then type, then cleanup, because
// later categories are often symptoms of earlier ones.
type FixPlan struct {
	TaskID        string    `json:"task_id"`
	Steps         []FixStep `json:"steps"`
	FilesToModify []string  `json:"files_to_modify"`
	RiskLevel     RiskLevel `json:"risk_level"`
	RequiresTests bool      `json:"requires_tests"`
	CreatedAt     time.Time `json:"created_at"`
}

// FileDiff captures one file's before/after state and its rendered diff.
// LinesAdded and LinesRemoved are derived strictly from the diff text.
type FileDiff struct {
	Path            string `json:"path"`
	OriginalContent string `json:"original_content"`
	ModifiedContent string `json:"modified_content"`
	UnifiedDiff     string `json:"unified_diff"`
	LinesAdded      int    `json:"lines_added"`
	LinesRemoved    int    `json:"lines_removed"`
	Summary         string `json:"summary,omitempty"`
}

// DiffProposal is a set of concrete, unapplied changes. It never mutates
// disk; it is purely descriptive.
type DiffProposal struct {
	TaskID            string     `json:"task_id"`
	FilesChanged      []FileDiff `json:"files_changed"`
	TotalLinesAdded   int        `json:"total_lines_added"`
	TotalLinesRemoved int        `json:"total_lines_removed"`
	RiskAssessment    RiskLevel  `json:"risk_assessment"`
	SafetyChecks      []string   `json:"safety_checks"`
	CreatedAt         time.Time  `json:"created_at"`
}

// FileFailure records one file that could not be written or restored.
type FileFailure struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// ApplyResult is the outcome of writing a proposal to disk.
// Success holds exactly when FilesFailed is empty.
type ApplyResult struct {
	TaskID         string        `json:"task_id"`
	SessionID      string        `json:"session_id"`
	FilesUpdated   []string      `json:"files_updated"`
	FilesFailed    []FileFailure `json:"files_failed"`
	Success        bool          `json:"success"`
	SnapshotID     string        `json:"snapshot_id,omitempty"`
	BackupLocation string        `json:"backup_location,omitempty"`
	AppliedAt      time.Time     `json:"applied_at"`
}

// VerificationStatus summarizes a post-apply check.
type VerificationStatus string

const (
	VerificationResolved          VerificationStatus = "resolved"
	VerificationPartiallyResolved VerificationStatus = "partially_resolved"
	VerificationFailed            VerificationStatus = "failed"
)

// VerificationResult reports whether an apply actually reduced the issue count.
type VerificationResult struct {
	TaskID          string             `json:"task_id"`
	RemainingIssues int                `json:"remaining_issues"`
	ResolvedIssues  int                `json:"resolved_issues"`
	NewIssues       int                `json:"new_issues"`
	SyntaxOK        bool               `json:"syntax_ok"`
	Status          VerificationStatus `json:"status"`
	VerifiedAt      time.Time          `json:"verified_at"`
}
