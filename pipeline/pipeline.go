// Package pipeline orchestrates analyze→plan→propose→apply→verify for a
// single grounded task. Apply is only reachable behind an explicit approval
// and is always preceded by a safety snapshot.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/izavyalov-dev/delta-repair/applier"
	"github.com/izavyalov-dev/delta-repair/diagnostic"
	"github.com/izavyalov-dev/delta-repair/grouper"
	"github.com/izavyalov-dev/delta-repair/internal/observability"
	"github.com/izavyalov-dev/delta-repair/snapshot"
)

// ErrApprovalRequired is returned when apply is attempted without a granted
// approval. The engine never bypasses approval on its own.
var ErrApprovalRequired = errors.New("pipeline: apply requires explicit approval")

// Status is the terminal state of one pipeline execution.
type Status string

const (
	StatusSucceeded Status = "SUCCEEDED"
	StatusPartial   Status = "PARTIAL"
	StatusFailed    Status = "FAILED"
)

// Task is a fully-specified unit of repair work: the diagnostics are already
// grounded, no guessing is involved.
type Task struct {
	ID            string             `json:"id"`
	WorkspaceRoot string             `json:"workspace_root"`
	Description   string             `json:"description,omitempty"`
	Issues        []diagnostic.Issue `json:"issues"`
}

// Approval is the external gate in front of apply. Only a granted approval
// allows mutation.
type Approval struct {
	granted  bool
	Approver string
}

// GrantApproval returns an approval token recording who granted it.
func GrantApproval(approver string) Approval {
	return Approval{granted: true, Approver: approver}
}

// Granted reports whether this approval allows apply.
func (a Approval) Granted() bool { return a.granted }

// ExecutionResult is the append-only record of one pipeline run. It is never
// mutated after completion.
type ExecutionResult struct {
	TaskID       string                         `json:"task_id"`
	SessionID    string                         `json:"session_id"`
	Status       Status                         `json:"status"`
	Report       string                         `json:"report"`
	Analysis     *diagnostic.AnalysisResult     `json:"analysis,omitempty"`
	Plan         *diagnostic.FixPlan            `json:"plan,omitempty"`
	Proposal     *diagnostic.DiffProposal       `json:"proposal,omitempty"`
	Apply        *diagnostic.ApplyResult        `json:"apply,omitempty"`
	Verification *diagnostic.VerificationResult `json:"verification,omitempty"`
	RolledBack   bool                           `json:"rolled_back"`
	CompletedAt  time.Time                      `json:"completed_at"`
}

// ExecutionRecorder persists completed executions to the audit history.
type ExecutionRecorder interface {
	RecordExecution(ctx context.Context, result ExecutionResult) error
}

// Engine drives the five pipeline stages.
type Engine struct {
	Proposer  *applier.Proposer
	Applier   *applier.Applier
	Verifier  *applier.Verifier
	Snapshots *snapshot.Manager
	Recorder  ExecutionRecorder

	logger *slog.Logger
}

// NewEngine wires the pipeline collaborators.
func NewEngine(proposer *applier.Proposer, apply *applier.Applier, verifier *applier.Verifier, snapshots *snapshot.Manager, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = observability.NewLogger("pipeline")
	}
	return &Engine{
		Proposer:  proposer,
		Applier:   apply,
		Verifier:  verifier,
		Snapshots: snapshots,
		logger:    logger,
	}
}

// Analyze groups the task's diagnostics. Read-only.
func (e *Engine) Analyze(ctx context.Context, task Task) (diagnostic.AnalysisResult, error) {
	if task.ID == "" {
		return diagnostic.AnalysisResult{}, errors.New("task id required")
	}
	grouping := grouper.Group(task.Issues)
	return diagnostic.NewAnalysisResult(task.ID, task.Issues, grouping.Complexity), nil
}

// planPhases fixes the remediation order: syntax errors block everything
// else, import/reference errors come next since later categories may be
// their symptoms, then types, then cleanup.
var planPhases = []diagnostic.Category{
	diagnostic.CategorySyntax,
	diagnostic.CategoryImport,
	diagnostic.CategoryReference,
	diagnostic.CategoryType,
	diagnostic.CategoryCleanup,
	diagnostic.CategoryStyle,
	diagnostic.CategorySecurity,
	diagnostic.CategoryOther,
}

// Plan turns an analysis into an ordered fix plan. Pure, no I/O.
func (e *Engine) Plan(ctx context.Context, task Task, analysis diagnostic.AnalysisResult) (diagnostic.FixPlan, error) {
	plan := diagnostic.FixPlan{
		TaskID:    task.ID,
		CreatedAt: time.Now().UTC(),
	}

	byCategory := make(map[diagnostic.Category]map[string][]diagnostic.Issue)
	for _, issue := range analysis.Issues {
		if byCategory[issue.Category] == nil {
			byCategory[issue.Category] = make(map[string][]diagnostic.Issue)
		}
		byCategory[issue.Category][issue.File] = append(byCategory[issue.Category][issue.File], issue)
	}

	order := 0
	filesSeen := make(map[string]struct{})
	for _, category := range planPhases {
		byFile, any := byCategory[category]
		if !any {
			continue
		}
		files := make([]string, 0, len(byFile))
		for file := range byFile {
			files = append(files, file)
		}
		sort.Strings(files)
		for _, file := range files {
			order++
			plan.Steps = append(plan.Steps, diagnostic.FixStep{
				Order:       order,
				Category:    category,
				File:        file,
				Description: stepDescription(category, file, len(byFile[file])),
				Issues:      byFile[file],
			})
			if _, dup := filesSeen[file]; !dup {
				filesSeen[file] = struct{}{}
				plan.FilesToModify = append(plan.FilesToModify, file)
			}
		}
	}

	plan.RiskLevel = diagnostic.PlanRisk(plan.Steps, len(plan.FilesToModify))
	plan.RequiresTests = requiresTests(plan.Steps)
	return plan, nil
}

// Propose computes concrete diffs for the plan. Touches no files.
func (e *Engine) Propose(ctx context.Context, task Task, plan diagnostic.FixPlan) (diagnostic.DiffProposal, error) {
	var planned []diagnostic.Issue
	for _, step := range plan.Steps {
		planned = append(planned, step.Issues...)
	}
	grouping := grouper.Group(planned)
	return e.Proposer.Propose(ctx, task.ID, grouping)
}

// Apply writes the proposal after taking a safety snapshot of every file in
// scope. It refuses to run without a granted approval.
func (e *Engine) Apply(ctx context.Context, task Task, sessionID string, proposal diagnostic.DiffProposal, approval Approval) (diagnostic.ApplyResult, snapshot.Snapshot, error) {
	if !approval.Granted() {
		return diagnostic.ApplyResult{}, snapshot.Snapshot{}, ErrApprovalRequired
	}

	files := make([]string, 0, len(proposal.FilesChanged))
	for _, fileDiff := range proposal.FilesChanged {
		files = append(files, fileDiff.Path)
	}

	snap, err := e.Snapshots.Take(ctx, files, "pipeline_apply", task.ID)
	if err != nil {
		return diagnostic.ApplyResult{}, snapshot.Snapshot{}, fmt.Errorf("pre-apply snapshot: %w", err)
	}
	if err := e.Snapshots.MarkAtRisk(ctx, snap); err != nil {
		return diagnostic.ApplyResult{}, snap, err
	}

	result, err := e.Applier.Apply(ctx, task.ID, sessionID, snap.ID, proposal)
	if err != nil {
		return diagnostic.ApplyResult{}, snap, err
	}
	return result, snap, nil
}

// Verify re-derives diagnostics after an apply and reports the net effect.
func (e *Engine) Verify(ctx context.Context, task Task, applyResult diagnostic.ApplyResult, proposal diagnostic.DiffProposal) (diagnostic.VerificationResult, error) {
	return e.Verifier.Verify(ctx, task.ID, task.Issues, applyResult, proposal)
}

// Run drives all five stages for one task. Failures during analyze, plan,
// or propose abort with FAILED; failures during apply roll back the
// session's own snapshot before returning.
func (e *Engine) Run(ctx context.Context, task Task, sessionID string, approval Approval) (ExecutionResult, error) {
	result := ExecutionResult{TaskID: task.ID, SessionID: sessionID}

	finish := func(status Status, report string) (ExecutionResult, error) {
		result.Status = status
		result.Report = report
		result.CompletedAt = time.Now().UTC()
		if e.Recorder != nil {
			if err := e.Recorder.RecordExecution(ctx, result); err != nil {
				e.logger.Warn("execution record failed", "event", "execution_record_failed",
					"task_id", task.ID, "error", err)
			}
		}
		return result, nil
	}

	analysis, err := e.Analyze(ctx, task)
	if err != nil {
		return finish(StatusFailed, fmt.Sprintf("Analysis failed before any mutation: %v. No files were touched.", err))
	}
	result.Analysis = &analysis

	plan, err := e.Plan(ctx, task, analysis)
	if err != nil {
		return finish(StatusFailed, fmt.Sprintf("Planning failed before any mutation: %v. No files were touched.", err))
	}
	result.Plan = &plan

	proposal, err := e.Propose(ctx, task, plan)
	if err != nil {
		return finish(StatusFailed, fmt.Sprintf("Proposal failed before any mutation: %v. No files were touched.", err))
	}
	result.Proposal = &proposal

	if len(proposal.FilesChanged) == 0 {
		return finish(StatusFailed, "No safe automatic fix was available; every change requires manual review.")
	}

	applyResult, snap, err := e.Apply(ctx, task, sessionID, proposal, approval)
	if err != nil {
		// A snapshot id means Take succeeded before the error, so the
		// workspace may already hold partial writes. The error is often a
		// context cancellation, so the rollback runs detached from it.
		if snap.ID != "" {
			rollback, rbErr := e.Snapshots.Rollback(context.WithoutCancel(ctx), snap, "apply_error")
			result.RolledBack = rbErr == nil && rollback.Success
			return finish(StatusFailed, fmt.Sprintf(
				"Apply errored (%v); snapshot %s was rolled back (success=%t).",
				err, snap.ID, result.RolledBack))
		}
		return finish(StatusFailed, fmt.Sprintf("Apply was refused: %v.", err))
	}
	result.Apply = &applyResult

	if !applyResult.Success {
		rollback, rbErr := e.Snapshots.Rollback(ctx, snap, "apply_failure")
		result.RolledBack = rbErr == nil && rollback.Success
		return finish(StatusFailed, fmt.Sprintf(
			"Apply wrote %d file(s) but %d failed; the session snapshot %s was rolled back (success=%t).",
			len(applyResult.FilesUpdated), len(applyResult.FilesFailed), snap.ID, result.RolledBack))
	}

	verification, err := e.Verify(ctx, task, applyResult, proposal)
	if err != nil {
		rollback, rbErr := e.Snapshots.Rollback(ctx, snap, "verify_error")
		result.RolledBack = rbErr == nil && rollback.Success
		return finish(StatusFailed, fmt.Sprintf("Verification errored (%v); changes were rolled back.", err))
	}
	result.Verification = &verification

	switch verification.Status {
	case diagnostic.VerificationResolved:
		return finish(StatusSucceeded, fmt.Sprintf(
			"Resolved %d issue(s) across %d file(s); verification found no remaining or new issues.",
			verification.ResolvedIssues, len(applyResult.FilesUpdated)))
	case diagnostic.VerificationPartiallyResolved:
		return finish(StatusPartial, fmt.Sprintf(
			"Resolved %d issue(s) but %d remain; no new issues were introduced.",
			verification.ResolvedIssues, verification.RemainingIssues))
	default:
		rollback, rbErr := e.Snapshots.Rollback(ctx, snap, "verification_failed")
		result.RolledBack = rbErr == nil && rollback.Success
		return finish(StatusFailed, fmt.Sprintf(
			"Verification failed (%d new issue(s)); snapshot %s was rolled back (success=%t).",
			verification.NewIssues, snap.ID, result.RolledBack))
	}
}

func stepDescription(category diagnostic.Category, file string, count int) string {
	switch category {
	case diagnostic.CategorySyntax:
		return fmt.Sprintf("resolve %d syntax error(s) in %s before anything else", count, file)
	case diagnostic.CategoryImport, diagnostic.CategoryReference:
		return fmt.Sprintf("fix %d %s issue(s) in %s", count, category, file)
	case diagnostic.CategoryType:
		return fmt.Sprintf("fix %d type error(s) in %s", count, file)
	default:
		return fmt.Sprintf("clean up %d %s issue(s) in %s", count, category, file)
	}
}

func requiresTests(steps []diagnostic.FixStep) bool {
	for _, step := range steps {
		switch step.Category {
		case diagnostic.CategoryType, diagnostic.CategoryReference, diagnostic.CategoryImport:
			return true
		}
	}
	return false
}
