// Package orchestrator drives one repair session per failed CI run: fetch
// logs, classify, gate on policy, execute the repair pipeline behind a
// safety snapshot, and rerun CI when the fix lands.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/izavyalov-dev/delta-repair/classify"
	"github.com/izavyalov-dev/delta-repair/diagnostic"
	"github.com/izavyalov-dev/delta-repair/internal/observability"
	"github.com/izavyalov-dev/delta-repair/pipeline"
	"github.com/izavyalov-dev/delta-repair/protocol"
	"github.com/izavyalov-dev/delta-repair/state"
)

// ErrSessionNotFound is returned when a session id is unknown.
var ErrSessionNotFound = errors.New("orchestrator: session not found")

// Service owns the repair session lifecycle.
type Service struct {
	config     Config
	classifier *classify.Classifier
	mapper     *classify.Mapper
	logs       LogProvider
	archiver   Archiver
	executor   Executor
	retries    RetryRunner
	history    SessionHistory
	audit      AuditLog
	notifier   Notifier
	ids        IDGenerator
	metrics    *observability.Metrics
	logger     *slog.Logger

	mu        sync.Mutex
	active    map[string]*RepairSession
	completed map[string]*RepairSession
	canceled  map[string]bool

	// workspaceMu serializes pipeline executions: two sessions never
	// mutate the workspace at the same time.
	workspaceMu sync.Mutex
}

// NewService wires the orchestrator. classifier, mapper, logs, executor, and
// audit are required; archiver and retries may be nil.
func NewService(config Config, classifier *classify.Classifier, mapper *classify.Mapper,
	logs LogProvider, archiver Archiver, executor Executor, retries RetryRunner,
	history SessionHistory, audit AuditLog, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = observability.NewLogger("orchestrator")
	}
	return &Service{
		config:     config,
		classifier: classifier,
		mapper:     mapper,
		logs:       logs,
		archiver:   archiver,
		executor:   executor,
		retries:    retries,
		history:    history,
		audit:      audit,
		ids:        RandomIDGenerator{},
		metrics:    metrics,
		logger:     logger,
		active:     make(map[string]*RepairSession),
		completed:  make(map[string]*RepairSession),
		canceled:   make(map[string]bool),
	}
}

// SetNotifier installs an outcome notifier. Call before serving traffic.
func (s *Service) SetNotifier(notifier Notifier) {
	s.notifier = notifier
}

// GetSession returns an active or completed session by id.
func (s *Service) GetSession(id string) (RepairSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.active[id]; ok {
		return *session, nil
	}
	if session, ok := s.completed[id]; ok {
		return *session, nil
	}
	return RepairSession{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

// Cancel forcibly escalates a running session. The in-flight work observes
// the cancellation at its next stage boundary; the session record is
// terminal immediately.
func (s *Service) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.active[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.canceled[id] = true
	session.Status = RepairStatusCanceled
	session.HumanEscalated = true
	session.Reason = "canceled by operator"
	session.FinishedAt = time.Now().UTC()
	s.completed[id] = session
	delete(s.active, id)
	return nil
}

func (s *Service) isCanceled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled[id]
}

// update mutates session fields under the session lock. Every write after
// the session is registered in the active map must go through here: Cancel
// and GetSession touch the same object from the HTTP handlers.
func (s *Service) update(session *RepairSession, fn func(*RepairSession)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(session)
}

// HandleEvent runs the full repair state machine for one CI failure event.
// Every outcome, including panics, lands in the audit log.
func (s *Service) HandleEvent(ctx context.Context, event protocol.CIEvent) (session *RepairSession, err error) {
	session = &RepairSession{
		ID:        s.ids.SessionID(),
		Event:     event,
		Status:    RepairStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.active[session.ID] = session
	s.mu.Unlock()

	log := observability.WithRun(observability.WithSession(s.logger, session.ID), event.RunID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("repair session panicked", "event", "repair_panic", "panic", fmt.Sprint(r))
			s.update(session, func(rs *RepairSession) {
				rs.Status = RepairStatusEscalated
				rs.HumanEscalated = true
				rs.Reason = fmt.Sprintf("internal error: %v", r)
			})
			err = fmt.Errorf("repair session %s: %v", session.ID, r)
		}
		s.finish(ctx, session, log)
	}()

	// Policy gates that do not need the log text come first: a disabled
	// deployment or disallowed repo never reaches classification.
	if !s.config.AutoRepairEnabled {
		s.escalate(session, "auto repair is disabled")
		return session, nil
	}
	if !s.config.repoAllowed(event.Repo()) {
		s.escalate(session, fmt.Sprintf("repo %s is not on the allow-list", event.Repo()))
		return session, nil
	}

	logText, fetchErr := s.logs.GetRunLogs(ctx, event.RepoOwner, event.RepoName, event.RunID)
	if fetchErr != nil {
		log.Error("log fetch failed", "event", "log_fetch_failed", "error", fetchErr)
		s.update(session, func(rs *RepairSession) {
			rs.Failure.FailureType = classify.UnknownFailure
		})
		s.escalate(session, fmt.Sprintf("failure logs unavailable: %v", fetchErr))
		return session, nil
	}

	if s.archiver != nil {
		uri, archiveErr := s.archiver.UploadFailureLog(ctx, session.ID, event.RunID, logText)
		if archiveErr != nil {
			log.Warn("log archive failed", "event", "log_archive_failed", "error", archiveErr)
		} else {
			s.update(session, func(rs *RepairSession) { rs.LogArchiveURI = uri })
		}
	}

	failure := s.classifier.Classify(logText)
	s.update(session, func(rs *RepairSession) { rs.Failure = failure })
	log.Info("failure classified", "event", "failure_classified",
		"failure_type", string(failure.FailureType),
		"confidence", failure.Confidence)

	floor := s.config.Confidence.Floor
	if floor <= 0 {
		floor = classify.DefaultConfig().Floor
	}
	if failure.FailureType == classify.UnknownFailure || failure.Confidence < floor {
		s.escalate(session, failure.Summary)
		return session, nil
	}

	plan := s.mapper.Map(failure, logText)
	s.update(session, func(rs *RepairSession) { rs.Plan = plan })
	if s.checkCanceled(session) {
		return session, nil
	}

	switch plan.Action {
	case classify.ActionAutoFix:
		s.execute(ctx, session, log)
	case classify.ActionSuggestFix:
		s.update(session, func(rs *RepairSession) {
			rs.Status = RepairStatusSuggested
			rs.Reason = plan.Summary
		})
	default:
		s.escalate(session, plan.Summary)
	}
	return session, nil
}

// execute runs the pipeline under the workspace lock and, on success,
// triggers a CI rerun.
func (s *Service) execute(ctx context.Context, session *RepairSession, log *slog.Logger) {
	task := pipeline.Task{
		ID:            session.ID + "-task",
		WorkspaceRoot: s.config.WorkspaceRoot,
		Description:   session.Plan.Summary,
		Issues:        issuesFromFailure(session.Failure, session.Plan),
	}

	s.workspaceMu.Lock()
	result, execErr := s.executor.Run(ctx, task, session.ID, pipeline.GrantApproval("confidence-policy"))
	s.workspaceMu.Unlock()
	if execErr != nil {
		log.Error("pipeline execution errored", "event", "pipeline_error", "error", execErr)
		s.escalate(session, fmt.Sprintf("pipeline error: %v", execErr))
		return
	}
	s.update(session, func(rs *RepairSession) {
		rs.Execution = &result
		if result.Apply != nil {
			rs.SnapshotID = result.Apply.SnapshotID
		}
	})
	if s.checkCanceled(session) {
		return
	}

	if result.Status != pipeline.StatusSucceeded {
		s.update(session, func(rs *RepairSession) {
			rs.Status = RepairStatusFailed
			rs.Reason = result.Report
		})
		return
	}

	s.update(session, func(rs *RepairSession) {
		rs.Status = RepairStatusSucceeded
		rs.Reason = result.Report
	})

	if s.retries != nil {
		retrySession, retryErr := s.retries.Run(ctx, session.Event.RepoOwner, session.Event.RepoName, session.Event.RunID)
		if retrySession != nil {
			s.update(session, func(rs *RepairSession) { rs.Retry = retrySession })
		}
		if retryErr != nil {
			log.Warn("rerun after repair failed", "event", "rerun_failed", "error", retryErr)
		}
	}
}

func (s *Service) escalate(session *RepairSession, reason string) {
	s.update(session, func(rs *RepairSession) {
		rs.Status = RepairStatusEscalated
		rs.HumanEscalated = true
		rs.Reason = reason
	})
	s.metrics.IncEscalation(string(session.Failure.FailureType))
}

// checkCanceled folds an operator cancellation into the session at a stage
// boundary.
func (s *Service) checkCanceled(session *RepairSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.canceled[session.ID] {
		return false
	}
	session.Status = RepairStatusCanceled
	session.HumanEscalated = true
	session.Reason = "canceled by operator"
	return true
}

// finish writes the audit entry and history row for a terminal session and
// moves it out of the active map. The audit write happens for every
// outcome. The session is finalized and copied under the lock; the external
// writes below work on the copy so Cancel and GetSession never race them.
func (s *Service) finish(ctx context.Context, sessionPtr *RepairSession, log *slog.Logger) {
	s.mu.Lock()
	if !sessionPtr.Status.Terminal() {
		sessionPtr.Status = RepairStatusFailed
	}
	if sessionPtr.FinishedAt.IsZero() {
		sessionPtr.FinishedAt = time.Now().UTC()
	}
	if _, stillActive := s.active[sessionPtr.ID]; stillActive {
		s.completed[sessionPtr.ID] = sessionPtr
		delete(s.active, sessionPtr.ID)
	}
	delete(s.canceled, sessionPtr.ID)
	session := *sessionPtr
	s.mu.Unlock()

	if s.audit != nil {
		if _, auditErr := s.audit.AppendAudit(ctx, state.AuditEntry{
			SessionID:        session.ID,
			Repo:             session.Event.Repo(),
			RunID:            session.Event.RunID,
			FailureType:      string(session.Failure.FailureType),
			Action:           string(session.Plan.Action),
			Confidence:       session.Plan.Confidence,
			TargetFiles:      session.Plan.TargetFiles,
			RequiresApproval: session.Plan.RequiresApproval,
			HumanEscalated:   session.HumanEscalated,
			LogArchiveURI:    session.LogArchiveURI,
		}); auditErr != nil {
			log.Error("audit write failed", "event", "audit_write_failed", "error", auditErr)
		}
	}

	if s.history != nil {
		if histErr := s.history.SaveRepairSession(ctx, state.RepairSessionRecord{
			ID:             session.ID,
			Repo:           session.Event.Repo(),
			RunID:          session.Event.RunID,
			FailureType:    string(session.Failure.FailureType),
			Action:         string(session.Plan.Action),
			Confidence:     session.Plan.Confidence,
			Status:         string(session.Status),
			SnapshotID:     session.SnapshotID,
			HumanEscalated: session.HumanEscalated,
			Summary:        session.Reason,
			StartedAt:      session.StartedAt,
			FinishedAt:     session.FinishedAt,
		}); histErr != nil {
			log.Error("history write failed", "event", "history_write_failed", "error", histErr)
		}
	}

	if s.notifier != nil {
		if notifyErr := s.notifier.PublishOutcome(ctx, protocol.RepairOutcome{
			SessionID:      session.ID,
			RepoOwner:      session.Event.RepoOwner,
			RepoName:       session.Event.RepoName,
			RunID:          session.Event.RunID,
			CommitSHA:      session.Event.CommitSHA,
			Status:         string(session.Status),
			FailureType:    string(session.Failure.FailureType),
			Action:         string(session.Plan.Action),
			Confidence:     session.Plan.Confidence,
			Summary:        session.Reason,
			HumanEscalated: session.HumanEscalated,
		}); notifyErr != nil {
			log.Warn("outcome notification failed", "event", "notify_failed", "error", notifyErr)
		}
	}

	s.metrics.IncRepair(string(session.Status))

	log.Info("repair session finished", "event", "repair_finished",
		"status", string(session.Status),
		"action", string(session.Plan.Action),
		"human_escalated", session.HumanEscalated)
}

// issuesFromFailure translates a classified CI failure into the diagnostics
// the pipeline operates on: one issue per target file in the failure's
// category.
func issuesFromFailure(failure classify.FailureContext, plan classify.RepairPlan) []diagnostic.Issue {
	category := categoryFor(failure.FailureType)
	message := failure.Summary
	if len(failure.MatchedPatterns) > 0 {
		message = fmt.Sprintf("%s (matched %q)", failure.Summary, failure.MatchedPatterns[0])
	}

	issues := make([]diagnostic.Issue, 0, len(plan.TargetFiles))
	for _, file := range plan.TargetFiles {
		issues = append(issues, diagnostic.Issue{
			File:       file,
			Message:    message,
			Severity:   diagnostic.SeverityError,
			Category:   category,
			Confidence: plan.Confidence,
			Fixable:    true,
			Source:     "ci-log",
		})
	}
	return issues
}

func categoryFor(failureType classify.FailureType) diagnostic.Category {
	switch failureType {
	case classify.BuildFailure:
		return diagnostic.CategorySyntax
	case classify.TypeError:
		return diagnostic.CategoryType
	case classify.LintError:
		return diagnostic.CategoryStyle
	case classify.DependencyError:
		return diagnostic.CategoryImport
	case classify.SecurityError:
		return diagnostic.CategorySecurity
	default:
		return diagnostic.CategoryOther
	}
}
