package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/izavyalov-dev/delta-repair/classify"
	"github.com/izavyalov-dev/delta-repair/diagnostic"
	"github.com/izavyalov-dev/delta-repair/internal/observability"
	"github.com/izavyalov-dev/delta-repair/pipeline"
	"github.com/izavyalov-dev/delta-repair/protocol"
	"github.com/izavyalov-dev/delta-repair/retry"
	"github.com/izavyalov-dev/delta-repair/state"
)

const autoFixLog = `Run npm test
FAIL: calculator suite
AssertionError: expected 2 to be 3
Tests failed
3 failing
    at Object.<anonymous> (src/calc.test.js:10:5)
    at processTicksAndRejections (node:internal)
`

type fakeLogs struct {
	text  string
	err   error
	calls int
}

func (f *fakeLogs) GetRunLogs(ctx context.Context, owner, name string, runID int64) (string, error) {
	f.calls++
	return f.text, f.err
}

type fakeExecutor struct {
	result pipeline.ExecutionResult
	err    error
	panics bool
	calls  int
	task   pipeline.Task
}

func (f *fakeExecutor) Run(ctx context.Context, task pipeline.Task, sessionID string, approval pipeline.Approval) (pipeline.ExecutionResult, error) {
	f.calls++
	f.task = task
	if f.panics {
		panic("executor exploded")
	}
	if !approval.Granted() {
		panic("executor invoked without approval")
	}
	return f.result, f.err
}

type fakeRetryRunner struct {
	session *retry.Session
	calls   int
}

func (f *fakeRetryRunner) Run(ctx context.Context, owner, name string, runID int64) (*retry.Session, error) {
	f.calls++
	return f.session, nil
}

func failedRunEvent() protocol.CIEvent {
	return protocol.CIEvent{
		Provider:   "github",
		RepoOwner:  "acme",
		RepoName:   "widgets",
		RunID:      42,
		Status:     "completed",
		Conclusion: "failure",
		Branch:     "main",
		CommitSHA:  "abc123",
	}
}

func newTestService(t *testing.T, cfg Config, logs LogProvider, executor Executor, retries RetryRunner, mem *state.Memory) *Service {
	t.Helper()
	classifier, err := classify.NewClassifier(nil, cfg.Confidence)
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}
	mapper := classify.NewMapper(cfg.WorkspaceRoot, cfg.Confidence)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return NewService(cfg, classifier, mapper, logs, nil, executor, retries, mem, mem, metrics, nil)
}

func TestHandleEventAutoFixSuccess(t *testing.T) {
	mem := state.NewMemory()
	logs := &fakeLogs{text: autoFixLog}
	executor := &fakeExecutor{result: pipeline.ExecutionResult{
		Status: pipeline.StatusSucceeded,
		Report: "resolved",
		Apply:  &diagnostic.ApplyResult{SnapshotID: "snap_1", Success: true},
	}}
	retries := &fakeRetryRunner{session: &retry.Session{Status: retry.StatusSuccess}}
	svc := newTestService(t, DefaultConfig("/workspace"), logs, executor, retries, mem)

	session, err := svc.HandleEvent(context.Background(), failedRunEvent())
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if session.Status != RepairStatusSucceeded {
		t.Fatalf("Status = %s (reason %q), want %s", session.Status, session.Reason, RepairStatusSucceeded)
	}
	if session.Plan.Action != classify.ActionAutoFix {
		t.Fatalf("Action = %s (conf %.2f), want AUTO_FIX", session.Plan.Action, session.Plan.Confidence)
	}
	if session.SnapshotID != "snap_1" {
		t.Fatalf("SnapshotID = %s, want snap_1", session.SnapshotID)
	}
	if executor.calls != 1 || len(executor.task.Issues) == 0 {
		t.Fatalf("executor calls = %d, issues = %d", executor.calls, len(executor.task.Issues))
	}
	if retries.calls != 1 || session.Retry == nil {
		t.Fatalf("rerun not triggered after successful repair")
	}

	entries, err := mem.ListAuditBySession(context.Background(), session.ID)
	if err != nil || len(entries) != 1 {
		t.Fatalf("audit entries = %d (err %v), want 1", len(entries), err)
	}
	if entries[0].Action != "AUTO_FIX" || entries[0].HumanEscalated {
		t.Fatalf("audit entry = %+v", entries[0])
	}

	rec, err := mem.GetRepairSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("GetRepairSession: %v", err)
	}
	if rec.Status != string(RepairStatusSucceeded) {
		t.Fatalf("history status = %s", rec.Status)
	}
}

func TestHandleEventDisabledEscalatesBeforeClassification(t *testing.T) {
	mem := state.NewMemory()
	logs := &fakeLogs{text: autoFixLog}
	executor := &fakeExecutor{}
	cfg := DefaultConfig("/workspace")
	cfg.AutoRepairEnabled = false
	svc := newTestService(t, cfg, logs, executor, nil, mem)

	session, err := svc.HandleEvent(context.Background(), failedRunEvent())
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if session.Status != RepairStatusEscalated || !session.HumanEscalated {
		t.Fatalf("session = %s escalated=%t, want escalated", session.Status, session.HumanEscalated)
	}
	if logs.calls != 0 {
		t.Fatalf("logs fetched %d times; disabled deployments must not classify", logs.calls)
	}
	if executor.calls != 0 {
		t.Fatalf("executor must not run when auto repair is disabled")
	}
	if session.Failure.FailureType != "" {
		t.Fatalf("failure classified despite disabled flag: %s", session.Failure.FailureType)
	}

	entries, _ := mem.ListAuditBySession(context.Background(), session.ID)
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1 even on escalation", len(entries))
	}
}

func TestHandleEventRepoNotAllowed(t *testing.T) {
	mem := state.NewMemory()
	logs := &fakeLogs{text: autoFixLog}
	cfg := DefaultConfig("/workspace")
	cfg.AllowedRepos = []string{"acme/other"}
	svc := newTestService(t, cfg, logs, &fakeExecutor{}, nil, mem)

	session, err := svc.HandleEvent(context.Background(), failedRunEvent())
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if session.Status != RepairStatusEscalated {
		t.Fatalf("Status = %s, want %s", session.Status, RepairStatusEscalated)
	}
	if logs.calls != 0 {
		t.Fatalf("disallowed repo must not fetch logs")
	}
}

func TestHandleEventUnknownFailureEscalates(t *testing.T) {
	mem := state.NewMemory()
	logs := &fakeLogs{text: "nothing recognizable happened in this log"}
	executor := &fakeExecutor{}
	svc := newTestService(t, DefaultConfig("/workspace"), logs, executor, nil, mem)

	session, err := svc.HandleEvent(context.Background(), failedRunEvent())
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if session.Status != RepairStatusEscalated || !session.HumanEscalated {
		t.Fatalf("session = %s, want escalated", session.Status)
	}
	if executor.calls != 0 {
		t.Fatalf("executor must not run for UNKNOWN failures")
	}
}

func TestHandleEventPanicEscalatesAndAudits(t *testing.T) {
	mem := state.NewMemory()
	logs := &fakeLogs{text: autoFixLog}
	executor := &fakeExecutor{panics: true}
	svc := newTestService(t, DefaultConfig("/workspace"), logs, executor, nil, mem)

	session, err := svc.HandleEvent(context.Background(), failedRunEvent())
	if err == nil {
		t.Fatalf("expected error from panicking executor")
	}
	if session.Status != RepairStatusEscalated || !session.HumanEscalated {
		t.Fatalf("session = %s escalated=%t, want escalated", session.Status, session.HumanEscalated)
	}

	entries, _ := mem.ListAuditBySession(context.Background(), session.ID)
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1 even after a panic", len(entries))
	}
	if !entries[0].HumanEscalated {
		t.Fatalf("audit entry must record the escalation")
	}
}

func TestCancelEvictsSession(t *testing.T) {
	mem := state.NewMemory()
	svc := newTestService(t, DefaultConfig("/workspace"), &fakeLogs{}, &fakeExecutor{}, nil, mem)

	session := &RepairSession{ID: "repair_test", Status: RepairStatusRunning}
	svc.mu.Lock()
	svc.active[session.ID] = session
	svc.mu.Unlock()

	if err := svc.Cancel("repair_test"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, err := svc.GetSession("repair_test")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != RepairStatusCanceled || !got.HumanEscalated {
		t.Fatalf("session = %+v, want canceled and escalated", got)
	}
	if err := svc.Cancel("repair_test"); err == nil {
		t.Fatalf("second Cancel should fail once evicted")
	}
}

type fakeNotifier struct {
	outcomes []protocol.RepairOutcome
}

func (f *fakeNotifier) PublishOutcome(ctx context.Context, outcome protocol.RepairOutcome) error {
	f.outcomes = append(f.outcomes, outcome)
	return nil
}

func TestHandleEventPublishesOutcome(t *testing.T) {
	mem := state.NewMemory()
	logs := &fakeLogs{text: autoFixLog}
	cfg := DefaultConfig("/workspace")
	cfg.AutoRepairEnabled = false
	svc := newTestService(t, cfg, logs, &fakeExecutor{}, nil, mem)
	notifier := &fakeNotifier{}
	svc.SetNotifier(notifier)

	session, err := svc.HandleEvent(context.Background(), failedRunEvent())
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if len(notifier.outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(notifier.outcomes))
	}
	outcome := notifier.outcomes[0]
	if outcome.SessionID != session.ID {
		t.Fatalf("outcome session = %s, want %s", outcome.SessionID, session.ID)
	}
	if outcome.Status != string(RepairStatusEscalated) || !outcome.HumanEscalated {
		t.Fatalf("outcome = %+v, want escalated", outcome)
	}
	if outcome.CommitSHA != "abc123" {
		t.Fatalf("outcome commit = %s", outcome.CommitSHA)
	}
}

type fixedIDs string

func (f fixedIDs) SessionID() string { return string(f) }

// Exercises GetSession from reader goroutines while HandleEvent drives the
// full auto-fix path; run with -race to cover the session locking.
func TestGetSessionSafeDuringHandleEvent(t *testing.T) {
	mem := state.NewMemory()
	logs := &fakeLogs{text: autoFixLog}
	executor := &fakeExecutor{result: pipeline.ExecutionResult{
		Status: pipeline.StatusSucceeded,
		Report: "resolved",
		Apply:  &diagnostic.ApplyResult{SnapshotID: "snap_race", Success: true},
	}}
	retries := &fakeRetryRunner{session: &retry.Session{Status: retry.StatusSuccess}}
	svc := newTestService(t, DefaultConfig("/workspace"), logs, executor, retries, mem)
	svc.ids = fixedIDs("repair_race")

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				_, _ = svc.GetSession("repair_race")
			}
		}()
	}

	session, err := svc.HandleEvent(context.Background(), failedRunEvent())
	close(done)
	wg.Wait()
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if session.Status != RepairStatusSucceeded {
		t.Fatalf("Status = %s (reason %q)", session.Status, session.Reason)
	}

	got, err := svc.GetSession("repair_race")
	if err != nil {
		t.Fatalf("GetSession after finish: %v", err)
	}
	if got.Status != RepairStatusSucceeded || got.SnapshotID != "snap_race" {
		t.Fatalf("final session = %+v", got)
	}
}

func TestHandleEventLogFetchFailure(t *testing.T) {
	mem := state.NewMemory()
	logs := &fakeLogs{err: errors.New("upstream 502")}
	svc := newTestService(t, DefaultConfig("/workspace"), logs, &fakeExecutor{}, nil, mem)

	session, err := svc.HandleEvent(context.Background(), failedRunEvent())
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if session.Status != RepairStatusEscalated || !session.HumanEscalated {
		t.Fatalf("session = %s escalated=%t, want escalated", session.Status, session.HumanEscalated)
	}
	if session.Failure.FailureType != classify.UnknownFailure {
		t.Fatalf("FailureType = %q, want %s when logs are unavailable", session.Failure.FailureType, classify.UnknownFailure)
	}

	entries, _ := mem.ListAuditBySession(context.Background(), session.ID)
	if len(entries) != 1 || entries[0].FailureType != string(classify.UnknownFailure) {
		t.Fatalf("audit entries = %+v", entries)
	}
}

type logProviderFunc func(ctx context.Context, owner, name string, runID int64) (string, error)

func (f logProviderFunc) GetRunLogs(ctx context.Context, owner, name string, runID int64) (string, error) {
	return f(ctx, owner, name, runID)
}

func TestCancelMidFlightIsPurgedOnFinish(t *testing.T) {
	mem := state.NewMemory()
	executor := &fakeExecutor{}
	svc := newTestService(t, DefaultConfig("/workspace"), &fakeLogs{text: autoFixLog}, executor, nil, mem)
	svc.ids = fixedIDs("repair_cancel")
	svc.logs = logProviderFunc(func(ctx context.Context, owner, name string, runID int64) (string, error) {
		if err := svc.Cancel("repair_cancel"); err != nil {
			t.Errorf("Cancel: %v", err)
		}
		return autoFixLog, nil
	})

	session, err := svc.HandleEvent(context.Background(), failedRunEvent())
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if session.Status != RepairStatusCanceled {
		t.Fatalf("Status = %s, want %s", session.Status, RepairStatusCanceled)
	}
	if executor.calls != 0 {
		t.Fatalf("executor ran after cancellation")
	}

	svc.mu.Lock()
	leaked := len(svc.canceled)
	svc.mu.Unlock()
	if leaked != 0 {
		t.Fatalf("canceled map holds %d entries after finish, want 0", leaked)
	}
}
