// Package retry re-runs failed CI runs against a provider with bounded
// attempts, exponential backoff, a concurrency ceiling, and a per-day
// budget.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/izavyalov-dev/delta-repair/internal/observability"
	"github.com/izavyalov-dev/delta-repair/protocol"
)

// AttemptStatus is the state of one rerun attempt and of the session as a
// whole.
type AttemptStatus string

const (
	StatusPending      AttemptStatus = "PENDING"
	StatusSuccess      AttemptStatus = "SUCCESS"
	StatusFailed       AttemptStatus = "FAILED"
	StatusRateLimited  AttemptStatus = "RATE_LIMITED"
	StatusUnauthorized AttemptStatus = "UNAUTHORIZED"
)

// ErrDailyLimit is returned when the per-day rerun budget is exhausted.
var ErrDailyLimit = errors.New("retry: daily rerun limit reached")

// Rerunner is the provider surface the engine needs: request a rerun and
// observe the run's eventual conclusion.
type Rerunner interface {
	RerunRun(ctx context.Context, owner, name string, runID int64) (protocol.RerunOutcome, error)
	GetRun(ctx context.Context, owner, name string, runID int64) (protocol.RunInfo, error)
}

// Attempt records one rerun attempt.
type Attempt struct {
	Number     int                   `json:"number"`
	Status     AttemptStatus         `json:"status"`
	Outcome    protocol.RerunOutcome `json:"outcome,omitempty"`
	Delay      time.Duration         `json:"delay"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	Error      string                `json:"error,omitempty"`
}

// Session is the full record of one retry session. Attempts are strictly
// sequential.
type Session struct {
	ID         string        `json:"id"`
	Repo       string        `json:"repo"`
	RunID      int64         `json:"run_id"`
	Status     AttemptStatus `json:"status"`
	Attempts   []Attempt     `json:"attempts"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// dayCounter is the lock-guarded per-local-day budget. The count resets when
// the local date rolls over.
type dayCounter struct {
	mu   sync.Mutex
	date string
	used int
}

func (d *dayCounter) take(now time.Time, limit int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	day := now.Format("2006-01-02")
	if day != d.date {
		d.date = day
		d.used = 0
	}
	if limit > 0 && d.used >= limit {
		return false
	}
	d.used++
	return true
}

// Engine runs retry sessions. Zero values for the limits fall back to the
// documented defaults.
type Engine struct {
	Provider Rerunner
	Metrics  *observability.Metrics

	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxConcurrent  int64
	MaxPerDay      int
	PollInterval   time.Duration
	ConcludeWithin time.Duration

	logger *slog.Logger
	sem    *semaphore.Weighted
	days   dayCounter
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewEngine wires an engine with the default limits.
func NewEngine(provider Rerunner) *Engine {
	e := &Engine{
		Provider:       provider,
		MaxAttempts:    3,
		BaseBackoff:    30 * time.Second,
		MaxConcurrent:  3,
		MaxPerDay:      50,
		PollInterval:   10 * time.Second,
		ConcludeWithin: 30 * time.Minute,
		logger:         observability.NewLogger("retry"),
		now:            time.Now,
	}
	e.sem = semaphore.NewWeighted(e.MaxConcurrent)
	e.sleep = sleepCtx
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoffDelay is base*2^attempt, doubled again after a rate-limited
// attempt.
func (e *Engine) backoffDelay(attempt int, lastRateLimited bool) time.Duration {
	delay := e.BaseBackoff << uint(attempt)
	if lastRateLimited {
		delay *= 2
	}
	return delay
}

// Run executes one retry session for a failed run. It blocks while the
// concurrency ceiling is full, stops on the first SUCCESS or UNAUTHORIZED
// attempt, and never exceeds MaxAttempts. The returned session is complete
// even when err is non-nil.
func (e *Engine) Run(ctx context.Context, owner, name string, runID int64) (*Session, error) {
	session := &Session{
		ID:        newSessionID(),
		Repo:      owner + "/" + name,
		RunID:     runID,
		Status:    StatusPending,
		StartedAt: e.now().UTC(),
	}
	log := e.logger.With(slog.String("retry_session", session.ID), slog.String("repo", session.Repo), slog.Int64("run_id", runID))

	if err := e.sem.Acquire(ctx, 1); err != nil {
		session.Status = StatusFailed
		session.FinishedAt = e.now().UTC()
		return session, fmt.Errorf("retry: acquire session slot: %w", err)
	}
	defer e.sem.Release(1)

	lastRateLimited := false
	for attempt := 0; attempt < e.MaxAttempts; attempt++ {
		var delay time.Duration
		if attempt > 0 {
			delay = e.backoffDelay(attempt-1, lastRateLimited)
			if err := e.sleep(ctx, delay); err != nil {
				session.Status = StatusFailed
				session.FinishedAt = e.now().UTC()
				return session, err
			}
		}

		if !e.days.take(e.now(), e.MaxPerDay) {
			session.Status = StatusRateLimited
			session.FinishedAt = e.now().UTC()
			log.Warn("daily rerun budget exhausted", slog.String("event", "retry_day_limit"))
			return session, ErrDailyLimit
		}

		att := e.attempt(ctx, owner, name, runID, attempt+1, delay)
		session.Attempts = append(session.Attempts, att)
		session.Status = att.Status
		lastRateLimited = att.Status == StatusRateLimited

		log.Info("rerun attempt finished",
			slog.String("event", "retry_attempt"),
			slog.Int("attempt", att.Number),
			slog.String("status", string(att.Status)),
		)

		if att.Status == StatusSuccess || att.Status == StatusUnauthorized {
			break
		}
	}

	session.FinishedAt = e.now().UTC()
	e.Metrics.IncRetrySession(string(session.Status))
	return session, nil
}

// attempt performs one rerun request and, when accepted, waits for the
// rerun's conclusion.
func (e *Engine) attempt(ctx context.Context, owner, name string, runID int64, number int, delay time.Duration) Attempt {
	att := Attempt{Number: number, Status: StatusPending, Delay: delay, StartedAt: e.now().UTC()}
	defer func() { att.FinishedAt = e.now().UTC() }()

	outcome, err := e.Provider.RerunRun(ctx, owner, name, runID)
	att.Outcome = outcome
	if err != nil {
		att.Status = StatusFailed
		att.Error = err.Error()
		return att
	}

	switch outcome {
	case protocol.RerunAccepted:
		att.Status = e.awaitConclusion(ctx, owner, name, runID, &att)
	case protocol.RerunUnauthorized:
		att.Status = StatusUnauthorized
	case protocol.RerunRateLimited:
		att.Status = StatusRateLimited
	case protocol.RerunNotRerunnable:
		att.Status = StatusFailed
		att.Error = "run is not rerunnable"
	default:
		att.Status = StatusFailed
	}
	return att
}

// awaitConclusion polls the run until it completes or the conclusion window
// closes.
func (e *Engine) awaitConclusion(ctx context.Context, owner, name string, runID int64, att *Attempt) AttemptStatus {
	deadline := e.now().Add(e.ConcludeWithin)
	for {
		run, err := e.Provider.GetRun(ctx, owner, name, runID)
		if err != nil {
			att.Error = err.Error()
			return StatusFailed
		}
		if run.Status == "completed" {
			if run.Conclusion == "success" {
				return StatusSuccess
			}
			att.Error = "rerun concluded " + run.Conclusion
			return StatusFailed
		}
		if e.now().After(deadline) {
			att.Error = "rerun did not conclude in time"
			return StatusFailed
		}
		if err := e.sleep(ctx, e.PollInterval); err != nil {
			att.Error = err.Error()
			return StatusFailed
		}
	}
}

func newSessionID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("retry-%d", time.Now().UnixNano())
	}
	return "retry-" + hex.EncodeToString(buf)
}
