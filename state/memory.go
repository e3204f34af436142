package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-memory stand-in for Store. It backs tests and deployments
// without Postgres and follows the same semantics: append-only history and
// audit, per-day retry budget.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]RepairSessionRecord
	audit    []AuditEntry
	days     map[string]int
	nextID   int64
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]RepairSessionRecord),
		days:     make(map[string]int),
	}
}

func (m *Memory) SaveRepairSession(ctx context.Context, rec RepairSessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[rec.ID]; exists {
		return fmt.Errorf("repair session %s already recorded", rec.ID)
	}
	m.sessions[rec.ID] = rec
	return nil
}

func (m *Memory) GetRepairSession(ctx context.Context, id string) (RepairSessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return RepairSessionRecord{}, fmt.Errorf("%w: repair session %s", ErrNotFound, id)
	}
	return rec, nil
}

func (m *Memory) ListRepairSessions(ctx context.Context, repo string, limit int) ([]RepairSessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var recs []RepairSessionRecord
	for _, rec := range m.sessions {
		if rec.Repo == repo {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].FinishedAt.Equal(recs[j].FinishedAt) {
			return recs[i].FinishedAt.After(recs[j].FinishedAt)
		}
		return recs[i].ID > recs[j].ID
	})
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (m *Memory) AppendAudit(ctx context.Context, entry AuditEntry) (AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	entry.ID = m.nextID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	m.audit = append(m.audit, entry)
	return entry, nil
}

func (m *Memory) ListAuditBySession(ctx context.Context, sessionID string) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []AuditEntry
	for _, entry := range m.audit {
		if entry.SessionID == sessionID {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (m *Memory) ReserveRetry(ctx context.Context, day time.Time, limit int) (int, error) {
	date := day.Format("2006-01-02")
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > 0 && m.days[date] >= limit {
		return 0, fmt.Errorf("%w: %s", ErrRetryBudgetExhausted, date)
	}
	m.days[date]++
	return m.days[date], nil
}

func (m *Memory) RetryUsage(ctx context.Context, day time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.days[day.Format("2006-01-02")], nil
}
