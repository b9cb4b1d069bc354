package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskstream/internal/config"
	"taskstream/internal/events"
	"taskstream/internal/idempotency"
	"taskstream/internal/logger"
)

type memoryGuardRepo struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newMemoryGuardRepo() *memoryGuardRepo {
	return &memoryGuardRepo{keys: make(map[string]struct{})}
}

func (m *memoryGuardRepo) SetNX(_ context.Context, key string, _ interface{}, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	m.keys[key] = struct{}{}
	return true, nil
}

func (m *memoryGuardRepo) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

func (m *memoryGuardRepo) MarkedCount(_ context.Context, _ string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys), nil
}

type memoryAuditRepo struct {
	mu        sync.Mutex
	entries   []*Entry
	insertErr error
}

func (m *memoryAuditRepo) Insert(_ context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memoryAuditRepo) List(_ context.Context, filter Filter) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

func (m *memoryAuditRepo) Stats(_ context.Context, _ Filter) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &Stats{ByAction: make(map[string]int64)}
	for _, e := range m.entries {
		stats.ByAction[e.Action]++
		stats.Total++
	}
	return stats, nil
}

func newTestService(repo *memoryAuditRepo) *Service {
	guard := idempotency.NewGuard(newMemoryGuardRepo(), config.IdempotencyConfig{}, logger.NopLogger())
	return NewService(repo, guard, logger.NopLogger())
}

func envelope(eventID, eventType string) events.Envelope {
	return events.Envelope{
		EventID:   eventID,
		EventType: eventType,
		Timestamp: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC),
		UserID:    "user-1",
		Data: map[string]any{
			"task_id": "task-1",
			"title":   "Buy milk",
		},
	}
}

func TestHandleEvent_RecordsEntry(t *testing.T) {
	repo := &memoryAuditRepo{}
	svc := newTestService(repo)

	err := svc.HandleEvent(context.Background(), envelope("evt-1", "task-created"))
	require.NoError(t, err)

	require.Len(t, repo.entries, 1)
	entry := repo.entries[0]

	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, "evt-1", entry.EventID)
	assert.Equal(t, "task-created", entry.EventType)
	assert.Equal(t, "created", entry.Action)
	assert.Equal(t, "user-1", entry.UserID)
	assert.Equal(t, "task-1", entry.TaskID)
	assert.Equal(t, "Buy milk", entry.Details["title"])
}

func TestHandleEvent_DuplicateEventRecordedOnce(t *testing.T) {
	repo := &memoryAuditRepo{}
	svc := newTestService(repo)

	env := envelope("evt-1", "task-updated")
	require.NoError(t, svc.HandleEvent(context.Background(), env))
	require.NoError(t, svc.HandleEvent(context.Background(), env))

	assert.Len(t, repo.entries, 1)
}

func TestHandleEvent_AllTopicsShareOneHandler(t *testing.T) {
	repo := &memoryAuditRepo{}
	svc := newTestService(repo)

	for i, eventType := range []string{"task-created", "task-updated", "task-completed", "task-deleted"} {
		env := envelope("evt-"+string(rune('a'+i)), eventType)
		require.NoError(t, svc.HandleEvent(context.Background(), env))
	}

	require.Len(t, repo.entries, 4)
	assert.Equal(t, "created", repo.entries[0].Action)
	assert.Equal(t, "updated", repo.entries[1].Action)
	assert.Equal(t, "completed", repo.entries[2].Action)
	assert.Equal(t, "deleted", repo.entries[3].Action)
}

func TestHandleEvent_InsertFailureReleasesClaim(t *testing.T) {
	repo := &memoryAuditRepo{insertErr: errors.New("mongo down")}
	svc := newTestService(repo)

	env := envelope("evt-1", "task-created")
	require.Error(t, svc.HandleEvent(context.Background(), env))
	assert.Empty(t, repo.entries)

	// Store recovers; the redelivered event must be recorded.
	repo.mu.Lock()
	repo.insertErr = nil
	repo.mu.Unlock()

	require.NoError(t, svc.HandleEvent(context.Background(), env))
	assert.Len(t, repo.entries, 1)
}

func TestHandleEvent_MissingTaskIDStillRecorded(t *testing.T) {
	repo := &memoryAuditRepo{}
	svc := newTestService(repo)

	env := events.Envelope{
		EventID:   "evt-1",
		EventType: "task-deleted",
		Timestamp: time.Now(),
		UserID:    "user-2",
		Data:      map[string]any{"title": "Orphan payload"},
	}

	require.NoError(t, svc.HandleEvent(context.Background(), env))
	require.Len(t, repo.entries, 1)
	assert.Empty(t, repo.entries[0].TaskID)
}

func TestActionFromEventType(t *testing.T) {
	assert.Equal(t, "created", ActionFromEventType("task-created"))
	assert.Equal(t, "completed", ActionFromEventType("task-completed"))
	assert.Equal(t, "reminder-due", ActionFromEventType("reminder-due"))
}
