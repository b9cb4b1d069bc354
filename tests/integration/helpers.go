package integration

import (
	"time"

	"github.com/google/uuid"

	"taskstream/internal/audit"
	"taskstream/internal/config"
	"taskstream/internal/constants"
	"taskstream/internal/logger"
	"taskstream/internal/task"
)

const (
	containerStartupTimeout = 60
)

func createTestLogger() logger.Logger {
	return logger.NopLogger()
}

func createTestIdempotencyConfig() config.IdempotencyConfig {
	return config.IdempotencyConfig{
		TTLSeconds:   300,
		OnRedisError: constants.FallbackFail,
	}
}

func createTestTask(userID, title string) *task.Task {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &task.Task{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		Status:    task.StatusPending,
		Priority:  "medium",
		Tags:      []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func createTestAuditEntry(userID, taskID, eventType string, ts time.Time) *audit.Entry {
	return &audit.Entry{
		ID:        uuid.NewString(),
		EventID:   uuid.NewString(),
		EventType: eventType,
		Action:    audit.ActionFromEventType(eventType),
		UserID:    userID,
		TaskID:    taskID,
		Timestamp: ts,
		Details:   map[string]any{"task_id": taskID},
	}
}

func timeRef(t time.Time) *time.Time {
	return &t
}

func strRef(s string) *string {
	return &s
}
