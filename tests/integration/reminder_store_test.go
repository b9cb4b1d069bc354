package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskstream/internal/notification"
	"taskstream/internal/reminder"
	"taskstream/internal/task"
)

func insertReminderTask(t *testing.T, repo *task.PostgresRepository, userID string, remindAt time.Time) *task.Task {
	t.Helper()

	tk := createTestTask(userID, "Pay rent")
	due := remindAt.Add(time.Hour)
	tk.DueDate = timeRef(due)
	tk.ReminderAt = timeRef(remindAt)
	require.NoError(t, repo.Insert(context.Background(), tk))
	return tk
}

func TestReminderStore_DueReminders(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	ctx := context.Background()
	tasks := task.NewPostgresRepository(infra.PostgresDB, "reminder-service", createTestLogger())
	store := reminder.NewPostgresStore(infra.PostgresDB, "reminder-service")

	now := time.Now().UTC().Truncate(time.Microsecond)

	late := insertReminderTask(t, tasks, "user-1", now.Add(-2*time.Hour))
	recent := insertReminderTask(t, tasks, "user-1", now.Add(-time.Minute))
	insertReminderTask(t, tasks, "user-1", now.Add(time.Hour)) // not yet due

	noReminder := createTestTask("user-1", "No reminder set")
	require.NoError(t, tasks.Insert(ctx, noReminder))

	due, err := store.DueReminders(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 2)

	assert.Equal(t, late.ID, due[0].TaskID, "oldest reminder comes first")
	assert.Equal(t, recent.ID, due[1].TaskID)
	assert.Equal(t, "user-1", due[0].UserID)
	require.NotNil(t, due[0].DueDate)
}

func TestReminderStore_DueReminders_SkipsFlagged(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	ctx := context.Background()
	tasks := task.NewPostgresRepository(infra.PostgresDB, "reminder-service", createTestLogger())
	store := reminder.NewPostgresStore(infra.PostgresDB, "reminder-service")

	now := time.Now().UTC().Truncate(time.Microsecond)
	tk := insertReminderTask(t, tasks, "user-1", now.Add(-time.Minute))

	require.NoError(t, store.MarkReminderSent(ctx, tk.ID))

	due, err := store.DueReminders(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestReminderStore_NotifyAndFlag(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	ctx := context.Background()
	tasks := task.NewPostgresRepository(infra.PostgresDB, "reminder-service", createTestLogger())
	store := reminder.NewPostgresStore(infra.PostgresDB, "reminder-service")
	notifications := notification.NewPostgresRepository(infra.PostgresDB, "reminder-service")

	now := time.Now().UTC().Truncate(time.Microsecond)
	tk := insertReminderTask(t, tasks, "user-1", now.Add(-time.Minute))

	due, err := store.DueReminders(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)

	notificationID, err := store.NotifyAndFlag(ctx, due[0], "Reminder: Pay rent")
	require.NoError(t, err)
	require.NotEmpty(t, notificationID)

	list, err := notifications.ListByUser(ctx, "user-1", false, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, notificationID, list[0].ID)
	assert.Equal(t, tk.ID, list[0].TaskID)
	assert.Equal(t, "Reminder: Pay rent", list[0].Message)
	assert.False(t, list[0].Read)

	remaining, err := store.DueReminders(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, remaining, "flagged reminder leaves the due set")
}

func TestReminderStore_NotifyAndFlag_SecondCallLosesRace(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	ctx := context.Background()
	tasks := task.NewPostgresRepository(infra.PostgresDB, "reminder-service", createTestLogger())
	store := reminder.NewPostgresStore(infra.PostgresDB, "reminder-service")
	notifications := notification.NewPostgresRepository(infra.PostgresDB, "reminder-service")

	now := time.Now().UTC().Truncate(time.Microsecond)
	insertReminderTask(t, tasks, "user-1", now.Add(-time.Minute))

	due, err := store.DueReminders(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)

	first, err := store.NotifyAndFlag(ctx, due[0], "Reminder: Pay rent")
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := store.NotifyAndFlag(ctx, due[0], "Reminder: Pay rent")
	require.NoError(t, err)
	assert.Empty(t, second, "loser of the flag race gets no notification id")

	list, err := notifications.ListByUser(ctx, "user-1", false, 10, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1, "loser's notification insert must roll back")
}

func TestNotificationRepository_MarkRead(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	ctx := context.Background()
	tasks := task.NewPostgresRepository(infra.PostgresDB, "reminder-service", createTestLogger())
	store := reminder.NewPostgresStore(infra.PostgresDB, "reminder-service")
	notifications := notification.NewPostgresRepository(infra.PostgresDB, "reminder-service")

	now := time.Now().UTC().Truncate(time.Microsecond)
	insertReminderTask(t, tasks, "user-1", now.Add(-time.Minute))

	due, err := store.DueReminders(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)

	notificationID, err := store.NotifyAndFlag(ctx, due[0], "Reminder: Pay rent")
	require.NoError(t, err)

	require.NoError(t, notifications.MarkRead(ctx, notificationID))

	unread, err := notifications.ListByUser(ctx, "user-1", true, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, unread)

	all, err := notifications.ListByUser(ctx, "user-1", false, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Read)
}

func TestNotificationRepository_MarkAllRead(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	ctx := context.Background()
	tasks := task.NewPostgresRepository(infra.PostgresDB, "reminder-service", createTestLogger())
	store := reminder.NewPostgresStore(infra.PostgresDB, "reminder-service")
	notifications := notification.NewPostgresRepository(infra.PostgresDB, "reminder-service")

	now := time.Now().UTC().Truncate(time.Microsecond)
	for i := 0; i < 3; i++ {
		insertReminderTask(t, tasks, "user-1", now.Add(-time.Duration(i+1)*time.Minute))
	}

	due, err := store.DueReminders(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 3)
	for _, r := range due {
		_, err := store.NotifyAndFlag(ctx, r, "Reminder: Pay rent")
		require.NoError(t, err)
	}

	affected, err := notifications.MarkAllRead(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), affected)

	unread, err := notifications.ListByUser(ctx, "user-1", true, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, unread)
}
