package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskstream/internal/task"
	"taskstream/pkg/errors"
)

func TestTaskRepository_InsertAndGet(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	ctx := context.Background()
	repo := task.NewPostgresRepository(infra.PostgresDB, "recurring-service", createTestLogger())

	due := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Microsecond)
	remind := due.Add(-time.Hour)

	original := createTestTask("user-1", "Water plants")
	original.Description = "Kitchen and balcony"
	original.Category = "home"
	original.DueDate = timeRef(due)
	original.ReminderAt = timeRef(remind)
	original.RecurringRule = strRef("weekly")
	original.Tags = []string{"home", "plants"}

	require.NoError(t, repo.Insert(ctx, original))

	got, err := repo.GetByID(ctx, original.ID)
	require.NoError(t, err)

	assert.Equal(t, original.ID, got.ID)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "Water plants", got.Title)
	assert.Equal(t, "Kitchen and balcony", got.Description)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, "home", got.Category)
	assert.False(t, got.Completed)
	require.NotNil(t, got.DueDate)
	assert.WithinDuration(t, due, *got.DueDate, time.Millisecond)
	require.NotNil(t, got.ReminderAt)
	assert.WithinDuration(t, remind, *got.ReminderAt, time.Millisecond)
	require.NotNil(t, got.RecurringRule)
	assert.Equal(t, "weekly", *got.RecurringRule)
	assert.Nil(t, got.ParentTaskID)
	assert.Equal(t, []string{"home", "plants"}, got.Tags)
}

func TestTaskRepository_GetByID_NotFound(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := task.NewPostgresRepository(infra.PostgresDB, "recurring-service", createTestLogger())

	_, err := repo.GetByID(context.Background(), "00000000-0000-0000-0000-000000000000")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestTaskRepository_HasSuccessor(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	ctx := context.Background()
	repo := task.NewPostgresRepository(infra.PostgresDB, "recurring-service", createTestLogger())

	root := createTestTask("user-2", "Weekly review")
	root.RecurringRule = strRef("weekly")
	require.NoError(t, repo.Insert(ctx, root))

	nextDue := time.Now().UTC().Add(7 * 24 * time.Hour).Truncate(time.Microsecond)

	exists, err := repo.HasSuccessor(ctx, root.ID, timeRef(nextDue))
	require.NoError(t, err)
	assert.False(t, exists)

	successor := createTestTask("user-2", "Weekly review")
	successor.RecurringRule = strRef("weekly")
	successor.DueDate = timeRef(nextDue)
	successor.ParentTaskID = strRef(root.ID)
	require.NoError(t, repo.Insert(ctx, successor))

	exists, err = repo.HasSuccessor(ctx, root.ID, timeRef(nextDue))
	require.NoError(t, err)
	assert.True(t, exists)

	// Different due date does not count as the same successor.
	otherDue := nextDue.Add(24 * time.Hour)
	exists, err = repo.HasSuccessor(ctx, root.ID, timeRef(otherDue))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTaskRepository_HasSuccessor_IgnoresCompleted(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	ctx := context.Background()
	repo := task.NewPostgresRepository(infra.PostgresDB, "recurring-service", createTestLogger())

	root := createTestTask("user-3", "Daily standup")
	require.NoError(t, repo.Insert(ctx, root))

	nextDue := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Microsecond)

	done := createTestTask("user-3", "Daily standup")
	done.Completed = true
	done.DueDate = timeRef(nextDue)
	done.ParentTaskID = strRef(root.ID)
	require.NoError(t, repo.Insert(ctx, done))

	exists, err := repo.HasSuccessor(ctx, root.ID, timeRef(nextDue))
	require.NoError(t, err)
	assert.False(t, exists, "completed instances are not open successors")
}

func TestTaskRepository_HasSuccessor_NilDueDate(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	ctx := context.Background()
	repo := task.NewPostgresRepository(infra.PostgresDB, "recurring-service", createTestLogger())

	root := createTestTask("user-4", "Sometime task")
	require.NoError(t, repo.Insert(ctx, root))

	successor := createTestTask("user-4", "Sometime task")
	successor.ParentTaskID = strRef(root.ID)
	require.NoError(t, repo.Insert(ctx, successor))

	exists, err := repo.HasSuccessor(ctx, root.ID, nil)
	require.NoError(t, err)
	assert.True(t, exists, "NULL due dates should compare equal")
}
