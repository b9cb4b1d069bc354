package task

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"taskstream/internal/logger"
	"taskstream/pkg/errors"
	"taskstream/pkg/metrics"
)

type Repository interface {
	GetByID(ctx context.Context, id string) (*Task, error)
	Insert(ctx context.Context, t *Task) error
	HasSuccessor(ctx context.Context, parentID string, dueDate *time.Time) (bool, error)
}

type PostgresRepository struct {
	db      *sql.DB
	logger  logger.Logger
	service string
}

func NewPostgresRepository(db *sql.DB, serviceName string, log logger.Logger) *PostgresRepository {
	return &PostgresRepository{db: db, logger: log, service: serviceName}
}

const taskColumns = `id, user_id, title, description, completed, status,
	priority, category, due_date, reminder_at, reminder_sent, recurring_rule,
	recurring_end_date, parent_task_id, tags, created_at, updated_at`

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Task, error) {
	start := time.Now()

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	var t Task
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &t.UserID, &t.Title, &t.Description, &t.Completed, &t.Status,
		&t.Priority, &t.Category, &t.DueDate, &t.ReminderAt, &t.ReminderSent,
		&t.RecurringRule, &t.RecurringEndDate, &t.ParentTaskID, pq.Array(&t.Tags),
		&t.CreatedAt, &t.UpdatedAt,
	)

	metrics.ObserveDatabaseQueryDuration(r.service, "postgres", "get_task", time.Since(start))

	if err == sql.ErrNoRows {
		metrics.IncDatabaseQuery(r.service, "postgres", "get_task", "not_found")
		return nil, errors.ErrNotFound.WithDetail("task_id", id)
	}
	if err != nil {
		metrics.IncDatabaseQuery(r.service, "postgres", "get_task", "error")
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}

	metrics.IncDatabaseQuery(r.service, "postgres", "get_task", "success")
	return &t, nil
}

func (r *PostgresRepository) Insert(ctx context.Context, t *Task) error {
	start := time.Now()

	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err := r.db.ExecContext(ctx, query,
		t.ID, t.UserID, t.Title, t.Description, t.Completed, t.Status,
		t.Priority, t.Category, t.DueDate, t.ReminderAt, t.ReminderSent,
		t.RecurringRule, t.RecurringEndDate, t.ParentTaskID, pq.Array(t.Tags),
		t.CreatedAt, t.UpdatedAt,
	)

	metrics.ObserveDatabaseQueryDuration(r.service, "postgres", "insert_task", time.Since(start))

	if err != nil {
		metrics.IncDatabaseQuery(r.service, "postgres", "insert_task", "error")
		return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}

	metrics.IncDatabaseQuery(r.service, "postgres", "insert_task", "success")
	return nil
}

// HasSuccessor reports whether an open instance with this lineage root and
// due date already exists. It backstops the idempotency guard: if a crash
// lands between creating a successor and acknowledging the delivery, the
// redelivery finds the existing instance here instead of inserting twice.
func (r *PostgresRepository) HasSuccessor(ctx context.Context, parentID string, dueDate *time.Time) (bool, error) {
	start := time.Now()

	query := `
		SELECT EXISTS (
			SELECT 1 FROM tasks
			WHERE parent_task_id = $1
			  AND due_date IS NOT DISTINCT FROM $2
			  AND NOT completed
		)`

	var exists bool
	err := r.db.QueryRowContext(ctx, query, parentID, dueDate).Scan(&exists)

	metrics.ObserveDatabaseQueryDuration(r.service, "postgres", "has_successor", time.Since(start))

	if err != nil {
		metrics.IncDatabaseQuery(r.service, "postgres", "has_successor", "error")
		return false, fmt.Errorf("failed to check for successor of task %s: %w", parentID, err)
	}

	metrics.IncDatabaseQuery(r.service, "postgres", "has_successor", "success")
	return exists, nil
}
