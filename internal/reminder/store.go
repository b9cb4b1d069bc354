package reminder

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskstream/pkg/metrics"
)

// DueReminder is the slice of a task the scanner needs to dispatch its
// reminder.
type DueReminder struct {
	TaskID     string
	UserID     string
	Title      string
	Priority   string
	DueDate    *time.Time
	ReminderAt time.Time
	Completed  bool
}

// Store is the persistence the scanner depends on. NotifyAndFlag must be
// atomic: either the notification row exists and the reminder is flagged
// sent, or neither happened.
type Store interface {
	DueReminders(ctx context.Context, cutoff time.Time) ([]DueReminder, error)
	MarkReminderSent(ctx context.Context, taskID string) error
	NotifyAndFlag(ctx context.Context, reminder DueReminder, message string) (string, error)
}

type PostgresStore struct {
	db      *sql.DB
	service string
}

func NewPostgresStore(db *sql.DB, serviceName string) *PostgresStore {
	return &PostgresStore{db: db, service: serviceName}
}

func (s *PostgresStore) DueReminders(ctx context.Context, cutoff time.Time) ([]DueReminder, error) {
	start := time.Now()

	query := `
		SELECT id, user_id, title, priority, due_date, reminder_at, completed
		FROM tasks
		WHERE reminder_at IS NOT NULL
		  AND reminder_at <= $1
		  AND NOT reminder_sent
		ORDER BY reminder_at ASC`

	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		metrics.IncDatabaseQuery(s.service, "postgres", "due_reminders", "error")
		return nil, fmt.Errorf("failed to query due reminders: %w", err)
	}
	defer rows.Close()

	var due []DueReminder
	for rows.Next() {
		var r DueReminder
		if err := rows.Scan(&r.TaskID, &r.UserID, &r.Title, &r.Priority, &r.DueDate, &r.ReminderAt, &r.Completed); err != nil {
			metrics.IncDatabaseQuery(s.service, "postgres", "due_reminders", "error")
			return nil, fmt.Errorf("failed to scan due reminder: %w", err)
		}
		due = append(due, r)
	}
	if err := rows.Err(); err != nil {
		metrics.IncDatabaseQuery(s.service, "postgres", "due_reminders", "error")
		return nil, fmt.Errorf("failed to iterate due reminders: %w", err)
	}

	metrics.ObserveDatabaseQueryDuration(s.service, "postgres", "due_reminders", time.Since(start))
	metrics.IncDatabaseQuery(s.service, "postgres", "due_reminders", "success")
	return due, nil
}

func (s *PostgresStore) MarkReminderSent(ctx context.Context, taskID string) error {
	start := time.Now()

	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET reminder_sent = TRUE WHERE id = $1`, taskID)
	if err != nil {
		metrics.IncDatabaseQuery(s.service, "postgres", "mark_reminder_sent", "error")
		return fmt.Errorf("failed to flag reminder sent for task %s: %w", taskID, err)
	}

	metrics.ObserveDatabaseQueryDuration(s.service, "postgres", "mark_reminder_sent", time.Since(start))
	metrics.IncDatabaseQuery(s.service, "postgres", "mark_reminder_sent", "success")
	return nil
}

// NotifyAndFlag inserts the notification and flags the reminder sent in a
// single transaction. The WHERE NOT reminder_sent clause makes the flag a
// second line of defense against two scanner instances racing on the same
// task: the loser's update hits zero rows and the whole transaction rolls
// back, taking its duplicate notification with it.
func (s *PostgresStore) NotifyAndFlag(ctx context.Context, reminder DueReminder, message string) (string, error) {
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		metrics.IncDatabaseQuery(s.service, "postgres", "notify_and_flag", "error")
		return "", fmt.Errorf("failed to begin notification transaction: %w", err)
	}
	defer tx.Rollback()

	notificationID := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, task_id, message, read, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)`,
		notificationID, reminder.UserID, reminder.TaskID, message, time.Now().UTC(),
	)
	if err != nil {
		metrics.IncDatabaseQuery(s.service, "postgres", "notify_and_flag", "error")
		return "", fmt.Errorf("failed to insert notification for task %s: %w", reminder.TaskID, err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET reminder_sent = TRUE
		WHERE id = $1 AND NOT reminder_sent`,
		reminder.TaskID,
	)
	if err != nil {
		metrics.IncDatabaseQuery(s.service, "postgres", "notify_and_flag", "error")
		return "", fmt.Errorf("failed to flag reminder sent for task %s: %w", reminder.TaskID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if affected == 0 {
		metrics.IncDatabaseQuery(s.service, "postgres", "notify_and_flag", "already_sent")
		return "", nil
	}

	if err := tx.Commit(); err != nil {
		metrics.IncDatabaseQuery(s.service, "postgres", "notify_and_flag", "error")
		return "", fmt.Errorf("failed to commit notification for task %s: %w", reminder.TaskID, err)
	}

	metrics.ObserveDatabaseQueryDuration(s.service, "postgres", "notify_and_flag", time.Since(start))
	metrics.IncDatabaseQuery(s.service, "postgres", "notify_and_flag", "success")
	return notificationID, nil
}
