package notification

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"taskstream/internal/constants"
	"taskstream/pkg/errors"
	"taskstream/pkg/metrics"
)

type Repository interface {
	ListByUser(ctx context.Context, userID string, unreadOnly bool, limit, offset int) ([]Notification, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
}

type PostgresRepository struct {
	db      *sql.DB
	service string
}

func NewPostgresRepository(db *sql.DB, serviceName string) *PostgresRepository {
	return &PostgresRepository{db: db, service: serviceName}
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID string, unreadOnly bool, limit, offset int) ([]Notification, error) {
	start := time.Now()

	if limit <= 0 {
		limit = constants.DefaultLimit
	}
	if limit > constants.MaxLimit {
		limit = constants.MaxLimit
	}

	query := `
		SELECT id, user_id, task_id, message, read, created_at
		FROM notifications
		WHERE user_id = $1`
	if unreadOnly {
		query += ` AND NOT read`
	}
	query += ` ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		metrics.IncDatabaseQuery(r.service, "postgres", "list_notifications", "error")
		return nil, fmt.Errorf("failed to list notifications for user %s: %w", userID, err)
	}
	defer rows.Close()

	var notifications []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.TaskID, &n.Message, &n.Read, &n.CreatedAt); err != nil {
			metrics.IncDatabaseQuery(r.service, "postgres", "list_notifications", "error")
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		metrics.IncDatabaseQuery(r.service, "postgres", "list_notifications", "error")
		return nil, fmt.Errorf("failed to iterate notifications: %w", err)
	}

	metrics.ObserveDatabaseQueryDuration(r.service, "postgres", "list_notifications", time.Since(start))
	metrics.IncDatabaseQuery(r.service, "postgres", "list_notifications", "success")
	return notifications, nil
}

func (r *PostgresRepository) MarkRead(ctx context.Context, id string) error {
	start := time.Now()

	res, err := r.db.ExecContext(ctx, `UPDATE notifications SET read = TRUE WHERE id = $1`, id)
	if err != nil {
		metrics.IncDatabaseQuery(r.service, "postgres", "mark_read", "error")
		return fmt.Errorf("failed to mark notification %s read: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		metrics.IncDatabaseQuery(r.service, "postgres", "mark_read", "not_found")
		return errors.ErrNotFound.WithDetail("notification_id", id)
	}

	metrics.ObserveDatabaseQueryDuration(r.service, "postgres", "mark_read", time.Since(start))
	metrics.IncDatabaseQuery(r.service, "postgres", "mark_read", "success")
	return nil
}

func (r *PostgresRepository) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	start := time.Now()

	res, err := r.db.ExecContext(ctx, `UPDATE notifications SET read = TRUE WHERE user_id = $1 AND NOT read`, userID)
	if err != nil {
		metrics.IncDatabaseQuery(r.service, "postgres", "mark_all_read", "error")
		return 0, fmt.Errorf("failed to mark notifications read for user %s: %w", userID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	metrics.ObserveDatabaseQueryDuration(r.service, "postgres", "mark_all_read", time.Since(start))
	metrics.IncDatabaseQuery(r.service, "postgres", "mark_all_read", "success")
	return affected, nil
}
