package reminder

import (
	"context"
	"fmt"
	"time"

	"taskstream/internal/constants"
	"taskstream/internal/events"
	"taskstream/internal/logger"
	"taskstream/pkg/metrics"
	"taskstream/pkg/tracing"
)

// Publisher is the slice of the event publisher the scanner needs. The
// reminder-due event is published synchronously so a broker outage is
// visible in the scan logs, but the notification already committed by
// then; a lost announcement does not retry the reminder.
type Publisher interface {
	PublishSync(ctx context.Context, topic, eventType, userID string, data map[string]any) (string, error)
}

// Scanner polls for due reminders. No events drive it; a task whose
// reminder time passes is found by the next tick. Ticks never overlap: a
// slow scan simply absorbs the ticks it missed.
//
// The lookback shifts the selection cutoff to now-lookback so scheduler
// jitter cannot fire a reminder ahead of its time. It never bounds how old
// a reminder may be: an unsent reminder is dispatched no matter how long
// ago it fell due.
type Scanner struct {
	store     Store
	publisher Publisher
	interval  time.Duration
	lookback  time.Duration
	logger    logger.Logger
}

func NewScanner(store Store, publisher Publisher, interval, lookback time.Duration, log logger.Logger) *Scanner {
	if interval <= 0 {
		interval = constants.DefaultReminderInterval
	}
	if lookback < 0 {
		lookback = 0
	}
	return &Scanner{
		store:     store,
		publisher: publisher,
		interval:  interval,
		lookback:  lookback,
		logger:    log,
	}
}

// Run blocks until ctx is canceled. The first scan happens immediately so
// a restart does not wait a full interval to pick up overdue reminders.
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.Infow("Reminder scanner started",
		"interval", s.interval,
		"lookback", s.lookback,
	)

	s.scan(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Infow("Reminder scanner stopped")
			return ctx.Err()
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

// scan processes one tick. Per-task failures are logged and skipped so one
// bad row cannot starve the rest of the batch.
func (s *Scanner) scan(ctx context.Context) {
	ctx, span := tracing.GetTracer("reminder-service").Start(ctx, "reminder.scan")
	defer span.End()

	start := time.Now()
	cutoff := start.UTC().Add(-s.lookback)

	due, err := s.store.DueReminders(ctx, cutoff)
	if err != nil {
		s.logger.ErrorwCtx(ctx, "Failed to query due reminders", "error", err)
		return
	}

	if len(due) == 0 {
		metrics.ObserveReminderScan(time.Since(start))
		return
	}

	s.logger.InfowCtx(ctx, "Processing due reminders", "count", len(due))

	for _, reminder := range due {
		if err := ctx.Err(); err != nil {
			return
		}
		status := s.dispatch(ctx, reminder)
		metrics.RemindersDispatchedTotal.WithLabelValues(status).Inc()
	}

	metrics.ObserveReminderScan(time.Since(start))
}

func (s *Scanner) dispatch(ctx context.Context, reminder DueReminder) string {
	// A reminder for a finished task would only be noise. Flag it so the
	// scanner stops picking it up.
	if reminder.Completed {
		if err := s.store.MarkReminderSent(ctx, reminder.TaskID); err != nil {
			s.logger.ErrorwCtx(ctx, "Failed to flag reminder on completed task",
				"error", err,
				"task_id", reminder.TaskID,
			)
			return "error"
		}
		s.logger.DebugwCtx(ctx, "Task already completed, reminder suppressed",
			"task_id", reminder.TaskID,
		)
		return "completed_skip"
	}

	message := FormatMessage(reminder)

	notificationID, err := s.store.NotifyAndFlag(ctx, reminder, message)
	if err != nil {
		s.logger.ErrorwCtx(ctx, "Failed to create reminder notification",
			"error", err,
			"task_id", reminder.TaskID,
		)
		return "error"
	}
	if notificationID == "" {
		// Another instance won the race; nothing to announce.
		return "already_sent"
	}

	data, err := events.StructToMap(events.ReminderDueData{
		TaskID:         reminder.TaskID,
		Title:          reminder.Title,
		DueDate:        formatTimePtr(reminder.DueDate),
		ReminderAt:     formatTimePtr(&reminder.ReminderAt),
		Priority:       reminder.Priority,
		NotificationID: notificationID,
	})
	if err != nil {
		s.logger.ErrorwCtx(ctx, "Failed to encode reminder-due payload",
			"error", err,
			"task_id", reminder.TaskID,
		)
		return "publish_error"
	}

	if _, err := s.publisher.PublishSync(ctx, events.TopicReminderDue, events.TypeReminderDue, reminder.UserID, data); err != nil {
		s.logger.ErrorwCtx(ctx, "Failed to publish reminder-due event",
			"error", err,
			"task_id", reminder.TaskID,
			"notification_id", notificationID,
		)
		return "publish_error"
	}

	s.logger.InfowCtx(ctx, "Dispatched reminder",
		"task_id", reminder.TaskID,
		"notification_id", notificationID,
	)
	return "published"
}

// FormatMessage renders the user-facing notification text.
func FormatMessage(reminder DueReminder) string {
	if reminder.DueDate != nil {
		return fmt.Sprintf("Reminder: %s (due %s)", reminder.Title, reminder.DueDate.Format("2006-01-02 15:04"))
	}
	return fmt.Sprintf("Reminder: %s", reminder.Title)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
