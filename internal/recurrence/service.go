package recurrence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"taskstream/internal/constants"
	"taskstream/internal/events"
	"taskstream/internal/idempotency"
	"taskstream/internal/logger"
	"taskstream/internal/task"
	"taskstream/pkg/errors"
	"taskstream/pkg/metrics"
	"taskstream/pkg/tracing"
)

// Publisher is the slice of the event publisher the service needs.
type Publisher interface {
	Publish(ctx context.Context, topic, eventType, userID string, data map[string]any) string
}

// Service turns a completed recurring task into the next instance of its
// series. It consumes task-completed events; one completion yields at most
// one successor.
type Service struct {
	tasks     task.Repository
	guard     *idempotency.Guard
	publisher Publisher
	logger    logger.Logger
}

func NewService(tasks task.Repository, guard *idempotency.Guard, publisher Publisher, log logger.Logger) *Service {
	return &Service{
		tasks:     tasks,
		guard:     guard,
		publisher: publisher,
		logger:    log,
	}
}

// HandleCompleted processes one task-completed delivery. Outcomes that can
// never change on redelivery (not recurring, series ended, task gone) are
// absorbed without error so the delivery is acknowledged; infrastructure
// failures release the idempotency claim and propagate so the broker
// retries.
func (s *Service) HandleCompleted(ctx context.Context, env events.Envelope) error {
	ctx, span := tracing.GetTracer(constants.ConsumerRecurring).Start(ctx, "recurrence.handle_completed")
	defer span.End()

	first, err := s.guard.CheckAndMark(ctx, env.EventID, constants.ConsumerRecurring)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	if err := s.process(ctx, env); err != nil {
		if errors.IsFatalError(err) {
			// Redelivery cannot fix a fatal outcome; keep the claim so the
			// duplicate is dropped cheaply.
			s.logger.ErrorwCtx(ctx, "Dropping completion event after fatal error",
				"error", err,
				"event_id", env.EventID,
			)
			return err
		}
		s.guard.Release(ctx, env.EventID, constants.ConsumerRecurring)
		return err
	}

	return nil
}

func (s *Service) process(ctx context.Context, env events.Envelope) error {
	payload, err := env.AsTaskCompleted()
	if err != nil {
		return err
	}
	if payload.TaskID == "" {
		return errors.ErrMalformedEvent.WithDetail("reason", "completion event has no task_id")
	}

	if payload.RecurringRule == nil || *payload.RecurringRule == "" {
		s.logger.DebugwCtx(ctx, "Completed task is not recurring, nothing to generate",
			"task_id", payload.TaskID,
		)
		return nil
	}

	base, err := s.tasks.GetByID(ctx, payload.TaskID)
	if err != nil {
		if errors.IsNotFound(err) {
			// Deleted between completion and delivery; the series dies with
			// the task.
			s.logger.WarnwCtx(ctx, "Completed task no longer exists, skipping successor",
				"task_id", payload.TaskID,
			)
			return nil
		}
		return err
	}

	if !base.IsRecurring() {
		s.logger.DebugwCtx(ctx, "Task lost its recurrence rule before delivery, skipping",
			"task_id", base.ID,
		)
		return nil
	}

	baseDue := time.Now().UTC()
	if base.DueDate != nil {
		baseDue = *base.DueDate
	}

	if base.RecurringEndDate != nil && !baseDue.Before(*base.RecurringEndDate) {
		s.logger.InfowCtx(ctx, "Recurring series reached its end date",
			"task_id", base.ID,
			"end_date", base.RecurringEndDate,
		)
		metrics.RecurringSeriesEndedTotal.Inc()
		return nil
	}

	rule := NormalizeRule(*base.RecurringRule)
	nextDue := NextDueDate(baseDue, rule)

	if base.RecurringEndDate != nil && nextDue.After(*base.RecurringEndDate) {
		s.logger.InfowCtx(ctx, "Next instance would fall past the series end date",
			"task_id", base.ID,
			"next_due", nextDue,
			"end_date", base.RecurringEndDate,
		)
		metrics.RecurringSeriesEndedTotal.Inc()
		return nil
	}

	root := base.SeriesRoot()

	exists, err := s.tasks.HasSuccessor(ctx, root, &nextDue)
	if err != nil {
		return err
	}
	if exists {
		s.logger.InfowCtx(ctx, "Successor already exists, skipping",
			"task_id", base.ID,
			"series_root", root,
			"next_due", nextDue,
		)
		return nil
	}

	successor := s.buildSuccessor(base, root, nextDue)
	if err := s.tasks.Insert(ctx, successor); err != nil {
		return err
	}

	metrics.RecurringInstancesCreatedTotal.WithLabelValues(rule).Inc()
	s.logger.InfowCtx(ctx, "Created next recurring instance",
		"task_id", base.ID,
		"successor_id", successor.ID,
		"rule", rule,
		"next_due", nextDue,
	)

	data, err := events.StructToMap(createdPayload(successor))
	if err != nil {
		// Successor exists; a lost announcement is not worth reprocessing
		// the completion and duplicating the instance.
		s.logger.ErrorwCtx(ctx, "Failed to encode task-created payload",
			"error", err,
			"successor_id", successor.ID,
		)
		return nil
	}
	s.publisher.Publish(ctx, events.TopicTaskCreated, events.TypeTaskCreated, successor.UserID, data)

	return nil
}

// buildSuccessor copies the base task into the next instance. The reminder
// keeps its distance to the due date rather than its absolute time.
func (s *Service) buildSuccessor(base *task.Task, root string, nextDue time.Time) *task.Task {
	now := time.Now().UTC()

	successor := &task.Task{
		ID:               uuid.NewString(),
		UserID:           base.UserID,
		Title:            base.Title,
		Description:      base.Description,
		Completed:        false,
		Status:           task.StatusPending,
		Priority:         base.Priority,
		Category:         base.Category,
		DueDate:          &nextDue,
		ReminderSent:     false,
		RecurringRule:    base.RecurringRule,
		RecurringEndDate: base.RecurringEndDate,
		ParentTaskID:     &root,
		Tags:             append([]string(nil), base.Tags...),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if base.ReminderAt != nil && base.DueDate != nil {
		delta := base.DueDate.Sub(*base.ReminderAt)
		reminderAt := nextDue.Add(-delta)
		successor.ReminderAt = &reminderAt
	}

	return successor
}

func createdPayload(t *task.Task) events.TaskCreatedData {
	payload := events.TaskCreatedData{
		TaskID:      t.ID,
		Title:       t.Title,
		Description: t.Description,
		Priority:    t.Priority,
		Category:    t.Category,
		Status:      t.Status,
		Tags:        t.Tags,
	}
	payload.DueDate = formatTimePtr(t.DueDate)
	payload.ReminderAt = formatTimePtr(t.ReminderAt)
	payload.RecurringRule = t.RecurringRule
	payload.RecurringEndDate = formatTimePtr(t.RecurringEndDate)
	return payload
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
