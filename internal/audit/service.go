package audit

import (
	"context"

	"github.com/google/uuid"

	"taskstream/internal/constants"
	"taskstream/internal/events"
	"taskstream/internal/idempotency"
	"taskstream/internal/logger"
	"taskstream/pkg/metrics"
	"taskstream/pkg/tracing"
)

// Service appends one audit entry per event across all lifecycle topics.
// It records, never interprets: the payload lands in the entry verbatim.
type Service struct {
	repo   Repository
	guard  *idempotency.Guard
	logger logger.Logger
}

func NewService(repo Repository, guard *idempotency.Guard, log logger.Logger) *Service {
	return &Service{repo: repo, guard: guard, logger: log}
}

// HandleEvent is the consumer handler for every subscribed topic.
func (s *Service) HandleEvent(ctx context.Context, env events.Envelope) error {
	ctx, span := tracing.GetTracer(constants.ConsumerAudit).Start(ctx, "audit.handle_event")
	defer span.End()

	first, err := s.guard.CheckAndMark(ctx, env.EventID, constants.ConsumerAudit)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	entry := entryFromEnvelope(env)

	if err := s.repo.Insert(ctx, entry); err != nil {
		// The entry was not persisted, so the claim must not stand: release
		// it and let the broker redeliver.
		s.guard.Release(ctx, env.EventID, constants.ConsumerAudit)
		return err
	}

	metrics.AuditEntriesTotal.WithLabelValues(env.EventType).Inc()
	s.logger.DebugwCtx(ctx, "Recorded audit entry",
		"entry_id", entry.ID,
		"event_type", env.EventType,
		"task_id", entry.TaskID,
	)

	return nil
}

// List proxies read queries from the HTTP API.
func (s *Service) List(ctx context.Context, filter Filter) ([]Entry, error) {
	return s.repo.List(ctx, filter)
}

// Stats proxies aggregate queries from the HTTP API.
func (s *Service) Stats(ctx context.Context, filter Filter) (*Stats, error) {
	return s.repo.Stats(ctx, filter)
}

func entryFromEnvelope(env events.Envelope) *Entry {
	entry := &Entry{
		ID:        uuid.NewString(),
		EventID:   env.EventID,
		EventType: env.EventType,
		Action:    ActionFromEventType(env.EventType),
		UserID:    env.UserID,
		Timestamp: env.Timestamp,
		Details:   env.Data,
	}

	if taskID, ok := env.Data["task_id"].(string); ok {
		entry.TaskID = taskID
	}

	return entry
}
