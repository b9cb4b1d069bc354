package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"taskstream/internal/constants"
	"taskstream/internal/logger"
	"taskstream/pkg/logging"
	"taskstream/pkg/metrics"
)

// Producer is the transport the publisher writes to. Satisfied by
// broker.KafkaProducer.
type Producer interface {
	Publish(ctx context.Context, topic string, env Envelope) error
	Close() error
}

// Publisher emits lifecycle events without coupling callers to broker
// availability. Publish returns the generated event ID immediately; the
// actual write happens on a background goroutine and failures are logged,
// never surfaced to the caller. A mutation must not fail because the bus
// is down.
type Publisher struct {
	producer Producer
	logger   logger.Logger
}

func NewPublisher(producer Producer, log logger.Logger) *Publisher {
	return &Publisher{producer: producer, logger: log}
}

// Publish builds the envelope and hands it to the transport asynchronously.
// The returned event ID is assigned before the write is attempted, so it is
// valid even when the write later fails.
func (p *Publisher) Publish(ctx context.Context, topic, eventType, userID string, data map[string]any) string {
	env := Envelope{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		Data:      data,
	}

	// Detach from the caller's context so an already-finished request does
	// not cancel the write, but keep its trace metadata for logging.
	pubCtx := logging.WithEventID(context.WithoutCancel(ctx), env.EventID)

	go func() {
		writeCtx, cancel := context.WithTimeout(pubCtx, constants.PublishTimeout)
		defer cancel()

		if err := p.producer.Publish(writeCtx, topic, env); err != nil {
			metrics.EventsPublishedTotal.WithLabelValues(topic, "error").Inc()
			p.logger.ErrorwCtx(pubCtx, "Failed to publish event",
				"error", err,
				"topic", topic,
				"event_type", eventType,
				"user_id", userID,
			)
			return
		}

		metrics.EventsPublishedTotal.WithLabelValues(topic, "success").Inc()
		p.logger.DebugwCtx(pubCtx, "Published event",
			"topic", topic,
			"event_type", eventType,
		)
	}()

	return env.EventID
}

// PublishSync writes the envelope on the caller's goroutine and returns the
// transport error. Used where the caller must know the event reached the
// bus, e.g. the reminder scanner before flagging a reminder sent.
func (p *Publisher) PublishSync(ctx context.Context, topic, eventType, userID string, data map[string]any) (string, error) {
	env := Envelope{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		Data:      data,
	}

	writeCtx, cancel := context.WithTimeout(ctx, constants.PublishTimeout)
	defer cancel()

	if err := p.producer.Publish(writeCtx, topic, env); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(topic, "error").Inc()
		return env.EventID, err
	}

	metrics.EventsPublishedTotal.WithLabelValues(topic, "success").Inc()
	return env.EventID, nil
}

func (p *Publisher) Close() error {
	return p.producer.Close()
}
