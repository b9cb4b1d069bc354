package broker

import (
	"context"

	"taskstream/internal/events"
)

type Producer interface {
	Publish(ctx context.Context, topic string, env events.Envelope) error
	Close() error
}

type Consumer interface {
	Consume(ctx context.Context, topic string, handler HandlerFunc) error
	Close() error
	SetServiceName(name string)
}

// HandlerFunc receives an envelope already normalized at ingress. Returning
// a retryable error triggers redelivery; a fatal error routes to the DLQ.
type HandlerFunc func(ctx context.Context, env events.Envelope) error
