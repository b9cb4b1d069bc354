package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"taskstream/internal/events"
	"taskstream/internal/logger"
	"taskstream/pkg/metrics"
	"taskstream/pkg/tracing"
)

// Message is the wire format pushed to clients.
type Message struct {
	Type      string         `json:"type"`
	Action    string         `json:"action"`
	Data      map[string]any `json:"data"`
	UserID    string         `json:"user_id"`
	Timestamp time.Time      `json:"timestamp"`
}

// Broadcaster fans consumed events out to the owning user's open
// connections. Delivery is at-most-once per connection: a failed Send
// prunes the connection rather than retrying, because a client that missed
// a push reloads state on reconnect anyway.
//
// There is deliberately no idempotency guard here. A duplicated delivery
// repeats a UI refresh, which is harmless, and the guard would cost a
// round trip per event on the hottest path in the system.
type Broadcaster struct {
	registry *Registry
	logger   logger.Logger
}

func NewBroadcaster(registry *Registry, log logger.Logger) *Broadcaster {
	return &Broadcaster{registry: registry, logger: log}
}

// HandleEvent is the consumer handler for all subscribed topics.
func (b *Broadcaster) HandleEvent(ctx context.Context, env events.Envelope) error {
	ctx, span := tracing.GetTracer("realtime-service").Start(ctx, "realtime.broadcast")
	defer span.End()

	if env.UserID == "" {
		b.logger.DebugwCtx(ctx, "Event has no user, nothing to broadcast",
			"event_id", env.EventID,
			"event_type", env.EventType,
		)
		return nil
	}

	payload, err := json.Marshal(messageFromEnvelope(env))
	if err != nil {
		b.logger.ErrorwCtx(ctx, "Failed to encode broadcast message",
			"error", err,
			"event_id", env.EventID,
		)
		return nil
	}

	conns := b.registry.Connections(env.UserID)
	if len(conns) == 0 {
		return nil
	}

	delivered := 0
	for _, conn := range conns {
		if err := conn.Send(payload); err != nil {
			// One failure is enough: prune now, the client reconnects with
			// fresh state.
			b.registry.Remove(env.UserID, conn)
			_ = conn.Close()
			metrics.RealtimeBroadcastsTotal.WithLabelValues(conn.Transport(), "pruned").Inc()
			b.logger.InfowCtx(ctx, "Pruned dead realtime connection",
				"error", err,
				"user_id", env.UserID,
				"transport", conn.Transport(),
			)
			continue
		}
		delivered++
		metrics.RealtimeBroadcastsTotal.WithLabelValues(conn.Transport(), "delivered").Inc()
	}

	b.logger.DebugwCtx(ctx, "Broadcast complete",
		"event_type", env.EventType,
		"user_id", env.UserID,
		"delivered", delivered,
		"pruned", len(conns)-delivered,
	)

	return nil
}

func messageFromEnvelope(env events.Envelope) Message {
	msg := Message{
		Data:      env.Data,
		UserID:    env.UserID,
		Timestamp: env.Timestamp,
	}

	if env.EventType == events.TypeReminderDue {
		msg.Type = "reminder"
		msg.Action = events.TypeReminderDue
	} else {
		msg.Type = "task_update"
		msg.Action = strings.TrimPrefix(env.EventType, "task-")
	}

	return msg
}
